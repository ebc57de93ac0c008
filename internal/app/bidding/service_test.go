package bidding

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auction-live/platform/internal/app/auctions"
	"github.com/auction-live/platform/internal/contracts"
)

// fakeStore reproduces the repository's conditional-update semantics in
// memory: ApplyBid commits only when the full OCC predicate holds.
type fakeStore struct {
	byID     map[string]auctions.Auction
	bids     []auctions.Bid
	deleted  []string
	inserted []auctions.Auction
}

func newFakeStore(items ...auctions.Auction) *fakeStore {
	s := &fakeStore{byID: map[string]auctions.Auction{}}
	for _, a := range items {
		s.byID[a.ID] = a
	}
	return s
}

func (s *fakeStore) FindByID(_ context.Context, id string) (auctions.Auction, error) {
	a, ok := s.byID[id]
	if !ok {
		return auctions.Auction{}, auctions.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) Insert(_ context.Context, a auctions.Auction) error {
	s.byID[a.ID] = a
	s.inserted = append(s.inserted, a)
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	if _, ok := s.byID[id]; !ok {
		return auctions.ErrNotFound
	}
	delete(s.byID, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) ApplyBid(_ context.Context, id string, expectedVersion int64, amount float64, bidder string, now time.Time) (auctions.Auction, error) {
	a, ok := s.byID[id]
	if !ok || a.Version != expectedVersion || !a.IsActive || !a.EndTime.After(now) || a.CurrentPrice >= amount {
		return auctions.Auction{}, auctions.ErrNoMatch
	}
	a.CurrentPrice = amount
	a.HighestBidder = &bidder
	found := false
	for _, b := range a.Bidders {
		if b == bidder {
			found = true
			break
		}
	}
	if !found {
		a.Bidders = append(append([]string{}, a.Bidders...), bidder)
	}
	a.Version++
	s.byID[id] = a
	return a, nil
}

func (s *fakeStore) InsertBid(_ context.Context, b auctions.Bid) error {
	s.bids = append(s.bids, b)
	return nil
}

type publishRecorder struct {
	envelopes []contracts.Envelope
}

func (p *publishRecorder) publish(t *testing.T) PublishFunc {
	return func(subject string, payload []byte) error {
		if subject != contracts.EventChannel {
			t.Fatalf("unexpected subject: %q", subject)
		}
		var env contracts.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("published payload is not an envelope: %v", err)
		}
		p.envelopes = append(p.envelopes, env)
		return nil
	}
}

type noopScheduler struct{ scheduled []string }

func (n *noopScheduler) ScheduleExpiry(_ context.Context, a auctions.Auction) error {
	n.scheduled = append(n.scheduled, a.ID)
	return nil
}

func testClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func activeAuction(id string, price float64, version int64) auctions.Auction {
	return auctions.Auction{
		ID:           id,
		Title:        "Vintage Synth",
		StartPrice:   price,
		CurrentPrice: price,
		Bidders:      []string{},
		EndTime:      testClock().Add(time.Hour),
		IsActive:     true,
		Version:      version,
		CreatedAt:    testClock().Add(-time.Hour),
	}
}

func newTestService(store *fakeStore, rec *publishRecorder, t *testing.T) *Service {
	svc := NewService(store, &noopScheduler{}, rec.publish(t), 1)
	svc.Now = testClock
	seq := 0
	svc.NewID = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return svc
}

func TestPlaceBid_Accepted(t *testing.T) {
	store := newFakeStore(activeAuction("a1", 100, 0))
	rec := &publishRecorder{}
	svc := newTestService(store, rec, t)

	updated, err := svc.PlaceBid(context.Background(), "a1", "u1", 101, nil)
	require.NoError(t, err)
	assert.Equal(t, 101.0, updated.CurrentPrice)
	assert.Equal(t, int64(1), updated.Version)
	require.NotNil(t, updated.HighestBidder)
	assert.Equal(t, "u1", *updated.HighestBidder)
	assert.Equal(t, []string{"u1"}, updated.Bidders)

	require.Len(t, store.bids, 1)
	assert.Equal(t, "a1", store.bids[0].AuctionID)
	assert.Equal(t, 101.0, store.bids[0].Amount)

	require.Len(t, rec.envelopes, 1)
	env := rec.envelopes[0]
	assert.Equal(t, contracts.EventTypeBidPlaced, env.Type)
	var payload contracts.BidPlacedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "a1", payload.AuctionID)
	assert.Equal(t, 101.0, payload.Amount)
	assert.Equal(t, []string{"u1"}, payload.Bidders)
	assert.Equal(t, int64(1), payload.Version)
}

func TestPlaceBid_InvalidAmounts(t *testing.T) {
	store := newFakeStore(activeAuction("a1", 100, 0))
	rec := &publishRecorder{}
	svc := newTestService(store, rec, t)

	for _, amount := range []float64{0, -5} {
		_, err := svc.PlaceBid(context.Background(), "a1", "u1", amount, nil)
		assert.ErrorIs(t, err, ErrInvalidAmount, "amount %v", amount)
	}
	assert.Empty(t, store.bids, "rejections must not persist anything")
	assert.Empty(t, rec.envelopes)
}

func TestPlaceBid_NotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), &publishRecorder{}, t)
	_, err := svc.PlaceBid(context.Background(), "missing", "u1", 10, nil)
	assert.ErrorIs(t, err, ErrAuctionNotFound)
}

func TestPlaceBid_InactiveAndEnded(t *testing.T) {
	closed := activeAuction("closed", 100, 0)
	closed.IsActive = false
	ended := activeAuction("ended", 100, 0)
	ended.EndTime = testClock().Add(-time.Minute)

	store := newFakeStore(closed, ended)
	rec := &publishRecorder{}
	svc := newTestService(store, rec, t)

	_, err := svc.PlaceBid(context.Background(), "closed", "u1", 200, nil)
	assert.ErrorIs(t, err, ErrAuctionClosed)
	_, err = svc.PlaceBid(context.Background(), "ended", "u1", 200, nil)
	assert.ErrorIs(t, err, ErrAuctionEnded)
	assert.Empty(t, store.bids)
	assert.Empty(t, rec.envelopes)
}

func TestPlaceBid_MinimumIncrementBoundary(t *testing.T) {
	store := newFakeStore(activeAuction("a1", 100, 0))
	svc := newTestService(store, &publishRecorder{}, t)
	svc.MinIncrement = 5

	// currentPrice + increment - 1 is always rejected as a rule violation.
	_, err := svc.PlaceBid(context.Background(), "a1", "u1", 104, nil)
	assert.ErrorIs(t, err, ErrBidTooLow)

	_, err = svc.PlaceBid(context.Background(), "a1", "u1", 105, nil)
	assert.NoError(t, err)
}

func TestPlaceBid_ConflictOnStaleVersion(t *testing.T) {
	store := newFakeStore(activeAuction("a1", 100, 0))
	rec := &publishRecorder{}
	svc := newTestService(store, rec, t)

	_, err := svc.PlaceBid(context.Background(), "a1", "u1", 101, nil)
	require.NoError(t, err)

	stale := int64(0)
	_, err = svc.PlaceBid(context.Background(), "a1", "u2", 110, &stale)
	assert.ErrorIs(t, err, ErrConflict)

	// One accepted bid means exactly one bid row and one envelope.
	assert.Len(t, store.bids, 1)
	assert.Len(t, rec.envelopes, 1)
}

// TestPlaceBid_RaceScenario is the end-to-end arbitration script: a low bid
// is a rule violation, a valid bid bumps the version, and of two racing bids
// read at the same version exactly one commits while the other conflicts.
func TestPlaceBid_RaceScenario(t *testing.T) {
	store := newFakeStore(activeAuction("A", 100, 0))
	rec := &publishRecorder{}
	svc := newTestService(store, rec, t)

	ctx := context.Background()

	_, err := svc.PlaceBid(ctx, "A", "u1", 90, nil)
	require.ErrorIs(t, err, ErrBidTooLow)

	first, err := svc.PlaceBid(ctx, "A", "u1", 101, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Version)

	// Both racers observed version 1.
	observed := int64(1)
	winner, err := svc.PlaceBid(ctx, "A", "u2", 105, &observed)
	require.NoError(t, err)
	assert.Equal(t, int64(2), winner.Version)
	assert.Equal(t, 105.0, winner.CurrentPrice)

	_, err = svc.PlaceBid(ctx, "A", "u3", 110, &observed)
	assert.ErrorIs(t, err, ErrConflict)

	final := store.byID["A"]
	assert.Equal(t, int64(2), final.Version)
	assert.ElementsMatch(t, []string{"u1", "u2"}, final.Bidders)
	assert.Len(t, store.bids, 2)
	assert.Len(t, rec.envelopes, 2)
}

func TestCreateAuction(t *testing.T) {
	store := newFakeStore()
	rec := &publishRecorder{}
	sched := &noopScheduler{}
	svc := newTestService(store, rec, t)
	svc.Scheduler = sched

	end := testClock().Add(2 * time.Hour)
	created, err := svc.CreateAuction(context.Background(), "  Old Map  ", 50, end)
	require.NoError(t, err)
	assert.Equal(t, "Old Map", created.Title)
	assert.Equal(t, 50.0, created.CurrentPrice)
	assert.True(t, created.IsActive)
	assert.Equal(t, int64(0), created.Version)
	assert.Equal(t, []string{created.ID}, sched.scheduled)

	require.Len(t, rec.envelopes, 1)
	assert.Equal(t, contracts.EventTypeAuctionCreated, rec.envelopes[0].Type)
	var payload contracts.AuctionCreatedPayload
	require.NoError(t, json.Unmarshal(rec.envelopes[0].Payload, &payload))
	assert.Equal(t, created.ID, payload.Auction.ID)
}

func TestCreateAuction_DefaultsEndTime(t *testing.T) {
	svc := newTestService(newFakeStore(), &publishRecorder{}, t)
	created, err := svc.CreateAuction(context.Background(), "Lamp", 10, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, testClock().Add(24*time.Hour), created.EndTime)
}

func TestCreateAuction_Rejections(t *testing.T) {
	svc := newTestService(newFakeStore(), &publishRecorder{}, t)
	ctx := context.Background()

	_, err := svc.CreateAuction(ctx, "  ", 10, testClock().Add(time.Hour))
	assert.ErrorIs(t, err, ErrTitleRequired)
	_, err = svc.CreateAuction(ctx, "Lamp", -1, testClock().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidStartPrice)
	_, err = svc.CreateAuction(ctx, "Lamp", 10, testClock().Add(-time.Hour))
	assert.ErrorIs(t, err, ErrEndTimeInPast)
}

func TestDeleteAuction(t *testing.T) {
	store := newFakeStore(activeAuction("a1", 100, 0))
	rec := &publishRecorder{}
	svc := newTestService(store, rec, t)

	require.NoError(t, svc.DeleteAuction(context.Background(), "a1"))
	assert.Equal(t, []string{"a1"}, store.deleted)
	require.Len(t, rec.envelopes, 1)
	assert.Equal(t, contracts.EventTypeAuctionDeleted, rec.envelopes[0].Type)

	err := svc.DeleteAuction(context.Background(), "a1")
	assert.ErrorIs(t, err, ErrAuctionNotFound)
}
