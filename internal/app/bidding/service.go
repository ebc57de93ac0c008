// Package bidding implements the bid arbitration engine: it validates a bid
// against current auction state and commits it through a single atomic
// conditional update, so concurrent bidders are serialized without locks.
package bidding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/auction-live/platform/internal/app/auctions"
	"github.com/auction-live/platform/internal/contracts"
	"github.com/auction-live/platform/internal/platform/logging"
	"github.com/auction-live/platform/internal/platform/metrics"
)

var (
	// ErrInvalidAmount rejects malformed input before any store access.
	ErrInvalidAmount = errors.New("bid amount must be a finite positive number")
	// ErrTitleRequired rejects auction creation without a title.
	ErrTitleRequired = errors.New("title is required")
	// ErrInvalidStartPrice rejects a negative or non-finite start price.
	ErrInvalidStartPrice = errors.New("start price must be a finite non-negative number")
	// ErrEndTimeInPast rejects auction creation whose end time already passed.
	ErrEndTimeInPast = errors.New("end time must be in the future")
	// ErrAuctionNotFound maps to 404.
	ErrAuctionNotFound = errors.New("auction not found")
	// ErrAuctionClosed is a business rule violation: the auction is inactive.
	ErrAuctionClosed = errors.New("auction is no longer active")
	// ErrAuctionEnded is a business rule violation: the end time has passed.
	ErrAuctionEnded = errors.New("auction has ended")
	// ErrBidTooLow is a business rule violation: below the minimum increment.
	ErrBidTooLow = errors.New("bid below minimum")
	// ErrConflict means the optimistic-concurrency predicate failed because a
	// concurrent bid won the race or the supplied version is stale. Callers
	// should reload state and may retry; it is distinct from rule violations
	// so UIs can auto-retry conflicts but not bad input.
	ErrConflict = errors.New("concurrent bid won, reload and retry")
)

var bidOutcomes = metrics.NewCounterVec(metrics.Opts{
	Name: "auction_bids_total",
	Help: "Bid attempts by outcome.",
}, []string{"outcome"})

var eventsPublished = metrics.NewCounterVec(metrics.Opts{
	Name: "auction_events_published_total",
	Help: "Domain events published to the bus by type.",
}, []string{"type"})

func init() {
	metrics.Default.MustRegister(bidOutcomes, eventsPublished)
}

// DefaultMinIncrement is the minimum amount a new bid must exceed the
// current price by when no override is configured.
const DefaultMinIncrement = 1.0

const defaultAuctionDuration = 24 * time.Hour

// Store is the slice of the auction repository the engine needs.
type Store interface {
	FindByID(ctx context.Context, id string) (auctions.Auction, error)
	Insert(ctx context.Context, a auctions.Auction) error
	Delete(ctx context.Context, id string) error
	ApplyBid(ctx context.Context, id string, expectedVersion int64, amount float64, bidder string, now time.Time) (auctions.Auction, error)
	InsertBid(ctx context.Context, b auctions.Bid) error
}

// Scheduler enqueues the one-shot expiry task for a new auction.
type Scheduler interface {
	ScheduleExpiry(ctx context.Context, a auctions.Auction) error
}

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Store        Store
	Scheduler    Scheduler
	Publish      PublishFunc
	MinIncrement float64
	Now          func() time.Time
	NewID        func() string
}

func NewService(store Store, scheduler Scheduler, publish PublishFunc, minIncrement float64) *Service {
	if minIncrement <= 0 {
		minIncrement = DefaultMinIncrement
	}
	return &Service{
		Store:        store,
		Scheduler:    scheduler,
		Publish:      publish,
		MinIncrement: minIncrement,
		Now:          func() time.Time { return time.Now().UTC() },
		NewID:        uuid.NewString,
	}
}

// PlaceBid validates and commits a bid. expectedVersion may be nil, in which
// case the version read during validation anchors the commit predicate. On
// success exactly one Bid record is appended and one BID_PLACED envelope is
// published; every rejection path leaves the store untouched.
func (s *Service) PlaceBid(ctx context.Context, auctionID, bidder string, amount float64, expectedVersion *int64) (auctions.Auction, error) {
	if strings.TrimSpace(auctionID) == "" || strings.TrimSpace(bidder) == "" {
		bidOutcomes.WithLabelValues("invalid").Inc()
		return auctions.Auction{}, ErrInvalidAmount
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		bidOutcomes.WithLabelValues("invalid").Inc()
		return auctions.Auction{}, ErrInvalidAmount
	}

	now := s.Now()
	current, err := s.Store.FindByID(ctx, auctionID)
	if err != nil {
		if errors.Is(err, auctions.ErrNotFound) {
			bidOutcomes.WithLabelValues("not_found").Inc()
			return auctions.Auction{}, ErrAuctionNotFound
		}
		return auctions.Auction{}, err
	}
	if !current.IsActive {
		bidOutcomes.WithLabelValues("rejected").Inc()
		return auctions.Auction{}, ErrAuctionClosed
	}
	if !current.EndTime.After(now) {
		bidOutcomes.WithLabelValues("rejected").Inc()
		return auctions.Auction{}, ErrAuctionEnded
	}

	minRequired := current.CurrentPrice + s.MinIncrement
	if amount < minRequired {
		bidOutcomes.WithLabelValues("rejected").Inc()
		return auctions.Auction{}, fmt.Errorf("%w: minimum acceptable bid is %.2f", ErrBidTooLow, minRequired)
	}

	expected := current.Version
	if expectedVersion != nil {
		expected = *expectedVersion
	}

	updated, err := s.Store.ApplyBid(ctx, auctionID, expected, amount, bidder, now)
	if err != nil {
		if errors.Is(err, auctions.ErrNoMatch) {
			bidOutcomes.WithLabelValues("conflict").Inc()
			return auctions.Auction{}, ErrConflict
		}
		return auctions.Auction{}, err
	}

	bid := auctions.Bid{
		ID:        s.NewID(),
		AuctionID: auctionID,
		Bidder:    bidder,
		Amount:    amount,
		PlacedAt:  now,
	}
	if err := s.Store.InsertBid(ctx, bid); err != nil {
		// The price change is committed; the caller gets a transport error
		// and must re-query rather than assume failure.
		return auctions.Auction{}, fmt.Errorf("record bid for auction %s: %w", auctionID, err)
	}

	if err := s.publishEvent(ctx, contracts.EventTypeBidPlaced, contracts.BidPlacedPayload{
		AuctionID: auctionID,
		Amount:    amount,
		Bidder:    bidder,
		Bidders:   updated.Bidders,
		Version:   updated.Version,
	}); err != nil {
		return auctions.Auction{}, fmt.Errorf("publish BID_PLACED for auction %s: %w", auctionID, err)
	}

	bidOutcomes.WithLabelValues("accepted").Inc()
	return updated, nil
}

// CreateAuction inserts a new active auction, schedules its expiry, and
// announces it on the bus. A zero endTime defaults to 24h from now.
func (s *Service) CreateAuction(ctx context.Context, title string, startPrice float64, endTime time.Time) (auctions.Auction, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return auctions.Auction{}, ErrTitleRequired
	}
	if math.IsNaN(startPrice) || math.IsInf(startPrice, 0) || startPrice < 0 {
		return auctions.Auction{}, ErrInvalidStartPrice
	}

	now := s.Now()
	if endTime.IsZero() {
		endTime = now.Add(defaultAuctionDuration)
	}
	if !endTime.After(now) {
		return auctions.Auction{}, ErrEndTimeInPast
	}

	a := auctions.Auction{
		ID:           s.NewID(),
		Title:        title,
		StartPrice:   startPrice,
		CurrentPrice: startPrice,
		Bidders:      []string{},
		EndTime:      endTime,
		IsActive:     true,
		Version:      0,
		CreatedAt:    now,
	}
	if err := s.Store.Insert(ctx, a); err != nil {
		return auctions.Auction{}, err
	}
	if err := s.Scheduler.ScheduleExpiry(ctx, a); err != nil {
		return auctions.Auction{}, fmt.Errorf("schedule expiry for auction %s: %w", a.ID, err)
	}
	if err := s.publishEvent(ctx, contracts.EventTypeAuctionCreated, contracts.AuctionCreatedPayload{
		Auction: a.Snapshot(),
	}); err != nil {
		return auctions.Auction{}, fmt.Errorf("publish AUCTION_CREATED for auction %s: %w", a.ID, err)
	}
	return a, nil
}

// DeleteAuction hard-removes an auction. A scheduled expiry task for it
// becomes a safe no-op at fire time.
func (s *Service) DeleteAuction(ctx context.Context, auctionID string) error {
	if err := s.Store.Delete(ctx, auctionID); err != nil {
		if errors.Is(err, auctions.ErrNotFound) {
			return ErrAuctionNotFound
		}
		return err
	}
	if err := s.publishEvent(ctx, contracts.EventTypeAuctionDeleted, contracts.AuctionDeletedPayload{
		AuctionID: auctionID,
	}); err != nil {
		return fmt.Errorf("publish AUCTION_DELETED for auction %s: %w", auctionID, err)
	}
	return nil
}

func (s *Service) publishEvent(ctx context.Context, eventType string, payload any) error {
	raw, err := contracts.NewEnvelope(s.NewID(), eventType, s.Now(), logging.TraceIDFrom(ctx), payload)
	if err != nil {
		return err
	}
	if err := s.Publish(contracts.EventChannel, raw); err != nil {
		return err
	}
	eventsPublished.WithLabelValues(eventType).Inc()
	return nil
}
