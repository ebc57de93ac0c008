package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/contracts"
)

type recordedDeadLetter struct {
	reason contracts.DeadLetterReason
	raw    []byte
}

type fakeDeadLetters struct {
	mu      sync.Mutex
	entries []recordedDeadLetter
}

func (f *fakeDeadLetters) Record(_ context.Context, reason contracts.DeadLetterReason, raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]byte, len(raw))
	copy(copied, raw)
	f.entries = append(f.entries, recordedDeadLetter{reason: reason, raw: copied})
	return nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []ClientEvent
}

func (f *fakeBroadcaster) BroadcastAll(ev ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func newDispatcher() (*Dispatcher, *fakeDeadLetters, *fakeBroadcaster) {
	dead := &fakeDeadLetters{}
	hub := &fakeBroadcaster{}
	return &Dispatcher{DeadLetters: dead, Hub: hub, Log: zap.NewNop()}, dead, hub
}

func envelopeBytes(t *testing.T, eventType string, payload any) []byte {
	t.Helper()
	raw, err := contracts.NewEnvelope("evt-1", eventType, time.Unix(1700000000, 0).UTC(), "trace-1", payload)
	require.NoError(t, err)
	return raw
}

func TestDispatchBroadcastsValidEvent(t *testing.T) {
	d, dead, hub := newDispatcher()

	raw := envelopeBytes(t, contracts.EventTypeBidPlaced, contracts.BidPlacedPayload{
		AuctionID: "a1",
		Amount:    120,
		Bidder:    "alice",
		Bidders:   []string{"alice"},
		Version:   3,
	})
	require.NoError(t, d.Dispatch(context.Background(), raw))

	require.Empty(t, dead.entries)
	require.Len(t, hub.events, 1)
	require.Equal(t, ClientEventPriceUpdate, hub.events[0].Name)
	p, ok := hub.events[0].Data.(contracts.BidPlacedPayload)
	require.True(t, ok)
	require.Equal(t, "a1", p.AuctionID)
	require.Equal(t, int64(3), p.Version)
}

func TestDispatchDeadLettersMalformedMessages(t *testing.T) {
	d, dead, hub := newDispatcher()
	ctx := context.Background()

	bad := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"type":"BID_PLACED","payload":{}}`),
		[]byte(`{"eventId":"e1","type":"TOTALLY_UNKNOWN","occurredAt":"2024-01-01T00:00:00Z","payload":{}}`),
	}
	for _, raw := range bad {
		require.NoError(t, d.Dispatch(ctx, raw))
	}

	require.Empty(t, hub.events)
	require.Len(t, dead.entries, 3)
	require.Equal(t, contracts.ReasonParseError, dead.entries[0].reason)
	require.Equal(t, contracts.ReasonSchemaInvalid, dead.entries[1].reason)
	require.Equal(t, contracts.ReasonUnknownType, dead.entries[2].reason)
	for i, raw := range bad {
		require.Equal(t, raw, dead.entries[i].raw)
	}
}

func TestDispatchDeadLettersMismatchedPayload(t *testing.T) {
	d, dead, hub := newDispatcher()

	// Known type, but the payload lacks the fields the type requires.
	raw := envelopeBytes(t, contracts.EventTypeAuctionEnded, map[string]any{"winner": "alice"})
	require.NoError(t, d.Dispatch(context.Background(), raw))

	require.Empty(t, hub.events)
	require.Len(t, dead.entries, 1)
	require.Equal(t, contracts.ReasonSchemaInvalid, dead.entries[0].reason)
}

func TestDispatchContinuesAfterBadMessage(t *testing.T) {
	d, dead, hub := newDispatcher()
	ctx := context.Background()

	require.NoError(t, d.Dispatch(ctx, []byte("garbage")))
	raw := envelopeBytes(t, contracts.EventTypeAuctionDeleted, contracts.AuctionDeletedPayload{AuctionID: "a2"})
	require.NoError(t, d.Dispatch(ctx, raw))

	require.Len(t, dead.entries, 1)
	require.Len(t, hub.events, 1)
	require.Equal(t, ClientEventAuctionDeleted, hub.events[0].Name)
}

func TestClassifyMapsEventTypes(t *testing.T) {
	winner := "bob"
	cases := []struct {
		eventType string
		payload   any
		wantName  string
	}{
		{contracts.EventTypeBidPlaced, contracts.BidPlacedPayload{AuctionID: "a1", Amount: 10, Bidder: "x"}, ClientEventPriceUpdate},
		{contracts.EventTypeAuctionCreated, contracts.AuctionCreatedPayload{Auction: contracts.AuctionSnapshot{ID: "a1", Title: "lamp"}}, ClientEventAuctionCreated},
		{contracts.EventTypeAuctionDeleted, contracts.AuctionDeletedPayload{AuctionID: "a1"}, ClientEventAuctionDeleted},
		{contracts.EventTypeAuctionEnded, contracts.AuctionEndedPayload{AuctionID: "a1", Winner: &winner, FinalPrice: 55}, ClientEventAuctionEnded},
	}
	for _, tc := range cases {
		body, err := json.Marshal(tc.payload)
		require.NoError(t, err)
		ev, err := Classify(contracts.Envelope{Type: tc.eventType, Payload: body})
		require.NoError(t, err, tc.eventType)
		require.Equal(t, tc.wantName, ev.Name, tc.eventType)
	}
}

func TestClassifyRejectsUnknownType(t *testing.T) {
	_, err := Classify(contracts.Envelope{Type: "NOPE", Payload: []byte("{}")})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func drain(t *testing.T, s *Session) Message {
	t.Helper()
	select {
	case msg := <-s.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message buffered for session")
		return Message{}
	}
}

func TestHubSendsServerTimeOnRegister(t *testing.T) {
	hub := NewHub(zap.NewNop())
	at := time.UnixMilli(1700000123456)
	hub.now = func() time.Time { return at }

	s, release := hub.Register()
	defer release()

	msg := drain(t, s)
	require.Equal(t, ClientEventServerTime, msg.Event)
	var body serverTime
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	require.Equal(t, at.UnixMilli(), body.ServerTime)
}

func TestClockTickIsIdenticalAcrossSessions(t *testing.T) {
	hub := NewHub(zap.NewNop())
	at := time.UnixMilli(1700000999000)
	hub.now = func() time.Time { return at }

	s1, release1 := hub.Register()
	defer release1()
	s2, release2 := hub.Register()
	defer release2()
	drain(t, s1)
	drain(t, s2)

	hub.broadcast(hub.timeMessage(hub.now()))

	m1 := drain(t, s1)
	m2 := drain(t, s2)
	require.Equal(t, ClientEventServerTime, m1.Event)
	require.True(t, bytes.Equal(m1.Data, m2.Data), "sessions must observe the same tick bytes")
	var body serverTime
	require.NoError(t, json.Unmarshal(m1.Data, &body))
	require.Equal(t, at.UnixMilli(), body.ServerTime)
}

func TestRunClockStopsOnCancel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.RunClock(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("clock loop did not stop")
	}
}

func TestBroadcastSkipsSlowSession(t *testing.T) {
	hub := NewHub(zap.NewNop())
	fixed := time.UnixMilli(1700000000000)
	hub.now = func() time.Time { return fixed }

	slow, releaseSlow := hub.Register()
	defer releaseSlow()
	fast, releaseFast := hub.Register()
	defer releaseFast()
	drain(t, fast)

	// Never read from slow; fill its buffer past capacity.
	for i := 0; i < sessionBuffer+8; i++ {
		require.NoError(t, hub.BroadcastAll(ClientEvent{
			Name: ClientEventAuctionDeleted,
			Data: contracts.AuctionDeletedPayload{AuctionID: "a1"},
		}))
		drain(t, fast)
	}
	_ = slow

	// The fast session stayed live throughout; broadcasting never blocked.
	require.NoError(t, hub.BroadcastAll(ClientEvent{
		Name: ClientEventAuctionDeleted,
		Data: contracts.AuctionDeletedPayload{AuctionID: "a2"},
	}))
	last := drain(t, fast)
	var p contracts.AuctionDeletedPayload
	require.NoError(t, json.Unmarshal(last.Data, &p))
	require.Equal(t, "a2", p.AuctionID)
}

func TestReleaseClosesSession(t *testing.T) {
	hub := NewHub(zap.NewNop())
	s, release := hub.Register()
	drain(t, s)
	release()

	_, open := <-s.Messages()
	require.False(t, open)

	// Broadcasting after release must not panic on the closed channel.
	require.NoError(t, hub.BroadcastAll(ClientEvent{
		Name: ClientEventAuctionDeleted,
		Data: contracts.AuctionDeletedPayload{AuctionID: "a1"},
	}))
}
