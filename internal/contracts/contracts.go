// Package contracts defines the wire contract shared by the auction services:
// the event envelope published on the bus, the closed set of event types, and
// the delayed expiry task payload.
package contracts

import (
	"encoding/json"
	"strings"
	"time"
)

// EventChannel is the versioned subject carrying every auction domain event.
// Producers and consumers must agree on this constant; bumping the version
// lets a new schema roll out without silently breaking older consumers.
const EventChannel = "auction.event.v1"

// ExpiryTaskSubject carries scheduled expiry tasks to the expiry workers.
const ExpiryTaskSubject = "auction.expiry.task"

// Event types carried by the envelope. The set is closed: anything else is
// dead-lettered by consumers.
const (
	EventTypeBidPlaced      = "BID_PLACED"
	EventTypeAuctionCreated = "AUCTION_CREATED"
	EventTypeAuctionDeleted = "AUCTION_DELETED"
	EventTypeAuctionEnded   = "AUCTION_ENDED"
)

// Envelope wraps every domain event crossing the bus. The publishing side
// assigns EventID and OccurredAt; consumers use EventID for idempotent dedup.
type Envelope struct {
	EventID    string          `json:"eventId"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurredAt"`
	TraceID    string          `json:"traceId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// AuctionSnapshot is the full auction state carried by AUCTION_CREATED.
type AuctionSnapshot struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	StartPrice    float64   `json:"startPrice"`
	CurrentPrice  float64   `json:"currentPrice"`
	HighestBidder *string   `json:"highestBidder"`
	Bidders       []string  `json:"bidders"`
	EndTime       time.Time `json:"endTime"`
	IsActive      bool      `json:"isActive"`
	Version       int64     `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
}

// BidPlacedPayload carries the committed bid plus the post-commit version so
// consumers can discard out-of-order deliveries.
type BidPlacedPayload struct {
	AuctionID string   `json:"auctionId"`
	Amount    float64  `json:"amount"`
	Bidder    string   `json:"bidder"`
	Bidders   []string `json:"bidders"`
	Version   int64    `json:"version"`
}

type AuctionCreatedPayload struct {
	Auction AuctionSnapshot `json:"auction"`
}

type AuctionDeletedPayload struct {
	AuctionID string `json:"auctionId"`
}

type AuctionEndedPayload struct {
	AuctionID  string  `json:"auctionId"`
	Winner     *string `json:"winner"`
	FinalPrice float64 `json:"finalPrice"`
}

// ExpiryTask is the delayed job enqueued per auction, keyed by AuctionID so
// re-enqueuing the same auction never duplicates scheduled work.
type ExpiryTask struct {
	AuctionID string    `json:"auctionId"`
	FireAt    time.Time `json:"fireAt"`
}

// NewEnvelope marshals a fully-constructed envelope for publishing. The
// payload is marshaled first so an encoding failure surfaces before anything
// reaches the bus; a partially-built envelope is never published.
func NewEnvelope(eventID, eventType string, occurredAt time.Time, traceID string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		EventID:    eventID,
		Type:       eventType,
		OccurredAt: occurredAt,
		TraceID:    traceID,
		Payload:    body,
	})
}

// DeadLetterReason classifies why a bus message was rejected by a consumer.
type DeadLetterReason string

const (
	ReasonParseError    DeadLetterReason = "parse_error"
	ReasonSchemaInvalid DeadLetterReason = "schema_invalid"
	ReasonUnknownType   DeadLetterReason = "unknown_type"
)

// KnownEventType reports whether t belongs to the closed event type set.
func KnownEventType(t string) bool {
	switch t {
	case EventTypeBidPlaced, EventTypeAuctionCreated, EventTypeAuctionDeleted, EventTypeAuctionEnded:
		return true
	default:
		return false
	}
}

// Decode parses and validates a raw bus message. On failure it returns the
// dead-letter reason alongside the error; such messages are never delivered
// to clients.
func Decode(raw []byte) (Envelope, DeadLetterReason, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, ReasonParseError, err
	}
	if err := env.validate(); err != nil {
		if t := strings.TrimSpace(env.Type); t != "" && !KnownEventType(t) {
			return Envelope{}, ReasonUnknownType, err
		}
		return Envelope{}, ReasonSchemaInvalid, err
	}
	return env, "", nil
}

func (e Envelope) validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return errMissingField("eventId")
	}
	if strings.TrimSpace(e.Type) == "" {
		return errMissingField("type")
	}
	if !KnownEventType(e.Type) {
		return errUnknownType(e.Type)
	}
	if e.OccurredAt.IsZero() {
		return errMissingField("occurredAt")
	}
	if len(e.Payload) == 0 {
		return errMissingField("payload")
	}
	return nil
}

type errMissingField string

func (e errMissingField) Error() string { return "envelope field missing or empty: " + string(e) }

type errUnknownType string

func (e errUnknownType) Error() string { return "unknown event type: " + string(e) }
