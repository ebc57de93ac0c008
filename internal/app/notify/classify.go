// Package notify bridges the auction event stream to connected realtime
// clients: it validates and classifies envelopes, dead-letters the rest, and
// fans valid events out to every session on this replica.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/auction-live/platform/internal/contracts"
)

// Client-facing event names. Broadcasts are global: the auction list is
// visible to every connected session.
const (
	ClientEventPriceUpdate    = "price_update"
	ClientEventAuctionCreated = "auction_created"
	ClientEventAuctionDeleted = "auction_deleted"
	ClientEventAuctionEnded   = "auction_ended"
	ClientEventServerTime     = "server_time"
)

var ErrMalformedPayload = errors.New("event payload does not match its type")

// ClientEvent is one fan-out unit: an SSE event name plus its data.
type ClientEvent struct {
	Name string
	Data any
}

// Classify maps a validated envelope to the client-facing event. The payload
// is re-decoded against the type-specific shape; a mismatch is reported as
// ErrMalformedPayload and the caller dead-letters the raw message.
func Classify(env contracts.Envelope) (ClientEvent, error) {
	switch env.Type {
	case contracts.EventTypeBidPlaced:
		var p contracts.BidPlacedPayload
		if err := decodePayload(env, &p); err != nil {
			return ClientEvent{}, err
		}
		if p.AuctionID == "" {
			return ClientEvent{}, fmt.Errorf("%w: %s without auctionId", ErrMalformedPayload, env.Type)
		}
		return ClientEvent{Name: ClientEventPriceUpdate, Data: p}, nil

	case contracts.EventTypeAuctionCreated:
		var p contracts.AuctionCreatedPayload
		if err := decodePayload(env, &p); err != nil {
			return ClientEvent{}, err
		}
		if p.Auction.ID == "" {
			return ClientEvent{}, fmt.Errorf("%w: %s without auction snapshot", ErrMalformedPayload, env.Type)
		}
		return ClientEvent{Name: ClientEventAuctionCreated, Data: p.Auction}, nil

	case contracts.EventTypeAuctionDeleted:
		var p contracts.AuctionDeletedPayload
		if err := decodePayload(env, &p); err != nil {
			return ClientEvent{}, err
		}
		if p.AuctionID == "" {
			return ClientEvent{}, fmt.Errorf("%w: %s without auctionId", ErrMalformedPayload, env.Type)
		}
		return ClientEvent{Name: ClientEventAuctionDeleted, Data: p}, nil

	case contracts.EventTypeAuctionEnded:
		var p contracts.AuctionEndedPayload
		if err := decodePayload(env, &p); err != nil {
			return ClientEvent{}, err
		}
		if p.AuctionID == "" {
			return ClientEvent{}, fmt.Errorf("%w: %s without auctionId", ErrMalformedPayload, env.Type)
		}
		return ClientEvent{Name: ClientEventAuctionEnded, Data: p}, nil

	default:
		// Decode already filters unknown types; this is a safety net for
		// callers constructing envelopes directly.
		return ClientEvent{}, fmt.Errorf("%w: %s", ErrMalformedPayload, env.Type)
	}
}

func decodePayload(env contracts.Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
