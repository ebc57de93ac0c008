// Package auctions holds the auction domain records and their Postgres
// repository. All mutation of an auction after creation goes through two
// transitions: an accepted bid (ApplyBid) and expiry (MarkEnded), both
// expressed as single atomic conditional updates.
package auctions

import (
	"errors"
	"time"

	"github.com/auction-live/platform/internal/contracts"
)

var (
	// ErrNotFound is returned when no auction matches the requested id.
	ErrNotFound = errors.New("auction not found")
	// ErrNoMatch is returned when a conditional update matched zero rows:
	// the optimistic-concurrency predicate failed or the transition already
	// happened.
	ErrNoMatch = errors.New("conditional update matched no rows")
)

// Auction is the shared mutable record. version increments by exactly one per
// accepted bid and never decreases; once IsActive is false the price, bidder,
// and bidders fields are frozen.
type Auction struct {
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

// Snapshot converts the record to its wire representation.
func (a Auction) Snapshot() contracts.AuctionSnapshot {
	bidders := a.Bidders
	if bidders == nil {
		bidders = []string{}
	}
	return contracts.AuctionSnapshot{
		ID:            a.ID,
		Title:         a.Title,
		StartPrice:    a.StartPrice,
		CurrentPrice:  a.CurrentPrice,
		HighestBidder: a.HighestBidder,
		Bidders:       bidders,
		EndTime:       a.EndTime,
		IsActive:      a.IsActive,
		Version:       a.Version,
		CreatedAt:     a.CreatedAt,
	}
}

// Bid is an append-only audit record. Never updated or deleted.
type Bid struct {
	ID        string    `json:"id"`
	AuctionID string    `json:"auctionId"`
	Bidder    string    `json:"bidder"`
	Amount    float64   `json:"amount"`
	PlacedAt  time.Time `json:"placedAt"`
}

// EndedResult reports the outcome of an expiry transition.
type EndedResult struct {
	AuctionID  string
	Winner     *string
	FinalPrice float64
}
