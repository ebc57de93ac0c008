package auctions

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createAuctionsTableSQL = `
CREATE TABLE IF NOT EXISTS auctions (
  id text PRIMARY KEY,
  title text NOT NULL,
  start_price double precision NOT NULL,
  current_price double precision NOT NULL,
  highest_bidder text,
  bidders text[] NOT NULL DEFAULT '{}',
  end_time timestamptz NOT NULL,
  is_active boolean NOT NULL DEFAULT true,
  version bigint NOT NULL DEFAULT 0,
  created_at timestamptz NOT NULL DEFAULT now()
)`

const createAuctionsEndTimeIndexSQL = `
CREATE INDEX IF NOT EXISTS auctions_active_end_time_idx
ON auctions (is_active, end_time)`

const createBidsTableSQL = `
CREATE TABLE IF NOT EXISTS bids (
  id text PRIMARY KEY,
  auction_id text NOT NULL,
  bidder text NOT NULL,
  amount double precision NOT NULL,
  placed_at timestamptz NOT NULL DEFAULT now()
)`

const createBidsAuctionIndexSQL = `
CREATE INDEX IF NOT EXISTS bids_auction_idx ON bids (auction_id)`

const auctionColumns = `id, title, start_price, current_price, highest_bidder,
       bidders, end_time, is_active, version, created_at`

const insertAuctionSQL = `
INSERT INTO auctions (id, title, start_price, current_price, highest_bidder,
                      bidders, end_time, is_active, version, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// applyBidSQL is the optimistic-concurrency commit: one atomic UPDATE whose
// predicate requires the record to still exist, still be active, not yet
// ended, priced strictly below the new amount, and at the version the caller
// observed. The bidder joins the set only if absent, keeping membership
// atomic with the price change. Zero rows means a concurrent bid won.
const applyBidSQL = `
UPDATE auctions
SET current_price = $3,
    highest_bidder = $4,
    bidders = CASE WHEN $4 = ANY(bidders) THEN bidders ELSE array_append(bidders, $4) END,
    version = version + 1
WHERE id = $1
  AND version = $2
  AND is_active
  AND end_time > $5
  AND current_price < $3
RETURNING ` + auctionColumns

// markEndedSQL flips is_active only when it is still true, making expiry
// idempotent: the second execution matches zero rows.
const markEndedSQL = `
UPDATE auctions
SET is_active = false
WHERE id = $1 AND is_active
RETURNING highest_bidder, current_price`

const insertBidSQL = `
INSERT INTO bids (id, auction_id, bidder, amount, placed_at)
VALUES ($1, $2, $3, $4, $5)`

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createAuctionsTableSQL,
		createAuctionsEndTimeIndexSQL,
		createBidsTableSQL,
		createBidsAuctionIndexSQL,
	} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, a Auction) error {
	bidders := a.Bidders
	if bidders == nil {
		bidders = []string{}
	}
	_, err := r.Pool.Exec(ctx, insertAuctionSQL,
		a.ID, a.Title, a.StartPrice, a.CurrentPrice, a.HighestBidder,
		bidders, a.EndTime, a.IsActive, a.Version, a.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Auction, error) {
	row := r.Pool.QueryRow(ctx,
		`SELECT `+auctionColumns+` FROM auctions WHERE id = $1`, id)
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Auction{}, ErrNotFound
		}
		return Auction{}, err
	}
	return a, nil
}

// ListActive returns active auctions, newest first.
func (r *PostgresRepository) ListActive(ctx context.Context) ([]Auction, error) {
	return r.list(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE is_active
		 ORDER BY created_at DESC`)
}

// ListActiveEndingAfter returns active auctions whose end time is still in
// the future relative to now; these need a scheduled expiry task.
func (r *PostgresRepository) ListActiveEndingAfter(ctx context.Context, now time.Time) ([]Auction, error) {
	return r.list(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE is_active AND end_time > $1
		 ORDER BY end_time ASC`, now)
}

// ListActiveEndedBy returns auctions that should already have expired; the
// reconciliation sweep closes them directly.
func (r *PostgresRepository) ListActiveEndedBy(ctx context.Context, now time.Time) ([]Auction, error) {
	return r.list(ctx,
		`SELECT `+auctionColumns+` FROM auctions
		 WHERE is_active AND end_time <= $1
		 ORDER BY end_time ASC`, now)
}

// ApplyBid attempts the single-statement OCC commit. ErrNoMatch means the
// predicate failed: the caller should reload state and decide whether to
// retry.
func (r *PostgresRepository) ApplyBid(ctx context.Context, id string, expectedVersion int64, amount float64, bidder string, now time.Time) (Auction, error) {
	row := r.Pool.QueryRow(ctx, applyBidSQL, id, expectedVersion, amount, bidder, now)
	a, err := scanAuction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Auction{}, ErrNoMatch
		}
		return Auction{}, err
	}
	return a, nil
}

// MarkEnded applies the expire transition if the auction is still active.
// ErrNoMatch means it was already inactive or deleted, which callers treat
// as a safe no-op.
func (r *PostgresRepository) MarkEnded(ctx context.Context, id string) (EndedResult, error) {
	res := EndedResult{AuctionID: id}
	err := r.Pool.QueryRow(ctx, markEndedSQL, id).Scan(&res.Winner, &res.FinalPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return EndedResult{}, ErrNoMatch
		}
		return EndedResult{}, err
	}
	return res, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.Pool.Exec(ctx, `DELETE FROM auctions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) InsertBid(ctx context.Context, b Bid) error {
	_, err := r.Pool.Exec(ctx, insertBidSQL, b.ID, b.AuctionID, b.Bidder, b.Amount, b.PlacedAt)
	return err
}

func (r *PostgresRepository) ListBids(ctx context.Context, auctionID string, limit int) ([]Bid, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id, auction_id, bidder, amount, placed_at
		 FROM bids
		 WHERE auction_id = $1
		 ORDER BY placed_at DESC
		 LIMIT $2`,
		auctionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]Bid, 0, limit)
	for rows.Next() {
		var b Bid
		if err := rows.Scan(&b.ID, &b.AuctionID, &b.Bidder, &b.Amount, &b.PlacedAt); err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// CountAuctions reports the total number of auction rows; the demo seed only
// runs against an empty table.
func (r *PostgresRepository) CountAuctions(ctx context.Context) (int64, error) {
	var n int64
	err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM auctions`).Scan(&n)
	return n, err
}

func (r *PostgresRepository) list(ctx context.Context, sql string, args ...any) ([]Auction, error) {
	rows, err := r.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAuction(row pgx.Row) (Auction, error) {
	var a Auction
	err := row.Scan(
		&a.ID,
		&a.Title,
		&a.StartPrice,
		&a.CurrentPrice,
		&a.HighestBidder,
		&a.Bidders,
		&a.EndTime,
		&a.IsActive,
		&a.Version,
		&a.CreatedAt,
	)
	return a, err
}
