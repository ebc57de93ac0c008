// Package expiry guarantees every active auction transitions to inactive at
// (or shortly after) its end time, exactly once, across process restarts.
// Scheduling rides the expiry task stream keyed by auction id; reconciliation
// sweeps are the backstop for tasks that were lost or exhausted their
// retries.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/auction-live/platform/internal/app/auctions"
	"github.com/auction-live/platform/internal/contracts"
	"github.com/auction-live/platform/internal/platform/logging"
	"github.com/auction-live/platform/internal/platform/metrics"
)

// ErrInvalidTaskPayload marks a task that can never execute; the consumer
// terminates it instead of retrying.
var ErrInvalidTaskPayload = errors.New("invalid expiry task payload")

var expiryOutcomes = metrics.NewCounterVec(metrics.Opts{
	Name: "auction_expiries_total",
	Help: "Expiry transitions by outcome.",
}, []string{"outcome"})

func init() {
	metrics.Default.MustRegister(expiryOutcomes)
}

// Store is the slice of the auction repository the scheduler needs.
type Store interface {
	MarkEnded(ctx context.Context, id string) (auctions.EndedResult, error)
	ListActiveEndingAfter(ctx context.Context, now time.Time) ([]auctions.Auction, error)
	ListActiveEndedBy(ctx context.Context, now time.Time) ([]auctions.Auction, error)
}

// TaskQueue enqueues a delayed task. msgID is the idempotency key: enqueuing
// the same key twice within the dedup window never duplicates work.
type TaskQueue interface {
	PublishMsgID(subject, msgID string, payload []byte) error
}

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Store   Store
	Queue   TaskQueue
	Publish PublishFunc
	Now     func() time.Time
	NewID   func() string
}

func NewService(store Store, queue TaskQueue, publish PublishFunc) *Service {
	return &Service{
		Store:   store,
		Queue:   queue,
		Publish: publish,
		Now:     func() time.Time { return time.Now().UTC() },
		NewID:   uuid.NewString,
	}
}

// ScheduleExpiry enqueues the one-shot expiry task for an auction. An end
// time already in the past is a no-op: reconciliation owns that record.
func (s *Service) ScheduleExpiry(_ context.Context, a auctions.Auction) error {
	if !a.EndTime.After(s.Now()) {
		return nil
	}
	payload, err := json.Marshal(contracts.ExpiryTask{AuctionID: a.ID, FireAt: a.EndTime})
	if err != nil {
		return err
	}
	return s.Queue.PublishMsgID(contracts.ExpiryTaskSubject, a.ID, payload)
}

// OnStartup re-enqueues expiry tasks for every active auction still running,
// repairing scheduler state lost across a restart. Returns the number of
// auctions rescheduled.
func (s *Service) OnStartup(ctx context.Context) (int, error) {
	running, err := s.Store.ListActiveEndingAfter(ctx, s.Now())
	if err != nil {
		return 0, fmt.Errorf("list running auctions: %w", err)
	}
	for _, a := range running {
		if err := s.ScheduleExpiry(ctx, a); err != nil {
			return 0, fmt.Errorf("reschedule auction %s: %w", a.ID, err)
		}
	}
	return len(running), nil
}

// ReconcileExpired closes every auction whose end time passed while no
// scheduler was running, applying the transition directly instead of waiting
// on a task. Returns the number of auctions actually transitioned.
func (s *Service) ReconcileExpired(ctx context.Context) (int, error) {
	overdue, err := s.Store.ListActiveEndedBy(ctx, s.Now())
	if err != nil {
		return 0, fmt.Errorf("list overdue auctions: %w", err)
	}
	ended := 0
	for _, a := range overdue {
		transitioned, err := s.ExecuteExpiry(ctx, a.ID)
		if err != nil {
			return ended, err
		}
		if transitioned {
			expiryOutcomes.WithLabelValues("reconciled").Inc()
			ended++
		}
	}
	return ended, nil
}

// ExecuteExpiry applies the expire transition for one auction. It is safe to
// re-run: only the single conditional update that actually flips the active
// flag publishes AUCTION_ENDED, so queue retries and reconciliation overlap
// never double-publish.
func (s *Service) ExecuteExpiry(ctx context.Context, auctionID string) (bool, error) {
	res, err := s.Store.MarkEnded(ctx, auctionID)
	if err != nil {
		if errors.Is(err, auctions.ErrNoMatch) {
			// Already ended or deleted.
			expiryOutcomes.WithLabelValues("noop").Inc()
			return false, nil
		}
		return false, fmt.Errorf("end auction %s: %w", auctionID, err)
	}

	raw, err := contracts.NewEnvelope(s.NewID(), contracts.EventTypeAuctionEnded, s.Now(), logging.TraceIDFrom(ctx), contracts.AuctionEndedPayload{
		AuctionID:  res.AuctionID,
		Winner:     res.Winner,
		FinalPrice: res.FinalPrice,
	})
	if err != nil {
		return true, err
	}
	if err := s.Publish(contracts.EventChannel, raw); err != nil {
		return true, fmt.Errorf("publish AUCTION_ENDED for auction %s: %w", auctionID, err)
	}
	expiryOutcomes.WithLabelValues("executed").Inc()
	return true, nil
}

// HandleTask processes one delivery from the expiry task stream. A non-zero
// requeueAfter asks the consumer to redeliver after that delay (the task's
// fire time has not arrived). ErrInvalidTaskPayload means terminate; any
// other error means retry per the queue policy.
func (s *Service) HandleTask(ctx context.Context, payload []byte) (requeueAfter time.Duration, err error) {
	var task contracts.ExpiryTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return 0, ErrInvalidTaskPayload
	}
	if task.AuctionID == "" {
		return 0, ErrInvalidTaskPayload
	}

	if remaining := task.FireAt.Sub(s.Now()); remaining > 0 {
		return remaining, nil
	}

	_, err = s.ExecuteExpiry(ctx, task.AuctionID)
	return 0, err
}
