// Package messaging owns the JetStream topology for the auction platform.
package messaging

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/auction-live/platform/internal/contracts"
)

const (
	eventsStream = "AUCTION_EVENTS"
	expiryStream = "AUCTION_EXPIRY"

	// ExpiryDedupWindow bounds how long a published expiry task's Msg-Id
	// (the auction id) suppresses duplicates. Must cover the longest gap
	// between two schedule attempts for the same auction, which in practice
	// is one process restart.
	ExpiryDedupWindow = 24 * time.Hour

	eventsMaxAge = 24 * time.Hour
)

// EnsureStreams creates (or validates) the two streams the platform needs:
//   - AUCTION_EVENTS carries the versioned domain event channel, limits-based
//     retention since every gateway replica reads it independently.
//   - AUCTION_EXPIRY is the delayed task queue, work-queue retention so an
//     executed task is consumed exactly once across worker instances.
func EnsureStreams(js nats.JetStreamContext) error {
	if err := ensureStream(js, &nats.StreamConfig{
		Name:      eventsStream,
		Subjects:  []string{contracts.EventChannel},
		Retention: nats.LimitsPolicy,
		MaxAge:    eventsMaxAge,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}); err != nil {
		return err
	}

	return ensureStream(js, &nats.StreamConfig{
		Name:       expiryStream,
		Subjects:   []string{contracts.ExpiryTaskSubject},
		Retention:  nats.WorkQueuePolicy,
		Duplicates: ExpiryDedupWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	})
}

func ensureStream(js nats.JetStreamContext, cfg *nats.StreamConfig) error {
	_, err := js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}
	_, err = js.AddStream(cfg)
	return err
}
