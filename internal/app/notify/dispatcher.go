package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/contracts"
	"github.com/auction-live/platform/internal/platform/metrics"
)

var (
	dispatchedCounter = metrics.NewCounterVec(metrics.Opts{
		Name: "notify_events_dispatched_total",
		Help: "Bus events fanned out to connected sessions, by type.",
	}, []string{"type"})
	deadLetterCounter = metrics.NewCounterVec(metrics.Opts{
		Name: "notify_events_deadlettered_total",
		Help: "Bus messages routed to the dead-letter list, by reason.",
	}, []string{"reason"})
)

func init() {
	metrics.Default.MustRegister(dispatchedCounter, deadLetterCounter)
}

// Broadcaster delivers a classified event to every session on this replica.
type Broadcaster interface {
	BroadcastAll(ev ClientEvent) error
}

// Dispatcher consumes raw bus messages and routes each one either to the
// broadcast hub or to the dead-letter list. A message never goes to both,
// and a bad message never stops the stream.
type Dispatcher struct {
	DeadLetters DeadLetters
	Hub         Broadcaster
	Log         *zap.Logger
}

// Dispatch processes one raw message. The returned error reports delivery
// infrastructure failures only; malformed input is dead-lettered and
// considered handled.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	env, reason, err := contracts.Decode(raw)
	if err != nil {
		return d.deadLetter(ctx, reason, raw, err)
	}
	ev, err := Classify(env)
	if err != nil {
		if errors.Is(err, ErrMalformedPayload) {
			return d.deadLetter(ctx, contracts.ReasonSchemaInvalid, raw, err)
		}
		return err
	}
	if err := d.Hub.BroadcastAll(ev); err != nil {
		return err
	}
	dispatchedCounter.WithLabelValues(env.Type).Inc()
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, reason contracts.DeadLetterReason, raw []byte, cause error) error {
	d.Log.Warn("dead-lettering bus message",
		zap.String("reason", string(reason)),
		zap.Error(cause))
	if err := d.DeadLetters.Record(ctx, reason, raw); err != nil {
		return err
	}
	deadLetterCounter.WithLabelValues(string(reason)).Inc()
	return nil
}
