package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auction-live/platform/internal/contracts"
)

const (
	// DeadLetterKey is the Redis list holding undeliverable bus messages.
	DeadLetterKey = "auction:events:deadletter"

	// deadLetterCap bounds the list so a poisoned producer cannot grow it
	// without limit. Oldest entries are trimmed first.
	deadLetterCap = 10_000
)

// DeadLetters records messages that could not be delivered to clients.
type DeadLetters interface {
	Record(ctx context.Context, reason contracts.DeadLetterReason, raw []byte) error
}

// DeadLetterEntry is the stored shape of one dead-lettered message. Raw is
// kept verbatim so an operator can inspect or replay it.
type DeadLetterEntry struct {
	Reason contracts.DeadLetterReason `json:"reason"`
	Raw    json.RawMessage            `json:"raw"`
	At     time.Time                  `json:"at"`
}

// RedisDeadLetters appends entries to a capped Redis list.
type RedisDeadLetters struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisDeadLetters(rdb *redis.Client) *RedisDeadLetters {
	return &RedisDeadLetters{rdb: rdb, now: time.Now}
}

func (d *RedisDeadLetters) Record(ctx context.Context, reason contracts.DeadLetterReason, raw []byte) error {
	entry := DeadLetterEntry{Reason: reason, At: d.now().UTC()}
	if json.Valid(raw) {
		entry.Raw = json.RawMessage(raw)
	} else {
		// Non-JSON input still has to round-trip through the entry.
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return err
		}
		entry.Raw = quoted
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := d.rdb.Pipeline()
	pipe.RPush(ctx, DeadLetterKey, data)
	pipe.LTrim(ctx, DeadLetterKey, -deadLetterCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}
