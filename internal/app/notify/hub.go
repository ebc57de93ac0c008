package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nuid"
	"go.uber.org/zap"

	"github.com/auction-live/platform/internal/platform/metrics"
)

var sessionsGauge = metrics.NewGauge(metrics.Opts{
	Name: "notify_sessions",
	Help: "Number of realtime sessions connected to this replica.",
})

func init() {
	metrics.Default.MustRegister(sessionsGauge)
}

// sessionBuffer is the per-session send queue depth. A session that cannot
// drain this many messages is considered stuck and loses the overflow rather
// than stalling the broadcast loop.
const sessionBuffer = 64

// Message is a pre-marshaled event ready to write to a client. Data is
// shared between sessions, so receivers must not mutate it.
type Message struct {
	Event string
	Data  []byte
}

// Session is one connected client on this replica.
type Session struct {
	ID string

	ch     chan Message
	closed chan struct{}
	once   sync.Once
}

// Messages returns the session's receive channel. It is closed when the
// session is released.
func (s *Session) Messages() <-chan Message { return s.ch }

func (s *Session) close() {
	s.once.Do(func() {
		close(s.closed)
		close(s.ch)
	})
}

func (s *Session) send(msg Message) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// Hub fans messages out to every session on this replica. Cross-replica
// coverage comes from each replica holding its own bus subscription, so the
// hub itself never talks to other processes.
type Hub struct {
	log *zap.Logger
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Register adds a session and returns it with a release func. The session
// immediately receives the current authoritative time so a client can align
// its countdowns before the first tick arrives.
func (h *Hub) Register() (*Session, func()) {
	s := &Session{
		ID:     nuid.Next(),
		ch:     make(chan Message, sessionBuffer),
		closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s.ID] = s
	n := len(h.sessions)
	h.mu.Unlock()
	sessionsGauge.Set(float64(n))

	s.send(h.timeMessage(h.now()))

	release := func() {
		h.mu.Lock()
		delete(h.sessions, s.ID)
		n := len(h.sessions)
		h.mu.Unlock()
		sessionsGauge.Set(float64(n))
		s.close()
	}
	return s, release
}

// BroadcastAll marshals the event once and delivers the same bytes to every
// session. Sessions with full buffers are skipped, not waited on.
func (h *Hub) BroadcastAll(ev ClientEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	h.broadcast(Message{Event: ev.Name, Data: data})
	return nil
}

func (h *Hub) broadcast(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.sessions {
		if !s.send(msg) {
			h.log.Warn("dropping message for slow session",
				zap.String("session_id", s.ID),
				zap.String("event", msg.Event))
		}
	}
}

// RunClock broadcasts the authoritative server time every interval until ctx
// is cancelled. Each tick produces exactly one reading, marshaled once, so
// every session observes the same timestamp for that tick.
func (h *Hub) RunClock(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(h.timeMessage(h.now()))
		}
	}
}

type serverTime struct {
	ServerTime int64 `json:"serverTime"`
}

func (h *Hub) timeMessage(at time.Time) Message {
	data, _ := json.Marshal(serverTime{ServerTime: at.UnixMilli()})
	return Message{Event: ClientEventServerTime, Data: data}
}
