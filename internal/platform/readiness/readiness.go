// Package readiness tracks whether a service instance may accept traffic.
// The auction API must not serve requests until startup reconciliation and
// expiry rescheduling have completed, and must stop advertising readiness
// while draining. The allowed transitions are
// not_ready -> ready -> draining; a draining instance never becomes ready
// again within the same process.
package readiness

import (
	"net/http"
	"sync/atomic"
)

type Status int32

const (
	StatusNotReady Status = iota
	StatusReady
	StatusDraining
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusDraining:
		return "draining"
	default:
		return "not_ready"
	}
}

type State struct {
	status atomic.Int32
}

// New returns a State in not_ready.
func New() *State {
	return &State{}
}

// MarkReady transitions not_ready -> ready. It reports whether the
// transition happened; a draining instance stays draining.
func (s *State) MarkReady() bool {
	return s.status.CompareAndSwap(int32(StatusNotReady), int32(StatusReady))
}

// MarkDraining moves the instance to draining from any state.
func (s *State) MarkDraining() {
	s.status.Store(int32(StatusDraining))
}

func (s *State) Status() Status {
	return Status(s.status.Load())
}

func (s *State) Ready() bool {
	return s.Status() == StatusReady
}

// Handler serves a readiness probe: 200 when ready, 503 otherwise with the
// current status in the body.
func (s *State) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if s.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(s.Status().String()))
	})
}
