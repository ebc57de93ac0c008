package readiness

import (
	"net/http/httptest"
	"testing"
)

func TestTransitions(t *testing.T) {
	s := New()
	if s.Ready() {
		t.Fatal("new state must not be ready")
	}
	if !s.MarkReady() {
		t.Fatal("not_ready -> ready transition should succeed")
	}
	if !s.Ready() {
		t.Fatal("state should be ready")
	}

	s.MarkDraining()
	if s.Ready() {
		t.Fatal("draining state must not be ready")
	}
	if s.MarkReady() {
		t.Fatal("draining -> ready transition must be rejected")
	}
}

func TestHandler(t *testing.T) {
	s := New()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 503 {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}
	if rec.Body.String() != "not_ready" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}

	s.MarkReady()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
}
