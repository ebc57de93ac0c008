package contracts

import (
	"encoding/json"
	"testing"
	"time"
)

func validEnvelopeJSON(t *testing.T, eventType string) []byte {
	t.Helper()
	env := Envelope{
		EventID:    "evt-1",
		Type:       eventType,
		OccurredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload:    json.RawMessage(`{"auctionId":"a1"}`),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

func TestDecode_Valid(t *testing.T) {
	env, reason, err := Decode(validEnvelopeJSON(t, EventTypeBidPlaced))
	if err != nil {
		t.Fatalf("Decode returned error: %v (reason %q)", err, reason)
	}
	if env.EventID != "evt-1" || env.Type != EventTypeBidPlaced {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestDecode_ParseError(t *testing.T) {
	_, reason, err := Decode([]byte("this is not json"))
	if err == nil {
		t.Fatal("expected error for non-JSON input")
	}
	if reason != ReasonParseError {
		t.Fatalf("expected parse_error, got %q", reason)
	}
}

func TestDecode_MissingType(t *testing.T) {
	_, reason, err := Decode([]byte(`{"eventId":"e1","occurredAt":"2026-03-01T12:00:00Z","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for missing type")
	}
	if reason != ReasonSchemaInvalid {
		t.Fatalf("expected schema_invalid, got %q", reason)
	}
}

func TestDecode_MissingEventID(t *testing.T) {
	_, reason, err := Decode([]byte(`{"type":"BID_PLACED","occurredAt":"2026-03-01T12:00:00Z","payload":{"a":1}}`))
	if err == nil {
		t.Fatal("expected error for missing eventId")
	}
	if reason != ReasonSchemaInvalid {
		t.Fatalf("expected schema_invalid, got %q", reason)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, reason, err := Decode(validEnvelopeJSON(t, "BOGUS"))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	if reason != ReasonUnknownType {
		t.Fatalf("expected unknown_type, got %q", reason)
	}
}

func TestKnownEventType(t *testing.T) {
	for _, known := range []string{
		EventTypeBidPlaced, EventTypeAuctionCreated, EventTypeAuctionDeleted, EventTypeAuctionEnded,
	} {
		if !KnownEventType(known) {
			t.Fatalf("%s should be known", known)
		}
	}
	if KnownEventType("bid_placed") {
		t.Fatal("event types are case sensitive")
	}
}
