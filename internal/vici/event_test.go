package vici

import (
	"testing"

	gvici "github.com/strongswan/govici/vici"
)

// saSection builds the per-SA message section of an updown event.
func saSection(t *testing.T, inID, outID string) *gvici.Message {
	t.Helper()

	sa := gvici.NewMessage()
	if err := sa.Set("if-id-in", inID); err != nil {
		t.Fatal(err)
	}
	if err := sa.Set("if-id-out", outID); err != nil {
		t.Fatal(err)
	}
	return sa
}

func TestDecodeEventUp(t *testing.T) {
	t.Parallel()

	msg := gvici.NewMessage()
	if err := msg.Set("up", "yes"); err != nil {
		t.Fatal(err)
	}
	if err := msg.Set("conn-a", saSection(t, "5", "7")); err != nil {
		t.Fatal(err)
	}

	events := decodeEvent(eventIKEUpdown, msg)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	up, ok := events[0].(SessionUp)
	if !ok {
		t.Fatalf("event type = %T, want SessionUp", events[0])
	}
	if up.Name != "conn-a" || up.InID != 5 || up.OutID != 7 {
		t.Errorf("SessionUp = %+v", up)
	}
}

func TestDecodeEventDown(t *testing.T) {
	t.Parallel()

	// No "up" marker key: teardown.
	msg := gvici.NewMessage()
	if err := msg.Set("conn-a", saSection(t, "5", "5")); err != nil {
		t.Fatal(err)
	}

	events := decodeEvent(eventIKEUpdown, msg)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}

	down, ok := events[0].(SessionDown)
	if !ok {
		t.Fatalf("event type = %T, want SessionDown", events[0])
	}
	if down.InID != 5 || down.OutID != 5 {
		t.Errorf("SessionDown = %+v", down)
	}
}

func TestDecodeEventMarkerAfterSection(t *testing.T) {
	t.Parallel()

	// Key order is not guaranteed; an SA section ahead of the "up"
	// marker must still decode as establishment.
	msg := gvici.NewMessage()
	if err := msg.Set("conn-a", saSection(t, "9", "9")); err != nil {
		t.Fatal(err)
	}
	if err := msg.Set("up", "yes"); err != nil {
		t.Fatal(err)
	}

	events := decodeEvent(eventIKEUpdown, msg)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if _, ok := events[0].(SessionUp); !ok {
		t.Errorf("event type = %T, want SessionUp", events[0])
	}
}

func TestDecodeEventUnknownKind(t *testing.T) {
	t.Parallel()

	events := decodeEvent("ike-rekey", gvici.NewMessage())
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	unknown, ok := events[0].(Unknown)
	if !ok {
		t.Fatalf("event type = %T, want Unknown", events[0])
	}
	if unknown.Name != "ike-rekey" {
		t.Errorf("name = %q", unknown.Name)
	}
}

func TestDecodeEventMalformedIDs(t *testing.T) {
	t.Parallel()

	msg := gvici.NewMessage()
	if err := msg.Set("up", "yes"); err != nil {
		t.Fatal(err)
	}
	if err := msg.Set("conn-a", saSection(t, "not-a-number", "1")); err != nil {
		t.Fatal(err)
	}

	if events := decodeEvent(eventIKEUpdown, msg); len(events) != 0 {
		t.Errorf("events = %v, want none for malformed ids", events)
	}
}
