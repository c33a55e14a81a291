package vici

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// Wire constants of the engine's control socket protocol, as far as
// the fake engine below needs them. Packets are length-prefixed with a
// 4-byte big-endian header; the first payload byte is the packet type.
const (
	pktEventRegister   = 3
	pktEventUnregister = 4
	pktEventConfirm    = 5
	pktEvent           = 7

	elemSectionStart = 1
	elemSectionEnd   = 2
	elemKeyValue     = 3
)

// fakeEngine is a minimal control socket server: it confirms every
// event registration and immediately follows up with one canned
// ike-updown event.
type fakeEngine struct {
	ln    net.Listener
	event []byte
}

func startFakeEngine(t *testing.T, event []byte) string {
	t.Helper()

	sock := filepath.Join(t.TempDir(), "charon.vici")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	e := &fakeEngine{ln: ln, event: event}
	go e.acceptLoop()
	return sock
}

func (e *fakeEngine) acceptLoop() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		go e.serve(conn)
	}
}

// serve answers one client connection until it closes. Event
// registrations and unregistrations are confirmed (the transport
// blocks on the confirmation for both); everything else is ignored.
func (e *fakeEngine) serve(conn net.Conn) {
	defer conn.Close()

	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(header))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		switch payload[0] {
		case pktEventRegister:
			if err := writeFrame(conn, []byte{pktEventConfirm}); err != nil {
				return
			}
			if err := writeFrame(conn, e.event); err != nil {
				return
			}
		case pktEventUnregister:
			if err := writeFrame(conn, []byte{pktEventConfirm}); err != nil {
				return
			}
		}
	}
}

func writeFrame(conn net.Conn, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	return err
}

func keyValue(key, value string) []byte {
	b := []byte{elemKeyValue, byte(len(key))}
	b = append(b, key...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	return append(b, value...)
}

// updownEvent encodes an ike-updown event packet for one SA.
func updownEvent(conn, inID, outID string, up bool) []byte {
	b := []byte{pktEvent, byte(len(eventIKEUpdown))}
	b = append(b, eventIKEUpdown...)
	if up {
		b = append(b, keyValue("up", "yes")...)
	}
	b = append(b, elemSectionStart, byte(len(conn)))
	b = append(b, conn...)
	b = append(b, keyValue("if-id-in", inID)...)
	b = append(b, keyValue("if-id-out", outID)...)
	return append(b, elemSectionEnd)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListenForwardsDecodedEvents(t *testing.T) {
	sock := startFakeEngine(t, updownEvent("gw-a", "5", "7", true))

	ch, err := Connect(sock, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- ch.Listen(ctx, out) }()

	select {
	case ev := <-out:
		up, ok := ev.(SessionUp)
		if !ok {
			t.Fatalf("event = %T, want SessionUp", ev)
		}
		if up.Name != "gw-a" || up.InID != 5 || up.OutID != 7 {
			t.Fatalf("event = %+v, want gw-a 5/7", up)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event before timeout")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Listen() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}

func TestListenReturnsOnCancelWithoutEvents(t *testing.T) {
	sock := startFakeEngine(t, updownEvent("idle", "1", "1", false))

	ch, err := Connect(sock, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())

	// Unbuffered out: the canned event may be decoded and parked on the
	// send, and cancellation must still win.
	out := make(chan Event)
	done := make(chan error, 1)
	go func() { done <- ch.Listen(ctx, out) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Listen() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
