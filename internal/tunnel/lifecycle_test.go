package tunnel_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/tunnel"
	"github.com/aronet-dev/aronet/internal/vici"
)

// fakeNetlinker records link operations and simulates kernel idempotency:
// existing links absorb EnsureXfrm, absent links absorb RemoveLink.
type fakeNetlinker struct {
	mu    sync.Mutex
	links map[string]string // name -> namespace ("" = root)
	moves int
	fail  error
}

func newFakeNetlinker() *fakeNetlinker {
	return &fakeNetlinker{links: make(map[string]string)}
}

func (f *fakeNetlinker) EnsureXfrm(name string, _ uint32, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.links[name] = ""
	return nil
}

func (f *fakeNetlinker) MoveLinkToNetns(name, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.links[name] = namespace
	f.moves++
	return nil
}

func (f *fakeNetlinker) RemoveLink(name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, name)
	return nil
}

func (f *fakeNetlinker) linkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func testConfig(useNetns bool) *config.Config {
	cfg := &config.Config{}
	cfg.Daemon.Ifname = "aronet"
	cfg.Daemon.UseNetns = useNetns
	cfg.Daemon.NetnsName = "aronet"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleUpSingleInterface(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	lc := tunnel.New(nl, testConfig(false), nil, testLogger())

	// Equal in/out ids describe one interface.
	if err := lc.HandleUp(5, 5); err != nil {
		t.Fatalf("HandleUp(5, 5): %v", err)
	}

	if got := nl.linkCount(); got != 1 {
		t.Errorf("links = %d, want 1", got)
	}
	if got := lc.Active(); got != 1 {
		t.Errorf("Active() = %d, want 1", got)
	}

	// A duplicate up event must be absorbed, not fail.
	if err := lc.HandleUp(5, 5); err != nil {
		t.Fatalf("duplicate HandleUp(5, 5): %v", err)
	}
	if got := lc.Active(); got != 1 {
		t.Errorf("Active() after duplicate up = %d, want 1", got)
	}
}

func TestHandleUpAsymmetricIDs(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	lc := tunnel.New(nl, testConfig(false), nil, testLogger())

	if err := lc.HandleUp(5, 7); err != nil {
		t.Fatalf("HandleUp(5, 7): %v", err)
	}

	if got := nl.linkCount(); got != 2 {
		t.Errorf("links = %d, want 2", got)
	}
	for _, name := range []string{"aronet-5", "aronet-7"} {
		if _, ok := nl.links[name]; !ok {
			t.Errorf("link %q missing", name)
		}
	}
}

func TestHandleDown(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	lc := tunnel.New(nl, testConfig(false), nil, testLogger())

	if err := lc.HandleUp(3, 3); err != nil {
		t.Fatalf("HandleUp(3, 3): %v", err)
	}
	if err := lc.HandleDown(3, 3); err != nil {
		t.Fatalf("HandleDown(3, 3): %v", err)
	}

	if got := nl.linkCount(); got != 0 {
		t.Errorf("links = %d, want 0", got)
	}
	if got := lc.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}

	// Down for a session that never materialized must not error.
	if err := lc.HandleDown(9, 9); err != nil {
		t.Fatalf("HandleDown(9, 9) for absent interface: %v", err)
	}
}

func TestHandleUpNetnsMode(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	lc := tunnel.New(nl, testConfig(true), nil, testLogger())

	if err := lc.HandleUp(4, 4); err != nil {
		t.Fatalf("HandleUp(4, 4): %v", err)
	}

	if nl.moves != 1 {
		t.Errorf("moves = %d, want 1", nl.moves)
	}
	if got := nl.links["aronet-4"]; got != "aronet" {
		t.Errorf("link namespace = %q, want %q", got, "aronet")
	}
}

func TestHandleUpError(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	nl.fail = errors.New("device busy")
	lc := tunnel.New(nl, testConfig(false), nil, testLogger())

	if err := lc.HandleUp(2, 2); err == nil {
		t.Fatal("HandleUp with failing netlink: got nil error")
	}
	if got := lc.Active(); got != 0 {
		t.Errorf("Active() = %d, want 0", got)
	}
}

func TestRunConsumesEvents(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	lc := tunnel.New(nl, testConfig(false), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan vici.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- lc.Run(ctx, events)
	}()

	events <- vici.SessionUp{Name: "a-b", InID: 1, OutID: 1}
	events <- vici.SessionUp{Name: "a-c", InID: 2, OutID: 2}
	events <- vici.Unknown{Name: "rekey"}
	events <- vici.SessionDown{Name: "a-b", InID: 1, OutID: 1}

	// Wait for the handler to drain the channel.
	deadline := time.After(2 * time.Second)
	for nl.linkCount() != 1 {
		select {
		case <-deadline:
			t.Fatalf("links = %d, want 1 after event sequence", nl.linkCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestRunStopsOnChannelClose(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlinker()
	lc := tunnel.New(nl, testConfig(false), nil, testLogger())

	events := make(chan vici.Event)
	close(events)

	if err := lc.Run(context.Background(), events); err != nil {
		t.Fatalf("Run on closed channel: %v", err)
	}
}
