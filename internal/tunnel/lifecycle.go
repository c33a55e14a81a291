// Package tunnel materializes and destroys per-session virtual tunnel
// interfaces in reaction to engine lifecycle events.
//
// The lifecycle owns every kernel interface matching the tunnel naming
// pattern "<ifname>-<session id>"; no other component may create or
// delete them. Handlers are idempotent in both directions because the
// event channel guarantees at-least-once delivery only: a duplicate up
// finds the interface already present, a duplicate down finds nothing
// to delete, and neither is an error.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aronet-dev/aronet/internal/config"
	meshmetrics "github.com/aronet-dev/aronet/internal/metrics"
	"github.com/aronet-dev/aronet/internal/vici"
)

// Netlinker is the slice of the netlink control layer the lifecycle
// uses. All three operations are idempotent.
type Netlinker interface {
	EnsureXfrm(name string, ifid uint32, master string) error
	MoveLinkToNetns(name, namespace string) error
	RemoveLink(name, namespace string) error
}

// Lifecycle reacts to session up/down events. It runs entirely on one
// goroutine; the event source only feeds the channel.
type Lifecycle struct {
	nl        Netlinker
	log       *slog.Logger
	collector *meshmetrics.Collector

	ifname   string
	useNetns bool
	netns    string

	// active tracks materialized interface ids for status reporting.
	// The kernel remains the source of truth; this is advisory.
	active map[uint32]struct{}
}

// New creates a Lifecycle. collector may be nil.
func New(nl Netlinker, cfg *config.Config, collector *meshmetrics.Collector, log *slog.Logger) *Lifecycle {
	netns := ""
	if cfg.Daemon.UseNetns {
		netns = cfg.Daemon.NetnsName
	}
	return &Lifecycle{
		nl:        nl,
		log:       log.With("component", "tunnel"),
		collector: collector,
		ifname:    cfg.Daemon.Ifname,
		useNetns:  cfg.Daemon.UseNetns,
		netns:     netns,
		active:    make(map[uint32]struct{}),
	}
}

// Run consumes decoded events until ctx is done. A failed event leaves
// that session's interfaces partially materialized and is logged; it
// never aborts handling for other sessions.
func (l *Lifecycle) Run(ctx context.Context, events <-chan vici.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch e := ev.(type) {
			case vici.SessionUp:
				if err := l.HandleUp(e.InID, e.OutID); err != nil {
					l.log.Error("session up handling failed",
						"session", e.Name, "in_id", e.InID, "out_id", e.OutID, "error", err)
				}
			case vici.SessionDown:
				if err := l.HandleDown(e.InID, e.OutID); err != nil {
					l.log.Error("session down handling failed",
						"session", e.Name, "in_id", e.InID, "out_id", e.OutID, "error", err)
				}
			case vici.Unknown:
				// Decoded at the boundary, surfaced there; nothing to do.
			}
		}
	}
}

// HandleUp materializes the interfaces of a session id pair. When the
// ids differ each direction gets its own interface.
func (l *Lifecycle) HandleUp(inID, outID uint32) error {
	l.log.Info("tunnel session up", "in_id", inID, "out_id", outID)
	if l.collector != nil {
		l.collector.RecordSessionEvent("up")
	}

	if err := l.materialize(inID); err != nil {
		return err
	}
	if outID != inID {
		if err := l.materialize(outID); err != nil {
			return err
		}
	}
	return nil
}

// HandleDown destroys the interfaces of a session id pair. Absent
// interfaces are not an error.
func (l *Lifecycle) HandleDown(inID, outID uint32) error {
	l.log.Info("tunnel session down", "in_id", inID, "out_id", outID)
	if l.collector != nil {
		l.collector.RecordSessionEvent("down")
	}

	if err := l.destroy(inID); err != nil {
		return err
	}
	if outID != inID {
		if err := l.destroy(outID); err != nil {
			return err
		}
	}
	return nil
}

// Active returns the number of materialized tunnel interfaces.
func (l *Lifecycle) Active() int {
	return len(l.active)
}

// InterfaceName returns the tunnel interface name for a session id.
func (l *Lifecycle) InterfaceName(id uint32) string {
	return fmt.Sprintf("%s-%d", l.ifname, id)
}

func (l *Lifecycle) materialize(id uint32) error {
	name := l.InterfaceName(id)

	if l.useNetns {
		// The engine negotiates in the root namespace, so the xfrm
		// device must be created there and then moved.
		if err := l.nl.EnsureXfrm(name, id, ""); err != nil {
			return err
		}
		if err := l.nl.MoveLinkToNetns(name, l.netns); err != nil {
			return err
		}
	} else {
		if err := l.nl.EnsureXfrm(name, id, l.ifname); err != nil {
			return err
		}
	}

	if _, ok := l.active[id]; !ok {
		l.active[id] = struct{}{}
		if l.collector != nil {
			l.collector.TunnelCreated()
		}
	}
	return nil
}

func (l *Lifecycle) destroy(id uint32) error {
	name := l.InterfaceName(id)
	if err := l.nl.RemoveLink(name, l.netns); err != nil {
		return err
	}
	if _, ok := l.active[id]; ok {
		delete(l.active, id)
		if l.collector != nil {
			l.collector.TunnelRemoved()
		}
	}
	return nil
}
