package supervise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/mesh"
	meshmetrics "github.com/aronet-dev/aronet/internal/metrics"
	"github.com/aronet-dev/aronet/internal/vici"
)

// connectRetryInterval is the pause between attempts to reach the
// engine control socket while the engine is starting up.
const connectRetryInterval = time.Second

// monitorInterval is how often installed security associations are
// compared against loaded connections. Associations silently dropped
// by the engine (DPD timeout straddling a restart, peer deleting the
// SA without renegotiation) get re-initiated here.
const monitorInterval = 10 * time.Second

// strongswanConf is the engine configuration. The engine listens on an
// ephemeral IKE port and a fixed NAT-T port so several instances can
// share a host; line-flushed stderr logging keeps log forwarding
// realtime.
const strongswanConf = `charon {
  port = 0
  port_nat_t = 12025
  retransmit_timeout = 30
  retransmit_base = 1

  filelog {
    stderr {
      flush_line = yes
    }
  }

  plugins {
    vici {
      socket = "unix://%s"
    }
    socket-default {
      set_source = yes
      set_sourceif = yes
    }
    dhcp {
      load = no
    }
  }
}
`

// Charon supervises the key exchange engine: it renders the engine
// configuration, spawns the process, connects to the control socket,
// applies the registry, forwards lifecycle events, and re-initiates
// dropped security associations.
type Charon struct {
	cfg       *config.Config
	reg       config.Registry
	rec       *mesh.Reconciler
	collector *meshmetrics.Collector
	events    chan<- vici.Event
	log       *slog.Logger
}

// NewCharon creates a Charon supervisor. reg may be empty; connections
// can be loaded later through the control socket. collector may be nil.
func NewCharon(cfg *config.Config, reg config.Registry, rec *mesh.Reconciler, collector *meshmetrics.Collector, events chan<- vici.Event, log *slog.Logger) *Charon {
	return &Charon{
		cfg:       cfg,
		reg:       reg,
		rec:       rec,
		collector: collector,
		events:    events,
		log:       log.With("component", "charon"),
	}
}

// Run blocks until ctx is canceled or the engine fails. An engine exit
// or a broken control channel outside of shutdown is an error.
func (s *Charon) Run(ctx context.Context) error {
	confPath, err := s.writeConf()
	if err != nil {
		return err
	}

	runner := NewRunner("charon", nil, s.log).WithEnv(
		"STRONGSWAN_CONF="+confPath,
		"SWANCTL_DIR="+s.cfg.Daemon.RuntimeDir,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Run(gctx, s.cfg.CharonBinary())
	})
	g.Go(func() error {
		return s.control(gctx)
	})
	return g.Wait()
}

// writeConf renders the engine configuration into the runtime
// directory and returns its path.
func (s *Charon) writeConf() (string, error) {
	path := s.cfg.StrongswanConfPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("engine conf: %w", err)
	}
	conf := fmt.Sprintf(strongswanConf, s.cfg.ViciSocketPath())
	if err := os.WriteFile(path, []byte(conf), 0o600); err != nil {
		return "", fmt.Errorf("engine conf: %w", err)
	}
	return path, nil
}

// control owns the control channel for the lifetime of the engine:
// connect, reconcile, then run the event listener and the association
// monitor until shutdown.
func (s *Charon) control(ctx context.Context) error {
	ch, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // socket teardown during shutdown

	_, removed, err := s.rec.Apply(ch, s.reg)
	if err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}
	if s.collector != nil {
		s.collector.RecordReconcile(len(removed))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ch.Listen(gctx, s.events)
	})
	g.Go(func() error {
		return s.monitor(gctx, ch)
	})

	err = g.Wait()
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connect retries the control socket until the engine answers or ctx
// is canceled. The engine needs a moment after exec before the socket
// exists.
func (s *Charon) connect(ctx context.Context) (*vici.Channel, error) {
	for {
		ch, err := vici.Connect(s.cfg.ViciSocketPath(), s.log)
		if err == nil {
			s.log.Info("control channel connected", "socket", s.cfg.ViciSocketPath())
			return ch, nil
		}

		if s.collector != nil {
			s.collector.IncControlRetries()
		}
		s.log.Warn("control channel not ready, will retry", "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
}

// monitor periodically re-initiates loaded connections that have no
// installed security association.
func (s *Charon) monitor(ctx context.Context, ch *vici.Channel) error {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		conns, err := ch.ListConnNames()
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		sas, err := ch.ListSANames()
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}

		up := make(map[string]struct{}, len(sas))
		for _, name := range sas {
			up[name] = struct{}{}
		}

		for _, name := range conns {
			if _, ok := up[name]; ok {
				continue
			}
			s.log.Info("re-initiating connection without installed association", "conn", name)
			if err := ch.Initiate(name); err != nil {
				// The peer may be unreachable right now; keep trying
				// on later ticks.
				s.log.Warn("initiate failed", "conn", name, "error", err)
				continue
			}
			if s.collector != nil {
				s.collector.RecordInitiation()
			}
		}
	}
}
