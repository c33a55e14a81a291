// Package daemon wires the overlay control plane together: kernel
// forwarding state, the supervised engine processes, the tunnel
// interface lifecycle, and the metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/aronet-dev/aronet/internal/config"
	"github.com/aronet-dev/aronet/internal/mesh"
	meshmetrics "github.com/aronet-dev/aronet/internal/metrics"
	"github.com/aronet-dev/aronet/internal/nlink"
	"github.com/aronet-dev/aronet/internal/overlay"
	"github.com/aronet-dev/aronet/internal/supervise"
	"github.com/aronet-dev/aronet/internal/tunnel"
	"github.com/aronet-dev/aronet/internal/vici"
)

// eventBuffer bounds the engine event queue. Tunnel setup involves a
// handful of netlink round trips, so a short burst of session events
// must not block the control channel listener.
const eventBuffer = 64

// Daemon owns the full lifetime of one overlay node.
type Daemon struct {
	cfg       *config.Config
	reg       config.Registry
	log       *slog.Logger
	nl        *nlink.Client
	scheme    overlay.Scheme
	collector *meshmetrics.Collector
	promReg   *prometheus.Registry
}

// New validates the overlay derivation and prepares the netlink layer.
func New(cfg *config.Config, reg config.Registry, log *slog.Logger) (*Daemon, error) {
	scheme, err := overlay.Derive(cfg.AllocatedNetwork())
	if err != nil {
		return nil, err
	}

	nl, err := nlink.New(log)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	collector := meshmetrics.NewCollector(promReg)

	return &Daemon{
		cfg:       cfg,
		reg:       reg,
		log:       log,
		nl:        nl,
		scheme:    scheme,
		collector: collector,
		promReg:   promReg,
	}, nil
}

// Run brings up kernel state, starts the supervised processes and
// blocks until ctx is canceled or a component fails. Kernel state and
// the pidfile are torn down on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.nl.Close()

	if err := os.MkdirAll(d.cfg.Daemon.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("runtime dir: %w", err)
	}
	if err := supervise.WritePidfile(d.cfg.DaemonPidfilePath(), os.Getpid()); err != nil {
		return err
	}
	defer func() {
		if err := supervise.RemovePidfile(d.cfg.DaemonPidfilePath()); err != nil {
			d.log.Warn("failed to remove pidfile", "error", err)
		}
	}()

	// Leftovers from an unclean previous exit would shadow the state
	// built below.
	d.cleanupKernel()
	if err := d.setupKernel(); err != nil {
		return err
	}
	defer d.cleanupKernel()

	rec := mesh.New(d.cfg, d.log)
	events := make(chan vici.Event, eventBuffer)

	charon := supervise.NewCharon(d.cfg, d.reg, rec, d.collector, events, d.log)
	bird := supervise.NewBird(d.cfg, d.nl, d.log)
	tunnels := tunnel.New(d.nl, d.cfg, d.collector, d.log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return charon.Run(gctx)
	})
	g.Go(func() error {
		return bird.Run(gctx)
	})
	g.Go(func() error {
		return tunnels.Run(gctx, events)
	})
	g.Go(func() error {
		return runWatchdog(gctx, d.log)
	})
	if d.cfg.Metrics.Addr != "" {
		d.startMetricsServer(gctx, g)
	}
	g.Go(func() error {
		<-gctx.Done()
		notifyStopping(d.log)
		return nil
	})

	notifyReady(d.log)
	d.log.Info("overlay daemon running",
		"node", d.cfg.LocalName(),
		"network", d.cfg.Daemon.Network,
		"netns", d.cfg.Daemon.UseNetns,
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// startMetricsServer registers the Prometheus endpoint goroutines.
func (d *Daemon) startMetricsServer(ctx context.Context, g *errgroup.Group) {
	mux := http.NewServeMux()
	mux.Handle(d.cfg.Metrics.Path, promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		d.log.Info("metrics server listening",
			slog.String("addr", d.cfg.Metrics.Addr),
			slog.String("path", d.cfg.Metrics.Path),
		)
		ln, err := lc.Listen(ctx, "tcp", d.cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.Metrics.Addr, err)
		}
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve on %s: %w", d.cfg.Metrics.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// Info reports the liveness of the daemon and both supervised
// processes, one line each.
func Info(cfg *config.Config) string {
	lines := []string{
		supervise.Status("aronet", cfg.DaemonPidfilePath()),
		supervise.Status("strongswan", cfg.CharonPidfilePath()),
		supervise.Status("bird", cfg.BirdPidfilePath()),
	}
	return strings.Join(lines, "\n")
}
