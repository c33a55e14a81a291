package meshmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "aronet"
	subsystem = "mesh"
)

// Label names for mesh metrics.
const (
	labelDirection = "direction"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Mesh Metrics
// -------------------------------------------------------------------------

// Collector holds all overlay mesh Prometheus metrics.
//
// Metrics cover the three long-running control loops:
//   - Tunnel gauges track currently materialized tunnel interfaces.
//   - Session event counters record engine up/down notifications.
//   - Reconcile counters record registry synchronization activity.
//   - Control channel counters flag connectivity trouble with the
//     key exchange engine.
type Collector struct {
	// TunnelsActive tracks the number of currently materialized tunnel
	// interfaces. Incremented on interface creation, decremented on removal.
	TunnelsActive prometheus.Gauge

	// SessionEvents counts engine session lifecycle notifications,
	// labeled by direction ("up" or "down").
	SessionEvents *prometheus.CounterVec

	// ReconcileRuns counts completed registry reconciliations.
	ReconcileRuns prometheus.Counter

	// ConnectionsRemoved counts stale connections unloaded during
	// reconciliation.
	ConnectionsRemoved prometheus.Counter

	// ControlRetries counts failed attempts to reach the engine control
	// socket. A steadily climbing value means the engine is down.
	ControlRetries prometheus.Counter

	// Initiations counts security association initiations requested by
	// the monitor loop.
	Initiations prometheus.Counter
}

// NewCollector creates a Collector with all mesh metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "aronet_mesh_" prefix (namespace_subsystem)
// to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.TunnelsActive,
		c.SessionEvents,
		c.ReconcileRuns,
		c.ConnectionsRemoved,
		c.ControlRetries,
		c.Initiations,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	return &Collector{
		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tunnels_active",
			Help:      "Number of currently materialized tunnel interfaces.",
		}),

		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_events_total",
			Help:      "Total engine session lifecycle events by direction.",
		}, []string{labelDirection}),

		ReconcileRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconcile_runs_total",
			Help:      "Total completed registry reconciliations.",
		}),

		ConnectionsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_removed_total",
			Help:      "Total stale connections unloaded during reconciliation.",
		}),

		ControlRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "control_retries_total",
			Help:      "Total failed connection attempts to the engine control socket.",
		}),

		Initiations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "initiations_total",
			Help:      "Total security association initiations requested by the monitor.",
		}),
	}
}

// -------------------------------------------------------------------------
// Tunnel Lifecycle
// -------------------------------------------------------------------------

// TunnelCreated increments the active tunnels gauge. Called when a tunnel
// interface is materialized for a new session id.
func (c *Collector) TunnelCreated() {
	c.TunnelsActive.Inc()
}

// TunnelRemoved decrements the active tunnels gauge. Called when a tunnel
// interface is destroyed.
func (c *Collector) TunnelRemoved() {
	c.TunnelsActive.Dec()
}

// RecordSessionEvent increments the session event counter for the given
// direction ("up" or "down").
func (c *Collector) RecordSessionEvent(direction string) {
	c.SessionEvents.WithLabelValues(direction).Inc()
}

// -------------------------------------------------------------------------
// Reconciliation
// -------------------------------------------------------------------------

// RecordReconcile records a completed reconciliation and the number of
// stale connections it removed.
func (c *Collector) RecordReconcile(removed int) {
	c.ReconcileRuns.Inc()
	c.ConnectionsRemoved.Add(float64(removed))
}

// -------------------------------------------------------------------------
// Control Channel
// -------------------------------------------------------------------------

// IncControlRetries increments the control socket retry counter. Called on
// each failed attempt to open the engine control channel.
func (c *Collector) IncControlRetries() {
	c.ControlRetries.Inc()
}

// RecordInitiation increments the initiation counter. Called when the
// monitor loop asks the engine to bring up a missing security association.
func (c *Collector) RecordInitiation() {
	c.Initiations.Inc()
}
