package server

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Metrics owns ramd's Prometheus registry and the series described in
// SPEC_FULL.md: node health scores, cluster quorum, failover state and
// monitor cycle count. Collected on demand by handleMetrics rather than
// pushed, so a value always reflects the daemon's state at request time.
type Metrics struct {
	registry *prometheus.Registry

	nodeHealthScore   *prometheus.GaugeVec
	clusterHasQuorum  prometheus.Gauge
	failoverState     *prometheus.GaugeVec
	monitorCycleTotal prometheus.Counter
}

// NewMetrics builds and registers the metric series.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		nodeHealthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ramd_node_health_score",
			Help: "Health score (0-100) last observed for a node.",
		}, []string{"node_id", "role"}),
		clusterHasQuorum: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ramd_cluster_has_quorum",
			Help: "1 if the cluster currently has quorum, else 0.",
		}),
		failoverState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ramd_failover_state",
			Help: "1 for the Failover Engine's current state, 0 for all others.",
		}, []string{"state"}),
		monitorCycleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ramd_monitor_cycle_total",
			Help: "Total Health Monitor cycles completed since process start.",
		}),
	}
	m.registry.MustRegister(m.nodeHealthScore, m.clusterHasQuorum, m.failoverState, m.monitorCycleTotal)
	return m
}

var failoverStateNames = []string{"normal", "detecting", "promoting", "recovering", "completed", "failed"}

// refreshMetrics recomputes every gauge from d's live singletons; counters are
// reconciled to the monitor's own running total rather than incremented
// here, since Metrics has no hook into the monitor's cycle loop.
func (d *Daemon) refreshMetrics() {
	d.Metrics.nodeHealthScore.Reset()
	for _, n := range d.Cluster.Nodes() {
		d.Metrics.nodeHealthScore.WithLabelValues(itoa(n.NodeID), n.Role.String()).Set(float64(n.HealthScore))
	}

	quorum := 0.0
	if d.Cluster.HasQuorum() {
		quorum = 1.0
	}
	d.Metrics.clusterHasQuorum.Set(quorum)

	snap := d.Failover.Snapshot()
	d.Metrics.failoverState.Reset()
	for _, name := range failoverStateNames {
		v := 0.0
		if name == snap.State.String() {
			v = 1.0
		}
		d.Metrics.failoverState.WithLabelValues(name).Set(v)
	}

	current := d.Monitor.CycleCount()
	// Counter.Add requires a non-negative delta; reconcile against the
	// monitor's own total by tracking the last value we reported.
	delta := current - d.lastCycleCount.Swap(current)
	if delta > 0 {
		d.Metrics.monitorCycleTotal.Add(float64(delta))
	}
}

func (d *Daemon) handleMetrics(req *Request, params map[string]string) Response {
	d.refreshMetrics()

	families, err := d.Metrics.registry.Gather()
	if err != nil {
		return Response{Status: 500, Body: errBody("metrics collection failed")}
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return Response{Status: 500, Body: errBody("metrics encoding failed")}
		}
	}
	return Response{Status: 200, Body: buf.String()}
}
