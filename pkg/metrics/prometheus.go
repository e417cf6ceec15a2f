package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danl5/goha/pkg/model"
)

const namespace = "goha"

var nodeStates = []model.NodeState{
	model.NodeStateActive,
	model.NodeStateStandby,
	model.NodeStateSyncing,
	model.NodeStateFailed,
	model.NodeStateMaintenance,
}

// Exporter publishes coordinator state as prometheus metrics on a dedicated registry.
type Exporter struct {
	registry *prometheus.Registry

	isPrimary        prometheus.Gauge
	nodes            *prometheus.GaugeVec
	failovers        *prometheus.CounterVec
	failoverDuration prometheus.Histogram
	checkStatus      *prometheus.GaugeVec
	cpu              prometheus.Gauge
	memory           prometheus.Gauge
}

// NewExporter creates an exporter whose metrics carry the cluster and node labels.
func NewExporter(clusterID, nodeID string) *Exporter {
	labels := prometheus.Labels{"cluster": clusterID, "node": nodeID}
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		isPrimary: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "is_primary",
			Help:        "1 when the local node is the active primary.",
			ConstLabels: labels,
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "nodes",
			Help:        "Number of cluster nodes per state in the local view.",
			ConstLabels: labels,
		}, []string{"state"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "failovers_total",
			Help:        "Failover attempts coordinated by the local node.",
			ConstLabels: labels,
		}, []string{"result", "automatic"}),
		failoverDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "failover_duration_seconds",
			Help:        "Duration of failover attempts.",
			ConstLabels: labels,
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		checkStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "health_check_status",
			Help:        "Health check status: 0 healthy, 1 degraded, 2 unhealthy.",
			ConstLabels: labels,
		}, []string{"check"}),
		cpu: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "node_cpu_percent",
			Help:        "Host cpu usage in percent.",
			ConstLabels: labels,
		}),
		memory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "node_memory_percent",
			Help:        "Host memory usage in percent.",
			ConstLabels: labels,
		}),
	}
	e.registry.MustRegister(e.isPrimary, e.nodes, e.failovers, e.failoverDuration, e.checkStatus, e.cpu, e.memory)
	return e
}

// Registry returns the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.registry
}

// Handler exposes the registry over http.
func (e *Exporter) Handler() http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ObserveCluster updates the per-state node counts and the primary flag.
func (e *Exporter) ObserveCluster(c *model.Cluster, localID string) {
	if e == nil || c == nil {
		return
	}
	counts := make(map[model.NodeState]int, len(nodeStates))
	for _, n := range c.Nodes {
		counts[n.State]++
	}
	for _, s := range nodeStates {
		e.nodes.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	primary := 0.0
	if c.PrimaryID == localID {
		if n := c.Node(localID); n != nil && n.ActivePrimary() {
			primary = 1
		}
	}
	e.isPrimary.Set(primary)
}

// ObserveFailover records a finished failover attempt.
func (e *Exporter) ObserveFailover(ev model.FailoverEvent) {
	if e == nil {
		return
	}
	result := "success"
	if !ev.Success {
		result = "failed"
	}
	e.failovers.WithLabelValues(result, strconv.FormatBool(ev.Automatic)).Inc()
	e.failoverDuration.Observe(float64(ev.DurationMs) / 1000)
}

// ObserveCheck records the status of a health check.
func (e *Exporter) ObserveCheck(check model.HealthCheck) {
	if e == nil {
		return
	}
	e.checkStatus.WithLabelValues(check.ID).Set(float64(check.Status.Rank()))
}

// ForgetCheck drops the series of a removed health check.
func (e *Exporter) ForgetCheck(id string) {
	if e == nil {
		return
	}
	e.checkStatus.DeleteLabelValues(id)
}

// ObserveMetrics records a load sample.
func (e *Exporter) ObserveMetrics(m model.NodeMetrics) {
	if e == nil {
		return
	}
	e.cpu.Set(m.CPU)
	e.memory.Set(m.Memory)
}
