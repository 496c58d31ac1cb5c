// Package metrics holds the Prometheus collectors shared by the sync engine.
// Every method is safe to call on a nil *Metrics so components can run without
// a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mapsync"

type Metrics struct {
	CacheLookups  *prometheus.CounterVec
	QueueDepth    prometheus.Gauge
	DrainPasses   *prometheus.CounterVec
	TaskOutcomes  *prometheus.CounterVec
	JobOutcomes   *prometheus.CounterVec
	OfflineWrites *prometheus.CounterVec
	Connectivity  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "queue_depth",
			Help:      "Pending offline tasks after the last persisted write.",
		}),
		DrainPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "drain_passes_total",
			Help:      "Drain passes by trigger.",
		}, []string{"trigger"}),
		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "task_outcomes_total",
			Help:      "Replayed offline tasks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		JobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "outcomes_total",
			Help:      "Processed jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		OfflineWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "offline",
			Name:      "fallback_writes_total",
			Help:      "Writes diverted to the offline queue by kind.",
		}, []string{"kind"}),
		Connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "remote_online",
			Help:      "1 when the remote store was last seen reachable.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.CacheLookups,
			m.QueueDepth,
			m.DrainPasses,
			m.TaskOutcomes,
			m.JobOutcomes,
			m.OfflineWrites,
			m.Connectivity,
		)
	}
	return m
}

func (m *Metrics) CacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

func (m *Metrics) DrainPass(trigger string) {
	if m == nil {
		return
	}
	m.DrainPasses.WithLabelValues(trigger).Inc()
}

func (m *Metrics) TaskOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) JobOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.JobOutcomes.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) OfflineWrite(kind string) {
	if m == nil {
		return
	}
	m.OfflineWrites.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.Connectivity.Set(1)
		return
	}
	m.Connectivity.Set(0)
}
