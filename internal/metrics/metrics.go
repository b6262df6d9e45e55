// Package metrics curries the filter manager's Prometheus instruments the
// way the corpus curries per-shard LSM metrics: build them once at
// construction, expose small update methods, and make every method a
// no-op on a nil *Metrics so callers never have to guard registration
// with an if-statement of their own.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	FiltersActive  prometheus.Gauge
	VersionsActive prometheus.Gauge
	ReaperReclaims prometheus.Counter
	ColdScanHits   prometheus.Counter
	KeyOpDuration  *prometheus.HistogramVec
}

// New builds and registers bloomd's metrics against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests hermetic; passing
// prometheus.DefaultRegisterer wires bloomd into the process-wide
// /metrics endpoint.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FiltersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bloomd",
			Name:      "filters_active",
			Help:      "Number of filters created or loaded and not yet finalized by the reaper.",
		}),
		VersionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bloomd",
			Name:      "directory_versions_active",
			Help:      "Number of directory versions not yet reclaimed by the reaper.",
		}),
		ReaperReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bloomd",
			Name:      "reaper_versions_reclaimed_total",
			Help:      "Total directory versions reclaimed by the reaper.",
		}),
		ColdScanHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bloomd",
			Name:      "cold_scan_hits_total",
			Help:      "Total filters reported cold by list_cold.",
		}),
		KeyOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bloomd",
			Name:      "key_op_duration_seconds",
			Help:      "Latency of check_keys/set_keys calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}

	reg.MustRegister(
		m.FiltersActive,
		m.VersionsActive,
		m.ReaperReclaims,
		m.ColdScanHits,
		m.KeyOpDuration,
	)

	return m
}

func (m *Metrics) FilterCreated() {
	if m == nil {
		return
	}
	m.FiltersActive.Inc()
}

func (m *Metrics) FilterRemoved() {
	if m == nil {
		return
	}
	m.FiltersActive.Dec()
}

func (m *Metrics) VersionPublished() {
	if m == nil {
		return
	}
	m.VersionsActive.Inc()
}

func (m *Metrics) VersionReclaimed() {
	if m == nil {
		return
	}
	m.VersionsActive.Dec()
	m.ReaperReclaims.Inc()
}

func (m *Metrics) ColdScanHit() {
	if m == nil {
		return
	}
	m.ColdScanHits.Inc()
}

func (m *Metrics) ObserveKeyOp(operation string, took time.Duration) {
	if m == nil {
		return
	}
	m.KeyOpDuration.WithLabelValues(operation).Observe(took.Seconds())
}
