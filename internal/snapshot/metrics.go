package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics covers the snapshot pipeline's observability surface: capture
// outcomes, durations, sizes, compression ratios, and per-device
// staleness.
type Metrics struct {
	captures *prometheus.CounterVec
	missing  *prometheus.CounterVec
	duration prometheus.Histogram
	size     prometheus.Histogram
	ratio    prometheus.Histogram
	age      *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routeros_fleet_snapshot_capture_total",
			Help: "Snapshot capture attempts by device, kind, source transport and status.",
		}, []string{"device", "kind", "source", "status"}),
		missing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routeros_fleet_snapshot_missing_total",
			Help: "Lookups that found no snapshot for a (device, kind) pair.",
		}, []string{"device", "kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routeros_fleet_snapshot_capture_duration_seconds",
			Help:    "Wall-clock time of a snapshot capture, transport included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		size: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routeros_fleet_snapshot_uncompressed_bytes",
			Help:    "Uncompressed size of captured configuration text.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		ratio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routeros_fleet_snapshot_compression_ratio",
			Help:    "Uncompressed-to-compressed size ratio per snapshot.",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		age: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "routeros_fleet_snapshot_age_seconds",
			Help: "Seconds since the newest snapshot for a (device, kind) pair.",
		}, []string{"device", "kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.captures, m.missing, m.duration, m.size, m.ratio, m.age)
	}
	return m
}
