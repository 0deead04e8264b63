// Package metrics defines the Prometheus instruments of the identification
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coverid"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	IdentifyTotal  *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	CacheTotal     *prometheus.CounterVec
	CatalogEntries prometheus.Gauge
}

// New creates unregistered collectors
func New() *Metrics {
	return &Metrics{
		IdentifyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identify_total",
				Help:      "Identification requests by outcome",
			},
			[]string{"outcome"}, // "success" or an error kind
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"stage"},
		),
		CacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "embedding_cache_total",
				Help:      "Embedding cache hits, misses and errors",
			},
			[]string{"result"}, // "hit" / "miss" / "error"
		),
		CatalogEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_entries",
				Help:      "Number of entries in the loaded catalog",
			},
		),
	}
}

// Register adds every collector to reg
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.IdentifyTotal, m.StageDuration, m.CacheTotal, m.CatalogEntries} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveStage records how long stage took since start
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// IncOutcome counts a finished request
func (m *Metrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.IdentifyTotal.WithLabelValues(outcome).Inc()
}

// IncCache counts an embedding cache lookup result
func (m *Metrics) IncCache(result string) {
	if m == nil {
		return
	}
	m.CacheTotal.WithLabelValues(result).Inc()
}

// SetCatalogEntries records the catalog size
func (m *Metrics) SetCatalogEntries(n int) {
	if m == nil {
		return
	}
	m.CatalogEntries.Set(float64(n))
}
