package metrics

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()
	m.IncOutcome("success")
	m.IncOutcome("success")
	m.IncOutcome("empty_catalog")
	m.IncCache("hit")
	m.SetCatalogEntries(42)
	m.ObserveStage("embed", time.Now())

	if got := testutil.ToFloat64(m.IdentifyTotal.WithLabelValues("success")); got != 2 {
		t.Errorf("expected 2 successes, got %f", got)
	}
	if got := testutil.ToFloat64(m.IdentifyTotal.WithLabelValues("empty_catalog")); got != 1 {
		t.Errorf("expected 1 empty_catalog, got %f", got)
	}
	if got := testutil.ToFloat64(m.CacheTotal.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected 1 cache hit, got %f", got)
	}
	if got := testutil.ToFloat64(m.CatalogEntries); got != 42 {
		t.Errorf("expected 42 catalog entries, got %f", got)
	}
	if testutil.CollectAndCount(m.StageDuration) == 0 {
		t.Error("expected stage_duration_seconds to have observations")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncOutcome("success")
	m.IncCache("miss")
	m.SetCatalogEntries(1)
	m.ObserveStage("load", time.Now())
}

func TestRegisterAndTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Register(reg); err == nil {
		t.Error("expected duplicate registration to fail")
	}

	m.IncOutcome("success")
	path := filepath.Join(t.TempDir(), "coverid.prom")
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		t.Fatalf("WriteToTextfile failed: %v", err)
	}
}
