package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ruletap/ruletap/internal/metrics"
)

func TestMetricsRecordIncrementsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	m.ConnectsTotal.WithLabelValues("intercepted").Inc()
	m.ConnectsTotal.WithLabelValues("intercepted").Inc()
	m.ConnectsTotal.WithLabelValues("blind").Inc()
	m.RuleActionsTotal.WithLabelValues("reject").Inc()
	m.LeafCertsMinted.Inc()

	if got := testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("intercepted")); got != 2 {
		t.Fatalf("intercepted connects = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("blind")); got != 1 {
		t.Fatalf("blind connects = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LeafCertsMinted); got != 1 {
		t.Fatalf("leaf certs minted = %v, want 1", got)
	}
}
