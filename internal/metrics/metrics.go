// Package metrics exposes Prometheus counters and histograms for the
// proxy's connection, certificate, rule, and WebSocket activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the proxy records to. Pass it to
// the components that need to record against it; every component accepts a
// nil *Metrics and then records nothing.
type Metrics struct {
	FlowsTotal          *prometheus.CounterVec
	ConnectsTotal       *prometheus.CounterVec
	LeafCertsMinted     prometheus.Counter
	LeafCertCacheEvicts prometheus.Counter
	RuleActionsTotal    *prometheus.CounterVec
	WSMessagesTotal     *prometheus.CounterVec
	FlowDuration        prometheus.Histogram
}

// NewMetrics creates and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		FlowsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruletap",
				Name:      "flows_total",
				Help:      "Total number of HTTP(S) request/response flows handled.",
			},
			[]string{"stream"}, // stream = "buffered" | "streamed"
		),
		ConnectsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruletap",
				Name:      "connects_total",
				Help:      "Total number of CONNECT tunnels, by interception decision.",
			},
			[]string{"mode"}, // mode = "intercepted" | "blind"
		),
		LeafCertsMinted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ruletap",
				Name:      "leaf_certs_minted_total",
				Help:      "Total number of leaf certificates minted by the CA.",
			},
		),
		LeafCertCacheEvicts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ruletap",
				Name:      "leaf_cert_cache_evictions_total",
				Help:      "Total number of leaf certificates evicted from the LRU cache.",
			},
		),
		RuleActionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruletap",
				Name:      "rule_actions_total",
				Help:      "Total number of rule actions applied, by action kind.",
			},
			[]string{"kind"},
		),
		WSMessagesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ruletap",
				Name:      "websocket_messages_total",
				Help:      "Total number of WebSocket messages forwarded or dropped.",
			},
			[]string{"direction", "outcome"}, // outcome = "forwarded" | "dropped"
		),
		FlowDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "ruletap",
				Name:      "flow_duration_seconds",
				Help:      "End-to-end duration of a request/response flow.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}
