// Package metrics provides Prometheus instrumentation for the router: pick
// outcomes, per-layer latency, and key/pipeline health state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "routecore"

// LatencyBuckets are the histogram buckets shared by every latency metric
// (seconds), spanning sub-millisecond layer overhead up to a slow upstream
// call.
var LatencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 20.0, 30.0, 60.0, 120.0,
}

var (
	// RequestsTotal counts every request reaching the ingress handler,
	// labeled by classified category and final outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests handled, by category and outcome",
		},
		[]string{"category", "outcome"},
	)

	// PipelinePicks counts LoadBalancer.Pick results, labeled by the chosen
	// pipeline and whether it came from the in-category set or the
	// cross-category global pool rescue.
	PipelinePicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_picks_total",
			Help:      "Pipeline selections, by pipeline id and rescue status",
		},
		[]string{"pipeline_id", "rescued"},
	)

	// UpstreamOutcomes counts ServerLayer attempt outcomes per pipeline.
	UpstreamOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_outcomes_total",
			Help:      "Upstream call outcomes, by pipeline id and outcome",
		},
		[]string{"pipeline_id", "outcome"},
	)

	// RequestLatency tracks end-to-end request latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"category"},
	)

	// LayerLatency tracks per-layer latency within the pipeline chain.
	LayerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "layer_latency_seconds",
			Help:      "Per-layer latency in seconds (transformer, protocol, compat, server)",
			Buckets:   LatencyBuckets,
		},
		[]string{"layer"},
	)

	// UpstreamLatency tracks the ServerLayer's HTTP call duration alone.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream HTTP call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"pipeline_id"},
	)

	// KeySlotCooldown reports whether a key slot is currently in cooldown
	// (1) or not (0), labeled by provider and key index.
	KeySlotCooldown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_slot_cooldown",
			Help:      "1 if the key slot is currently cooling down, else 0",
		},
		[]string{"provider", "key_index"},
	)

	// KeySlotConcurrency reports in-flight requests currently using a key
	// slot.
	KeySlotConcurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "key_slot_concurrency_in_use",
			Help:      "Current concurrency in use for a key slot",
		},
		[]string{"provider", "key_index"},
	)

	// PipelineHealthState reports PipelineHealth.status as a gauge
	// (0=healthy, 1=degraded, 2=unhealthy) per pipeline.
	PipelineHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_health_state",
			Help:      "Pipeline health state: 0=healthy, 1=degraded, 2=unhealthy",
		},
		[]string{"pipeline_id"},
	)

	// TokensTotal counts input/output tokens reported in upstream usage.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens reported by upstream usage, by pipeline and direction",
		},
		[]string{"pipeline_id", "direction"},
	)

	// ConfigReloadsTotal counts config.Manager reload attempts by result.
	ConfigReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Config reload attempts, by result (applied|rejected)",
		},
		[]string{"result"},
	)
)

// HealthStateValue maps a HealthStatus string to the gauge encoding used by
// PipelineHealthState.
func HealthStateValue(status string) float64 {
	switch status {
	case "healthy":
		return 0
	case "degraded":
		return 1
	case "unhealthy":
		return 2
	default:
		return -1
	}
}
