package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus instrumentation.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	ErrorsTotal         *prometheus.CounterVec
	CacheHitsTotal      prometheus.Counter
	PIIDetectionsTotal  *prometheus.CounterVec
	GuardrailViolations *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	TokensPerRequest    *prometheus.HistogramVec
	CostPerRequest      *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_requests_total",
			Help: "Total requests processed, by provider, model and terminal status.",
		}, []string{"provider", "model", "status"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_errors_total",
			Help: "Total request failures, by error type and provider.",
		}, []string{"error_type", "provider"}),
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ai_gateway_cache_hits_total",
			Help: "Total semantic cache hits.",
		}),
		PIIDetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_pii_detections_total",
			Help: "Total requests with PII detected, by location.",
		}, []string{"pii_type"}),
		GuardrailViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_gateway_guardrail_violations_total",
			Help: "Total guardrail violations, by rule and severity.",
		}, []string{"rule_name", "severity"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_gateway_request_duration_seconds",
			Help:    "End to end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "model"}),
		TokensPerRequest: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_gateway_tokens_per_request",
			Help:    "Token counts per request, by token type.",
			Buckets: prometheus.ExponentialBuckets(16, 2, 12),
		}, []string{"token_type"}),
		CostPerRequest: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_gateway_cost_per_request_usd",
			Help:    "USD cost per request.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"provider", "model"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ai_gateway_active_requests",
			Help: "Requests currently in flight.",
		}),
	}
}
