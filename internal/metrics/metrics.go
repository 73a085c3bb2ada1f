// Package metrics exposes the gateway's Prometheus surface (part of C14),
// following the naming and registration style of this codebase's own
// metrics.go: plain package-level collectors registered once, registered
// against the default registry via promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections_active",
		Help: "Current number of live WebSocket connections",
	})

	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_connections_rejected_total",
		Help: "Total connection attempts rejected by the admission guard, by reason",
	}, []string{"reason"})

	AuthSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_success_total",
		Help: "Total successful authentications",
	})

	AuthFailureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_failure_total",
		Help: "Total failed authentications, by reason",
	}, []string{"reason"})

	RateLimitBlocksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limit_blocks_total",
		Help: "Total connections closed due to rate limiting",
	})

	GenerationsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_generations_active",
		Help: "Current number of in-flight upstream generations",
	})

	GenerationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_generations_total",
		Help: "Total generations, by outcome (completed|cancelled|failed)",
	}, []string{"outcome"})

	TokensStreamedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_tokens_streamed_total",
		Help: "Total stream_token frames emitted to clients",
	})

	UpstreamErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total errors returned by the upstream generation backend",
	})

	CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cpu_percent",
		Help: "Sampled CPU usage percent (container-aware where available)",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsRejected,
		AuthSuccessTotal,
		AuthFailureTotal,
		RateLimitBlocksTotal,
		GenerationsActive,
		GenerationsTotal,
		TokensStreamedTotal,
		UpstreamErrorsTotal,
		CPUPercent,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
