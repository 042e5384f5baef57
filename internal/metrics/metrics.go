// Package metrics exposes Prometheus collectors for the broker and its proxy service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

var (
	brokerOperationsTotal       *prometheus.CounterVec
	brokerFallthroughTotal      *prometheus.CounterVec
	brokerCapacityRejectedTotal *prometheus.CounterVec
	shardSelectionsTotal        *prometheus.CounterVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	amqpConfirmSeconds          *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		brokerOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbroker_operations_total",
				Help: "Total number of queue operations, labeled by tier, operation and outcome.",
			},
			[]string{"tier", "op", "outcome"},
		)

		brokerFallthroughTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbroker_fallthrough_total",
				Help: "Total number of times an operation fell through from a tier to the next one.",
			},
			[]string{"from", "op"},
		)

		brokerCapacityRejectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbroker_capacity_rejected_total",
				Help: "Total number of sends refused by a length-limited queue, labeled by tier.",
			},
			[]string{"tier"},
		)

		shardSelectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gridbroker_shard_selections_total",
				Help: "Total number of shard selections, labeled by sharding method.",
			},
			[]string{"method"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
			},
			[]string{"method", "route"},
		)

		amqpConfirmSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gridbroker_amqp_confirm_seconds",
				Help:    "Histogram of publisher confirm latencies, labeled by outcome.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"outcome"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation counts one tier operation.
func ObserveOperation(tier, op, outcome string) {
	Init()
	brokerOperationsTotal.WithLabelValues(tier, op, outcome).Inc()
}

// ObserveFallthrough counts a failover from tier to the next one.
func ObserveFallthrough(tier, op string) {
	Init()
	brokerFallthroughTotal.WithLabelValues(tier, op).Inc()
}

// ObserveCapacityRejected counts a capacity rejection surfaced by tier.
func ObserveCapacityRejected(tier string) {
	Init()
	brokerCapacityRejectedTotal.WithLabelValues(tier).Inc()
}

// ObserveShardSelection counts one selection by method.
func ObserveShardSelection(method string) {
	Init()
	shardSelectionsTotal.WithLabelValues(method).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveConfirm records how long the broker took to confirm a publish.
func ObserveConfirm(outcome string, duration time.Duration) {
	Init()
	amqpConfirmSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}
