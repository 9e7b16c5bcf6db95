package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run lifecycle
	RunsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_engine_runs_started_total",
			Help: "Total number of evaluation runs started",
		},
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_runs_finished_total",
			Help: "Total number of evaluation runs reaching a terminal status",
		},
		[]string{"status"}, // prepared, failed, cancelled
	)

	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "policy_engine_runs_in_flight",
			Help: "Number of runs currently dispatched by this process",
		},
	)

	ItemsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_items_evaluated_total",
			Help: "Total number of catalog items evaluated",
		},
		[]string{"outcome"}, // eligible, ineligible, error
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policy_engine_batch_duration_seconds",
			Help:    "Time to fetch, evaluate and persist one batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Promotion
	Promotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_promotions_total",
			Help: "Promotion attempts by result",
		},
		[]string{"result"}, // promoted, idempotent, blocked, conflict
	)

	// Catalog circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "policy_engine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_circuit_breaker_requests_total",
			Help: "Requests passing through a circuit breaker by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	// Events and archives
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_events_published_total",
			Help: "Run and promotion events handed to the event stream",
		},
		[]string{"type", "result"},
	)

	ArchiveUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_archive_uploads_total",
			Help: "Run result archive uploads by result",
		},
		[]string{"result"},
	)

	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_engine_api_requests_total",
			Help: "Total admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policy_engine_api_request_duration_seconds",
			Help:    "Admin API request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func RecordAPIRequest(method, route string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordRunFinished(status string) {
	RunsFinished.WithLabelValues(status).Inc()
}

// RecordBatch adds one batch's outcome counts.
func RecordBatch(eligible, ineligible, errors int64, duration time.Duration) {
	ItemsEvaluated.WithLabelValues("eligible").Add(float64(eligible))
	ItemsEvaluated.WithLabelValues("ineligible").Add(float64(ineligible))
	ItemsEvaluated.WithLabelValues("error").Add(float64(errors))
	BatchDuration.Observe(duration.Seconds())
}

func RecordPromotion(result string) {
	Promotions.WithLabelValues(result).Inc()
}

func RecordEvent(eventType string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	EventsPublished.WithLabelValues(eventType, result).Inc()
}

func RecordArchive(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	ArchiveUploads.WithLabelValues(result).Inc()
}
