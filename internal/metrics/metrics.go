// Package metrics provides the Prometheus instrumentation shared across
// the ingress handler, access gate, job queue, pipeline worker, and
// circuit breaker fabric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_requests_total",
		Help: "Ingress requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelscribe_request_duration_seconds",
		Help:    "Ingress request latency by endpoint",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_gate_decisions_total",
		Help: "Access gate decisions by outcome",
	}, []string{"outcome"}) // allowed|waitlisted|blocked|quota_exceeded|store_unavailable

	jobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_jobs_enqueued_total",
		Help: "Jobs enqueued by mode",
	}, []string{"mode"})

	jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_jobs_completed_total",
		Help: "Jobs finished by terminal status",
	}, []string{"status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelscribe_job_duration_seconds",
		Help:    "End-to-end job duration by terminal status",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"status"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reelscribe_stage_duration_seconds",
		Help:    "Pipeline stage duration",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"stage", "outcome"})

	cacheResult = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_cache_result_total",
		Help: "Cache lookups by tier and result",
	}, []string{"tier", "result"}) // result=hit|miss

	adapterCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_adapter_calls_total",
		Help: "External adapter invocations by adapter and outcome",
	}, []string{"adapter", "outcome"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reelscribe_circuit_breaker_state",
		Help: "Circuit breaker state by service (closed=1, half-open=1, open=1; others 0)",
	}, []string{"service", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_circuit_breaker_trips_total",
		Help: "Circuit breaker transitions into the open state",
	}, []string{"service", "reason"})

	circuitBreakerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reelscribe_circuit_breaker_status",
		Help: "Circuit breaker numeric status (0=closed, 1=open, 2=half-open) by service",
	}, []string{"service"})

	busDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelscribe_bus_drop_total",
		Help: "Messages dropped by the in-process event bus",
	}, []string{"topic", "reason"})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelscribe_active_subscribers",
		Help: "Subscribers currently counted against the beta active-capacity ceiling",
	})

	waitlistLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reelscribe_waitlist_length",
		Help: "Subscribers currently waitlisted",
	})
)

var circuitStates = []string{"closed", "half-open", "open"}

func RecordRequest(endpoint, outcome string) { requestsTotal.WithLabelValues(endpoint, outcome).Inc() }

func ObserveRequestDuration(endpoint string, seconds float64) {
	requestDuration.WithLabelValues(endpoint).Observe(seconds)
}

func RecordGateDecision(outcome string) { gateDecisions.WithLabelValues(outcome).Inc() }

func RecordJobEnqueued(mode string) { jobsEnqueued.WithLabelValues(mode).Inc() }

func RecordJobCompleted(status string, seconds float64) {
	jobsCompleted.WithLabelValues(status).Inc()
	jobDuration.WithLabelValues(status).Observe(seconds)
}

func ObserveStage(stage, outcome string, seconds float64) {
	stageDuration.WithLabelValues(stage, outcome).Observe(seconds)
}

func RecordCacheResult(tier, result string) { cacheResult.WithLabelValues(tier, result).Inc() }

func RecordAdapterCall(adapter, outcome string) { adapterCalls.WithLabelValues(adapter, outcome).Inc() }

// SetCircuitBreakerState records the active circuit breaker state for a service.
func SetCircuitBreakerState(service, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(service, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(service, reason string) {
	circuitBreakerTrips.WithLabelValues(service, reason).Inc()
}

// SetCircuitBreakerStatus records the numeric state code for a service.
func SetCircuitBreakerStatus(service string, state int) {
	circuitBreakerStatus.WithLabelValues(service).Set(float64(state))
}

// IncBusDropReason records a dropped in-process bus publish.
func IncBusDropReason(topic, reason string) { busDropTotal.WithLabelValues(topic, reason).Inc() }

func SetActiveSubscribers(n int) { activeSubscribers.Set(float64(n)) }
func SetWaitlistLength(n int)    { waitlistLength.Set(float64(n)) }
