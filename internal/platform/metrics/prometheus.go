package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestration core
type Metrics struct {
	// HTTP metrics (admin surface)
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Job/worker pool metrics
	WorkersActive      prometheus.Gauge
	JobsSubmitted      prometheus.Counter
	JobsFinished       *prometheus.CounterVec
	JobQueueDepth      *prometheus.GaugeVec
	JobStealAttempts   prometheus.Counter
	JobStealSuccesses  prometheus.Counter

	// Task dispatcher metrics
	TasksDispatched *prometheus.CounterVec
	TaskHandlerLatency *prometheus.HistogramVec
	DispatchTickDuration prometheus.Histogram

	// Workflow metrics
	WorkflowStepTransitions *prometheus.CounterVec
	WorkflowsRegistered     prometheus.Gauge
	WorkflowStepsPolled     prometheus.Counter

	// Store/backend metrics
	StoreOperationDuration *prometheus.HistogramVec
	StoreOperationErrors   *prometheus.CounterVec
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics under the given namespace
func New(namespace string) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests to the admin surface",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of in-flight admin HTTP requests",
			},
			[]string{"method"},
		),

		WorkersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of workers currently running in the job manager",
			},
		),
		JobsSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Total number of jobs submitted to the job manager",
			},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Total number of jobs that finished, by outcome",
			},
			[]string{"outcome"},
		),
		JobQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "job_queue_depth",
				Help:      "Number of jobs waiting in a worker's private queue",
			},
			[]string{"worker"},
		),
		JobStealAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_steal_attempts_total",
				Help:      "Total number of work-stealing attempts across all workers",
			},
		),
		JobStealSuccesses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_steal_successes_total",
				Help:      "Total number of work-stealing attempts that found a job",
			},
		),

		TasksDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_dispatched_total",
				Help:      "Total number of tasks dispatched to handlers, by task type",
			},
			[]string{"task_type"},
		),
		TaskHandlerLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_handler_duration_seconds",
				Help:      "Duration of a task handler invocation",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"task_type"},
		),
		DispatchTickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_tick_duration_seconds",
				Help:      "Duration of one dispatcher tick, including handler fan-out wait",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			},
		),

		WorkflowStepTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_step_transitions_total",
				Help:      "Total number of flow-step state transitions, by target state",
			},
			[]string{"state"},
		),
		WorkflowsRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflows_registered",
				Help:      "Number of workflows currently registered with the workflow manager",
			},
		),
		WorkflowStepsPolled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_polled_total",
				Help:      "Total number of flow-step poll invocations",
			},
		),

		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Duration of a backing-store operation",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"store", "operation"},
		),
		StoreOperationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operation_errors_total",
				Help:      "Total number of backing-store operation errors",
			},
			[]string{"store", "operation"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}

	m.register()
	return m
}

func (m *Metrics) register() {
	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.WorkersActive,
		m.JobsSubmitted,
		m.JobsFinished,
		m.JobQueueDepth,
		m.JobStealAttempts,
		m.JobStealSuccesses,
		m.TasksDispatched,
		m.TaskHandlerLatency,
		m.DispatchTickDuration,
		m.WorkflowStepTransitions,
		m.WorkflowsRegistered,
		m.WorkflowStepsPolled,
		m.StoreOperationDuration,
		m.StoreOperationErrors,
		m.CircuitBreakerState,
	)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware returns middleware that records admin HTTP metrics
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes connection takeover (websocket upgrades) through to
// the wrapped writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
