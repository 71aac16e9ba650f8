package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "grader"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests received",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	httpInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_in_flight_requests",
		Help:      "Current number of in-flight HTTP requests",
	})

	sandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sandbox_runs_total",
		Help:      "Sandbox runs by command, backend and outcome",
	}, []string{"command", "backend", "outcome"})

	sandboxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sandbox_run_duration_seconds",
		Help:      "Wall-clock duration of sandbox runs",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10},
	}, []string{"command", "backend"})

	responsesGraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "responses_graded_total",
		Help:      "Graded responses by kind and correctness",
	}, []string{"kind", "correctness"})

	actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "problem_actions_total",
		Help:      "Problem lifecycle actions by action and outcome",
	}, []string{"action", "outcome"})
)

// ObserveSandboxRun records one sandbox execution.
func ObserveSandboxRun(command, backend, outcome string, d time.Duration) {
	sandboxRuns.WithLabelValues(command, backend, outcome).Inc()
	sandboxDuration.WithLabelValues(command, backend).Observe(d.Seconds())
}

// ObserveGrade records the correctness tag assigned to one response.
func ObserveGrade(kind, correctness string) {
	responsesGraded.WithLabelValues(kind, correctness).Inc()
}

// ObserveAction records a lifecycle action (check, save, reset, show_answer, ...).
func ObserveAction(action, outcome string) {
	actions.WithLabelValues(action, outcome).Inc()
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Middleware records request metrics labelled by the matched chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"route":  route,
			"status": strconv.Itoa(rec.status),
		}
		httpRequests.With(labels).Inc()
		httpLatency.With(labels).Observe(time.Since(start).Seconds())
	})
}

// Handler exposes the default Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
