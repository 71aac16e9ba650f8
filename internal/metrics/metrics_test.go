package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/problems/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/problems/{id}", "418"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/problems/"+id, nil))
		require.Equal(t, http.StatusTeapot, rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/problems/{id}", "418"))
	assert.Equal(t, 2.0, after-before)
	assert.Equal(t, 0.0, testutil.ToFloat64(httpInFlight))
}

func TestObservers(t *testing.T) {
	before := testutil.ToFloat64(sandboxRuns.WithLabelValues("python", "local", "timeout"))
	ObserveSandboxRun("python", "local", "timeout", 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(sandboxRuns.WithLabelValues("python", "local", "timeout"))-before)

	before = testutil.ToFloat64(responsesGraded.WithLabelValues("formula", "correct"))
	ObserveGrade("formula", "correct")
	assert.Equal(t, 1.0, testutil.ToFloat64(responsesGraded.WithLabelValues("formula", "correct"))-before)

	before = testutil.ToFloat64(actions.WithLabelValues("check", "ok"))
	ObserveAction("check", "ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(actions.WithLabelValues("check", "ok"))-before)
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveAction("reset", "forbidden")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `grader_problem_actions_total{action="reset",outcome="forbidden"}`), body)
}
