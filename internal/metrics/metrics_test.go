package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-service/internal/model"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestObserveDecision(t *testing.T) {
	AuthorizationDecisions.Reset()

	ObserveDecision(model.AuthorizationResult{Decision: model.DecisionDeny, Reason: model.ReasonCriticalTrustMonetary}, time.Now())
	ObserveDecision(model.AuthorizationResult{Decision: model.DecisionDeny, Reason: model.ReasonCriticalTrustMonetary}, time.Now())

	c, err := AuthorizationDecisions.GetMetricWithLabelValues("DENY", "critical_trust_monetary_blocked")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, c))
}

func TestObservePatterns(t *testing.T) {
	PatternsDetected.Reset()
	ObservePatterns([]model.RecurringPattern{{Frequency: model.FrequencyMonthly}, {Frequency: model.FrequencyWeekly}, {Frequency: model.FrequencyMonthly}})

	c, err := PatternsDetected.GetMetricWithLabelValues("MONTHLY")
	require.NoError(t, err)
	assert.Equal(t, 2.0, counterValue(t, c))
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	HTTPRequests.Reset()

	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/abc", nil))

	c, err := HTTPRequests.GetMetricWithLabelValues("GET", "/sessions/{id}", "404")
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, c))
}

func TestMetrics_Registered(t *testing.T) {
	ObserveAssessment(model.TrustHigh)
	ObserveTransition(model.StateAwaitingPIN, model.StateAuthenticated)
	ObserveOTP("success")
	ObserveSuggestion("confirm")

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"trust_assessments_total",
		"trust_auth_state_transitions_total",
		"trust_auth_otp_verifications_total",
		"trust_suggestions_offered_total",
		"trust_authorization_duration_seconds",
	} {
		assert.True(t, names[want], want)
	}
}
