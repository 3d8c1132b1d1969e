// Package metrics holds the Prometheus instruments for the trust service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trust-service/internal/model"
)

const namespace = "trust"

var (
	TrustAssessments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "assessments_total",
		Help:      "Trust assessments by resulting level.",
	}, []string{"level"})

	AuthorizationDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authorization_decisions_total",
		Help:      "Authorization outcomes by decision and reason code.",
	}, []string{"decision", "reason"})

	DecisionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "authorization_duration_seconds",
		Help:      "Time to assess trust and decide one request.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	StateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "state_transitions_total",
		Help:      "Authentication state machine transitions.",
	}, []string{"from", "to"})

	OTPVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "otp_verifications_total",
		Help:      "One-time code verifications by outcome.",
	}, []string{"outcome"}) // "success", "mismatch", "expired"

	PatternsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recurring",
		Name:      "patterns_total",
		Help:      "Recurring patterns detected by frequency.",
	}, []string{"frequency"})

	Suggestions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "suggestions",
		Name:      "offered_total",
		Help:      "Proactive suggestions offered by gate mode.",
	}, []string{"mode"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status.",
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		TrustAssessments,
		AuthorizationDecisions,
		DecisionLatency,
		StateTransitions,
		OTPVerifications,
		PatternsDetected,
		Suggestions,
		HTTPRequests,
	)
}

func ObserveAssessment(level model.TrustLevel) {
	TrustAssessments.WithLabelValues(string(level)).Inc()
}

// ObserveDecision records the outcome and how long it took since start.
func ObserveDecision(res model.AuthorizationResult, start time.Time) {
	AuthorizationDecisions.WithLabelValues(string(res.Decision), string(res.Reason)).Inc()
	DecisionLatency.Observe(time.Since(start).Seconds())
}

func ObserveTransition(from, to model.AuthState) {
	StateTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func ObserveOTP(outcome string) {
	OTPVerifications.WithLabelValues(outcome).Inc()
}

func ObservePatterns(patterns []model.RecurringPattern) {
	for _, p := range patterns {
		PatternsDetected.WithLabelValues(string(p.Frequency)).Inc()
	}
}

func ObserveSuggestion(mode string) {
	Suggestions.WithLabelValues(mode).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware counts requests by chi route pattern so path parameters do not
// explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	})
}
