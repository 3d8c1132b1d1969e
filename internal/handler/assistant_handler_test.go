package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trust-service/internal/audit"
	"trust-service/internal/auth"
	"trust-service/internal/authz"
	"trust-service/internal/config"
	"trust-service/internal/hashing"
	"trust-service/internal/notify"
	"trust-service/internal/recurring"
	"trust-service/internal/service"
	"trust-service/internal/trust"
)

type stubHealth map[string]error

func (s stubHealth) HealthCheck(context.Context) map[string]error { return s }

type testServer struct {
	router   chi.Router
	notifier *notify.MemoryDispatcher
}

func newTestServer(t *testing.T, health HealthChecker) *testServer {
	t.Helper()
	hasher := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "test"})
	otp := auth.NewOTPManager(auth.NewMemoryOTPStore(time.Now), hasher, 6, 5*time.Minute, time.Now)
	orch := auth.NewOrchestrator(auth.NewMemorySessionStore(), auth.NewKeyedLocker(), auth.NewMemoryCredentialStore(),
		otp, hasher, auth.DefaultConfig(), nil)

	recorder := audit.NewMemoryRecorder(0)
	notifier := notify.NewMemoryDispatcher()
	ledger := service.NewMemoryLedger()
	svc := service.NewAssistantService(service.Dependencies{
		Orchestrator: orch,
		Ledger:       ledger,
		Sink:         ledger,
		Recorder:     recorder,
		Explanations: recorder,
		Dispatcher:   notifier,
	}, service.Settings{
		Trust:         trust.DefaultThresholds(),
		Policy:        authz.DefaultPolicy(),
		Detector:      recurring.DefaultOptions(),
		LookaheadDays: 3,
		PrivateMode:   true,
	}, nil)

	h := NewAssistantHandler(svc, zap.NewNop())
	return &testServer{
		router:   NewRouter(h, health, config.ServerConfig{CORSOrigins: []string{"*"}}, zap.NewNop()),
		notifier: notifier,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (int, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp Response
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec.Code, resp
}

func field(t *testing.T, resp Response, key string) interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is an object")
	return m[key]
}

func TestHTTP_LoginAuthorizeAndExplain(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodPut, "/api/v1/users/user-1/credential", map[string]interface{}{"pin": "4821", "voice_enrolled": true})
	require.Equal(t, http.StatusOK, code)

	code, resp := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "user-1"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "AWAITING_VOICE", field(t, resp, "state"))
	assert.Equal(t, "VOICE", field(t, resp, "next_factor"))
	id := field(t, resp, "session_id").(string)
	base := "/api/v1/sessions/" + id

	code, resp = s.do(t, http.MethodPost, base+"/voice", map[string]interface{}{"confidence": 0.93})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AUTHENTICATED", field(t, resp, "state"))

	signals := map[string]interface{}{"noise_level": 0.1, "voice_match": 0.78, "emotional_confidence": 0.5}
	code, resp = s.do(t, http.MethodPost, base+"/authorize", map[string]interface{}{
		"signals": signals, "operation": "TRANSFER", "amount": 30000, "recipient": "Landlord",
	})
	require.Equal(t, http.StatusOK, code)
	result := field(t, resp, "result").(map[string]interface{})
	assert.Equal(t, "REQUIRE_STEP_UP", result["decision"])
	assert.Equal(t, "OTP", result["required_factor"])

	sent, ok := s.notifier.Last(id, notify.KindOTP)
	require.True(t, ok)
	code, resp = s.do(t, http.MethodPost, base+"/otp", map[string]string{"code": sent.Payload["code"]})
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, field(t, resp, "approved_operation"), "fingerprints are not exposed")

	code, resp = s.do(t, http.MethodPost, base+"/authorize", map[string]interface{}{
		"signals": signals, "operation": "TRANSFER", "amount": 30000, "recipient": "Landlord",
	})
	require.Equal(t, http.StatusOK, code)
	result = field(t, resp, "result").(map[string]interface{})
	assert.Equal(t, "ALLOW", result["decision"])

	code, resp = s.do(t, http.MethodGet, base+"/explanations?limit=5", nil)
	require.Equal(t, http.StatusOK, code)
	events, ok := resp.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, events, 2)

	code, _ = s.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"user": "x"})
	assert.Equal(t, http.StatusBadRequest, code, "unknown fields are rejected")

	code, _ = s.do(t, http.MethodPut, "/api/v1/users/u2/credential", map[string]interface{}{"pin": "12"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPut, "/api/v1/users/u2/credential", map[string]interface{}{"pin": "1234"})
	require.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodPut, "/api/v1/users/u2/credential", map[string]interface{}{"pin": "9999"})
	assert.Equal(t, http.StatusConflict, code, "an enrolled credential cannot be overwritten anonymously")
	code, resp := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "u2"})
	require.Equal(t, http.StatusCreated, code)
	base := "/api/v1/sessions/" + field(t, resp, "session_id").(string)

	code, resp = s.do(t, http.MethodPost, base+"/pin", map[string]string{"pin": "9999"})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "AWAITING_PIN", field(t, resp, "state"))
	assert.EqualValues(t, 1, field(t, resp, "failure_count"))

	s.do(t, http.MethodPost, base+"/pin", map[string]string{"pin": "9999"})
	code, resp = s.do(t, http.MethodPost, base+"/pin", map[string]string{"pin": "9999"})
	assert.Equal(t, http.StatusLocked, code)
	assert.Equal(t, "LOCKED", field(t, resp, "state"))

	code, resp = s.do(t, http.MethodPost, base+"/authorize", map[string]interface{}{
		"signals": map[string]interface{}{"noise_level": 0.1}, "operation": "BALANCE_INQUIRY",
	})
	require.Equal(t, http.StatusOK, code)
	result := field(t, resp, "result").(map[string]interface{})
	assert.Equal(t, "DENY", result["decision"])
	assert.Equal(t, "session_locked", result["reason"])

	// No route leaves LOCKED, and the right PIN is still refused.
	code, _ = s.do(t, http.MethodPost, base+"/unlock", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, resp = s.do(t, http.MethodPost, base+"/pin", map[string]string{"pin": "1234"})
	assert.Equal(t, http.StatusLocked, code)
	assert.Equal(t, "LOCKED", field(t, resp, "state"))
	code, _ = s.do(t, http.MethodPut, base+"/credential", map[string]interface{}{"pin": "5555"})
	assert.Equal(t, http.StatusLocked, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/users/u2/summary?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodGet, "/api/v1/users/u2/summary/monthly?year=2026&month=13", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_ChangeCredentialNeedsAuthenticatedSession(t *testing.T) {
	s := newTestServer(t, nil)

	code, _ := s.do(t, http.MethodPut, "/api/v1/users/u3/credential", map[string]interface{}{"pin": "2468"})
	require.Equal(t, http.StatusOK, code)
	code, resp := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "u3"})
	require.Equal(t, http.StatusCreated, code)
	base := "/api/v1/sessions/" + field(t, resp, "session_id").(string)

	code, _ = s.do(t, http.MethodPut, base+"/credential", map[string]interface{}{"pin": "1357"})
	assert.Equal(t, http.StatusConflict, code)
	code, _ = s.do(t, http.MethodPut, "/api/v1/sessions/missing/credential", map[string]interface{}{"pin": "1357"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, base+"/pin", map[string]string{"pin": "2468"})
	require.Equal(t, http.StatusOK, code)
	code, resp = s.do(t, http.MethodPut, base+"/credential", map[string]interface{}{"pin": "1357"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "u3", field(t, resp, "user_id"))

	code, resp = s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"user_id": "u3"})
	require.Equal(t, http.StatusCreated, code)
	next := "/api/v1/sessions/" + field(t, resp, "session_id").(string)
	code, _ = s.do(t, http.MethodPost, next+"/pin", map[string]string{"pin": "2468"})
	assert.Equal(t, http.StatusUnauthorized, code)
	code, resp = s.do(t, http.MethodPost, next+"/pin", map[string]string{"pin": "1357"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "AUTHENTICATED", field(t, resp, "state"))
}

func TestHTTP_LedgerAndBatch(t *testing.T) {
	s := newTestServer(t, nil)
	now := time.Now().UTC()

	for _, daysAgo := range []int{65, 35, 5} {
		code, _ := s.do(t, http.MethodPost, "/api/v1/users/a/transactions", map[string]interface{}{
			"recipient": "Gym", "amount": 1200, "timestamp": now.AddDate(0, 0, -daysAgo),
		})
		require.Equal(t, http.StatusCreated, code)
	}

	code, resp := s.do(t, http.MethodGet, "/api/v1/users/a/recurring", nil)
	require.Equal(t, http.StatusOK, code)
	patterns := field(t, resp, "patterns").([]interface{})
	require.Len(t, patterns, 1)
	assert.Equal(t, "MONTHLY", patterns[0].(map[string]interface{})["frequency"])

	code, resp = s.do(t, http.MethodGet, "/api/v1/users/a/summary?days=30", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, field(t, resp, "count"))

	code, resp = s.do(t, http.MethodPost, "/api/v1/users/recurring/batch", map[string]interface{}{"user_ids": []string{"a", "b"}})
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, field(t, resp, "a").([]interface{}), 1)

	code, _ = s.do(t, http.MethodPost, "/api/v1/users/recurring/batch", map[string]interface{}{"user_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t, stubHealth{})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	s = newTestServer(t, stubHealth{"redis": errors.New("connection refused")})
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trust_http_requests_total")

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequireHTTPS(t *testing.T) {
	h := NewAssistantHandler(nil, zap.NewNop())
	router := NewRouter(h, nil, config.ServerConfig{EnableTLS: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
}
