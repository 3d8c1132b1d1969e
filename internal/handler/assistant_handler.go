package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"trust-service/internal/auth"
	"trust-service/internal/authz"
	"trust-service/internal/model"
	"trust-service/internal/service"
	"trust-service/internal/util"
)

const maxBodyBytes = 1 << 20

// AssistantHandler handles HTTP requests from the voice layer
type AssistantHandler struct {
	svc    *service.AssistantService
	logger *zap.Logger
}

// NewAssistantHandler creates a new assistant handler
func NewAssistantHandler(svc *service.AssistantService, logger *zap.Logger) *AssistantHandler {
	return &AssistantHandler{svc: svc, logger: logger}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// sessionView is the client-facing session. Operation fingerprints stay server side.
type sessionView struct {
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id"`
	State         model.AuthState `json:"state"`
	NextFactor    model.Factor    `json:"next_factor,omitempty"`
	Factors       model.FactorSet `json:"factors"`
	FailureCount  int             `json:"failure_count"`
	VoiceEnrolled bool            `json:"voice_enrolled"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

func viewOf(s *model.Session) sessionView {
	v := sessionView{
		SessionID:     s.SessionID,
		UserID:        s.UserID,
		State:         s.State,
		Factors:       s.Factors,
		FailureCount:  s.FailureCount,
		VoiceEnrolled: s.VoiceEnrolled,
		ExpiresAt:     s.ExpiresAt,
	}
	if s.State.InFlight() {
		v.NextFactor = authz.NextFactor(s.State, s.VoiceEnrolled)
	}
	return v
}

type startLoginRequest struct {
	UserID string `json:"user_id"`
}

type voiceRequest struct {
	Confidence *float64 `json:"confidence"`
}

type pinRequest struct {
	PIN string `json:"pin"`
}

type otpRequest struct {
	Code string `json:"code"`
}

type authorizeRequest struct {
	Signals   model.Signals   `json:"signals"`
	Operation model.Operation `json:"operation"`
	Amount    *float64        `json:"amount,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
}

type suggestionsRequest struct {
	Signals model.Signals `json:"signals"`
}

type credentialRequest struct {
	PIN           string `json:"pin"`
	VoiceEnrolled bool   `json:"voice_enrolled"`
}

type batchRequest struct {
	UserIDs []string `json:"user_ids"`
}

type transactionRequest struct {
	Recipient string    `json:"recipient"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
}

// RegisterRoutes registers all session and user routes
func (h *AssistantHandler) RegisterRoutes(router chi.Router) {
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.StartLogin)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.Logout)
			r.Post("/voice", h.SubmitVoice)
			r.Post("/pin", h.SubmitPIN)
			r.Post("/otp", h.VerifyOTP)
			r.Put("/credential", h.ChangeCredential)
			r.Post("/authorize", h.Authorize)
			r.Post("/suggestions", h.Suggestions)
			r.Get("/explanations", h.Explanations)
		})
	})

	router.Route("/users", func(r chi.Router) {
		r.Post("/recurring/batch", h.DetectBatch)
		r.Route("/{userID}", func(r chi.Router) {
			r.Put("/credential", h.EnrollCredential)
			r.Get("/recurring", h.RecurringPatterns)
			r.Get("/summary", h.SpendingSummary)
			r.Get("/summary/monthly", h.MonthlySummary)
			r.Post("/transactions", h.RecordTransaction)
		})
	})
}

// -------------------- SESSIONS --------------------

// StartLogin handles POST /sessions
func (h *AssistantHandler) StartLogin(w http.ResponseWriter, r *http.Request) {
	var req startLoginRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.StartLogin(r.Context(), req.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to start login")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(viewOf(s), "Login started"))
}

func (h *AssistantHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get session")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(viewOf(s), ""))
}

func (h *AssistantHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to log out")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AssistantHandler) SubmitVoice(w http.ResponseWriter, r *http.Request) {
	var req voiceRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.SubmitVoice(r.Context(), chi.URLParam(r, "sessionID"), req.Confidence)
	h.respondWithSession(w, s, err, "Voice check failed")
}

func (h *AssistantHandler) SubmitPIN(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.SubmitPIN(r.Context(), chi.URLParam(r, "sessionID"), req.PIN)
	h.respondWithSession(w, s, err, "PIN check failed")
}

func (h *AssistantHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !h.decode(w, r, &req) {
		return
	}
	s, err := h.svc.VerifyOTP(r.Context(), chi.URLParam(r, "sessionID"), req.Code)
	h.respondWithSession(w, s, err, "One-time code check failed")
}

// ChangeCredential handles PUT /sessions/{sessionID}/credential. Only an
// authenticated session may replace its own user's credential.
func (h *AssistantHandler) ChangeCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !h.decode(w, r, &req) {
		return
	}
	c, err := h.svc.ChangeCredential(r.Context(), chi.URLParam(r, "sessionID"), req.PIN, req.VoiceEnrolled)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to change credential")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(credentialView(c), "Credential changed"))
}

// -------------------- DECISIONS --------------------

// Authorize handles POST /sessions/{sessionID}/authorize
func (h *AssistantHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if !h.decode(w, r, &req) {
		return
	}
	out, err := h.svc.Authorize(r.Context(), chi.URLParam(r, "sessionID"), req.Signals, model.AuthorizationRequest{
		Operation: req.Operation,
		Amount:    req.Amount,
		Recipient: req.Recipient,
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to authorize operation")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(out, out.Result.Message))
}

func (h *AssistantHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	var req suggestionsRequest
	if !h.decode(w, r, &req) {
		return
	}
	set, err := h.svc.Suggestions(r.Context(), chi.URLParam(r, "sessionID"), req.Signals)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to build suggestions")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(set, ""))
}

func (h *AssistantHandler) Explanations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid limit")
		return
	}
	events, err := h.svc.Explain(r.Context(), chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load explanations")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(events, ""))
}

// -------------------- USERS --------------------

func (h *AssistantHandler) EnrollCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")
	c, err := h.svc.EnrollCredential(r.Context(), userID, req.PIN, req.VoiceEnrolled)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to enroll credential")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(credentialView(c), "Credential enrolled"))
}

func credentialView(c *model.Credential) map[string]interface{} {
	return map[string]interface{}{
		"user_id":        c.UserID,
		"voice_enrolled": c.VoiceEnrolled,
		"updated_at":     c.UpdatedAt,
	}
}

func (h *AssistantHandler) RecurringPatterns(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RecurringPatterns(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to detect recurring payments")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(report, ""))
}

func (h *AssistantHandler) SpendingSummary(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 30)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid days")
		return
	}
	summary, err := h.svc.SpendingSummary(r.Context(), chi.URLParam(r, "userID"), days)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to summarize spending")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(summary, ""))
}

// MonthlySummary defaults to the previous calendar month.
func (h *AssistantHandler) MonthlySummary(w http.ResponseWriter, r *http.Request) {
	prev := time.Now().UTC().AddDate(0, -1, 0)
	year, err := queryInt(r, "year", prev.Year())
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid year")
		return
	}
	month, err := queryInt(r, "month", int(prev.Month()))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid month")
		return
	}
	report, err := h.svc.MonthlySummary(r.Context(), chi.URLParam(r, "userID"), year, time.Month(month))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to build monthly summary")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(report, ""))
}

func (h *AssistantHandler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	txn := &model.Transaction{
		UserID:    chi.URLParam(r, "userID"),
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Timestamp: req.Timestamp,
		Category:  req.Category,
	}
	if err := h.svc.RecordTransaction(r.Context(), txn); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record transaction")
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(txn, "Transaction recorded"))
}

func (h *AssistantHandler) DetectBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	results, err := h.svc.DetectForUsers(r.Context(), req.UserIDs)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Batch detection failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(results, ""))
	h.logger.Info("Batch detection via HTTP",
		util.Int("users", len(req.UserIDs)),
		util.Duration("duration", time.Since(startTime)))
}

// Helper Methods

func (h *AssistantHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return false
	}
	return true
}

// respondWithSession reports the session alongside a domain failure so the
// caller can see which factor to ask for next.
func (h *AssistantHandler) respondWithSession(w http.ResponseWriter, s *model.Session, err error, message string) {
	if err == nil {
		h.respondWithJSON(w, http.StatusOK, successResponse(viewOf(s), ""))
		return
	}
	resp := errorResponse(err, message)
	if s != nil {
		resp.Data = viewOf(s)
	}
	status := h.getStatusCode(err)
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", status),
		util.String("message", message))
	h.respondWithJSON(w, status, resp)
}

// respondWithJSON sends a JSON response
func (h *AssistantHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AssistantHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AssistantHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, auth.ErrSessionNotFound), errors.Is(err, auth.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, auth.ErrInvalidPIN):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrSessionLocked):
		return http.StatusLocked
	case errors.Is(err, auth.ErrConcurrentAttempt), errors.Is(err, auth.ErrInvalidTransition),
		errors.Is(err, auth.ErrCredentialExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrPINMismatch), errors.Is(err, auth.ErrOTPMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrOTPExpired):
		return http.StatusGone
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrLedgerUnavailable),
		errors.Is(err, service.ErrExplanationsMissing),
		errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return v, nil
}
