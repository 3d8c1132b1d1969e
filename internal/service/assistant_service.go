package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trust-service/internal/audit"
	"trust-service/internal/auth"
	"trust-service/internal/authz"
	"trust-service/internal/config"
	"trust-service/internal/metrics"
	"trust-service/internal/model"
	"trust-service/internal/notify"
	"trust-service/internal/recurring"
	"trust-service/internal/suggestion"
	"trust-service/internal/trust"
	"trust-service/internal/util"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrRateLimited         = errors.New("too many login attempts")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrExplanationsMissing = errors.New("explanations are not available")
	ErrDeliveryFailed      = errors.New("out-of-band delivery failed")
)

const (
	maxSummaryDays      = 366
	maxBatchUsers       = 500
	batchConcurrency    = 8
	defaultExplainLimit = 20
)

// LoginLimiter counts login starts per key inside a fixed window.
type LoginLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// Settings are the tunables the service applies on every request.
type Settings struct {
	Trust         trust.Thresholds
	Policy        authz.Policy
	Detector      recurring.Options
	LookaheadDays int
	SummaryDay    int
	PrivateMode   bool
	LoginAttempts int
	LoginWindow   time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Trust: trust.Thresholds{
			HighNoise:      cfg.Trust.HighNoise,
			HighVoice:      cfg.Trust.HighVoice,
			MediumVoice:    cfg.Trust.MediumVoice,
			LowVoice:       cfg.Trust.LowVoice,
			HighEmotion:    cfg.Trust.HighEmotion,
			FailureLockout: cfg.Trust.FailureLockout,
		},
		Policy: authz.Policy{HighValueThreshold: cfg.Authorization.HighValueThreshold},
		Detector: recurring.Options{
			WindowDays:     cfg.Detector.WindowDays,
			TolerancePct:   cfg.Detector.TolerancePct,
			MinConfidence:  cfg.Detector.MinConfidence,
			MinOccurrences: cfg.Detector.MinOccurrences,
		},
		LookaheadDays: cfg.Suggestions.LookaheadDays,
		SummaryDay:    cfg.Suggestions.SummaryDay,
		PrivateMode:   cfg.Privacy.PrivateModeEnabled,
		LoginAttempts: cfg.RateLimit.LoginAttempts,
		LoginWindow:   cfg.RateLimit.Window,
	}
}

// Dependencies are the collaborators the factory hands the service.
// Limiter and Explanations may be nil.
type Dependencies struct {
	Orchestrator *auth.Orchestrator
	Ledger       model.TransactionSource
	Sink         model.TransactionSink
	Recorder     audit.Recorder
	Explanations audit.ExplanationFinder
	Dispatcher   notify.Dispatcher
	Limiter      LoginLimiter
}

// AuthorizationOutcome is what the voice layer gets back for one request.
type AuthorizationOutcome struct {
	Result          model.AuthorizationResult `json:"result"`
	Trust           model.TrustAssessment     `json:"trust"`
	TrustMessage    string                    `json:"trust_message"`
	PrivateMode     bool                      `json:"private_mode"`
	Session         model.SessionState        `json:"session"`
	ChallengeIssued bool                      `json:"challenge_issued"`
	OutOfBand       bool                      `json:"out_of_band"`
	EventID         string                    `json:"event_id"`
}

// SuggestionSet is the gated offer list together with the assessment it was gated on.
type SuggestionSet struct {
	Trust       model.TrustAssessment   `json:"trust"`
	Suggestions []suggestion.Suggestion `json:"suggestions"`
}

// AssistantService is the application layer over the orchestrator, the
// assessor, the policy, the detector and the suggestion gate.
type AssistantService struct {
	orch         *auth.Orchestrator
	ledger       model.TransactionSource
	sink         model.TransactionSink
	recorder     audit.Recorder
	explanations audit.ExplanationFinder
	dispatcher   notify.Dispatcher
	limiter      LoginLimiter
	settings     Settings
	gate         suggestion.Gate
	now          func() time.Time
	logger       *zap.Logger
}

type ServiceOption func(*AssistantService)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *AssistantService) { s.now = now }
}

func NewAssistantService(deps Dependencies, settings Settings, logger *zap.Logger, opts ...ServiceOption) *AssistantService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AssistantService{
		orch:         deps.Orchestrator,
		ledger:       deps.Ledger,
		sink:         deps.Sink,
		recorder:     deps.Recorder,
		explanations: deps.Explanations,
		dispatcher:   deps.Dispatcher,
		limiter:      deps.Limiter,
		settings:     settings,
		gate: suggestion.Gate{
			Policy:        settings.Policy,
			LookaheadDays: settings.LookaheadDays,
			SummaryDay:    settings.SummaryDay,
		},
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -------------------- AUTHENTICATION --------------------

// EnrollCredential stores a user's first PIN and voiceprint flag.
func (s *AssistantService) EnrollCredential(ctx context.Context, userID, pin string, voiceEnrolled bool) (*model.Credential, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	return s.orch.Enroll(ctx, userID, pin, voiceEnrolled)
}

// ChangeCredential replaces the credential of an authenticated session's user.
func (s *AssistantService) ChangeCredential(ctx context.Context, sessionID, pin string, voiceEnrolled bool) (*model.Credential, error) {
	if pin == "" {
		return nil, fmt.Errorf("%w: pin is required", ErrInvalidInput)
	}
	return s.orch.Reenroll(ctx, sessionID, pin, voiceEnrolled)
}

// StartLogin opens a session for the user and moves it to its first challenge.
func (s *AssistantService) StartLogin(ctx context.Context, userID string) (*model.Session, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if err := s.checkLoginRate(ctx, userID); err != nil {
		return nil, err
	}

	sess, err := s.orch.CreateSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	sess, err = s.orch.BeginLogin(ctx, sess.SessionID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Login started",
		util.String("session_id", sess.SessionID),
		util.String("user_id", userID),
		util.String("state", string(sess.State)))
	return sess, nil
}

func (s *AssistantService) SubmitVoice(ctx context.Context, sessionID string, confidence *float64) (*model.Session, error) {
	if confidence != nil && (*confidence < 0 || *confidence > 1 || math.IsNaN(*confidence)) {
		return nil, fmt.Errorf("%w: voice confidence must be within [0,1]", ErrInvalidInput)
	}
	return s.orch.SubmitVoice(ctx, sessionID, confidence)
}

func (s *AssistantService) SubmitPIN(ctx context.Context, sessionID, pin string) (*model.Session, error) {
	if pin == "" {
		return nil, fmt.Errorf("%w: pin is required", ErrInvalidInput)
	}
	return s.orch.SubmitPIN(ctx, sessionID, pin)
}

func (s *AssistantService) VerifyOTP(ctx context.Context, sessionID, code string) (*model.Session, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", ErrInvalidInput)
	}
	sess, err := s.orch.VerifyOTP(ctx, sessionID, code)
	metrics.ObserveOTP(otpOutcome(err))
	return sess, err
}

func (s *AssistantService) Session(ctx context.Context, sessionID string) (*model.Session, error) {
	return s.orch.Get(ctx, sessionID)
}

func (s *AssistantService) Logout(ctx context.Context, sessionID string) error {
	return s.orch.Logout(ctx, sessionID)
}

// -------------------- AUTHORIZATION --------------------

// Authorize assesses trust afresh, decides the request and records the
// decision. Deciding runs under the session's attempt lock, so an OTP
// approval is consumed by exactly one ALLOW. A high-value step-up issues the
// one-time code at once and sends it out of band.
func (s *AssistantService) Authorize(ctx context.Context, sessionID string, signals model.Signals, req model.AuthorizationRequest) (*AuthorizationOutcome, error) {
	start := time.Now()

	req.SessionID = sessionID
	req.Recipient = strings.TrimSpace(req.Recipient)
	fp := authz.Fingerprint(req)

	var assessment *model.TrustAssessment
	d, err := s.orch.Decide(ctx, sessionID, fp, func(sess model.Session) (model.AuthorizationResult, error) {
		var err error
		if assessment, err = s.assess(signals, &sess); err != nil {
			return model.AuthorizationResult{}, err
		}
		return authz.Authorize(s.settings.Policy, assessment.Level, req, sess.Snapshot()), nil
	})
	if err != nil {
		return nil, err
	}
	sess, res := d.Session, d.Result

	out := &AuthorizationOutcome{
		Result:       res,
		Trust:        *assessment,
		TrustMessage: trust.Message(assessment.Level),
		PrivateMode:  s.settings.PrivateMode && trust.PrivateModeFor(s.settings.Trust, assessment.Level, signals),
		Session:      sess.Snapshot(),
	}

	if d.Code != "" {
		out.ChallengeIssued = true
		out.OutOfBand = true
		payload := map[string]string{"code": d.Code, "operation": string(req.Operation)}
		if err := s.dispatch(ctx, sess, notify.KindOTP, notify.ChannelSMS, payload); err != nil {
			return nil, err
		}
	}

	if res.Decision == model.DecisionAllow && out.PrivateMode && req.Operation.IsSensitive() {
		payload := map[string]string{"operation": string(req.Operation)}
		if req.Recipient != "" {
			payload["recipient"] = req.Recipient
		}
		if req.Amount != nil {
			payload["amount"] = fmt.Sprintf("%.2f", *req.Amount)
		}
		if err := s.dispatch(ctx, sess, notify.KindSensitiveConfirmation, notify.ChannelApp, payload); err != nil {
			return nil, err
		}
		out.OutOfBand = true
	}

	event := audit.NewEvent(sess.UserID, req, d.Seen.State, *assessment, res, s.now())
	event.OutOfBand = out.OutOfBand
	out.EventID = event.ID
	s.record(ctx, event)

	metrics.ObserveDecision(res, start)
	s.logger.Info("Authorization decided",
		util.String("session_id", sessionID),
		util.String("operation", string(req.Operation)),
		util.String("trust", string(assessment.Level)),
		util.String("decision", string(res.Decision)),
		util.String("reason", string(res.Reason)))
	return out, nil
}

// Explain returns the session's most recent decisions, newest first.
func (s *AssistantService) Explain(ctx context.Context, sessionID string, limit int) ([]audit.Event, error) {
	if s.explanations == nil {
		return nil, ErrExplanationsMissing
	}
	if _, err := s.orch.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultExplainLimit
	}
	return s.explanations.Explanations(ctx, sessionID, limit)
}

// -------------------- PATTERNS & SUGGESTIONS --------------------

// Suggestions evaluates the session user's due recurring payments against
// a fresh trust assessment.
func (s *AssistantService) Suggestions(ctx context.Context, sessionID string, signals model.Signals) (*SuggestionSet, error) {
	sess, err := s.orch.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	assessment, err := s.assess(signals, sess)
	if err != nil {
		return nil, err
	}

	report, err := s.RecurringPatterns(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}

	list := s.gate.Evaluate(sessionID, report.Patterns, assessment.Level, sess.Snapshot(), s.now())
	for _, sg := range list {
		metrics.ObserveSuggestion(string(sg.Mode))
	}
	return &SuggestionSet{Trust: *assessment, Suggestions: list}, nil
}

// RecurringPatterns runs the detector over the user's ledger window.
func (s *AssistantService) RecurringPatterns(ctx context.Context, userID string) (*recurring.Report, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	window := s.settings.Detector.WindowDays
	if window <= 0 {
		window = recurring.DefaultOptions().WindowDays
	}

	txns, err := s.transactions(ctx, userID, now.AddDate(0, 0, -window))
	if err != nil {
		return nil, err
	}

	opts := s.settings.Detector
	opts.AsOf = now
	report := recurring.Analyze(txns, opts)
	metrics.ObservePatterns(report.Patterns)

	s.logger.Debug("Recurring patterns detected",
		util.String("user_id", userID),
		util.Int("considered", report.Considered),
		util.Int("patterns", len(report.Patterns)))
	return &report, nil
}

// SpendingSummary totals the last days of the user's outgoing payments.
func (s *AssistantService) SpendingSummary(ctx context.Context, userID string, days int) (*recurring.SpendingSummary, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if days < 1 || days > maxSummaryDays {
		return nil, fmt.Errorf("%w: days must be within [1,%d]", ErrInvalidInput, maxSummaryDays)
	}
	to := s.now().UTC()
	from := to.AddDate(0, 0, -days)

	txns, err := s.transactions(ctx, userID, from)
	if err != nil {
		return nil, err
	}
	summary := recurring.Summarize(txns, from, to)
	return &summary, nil
}

// MonthlySummary reports one calendar month of the user's spending.
func (s *AssistantService) MonthlySummary(ctx context.Context, userID string, year int, month time.Month) (*recurring.MonthlyReport, error) {
	if err := validateID("user_id", userID); err != nil {
		return nil, err
	}
	if month < time.January || month > time.December || year < 2000 || year > s.now().Year() {
		return nil, fmt.Errorf("%w: unknown month %d-%02d", ErrInvalidInput, year, month)
	}

	txns, err := s.transactions(ctx, userID, time.Date(year, month, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return nil, err
	}
	report := recurring.MonthlySummary(txns, year, month)
	return &report, nil
}

// DetectForUsers runs the detector for many users concurrently. The first
// failure cancels the rest.
func (s *AssistantService) DetectForUsers(ctx context.Context, userIDs []string) (map[string][]model.RecurringPattern, error) {
	if len(userIDs) == 0 || len(userIDs) > maxBatchUsers {
		return nil, fmt.Errorf("%w: between 1 and %d user ids required", ErrInvalidInput, maxBatchUsers)
	}

	var mu sync.Mutex
	results := make(map[string][]model.RecurringPattern, len(userIDs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)

	for _, id := range userIDs {
		id := id
		g.Go(func() error {
			report, err := s.RecurringPatterns(ctx, id)
			if err != nil {
				return fmt.Errorf("user %s: %w", id, err)
			}
			mu.Lock()
			results[id] = report.Patterns
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("batch detection failed: %w", err)
	}

	s.logger.Info("Batch detection completed", util.Int("users", len(results)))
	return results, nil
}

// RecordTransaction appends a ledger entry for detection and summaries.
func (s *AssistantService) RecordTransaction(ctx context.Context, t *model.Transaction) error {
	if s.sink == nil {
		return ErrLedgerUnavailable
	}
	if err := validateID("user_id", t.UserID); err != nil {
		return err
	}
	t.Recipient = strings.TrimSpace(t.Recipient)
	if t.Recipient == "" || util.ContainsSuspicious(t.Recipient) {
		return fmt.Errorf("%w: recipient", ErrInvalidInput)
	}
	if !(t.Amount > 0) {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = s.now()
	}
	t.Timestamp = t.Timestamp.UTC()

	if err := s.sink.AppendTransaction(ctx, t); err != nil {
		return fmt.Errorf("failed to record transaction: %w", err)
	}
	return nil
}

// -------------------- HELPERS --------------------

// assess folds the session's own failure count into the speech layer's
// signal so a caller cannot under-report failures.
func (s *AssistantService) assess(signals model.Signals, sess *model.Session) (*model.TrustAssessment, error) {
	if sess.FailureCount > signals.RecentFailures {
		signals.RecentFailures = sess.FailureCount
	}
	a, err := trust.Assess(s.settings.Trust, signals, s.now())
	if err != nil {
		if errors.Is(err, trust.ErrInvalidInputSignal) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, err
	}
	metrics.ObserveAssessment(a.Level)
	return a, nil
}

func (s *AssistantService) dispatch(ctx context.Context, sess *model.Session, kind notify.Kind, ch notify.Channel, payload map[string]string) error {
	if s.dispatcher == nil {
		return fmt.Errorf("%w: no dispatcher configured", ErrDeliveryFailed)
	}
	req := notify.NewRequest(sess.SessionID, sess.UserID, kind, ch, payload)
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.logger.Error("Out-of-band dispatch failed",
			util.String("session_id", sess.SessionID),
			util.String("kind", string(kind)),
			util.ErrorField(err))
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// record is best effort: a decision already taken is not undone because a
// sink is down.
func (s *AssistantService) record(ctx context.Context, e audit.Event) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, e); err != nil {
		s.logger.Error("Failed to record decision",
			util.String("event_id", e.ID),
			util.String("session_id", e.SessionID),
			util.ErrorField(err))
	}
}

func (s *AssistantService) transactions(ctx context.Context, userID string, since time.Time) ([]model.Transaction, error) {
	if s.ledger == nil {
		return nil, ErrLedgerUnavailable
	}
	txns, err := s.ledger.ListTransactions(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	return txns, nil
}

func (s *AssistantService) checkLoginRate(ctx context.Context, userID string) error {
	if s.limiter == nil || s.settings.LoginAttempts <= 0 {
		return nil
	}
	ok, _, err := s.limiter.Allow(ctx, "login:"+userID, s.settings.LoginAttempts, s.settings.LoginWindow)
	if err != nil {
		// Fail open; PIN lockout still bounds guessing.
		s.logger.Warn("Login rate check failed", util.String("user_id", userID), util.ErrorField(err))
		return nil
	}
	if !ok {
		return ErrRateLimited
	}
	return nil
}

func otpOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, auth.ErrOTPMismatch):
		return "mismatch"
	case errors.Is(err, auth.ErrOTPExpired):
		return "expired"
	default:
		return "error"
	}
}

func validateID(field, v string) error {
	if strings.TrimSpace(v) == "" || len(v) > 128 || util.ContainsSuspicious(v) {
		return fmt.Errorf("%w: %s", ErrInvalidInput, field)
	}
	return nil
}
