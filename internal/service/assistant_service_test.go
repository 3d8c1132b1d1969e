package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-service/internal/audit"
	"trust-service/internal/auth"
	"trust-service/internal/authz"
	"trust-service/internal/config"
	"trust-service/internal/hashing"
	"trust-service/internal/model"
	"trust-service/internal/notify"
	"trust-service/internal/recurring"
	"trust-service/internal/suggestion"
	"trust-service/internal/trust"
)

var now = time.Date(2026, 4, 10, 9, 30, 0, 0, time.UTC)

func clock() time.Time { return now }

type fakeLimiter struct {
	allowed int
	calls   int
}

func (l *fakeLimiter) Allow(_ context.Context, _ string, _ int, _ time.Duration) (bool, int, error) {
	l.calls++
	return l.calls <= l.allowed, l.allowed - l.calls, nil
}

type fixture struct {
	svc      *AssistantService
	recorder *audit.MemoryRecorder
	notifier *notify.MemoryDispatcher
	ledger   *MemoryLedger
	limiter  *fakeLimiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher := hashing.NewHasher(config.HashingConfig{Argon2MemoryCost: 1024, Argon2TimeCost: 1, Argon2Parallelism: 1, Pepper: "test"})
	otp := auth.NewOTPManager(auth.NewMemoryOTPStore(clock), hasher, 6, 5*time.Minute, clock)
	orch := auth.NewOrchestrator(
		auth.NewMemorySessionStore(), auth.NewKeyedLocker(), auth.NewMemoryCredentialStore(),
		otp, hasher, auth.DefaultConfig(), nil, auth.WithClock(clock),
	)

	f := &fixture{
		recorder: audit.NewMemoryRecorder(0),
		notifier: notify.NewMemoryDispatcher(),
		ledger:   NewMemoryLedger(),
		limiter:  &fakeLimiter{allowed: 100},
	}
	settings := Settings{
		Trust:         trust.DefaultThresholds(),
		Policy:        authz.DefaultPolicy(),
		Detector:      recurring.DefaultOptions(),
		LookaheadDays: 3,
		PrivateMode:   true,
		LoginAttempts: 5,
		LoginWindow:   time.Minute,
	}
	f.svc = NewAssistantService(Dependencies{
		Orchestrator: orch,
		Ledger:       f.ledger,
		Sink:         f.ledger,
		Recorder:     f.recorder,
		Explanations: f.recorder,
		Dispatcher:   f.notifier,
		Limiter:      f.limiter,
	}, settings, nil, WithServiceClock(clock))
	return f
}

func ptr(v float64) *float64 { return &v }

var (
	highTrust   = model.Signals{NoiseLevel: 0.1, VoiceMatch: ptr(0.92), EmotionalConfidence: 0.8}
	mediumTrust = model.Signals{NoiseLevel: 0.1, VoiceMatch: ptr(0.78), EmotionalConfidence: 0.5}
	lowTrust    = model.Signals{NoiseLevel: 0.6, EmotionalConfidence: 0.5}
)

// loggedIn enrolls user-1 with a voiceprint and logs in by voice.
func (f *fixture) loggedIn(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	_, err := f.svc.EnrollCredential(ctx, "user-1", "4821", true)
	require.NoError(t, err)

	s, err := f.svc.StartLogin(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, model.StateAwaitingVoice, s.State)

	s, err = f.svc.SubmitVoice(ctx, s.SessionID, ptr(0.91))
	require.NoError(t, err)
	require.Equal(t, model.StateAuthenticated, s.State)
	return s.SessionID
}

func transfer(amount float64, to string) model.AuthorizationRequest {
	return model.AuthorizationRequest{Operation: model.OpTransfer, Amount: &amount, Recipient: to}
}

func TestAuthorize_HighValueStepUpRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)
	req := transfer(30000, "Landlord")

	out, err := f.svc.Authorize(ctx, id, mediumTrust, req)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRequireStepUp, out.Result.Decision)
	assert.Equal(t, model.FactorOTP, out.Result.RequiredFactor)
	assert.True(t, out.ChallengeIssued)
	assert.Equal(t, model.StateAwaitingOTP, out.Session.State)

	sent, ok := f.notifier.Last(id, notify.KindOTP)
	require.True(t, ok, "code goes out of band")
	require.Len(t, sent.Payload["code"], 6)

	s, err := f.svc.VerifyOTP(ctx, id, sent.Payload["code"])
	require.NoError(t, err)
	assert.Equal(t, model.StateAuthenticated, s.State)

	out, err = f.svc.Authorize(ctx, id, mediumTrust, req)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, out.Result.Decision)
	assert.Equal(t, model.ReasonHighValueApproved, out.Result.Reason)

	// The approval is single use.
	out, err = f.svc.Authorize(ctx, id, mediumTrust, req)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRequireStepUp, out.Result.Decision)

	events, err := f.svc.Explain(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, out.EventID, events[0].ID)
	assert.Equal(t, model.ReasonHighValueApproved, events[1].Result.Reason)
	assert.Contains(t, events[2].Explanation, "high_value_requires_otp")
}

func TestAuthorize_ConcurrentRequestsShareOneApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)
	req := transfer(30000, "Landlord")

	_, err := f.svc.Authorize(ctx, id, mediumTrust, req)
	require.NoError(t, err)
	sent, ok := f.notifier.Last(id, notify.KindOTP)
	require.True(t, ok)
	_, err = f.svc.VerifyOTP(ctx, id, sent.Payload["code"])
	require.NoError(t, err)

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
		start   = make(chan struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := f.svc.Authorize(ctx, id, mediumTrust, req)
			if err != nil {
				assert.ErrorIs(t, err, auth.ErrConcurrentAttempt)
				return
			}
			if out.Result.Decision == model.DecisionAllow {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, allowed, "a single-use approval allows exactly one request")
}

func TestAuthorize_ApprovalDoesNotCoverOtherPayee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)

	_, err := f.svc.Authorize(ctx, id, mediumTrust, transfer(30000, "Landlord"))
	require.NoError(t, err)
	sent, _ := f.notifier.Last(id, notify.KindOTP)
	_, err = f.svc.VerifyOTP(ctx, id, sent.Payload["code"])
	require.NoError(t, err)

	out, err := f.svc.Authorize(ctx, id, mediumTrust, transfer(30000, "Stranger"))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRequireStepUp, out.Result.Decision)
}

func TestAuthorize_WrongOTPReturnsToAuthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)

	_, err := f.svc.Authorize(ctx, id, mediumTrust, transfer(30000, "Landlord"))
	require.NoError(t, err)

	_, err = f.svc.VerifyOTP(ctx, id, "000000x")
	assert.Error(t, err)

	s, err := f.svc.Session(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StateAuthenticated, s.State)
	assert.Empty(t, s.ApprovedOperation)
}

func TestAuthorize_LowTrustConfirmedByPINGoesOutOfBand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)
	req := transfer(500, "Grocer")

	out, err := f.svc.Authorize(ctx, id, lowTrust, req)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionRequireStepUp, out.Result.Decision)
	assert.Equal(t, model.FactorPIN, out.Result.RequiredFactor)
	assert.True(t, out.PrivateMode)
	assert.False(t, out.ChallengeIssued)

	_, err = f.svc.SubmitPIN(ctx, id, "4821")
	require.NoError(t, err)

	out, err = f.svc.Authorize(ctx, id, lowTrust, req)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, out.Result.Decision)
	assert.Equal(t, model.ReasonLowTrustConfirmed, out.Result.Reason)
	assert.True(t, out.OutOfBand)

	conf, ok := f.notifier.Last(id, notify.KindSensitiveConfirmation)
	require.True(t, ok)
	assert.Equal(t, "500.00", conf.Payload["amount"])

	events, err := f.svc.Explain(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].OutOfBand)
}

func TestAuthorize_HighTrustBalanceStaysInBand(t *testing.T) {
	f := newFixture(t)
	id := f.loggedIn(t)

	out, err := f.svc.Authorize(context.Background(), id, highTrust, model.AuthorizationRequest{Operation: model.OpBalanceInquiry})
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAllow, out.Result.Decision)
	assert.Equal(t, model.TrustHigh, out.Trust.Level)
	assert.False(t, out.PrivateMode)
	assert.False(t, out.OutOfBand)
	assert.Equal(t, 0, f.notifier.Count())
}

func TestAuthorize_PrivateModeCoversSensitiveOperations(t *testing.T) {
	noisyButTrusted := model.Signals{NoiseLevel: 0.5, VoiceMatch: ptr(0.92), EmotionalConfidence: 0.8}

	tests := []struct {
		name      string
		signals   model.Signals
		op        model.Operation
		private   bool
		outOfBand bool
	}{
		{"low trust balance", lowTrust, model.OpBalanceInquiry, true, true},
		{"low trust history", lowTrust, model.OpHistoryView, true, true},
		{"low trust reminder", lowTrust, model.OpReminderSet, true, false},
		{"noisy room at high trust", noisyButTrusted, model.OpBalanceInquiry, true, true},
		{"quiet room at medium trust", mediumTrust, model.OpHistoryView, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.loggedIn(t)

			out, err := f.svc.Authorize(context.Background(), id, tt.signals, model.AuthorizationRequest{Operation: tt.op})
			require.NoError(t, err)
			assert.Equal(t, model.DecisionAllow, out.Result.Decision)
			assert.Equal(t, tt.private, out.PrivateMode)
			assert.Equal(t, tt.outOfBand, out.OutOfBand)

			sent, ok := f.notifier.Last(id, notify.KindSensitiveConfirmation)
			assert.Equal(t, tt.outOfBand, ok)
			if ok {
				assert.Equal(t, string(tt.op), sent.Payload["operation"])
				assert.NotContains(t, sent.Payload, "amount")
			}
		})
	}
}

func TestAuthorize_SessionFailuresRaiseRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)
	f.svc.settings.Trust.FailureLockout = 2

	out, err := f.svc.Authorize(ctx, id, highTrust, transfer(100, "Grocer"))
	require.NoError(t, err)
	assert.Equal(t, model.TrustHigh, out.Trust.Level)

	// Two wrong confirmations leave FailureCount at 2 while the caller reports none.
	for i := 0; i < 2; i++ {
		_, err := f.svc.SubmitPIN(ctx, id, "0000")
		require.ErrorIs(t, err, auth.ErrPINMismatch)
	}

	out, err = f.svc.Authorize(ctx, id, highTrust, transfer(100, "Grocer"))
	require.NoError(t, err)
	assert.Equal(t, model.TrustCritical, out.Trust.Level)
	assert.Equal(t, model.DecisionDeny, out.Result.Decision)
	assert.Equal(t, model.ReasonCriticalTrustMonetary, out.Result.Reason)
	assert.Equal(t, 0, highTrust.RecentFailures, "caller signals are not mutated")
}

func TestAuthorize_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)

	_, err := f.svc.Authorize(ctx, id, model.Signals{NoiseLevel: 1.5}, transfer(10, "x"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.Authorize(ctx, "missing", highTrust, transfer(10, "x"))
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)

	out, err := f.svc.Authorize(ctx, id, highTrust, model.AuthorizationRequest{Operation: "WIRE"})
	require.NoError(t, err)
	assert.Equal(t, model.ReasonUnknownOperation, out.Result.Reason)
}

func TestStartLogin_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.StartLogin(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.StartLogin(ctx, "<script>")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.StartLogin(ctx, "nobody")
	assert.ErrorIs(t, err, auth.ErrCredentialNotFound)
}

func TestStartLogin_RateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.limiter.allowed = 1
	_, err := f.svc.EnrollCredential(ctx, "user-1", "4821", false)
	require.NoError(t, err)

	s, err := f.svc.StartLogin(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPIN, s.State)

	_, err = f.svc.StartLogin(ctx, "user-1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLockedSessionStaysLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.EnrollCredential(ctx, "user-1", "4821", false)
	require.NoError(t, err)
	s, err := f.svc.StartLogin(ctx, "user-1")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.SubmitPIN(ctx, s.SessionID, "1111")
		require.ErrorIs(t, err, auth.ErrPINMismatch)
	}
	_, err = f.svc.SubmitPIN(ctx, s.SessionID, "1111")
	require.ErrorIs(t, err, auth.ErrSessionLocked)

	_, err = f.svc.SubmitPIN(ctx, s.SessionID, "4821")
	assert.ErrorIs(t, err, auth.ErrSessionLocked, "correct PIN does not leave LOCKED")
	_, err = f.svc.ChangeCredential(ctx, s.SessionID, "2222", false)
	assert.ErrorIs(t, err, auth.ErrSessionLocked)

	locked, err := f.svc.Session(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.StateLocked, locked.State)
	assert.Equal(t, 3, locked.FailureCount)

	require.NoError(t, f.svc.Logout(ctx, s.SessionID))
	_, err = f.svc.Session(ctx, s.SessionID)
	assert.ErrorIs(t, err, auth.ErrSessionNotFound)
}

func TestEnrollCredential_CannotOverwrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)

	_, err := f.svc.EnrollCredential(ctx, "user-1", "1111", false)
	assert.ErrorIs(t, err, auth.ErrCredentialExists)

	_, err = f.svc.ChangeCredential(ctx, id, "", false)
	assert.ErrorIs(t, err, ErrInvalidInput)
	c, err := f.svc.ChangeCredential(ctx, id, "1111", false)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.UserID)
	assert.False(t, c.VoiceEnrolled)

	s, err := f.svc.StartLogin(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateAwaitingPIN, s.State)
	_, err = f.svc.SubmitPIN(ctx, s.SessionID, "4821")
	assert.ErrorIs(t, err, auth.ErrPINMismatch)
	s, err = f.svc.SubmitPIN(ctx, s.SessionID, "1111")
	require.NoError(t, err)
	assert.Equal(t, model.StateAuthenticated, s.State)
}

func seedMonthly(t *testing.T, f *fixture, userID, recipient string, amount float64) {
	t.Helper()
	for _, daysAgo := range []int{88, 58, 28} {
		require.NoError(t, f.svc.RecordTransaction(context.Background(), &model.Transaction{
			UserID: userID, Recipient: recipient, Amount: amount,
			Timestamp: now.AddDate(0, 0, -daysAgo), Category: "rent",
		}))
	}
}

func TestSuggestions_GatedByTrust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.loggedIn(t)
	seedMonthly(t, f, "user-1", "Landlord", 15000)

	set, err := f.svc.Suggestions(ctx, id, highTrust)
	require.NoError(t, err)
	require.Len(t, set.Suggestions, 1)
	assert.Equal(t, suggestion.ModeAutoExecute, set.Suggestions[0].Mode)
	assert.Equal(t, 2, set.Suggestions[0].DueInDays)

	set, err = f.svc.Suggestions(ctx, id, lowTrust)
	require.NoError(t, err)
	require.Len(t, set.Suggestions, 1)
	assert.Equal(t, suggestion.ModeConfirm, set.Suggestions[0].Mode)
	assert.Equal(t, model.FactorPIN, set.Suggestions[0].RequiredFactor)
	assert.Equal(t, model.TrustLow, set.Trust.Level)
}

func TestRecurringPatternsAndSummaries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedMonthly(t, f, "user-1", "Landlord", 15000)
	require.NoError(t, f.svc.RecordTransaction(ctx, &model.Transaction{UserID: "user-1", Recipient: "Cafe", Amount: 250, Timestamp: now.AddDate(0, 0, -3)}))

	report, err := f.svc.RecurringPatterns(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, report.Patterns, 1)
	assert.Equal(t, model.FrequencyMonthly, report.Patterns[0].Frequency)
	assert.Equal(t, "Landlord", report.Patterns[0].Recipient)

	summary, err := f.svc.SpendingSummary(ctx, "user-1", 30)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Count)
	assert.InDelta(t, 15250, summary.Total, 0.001)

	_, err = f.svc.SpendingSummary(ctx, "user-1", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	march, err := f.svc.MonthlySummary(ctx, "user-1", 2026, time.March)
	require.NoError(t, err)
	assert.Equal(t, 1, march.Count)

	_, err = f.svc.MonthlySummary(ctx, "user-1", 2026, 13)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestDetectForUsers(t *testing.T) {
	f := newFixture(t)
	seedMonthly(t, f, "a", "Landlord", 15000)
	seedMonthly(t, f, "b", "Gym", 1200)

	got, err := f.svc.DetectForUsers(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Len(t, got["a"], 1)
	assert.Len(t, got["b"], 1)
	assert.Empty(t, got["c"])

	_, err = f.svc.DetectForUsers(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.DetectForUsers(context.Background(), []string{"ok", "{bad}"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRecordTransaction_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.RecordTransaction(ctx, &model.Transaction{UserID: "u", Recipient: "x", Amount: -1}), ErrInvalidInput)
	assert.ErrorIs(t, f.svc.RecordTransaction(ctx, &model.Transaction{UserID: "u", Recipient: " ", Amount: 1}), ErrInvalidInput)

	txn := &model.Transaction{UserID: "u", Recipient: "Shop", Amount: 10}
	require.NoError(t, f.svc.RecordTransaction(ctx, txn))
	assert.NotEmpty(t, txn.ID)
	assert.Equal(t, now, txn.Timestamp)
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, notify.OutOfBandRequest) error {
	return errors.New("broker down")
}

func TestAuthorize_DeliveryFailureSurfaces(t *testing.T) {
	f := newFixture(t)
	id := f.loggedIn(t)
	f.svc.dispatcher = failingDispatcher{}

	_, err := f.svc.Authorize(context.Background(), id, mediumTrust, transfer(30000, "Landlord"))
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}
