package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-service/internal/hashing"
	"trust-service/internal/model"
)

type Config struct {
	SessionTTL     time.Duration
	PINRetryLimit  int
	FailureLockout int
	VoiceThreshold float64
}

func DefaultConfig() Config {
	return Config{
		SessionTTL:     30 * time.Minute,
		PINRetryLimit:  3,
		FailureLockout: 3,
		VoiceThreshold: 0.85,
	}
}

// TransitionFunc observes every committed state change.
type TransitionFunc func(from, to model.AuthState)

// Orchestrator owns the per-session authentication state machine:
//
//	UNAUTHENTICATED -> AWAITING_VOICE | AWAITING_PIN
//	AWAITING_VOICE  -> AUTHENTICATED | AWAITING_PIN | LOCKED
//	AWAITING_PIN    -> AUTHENTICATED | AWAITING_PIN | LOCKED
//	AUTHENTICATED   -> AWAITING_OTP -> AUTHENTICATED
//
// LOCKED is terminal; only an external support process can clear it.
// Every mutation runs under a fail-fast per-session lock.
type Orchestrator struct {
	sessions model.SessionStore
	locker   model.AttemptLocker
	creds    model.CredentialStore
	otp      *OTPManager
	hasher   *hashing.Hasher
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger

	onTransition TransitionFunc
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onTransition = fn }
}

func NewOrchestrator(
	sessions model.SessionStore,
	locker model.AttemptLocker,
	creds model.CredentialStore,
	otp *OTPManager,
	hasher *hashing.Hasher,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		sessions: sessions,
		locker:   locker,
		creds:    creds,
		otp:      otp,
		hasher:   hasher,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Enroll stores the first credential for a user. A user that already has one
// can only change it through Reenroll from an authenticated session.
func (o *Orchestrator) Enroll(ctx context.Context, userID, pin string, voiceEnrolled bool) (*model.Credential, error) {
	if !validPIN(pin) {
		return nil, ErrInvalidPIN
	}
	if _, err := o.credential(ctx, userID); err == nil {
		return nil, ErrCredentialExists
	} else if !errors.Is(err, ErrCredentialNotFound) {
		return nil, err
	}
	c, err := o.storeCredential(ctx, userID, pin, voiceEnrolled)
	if err != nil {
		return nil, err
	}
	o.logger.Info("credential enrolled", zap.String("user_id", userID), zap.Bool("voice_enrolled", voiceEnrolled))
	return c, nil
}

// Reenroll replaces the credential of the session's own user. The session
// must be AUTHENTICATED; the new voiceprint flag applies to its next login.
func (o *Orchestrator) Reenroll(ctx context.Context, sessionID, pin string, voiceEnrolled bool) (*model.Credential, error) {
	if !validPIN(pin) {
		return nil, ErrInvalidPIN
	}
	var c *model.Credential
	_, err := o.mutate(ctx, sessionID, func(s *model.Session) error {
		if s.State == model.StateLocked {
			return ErrSessionLocked
		}
		if s.State != model.StateAuthenticated {
			return fmt.Errorf("%w: re-enrollment in %s", ErrInvalidTransition, s.State)
		}
		var err error
		if c, err = o.storeCredential(ctx, s.UserID, pin, voiceEnrolled); err != nil {
			return err
		}
		s.VoiceEnrolled = voiceEnrolled
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.logger.Info("credential re-enrolled", zap.String("session_id", sessionID), zap.String("user_id", c.UserID))
	return c, nil
}

func (o *Orchestrator) storeCredential(ctx context.Context, userID, pin string, voiceEnrolled bool) (*model.Credential, error) {
	h, err := o.hasher.HashPIN(pin)
	if err != nil {
		return nil, fmt.Errorf("failed to hash pin: %w", err)
	}
	c := &model.Credential{
		UserID:        userID,
		PINHash:       h.Hash,
		PINSalt:       h.Salt,
		PepperVersion: h.PepperVersion,
		Algorithm:     h.Algorithm,
		VoiceEnrolled: voiceEnrolled,
		UpdatedAt:     o.now().UTC(),
	}
	if err := o.creds.PutCredential(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	return c, nil
}

// CreateSession opens an unauthenticated session for an enrolled user.
func (o *Orchestrator) CreateSession(ctx context.Context, userID string) (*model.Session, error) {
	cred, err := o.credential(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := o.now().UTC()
	s := &model.Session{
		SessionID:     uuid.New().String(),
		UserID:        userID,
		State:         model.StateUnauthenticated,
		Factors:       model.FactorSet{},
		VoiceEnrolled: cred.VoiceEnrolled,
		CreatedAt:     now,
		ExpiresAt:     now.Add(o.cfg.SessionTTL),
		UpdatedAt:     now,
	}
	if err := o.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	o.logger.Info("session created", zap.String("session_id", s.SessionID), zap.String("user_id", userID))
	return s, nil
}

// BeginLogin starts a fresh authentication attempt and clears the factor set.
func (o *Orchestrator) BeginLogin(ctx context.Context, sessionID string) (*model.Session, error) {
	return o.mutate(ctx, sessionID, func(s *model.Session) error {
		switch {
		case s.State == model.StateLocked:
			return ErrSessionLocked
		case s.State.InFlight():
			return ErrConcurrentAttempt
		}

		s.Factors = model.FactorSet{}
		s.PendingOperation = ""
		s.ApprovedOperation = ""
		s.ExpiresAt = o.now().UTC().Add(o.cfg.SessionTTL)
		if s.VoiceEnrolled {
			s.State = model.StateAwaitingVoice
		} else {
			s.State = model.StateAwaitingPIN
		}
		return nil
	})
}

// SubmitVoice applies a voiceprint result. A nil confidence means the signal
// was unavailable and is treated as a failed match.
func (o *Orchestrator) SubmitVoice(ctx context.Context, sessionID string, confidence *float64) (*model.Session, error) {
	return o.mutate(ctx, sessionID, func(s *model.Session) error {
		if s.State == model.StateLocked {
			return ErrSessionLocked
		}
		if s.State != model.StateAwaitingVoice {
			return fmt.Errorf("%w: voice in %s", ErrInvalidTransition, s.State)
		}

		if confidence != nil && *confidence >= o.cfg.VoiceThreshold {
			o.authenticated(s, model.FactorVoice)
			return nil
		}

		// The first fallback to PIN is free.
		if s.VoiceFallbacks == 0 {
			s.VoiceFallbacks++
			s.State = model.StateAwaitingPIN
			return nil
		}
		s.VoiceFallbacks++
		s.FailureCount++
		if s.FailureCount >= o.cfg.FailureLockout {
			s.State = model.StateLocked
			return ErrSessionLocked
		}
		s.State = model.StateAwaitingPIN
		return nil
	})
}

// SubmitPIN completes login from AWAITING_PIN, or confirms a pending
// low-trust operation when the session is already authenticated.
func (o *Orchestrator) SubmitPIN(ctx context.Context, sessionID, pin string) (*model.Session, error) {
	return o.mutate(ctx, sessionID, func(s *model.Session) error {
		if s.State == model.StateLocked {
			return ErrSessionLocked
		}
		if s.State != model.StateAwaitingPIN && s.State != model.StateAuthenticated {
			return fmt.Errorf("%w: pin in %s", ErrInvalidTransition, s.State)
		}

		cred, err := o.credential(ctx, s.UserID)
		if err != nil {
			return err
		}
		ok, err := o.hasher.VerifyPIN(pin, &hashing.HashResult{
			Hash:          cred.PINHash,
			Salt:          cred.PINSalt,
			PepperVersion: cred.PepperVersion,
			Algorithm:     cred.Algorithm,
		})
		if err != nil {
			return fmt.Errorf("failed to verify pin: %w", err)
		}

		if !ok {
			s.FailureCount++
			if s.FailureCount >= o.cfg.PINRetryLimit {
				s.State = model.StateLocked
				return ErrSessionLocked
			}
			return ErrPINMismatch
		}

		if s.State == model.StateAuthenticated {
			s.Factors = s.Factors.With(model.FactorPIN)
			s.FailureCount = 0
			return nil
		}
		o.authenticated(s, model.FactorPIN)
		return nil
	})
}

// RequestOTP challenges an authenticated session for one operation and
// returns the code to be delivered out of band.
func (o *Orchestrator) RequestOTP(ctx context.Context, sessionID, fingerprint string) (*model.Session, string, error) {
	var code string
	s, err := o.mutate(ctx, sessionID, func(s *model.Session) error {
		if s.State == model.StateLocked {
			return ErrSessionLocked
		}
		if s.State != model.StateAuthenticated {
			return fmt.Errorf("%w: otp request in %s", ErrInvalidTransition, s.State)
		}
		var err error
		code, err = o.challenge(ctx, s, fingerprint)
		return err
	})
	if err != nil {
		return s, "", err
	}
	return s, code, nil
}

func (o *Orchestrator) challenge(ctx context.Context, s *model.Session, fingerprint string) (string, error) {
	code, err := o.otp.Issue(ctx, s.SessionID)
	if err != nil {
		return "", err
	}
	s.PendingOperation = fingerprint
	s.ApprovedOperation = ""
	s.State = model.StateAwaitingOTP
	return code, nil
}

// VerifyOTP consumes the outstanding code. Success approves the pending
// operation; any failure returns to AUTHENTICATED without approving it.
func (o *Orchestrator) VerifyOTP(ctx context.Context, sessionID, code string) (*model.Session, error) {
	return o.mutate(ctx, sessionID, func(s *model.Session) error {
		if s.State == model.StateLocked {
			return ErrSessionLocked
		}
		if s.State != model.StateAwaitingOTP {
			return fmt.Errorf("%w: otp in %s", ErrInvalidTransition, s.State)
		}

		verr := o.otp.Verify(ctx, s.SessionID, code)
		pending := s.PendingOperation
		s.PendingOperation = ""
		s.State = model.StateAuthenticated
		if verr != nil {
			return verr
		}
		s.Factors = s.Factors.With(model.FactorOTP)
		s.ApprovedOperation = pending
		return nil
	})
}

// DecideFunc evaluates one request against the locked session. It must
// treat the session as read-only.
type DecideFunc func(s model.Session) (model.AuthorizationResult, error)

// Decision is what Decide observed and did.
type Decision struct {
	Result model.AuthorizationResult
	// Seen is the session state the decision was made against.
	Seen    model.SessionState
	Session *model.Session
	// Code is set when a high-value step-up issued a one-time code.
	Code string
}

// Decide runs one authorization under the session's attempt lock, so a
// second decision for the same session fails fast with
// ErrConcurrentAttempt. An ALLOW granted on an OTP approval consumes it in
// the same critical section; a high-value step-up issues the code and moves
// the session to AWAITING_OTP.
func (o *Orchestrator) Decide(ctx context.Context, sessionID, fingerprint string, decide DecideFunc) (*Decision, error) {
	d := &Decision{}
	s, err := o.mutate(ctx, sessionID, func(s *model.Session) error {
		d.Seen = s.Snapshot()
		res, err := decide(*s)
		if err != nil {
			return err
		}

		if res.Decision == model.DecisionAllow && res.Reason == model.ReasonHighValueApproved {
			if s.ApprovedOperation != fingerprint {
				res = model.AuthorizationResult{
					Decision:       model.DecisionRequireStepUp,
					RequiredFactor: model.FactorOTP,
					Reason:         model.ReasonHighValueStepUp,
					Message:        "approval already used, a new one-time code is required",
				}
			} else {
				s.ApprovedOperation = ""
			}
		}
		if res.Decision == model.DecisionRequireStepUp && res.Reason == model.ReasonHighValueStepUp &&
			s.State == model.StateAuthenticated {
			if d.Code, err = o.challenge(ctx, s, fingerprint); err != nil {
				return err
			}
		}
		d.Result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.Session = s
	return d, nil
}

func (o *Orchestrator) Logout(ctx context.Context, sessionID string) error {
	release, err := o.lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := o.load(ctx, sessionID); err != nil {
		return err
	}
	if err := o.otp.Discard(ctx, sessionID); err != nil {
		o.logger.Warn("failed to discard otp on logout", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := o.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	o.logger.Info("session logged out", zap.String("session_id", sessionID))
	return nil
}

// Get returns the session with expiry applied. The expired state is
// persisted when the session lock is free.
func (o *Orchestrator) Get(ctx context.Context, sessionID string) (*model.Session, error) {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev := s.State
	if !o.expire(ctx, s) {
		return s, nil
	}

	release, ok, err := o.locker.TryLock(ctx, sessionID)
	if err != nil || !ok {
		return s, nil
	}
	defer release()
	// Reload under the lock so a concurrent mutation is not overwritten.
	if s, err = o.load(ctx, sessionID); err != nil {
		return nil, err
	}
	if o.expire(ctx, s) {
		if err := o.sessions.Save(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to save session: %w", err)
		}
		o.transitioned(s, prev)
	}
	return s, nil
}

func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (model.SessionState, error) {
	s, err := o.Get(ctx, sessionID)
	if err != nil {
		return model.SessionState{}, err
	}
	return s.Snapshot(), nil
}

// mutate loads the session under the attempt lock, applies expiry, runs fn
// and persists whatever fn changed even when fn reports a domain error.
func (o *Orchestrator) mutate(ctx context.Context, sessionID string, fn func(s *model.Session) error) (*model.Session, error) {
	release, err := o.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	s, err := o.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	prev := s.State
	o.expire(ctx, s)

	fnErr := fn(s)
	s.UpdatedAt = o.now().UTC()
	if err := o.sessions.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	o.transitioned(s, prev)
	return s, fnErr
}

func (o *Orchestrator) lock(ctx context.Context, sessionID string) (func(), error) {
	release, ok, err := o.locker.TryLock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire attempt lock: %w", err)
	}
	if !ok {
		o.logger.Warn("concurrent attempt rejected", zap.String("session_id", sessionID))
		return nil, ErrConcurrentAttempt
	}
	return release, nil
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*model.Session, error) {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s, nil
}

// expire moves a timed-out session back to UNAUTHENTICATED and drops any
// outstanding challenge. LOCKED sessions stay locked.
func (o *Orchestrator) expire(ctx context.Context, s *model.Session) bool {
	if s.State == model.StateLocked || s.State == model.StateUnauthenticated || o.now().Before(s.ExpiresAt) {
		return false
	}
	if s.State == model.StateAwaitingOTP {
		if err := o.otp.Discard(ctx, s.SessionID); err != nil {
			o.logger.Warn("failed to discard otp on expiry", zap.String("session_id", s.SessionID), zap.Error(err))
		}
	}
	s.State = model.StateUnauthenticated
	s.Factors = model.FactorSet{}
	s.PendingOperation = ""
	s.ApprovedOperation = ""
	return true
}

func (o *Orchestrator) authenticated(s *model.Session, f model.Factor) {
	s.State = model.StateAuthenticated
	s.Factors = s.Factors.With(f)
	s.FailureCount = 0
	s.ExpiresAt = o.now().UTC().Add(o.cfg.SessionTTL)
}

func (o *Orchestrator) transitioned(s *model.Session, prev model.AuthState) {
	if prev == s.State {
		return
	}
	o.logger.Info("session transition",
		zap.String("session_id", s.SessionID),
		zap.String("from", string(prev)),
		zap.String("to", string(s.State)),
		zap.Int("failures", s.FailureCount),
	)
	if o.onTransition != nil {
		o.onTransition(prev, s.State)
	}
}

func (o *Orchestrator) credential(ctx context.Context, userID string) (*model.Credential, error) {
	c, err := o.creds.GetCredential(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return c, nil
}

func validPIN(pin string) bool {
	if len(pin) < 4 || len(pin) > 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
