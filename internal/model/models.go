package model

import (
	"context"
	"errors"
	"time"
)

// -------------------- TRUST --------------------

// TrustLevel is the discrete risk tier computed for a single request.
type TrustLevel string

const (
	TrustHigh     TrustLevel = "HIGH"
	TrustMedium   TrustLevel = "MEDIUM"
	TrustLow      TrustLevel = "LOW"
	TrustCritical TrustLevel = "CRITICAL"
)

// Rank orders trust levels; higher is more trusted.
func (l TrustLevel) Rank() int {
	switch l {
	case TrustHigh:
		return 3
	case TrustMedium:
		return 2
	case TrustLow:
		return 1
	default:
		return 0
	}
}

// Signals is the snapshot of contextual inputs the speech layer hands us.
// VoiceMatch is nil when no voiceprint comparison was possible.
type Signals struct {
	NoiseLevel          float64  `json:"noise_level"`
	VoiceMatch          *float64 `json:"voice_match,omitempty"`
	EmotionalConfidence float64  `json:"emotional_confidence"`
	RecentFailures      int      `json:"recent_failures"`
}

// TrustAssessment is produced fresh for every decision and never mutated.
type TrustAssessment struct {
	ID         string     `json:"id"`
	Level      TrustLevel `json:"level"`
	Signals    Signals    `json:"signals"`
	Rule       string     `json:"rule"`
	Rationale  string     `json:"rationale"`
	AssessedAt time.Time  `json:"assessed_at"`
}

// -------------------- AUTHENTICATION --------------------

// Factor is a single authentication factor.
type Factor string

const (
	FactorNone  Factor = ""
	FactorVoice Factor = "VOICE"
	FactorPIN   Factor = "PIN"
	FactorOTP   Factor = "OTP"
)

// FactorSet is the set of factors satisfied in the current attempt.
// It only grows; a new login replaces it with an empty set.
type FactorSet []Factor

// Has reports whether f is in the set.
func (s FactorSet) Has(f Factor) bool {
	for _, x := range s {
		if x == f {
			return true
		}
	}
	return false
}

// With returns the set with f added.
func (s FactorSet) With(f Factor) FactorSet {
	if s.Has(f) {
		return s
	}
	out := make(FactorSet, 0, len(s)+1)
	out = append(out, s...)
	return append(out, f)
}

// AuthState is a state of the per-session authentication machine.
type AuthState string

const (
	StateUnauthenticated AuthState = "UNAUTHENTICATED"
	StateAwaitingVoice   AuthState = "AWAITING_VOICE"
	StateAwaitingPIN     AuthState = "AWAITING_PIN"
	StateAwaitingOTP     AuthState = "AWAITING_OTP"
	StateAuthenticated   AuthState = "AUTHENTICATED"
	StateLocked          AuthState = "LOCKED"
)

// InFlight reports whether a challenge is currently outstanding.
func (s AuthState) InFlight() bool {
	return s == StateAwaitingVoice || s == StateAwaitingPIN || s == StateAwaitingOTP
}

// Session is one interaction owned by the authentication orchestrator.
type Session struct {
	SessionID         string     `json:"session_id"`
	UserID            string     `json:"user_id"`
	State             AuthState  `json:"state"`
	LastTrust         TrustLevel `json:"last_trust,omitempty"`
	Factors           FactorSet  `json:"factors"`
	FailureCount      int        `json:"failure_count"`
	VoiceFallbacks    int        `json:"voice_fallbacks"`
	VoiceEnrolled     bool       `json:"voice_enrolled"`
	PendingOperation  string     `json:"pending_operation,omitempty"`
	ApprovedOperation string     `json:"approved_operation,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Snapshot returns the read-only view the authorization policy needs.
func (s *Session) Snapshot() SessionState {
	return SessionState{
		State:             s.State,
		Factors:           append(FactorSet(nil), s.Factors...),
		VoiceEnrolled:     s.VoiceEnrolled,
		ApprovedOperation: s.ApprovedOperation,
	}
}

// SessionState is a point-in-time copy of the session fields that matter to authorization.
type SessionState struct {
	State             AuthState `json:"state"`
	Factors           FactorSet `json:"factors"`
	VoiceEnrolled     bool      `json:"voice_enrolled"`
	ApprovedOperation string    `json:"approved_operation,omitempty"`
}

// Credential is what the orchestrator needs to know about an enrolled user.
type Credential struct {
	UserID        string    `json:"user_id"`
	PINHash       string    `json:"pin_hash"`
	PINSalt       string    `json:"pin_salt"`
	PepperVersion int       `json:"pepper_version"`
	Algorithm     string    `json:"algorithm"`
	VoiceEnrolled bool      `json:"voice_enrolled"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OTPRecord is a stored one-time code; only the hash is kept.
type OTPRecord struct {
	SessionID     string    `json:"session_id"`
	Hash          string    `json:"hash"`
	Salt          string    `json:"salt"`
	PepperVersion int       `json:"pepper_version"`
	Algorithm     string    `json:"algorithm"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// -------------------- AUTHORIZATION --------------------

// Operation is a banking operation the user asked for.
type Operation string

const (
	OpBalanceInquiry Operation = "BALANCE_INQUIRY"
	OpTransfer       Operation = "TRANSFER"
	OpLoanInquiry    Operation = "LOAN_INQUIRY"
	OpReminderSet    Operation = "REMINDER_SET"
	OpHistoryView    Operation = "HISTORY_VIEW"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	switch o {
	case OpBalanceInquiry, OpTransfer, OpLoanInquiry, OpReminderSet, OpHistoryView:
		return true
	}
	return false
}

// IsMonetary reports whether the operation can move or commit money.
func (o Operation) IsMonetary() bool {
	return o == OpTransfer || o == OpLoanInquiry
}

// IsSensitive reports whether the operation's result (a balance, account
// activity or a money movement) must not be spoken aloud in private mode.
func (o Operation) IsSensitive() bool {
	return o == OpBalanceInquiry || o == OpHistoryView || o.IsMonetary()
}

// Decision is the outcome class of an authorization.
type Decision string

const (
	DecisionAllow         Decision = "ALLOW"
	DecisionRequireStepUp Decision = "REQUIRE_STEP_UP"
	DecisionDeny          Decision = "DENY"
)

// ReasonCode explains a decision.
type ReasonCode string

const (
	ReasonCriticalTrustMonetary ReasonCode = "critical_trust_monetary_blocked"
	ReasonSessionLocked         ReasonCode = "session_locked"
	ReasonNotAuthenticated      ReasonCode = "not_authenticated"
	ReasonHighValueStepUp       ReasonCode = "high_value_requires_otp"
	ReasonHighValueTrusted      ReasonCode = "high_value_high_trust"
	ReasonHighValueApproved     ReasonCode = "high_value_otp_approved"
	ReasonLowTrustStepUp        ReasonCode = "low_trust_requires_pin"
	ReasonLowTrustConfirmed     ReasonCode = "low_trust_pin_confirmed"
	ReasonInvalidAmount         ReasonCode = "invalid_amount"
	ReasonUnknownOperation      ReasonCode = "unknown_operation"
	ReasonAllowed               ReasonCode = "allowed"
)

// AuthorizationRequest is a normalized (operation, amount, recipient) tuple for one session.
type AuthorizationRequest struct {
	SessionID string    `json:"session_id"`
	Operation Operation `json:"operation"`
	Amount    *float64  `json:"amount,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
}

// AuthorizationResult is always one of ALLOW, REQUIRE_STEP_UP with a factor, or DENY.
type AuthorizationResult struct {
	Decision       Decision   `json:"decision"`
	RequiredFactor Factor     `json:"required_factor,omitempty"`
	Reason         ReasonCode `json:"reason"`
	Message        string     `json:"message"`
}

// -------------------- LEDGER & PATTERNS --------------------

// Transaction is a read-only entry from the external ledger.
type Transaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Recipient string    `json:"recipient"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
	Category  string    `json:"category"`
}

// Frequency is the inferred periodicity of a recurring pattern.
type Frequency string

const (
	FrequencyDaily        Frequency = "DAILY"
	FrequencyWeekly       Frequency = "WEEKLY"
	FrequencyMonthly      Frequency = "MONTHLY"
	FrequencyUnclassified Frequency = "UNCLASSIFIED"
)

// ExpectedDays is the nominal interval for the frequency.
func (f Frequency) ExpectedDays() int {
	switch f {
	case FrequencyDaily:
		return 1
	case FrequencyWeekly:
		return 7
	case FrequencyMonthly:
		return 30
	}
	return 0
}

// RecurringPattern is a detected periodic payment to the same recipient and amount band.
type RecurringPattern struct {
	Recipient       string    `json:"recipient"`
	Amount          float64   `json:"amount"`
	AmountLow       float64   `json:"amount_low"`
	AmountHigh      float64   `json:"amount_high"`
	Frequency       Frequency `json:"frequency"`
	Occurrences     int       `json:"occurrences"`
	FirstOccurrence time.Time `json:"first_occurrence"`
	LastOccurrence  time.Time `json:"last_occurrence"`
	NextPredicted   time.Time `json:"next_predicted"`
	Confidence      float64   `json:"confidence"`
}

// -------------------- STORE INTERFACES --------------------

// SessionStore persists sessions. Get returns ErrNotFound-wrapping errors for unknown ids.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, sessionID string) error
}

// OTPStore keeps at most one outstanding code per session.
// Take returns and removes the record atomically.
type OTPStore interface {
	Put(ctx context.Context, rec *OTPRecord, ttl time.Duration) error
	Take(ctx context.Context, sessionID string) (*OTPRecord, error)
	Discard(ctx context.Context, sessionID string) error
}

// AttemptLocker grants exclusive access to one session. TryLock fails fast
// instead of waiting when the session is already held.
type AttemptLocker interface {
	TryLock(ctx context.Context, sessionID string) (release func(), ok bool, err error)
}

// CredentialStore holds enrolled PIN hashes and voiceprint enrollment flags.
type CredentialStore interface {
	GetCredential(ctx context.Context, userID string) (*Credential, error)
	PutCredential(ctx context.Context, c *Credential) error
}

// TransactionSource returns a user's ledger ordered by time, oldest first.
type TransactionSource interface {
	ListTransactions(ctx context.Context, userID string, since time.Time) ([]Transaction, error)
}

// TransactionSink appends ledger entries. An empty ID is assigned by the sink.
type TransactionSink interface {
	AppendTransaction(ctx context.Context, t *Transaction) error
}

// ErrNotFound is returned by stores for unknown keys.
var ErrNotFound = errors.New("not found")
