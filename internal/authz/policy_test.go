package authz

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"trust-service/internal/model"
)

func amt(v float64) *float64 { return &v }

var (
	authed    = model.SessionState{State: model.StateAuthenticated, Factors: model.FactorSet{model.FactorVoice}, VoiceEnrolled: true}
	authedPIN = model.SessionState{State: model.StateAuthenticated, Factors: model.FactorSet{model.FactorPIN}}
)

func TestAuthorize_DecisionTable(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name   string
		trust  model.TrustLevel
		req    model.AuthorizationRequest
		state  model.SessionState
		want   model.Decision
		factor model.Factor
		reason model.ReasonCode
	}{
		{
			name:  "critical transfer denied even when authenticated",
			trust: model.TrustCritical, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(10)},
			state: authed, want: model.DecisionDeny, reason: model.ReasonCriticalTrustMonetary,
		},
		{
			name:  "critical loan inquiry denied",
			trust: model.TrustCritical, req: model.AuthorizationRequest{Operation: model.OpLoanInquiry},
			state: model.SessionState{State: model.StateUnauthenticated}, want: model.DecisionDeny, reason: model.ReasonCriticalTrustMonetary,
		},
		{
			name:  "critical balance inquiry still allowed",
			trust: model.TrustCritical, req: model.AuthorizationRequest{Operation: model.OpBalanceInquiry},
			state: authed, want: model.DecisionAllow, reason: model.ReasonAllowed,
		},
		{
			name:  "unauthenticated enrolled user steps up with voice",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: model.OpBalanceInquiry},
			state: model.SessionState{State: model.StateUnauthenticated, VoiceEnrolled: true},
			want:  model.DecisionRequireStepUp, factor: model.FactorVoice, reason: model.ReasonNotAuthenticated,
		},
		{
			name:  "unauthenticated without voiceprint steps up with pin",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: model.OpHistoryView},
			state: model.SessionState{State: model.StateUnauthenticated},
			want:  model.DecisionRequireStepUp, factor: model.FactorPIN, reason: model.ReasonNotAuthenticated,
		},
		{
			name:  "awaiting pin asks for pin",
			trust: model.TrustMedium, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(100)},
			state: model.SessionState{State: model.StateAwaitingPIN, VoiceEnrolled: true},
			want:  model.DecisionRequireStepUp, factor: model.FactorPIN, reason: model.ReasonNotAuthenticated,
		},
		{
			name:  "locked session denied",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: model.OpBalanceInquiry},
			state: model.SessionState{State: model.StateLocked}, want: model.DecisionDeny, reason: model.ReasonSessionLocked,
		},
		{
			name:  "high value at medium trust needs otp",
			trust: model.TrustMedium, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(30000)},
			state: authed, want: model.DecisionRequireStepUp, factor: model.FactorOTP, reason: model.ReasonHighValueStepUp,
		},
		{
			name:  "high value at low trust needs otp before pin",
			trust: model.TrustLow, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(30000)},
			state: authedPIN, want: model.DecisionRequireStepUp, factor: model.FactorOTP, reason: model.ReasonHighValueStepUp,
		},
		{
			name:  "high value at high trust allowed",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(30000)},
			state: authed, want: model.DecisionAllow, reason: model.ReasonHighValueTrusted,
		},
		{
			name:  "threshold amount is not high value",
			trust: model.TrustMedium, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(25000)},
			state: authed, want: model.DecisionAllow, reason: model.ReasonAllowed,
		},
		{
			name:  "low trust transfer by voice only needs pin",
			trust: model.TrustLow, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(500)},
			state: authed, want: model.DecisionRequireStepUp, factor: model.FactorPIN, reason: model.ReasonLowTrustStepUp,
		},
		{
			name:  "low trust transfer authenticated by pin allowed",
			trust: model.TrustLow, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(500)},
			state: authedPIN, want: model.DecisionAllow, reason: model.ReasonLowTrustConfirmed,
		},
		{
			name:  "low trust informational allowed",
			trust: model.TrustLow, req: model.AuthorizationRequest{Operation: model.OpReminderSet, Amount: amt(99999)},
			state: authed, want: model.DecisionAllow, reason: model.ReasonAllowed,
		},
		{
			name:  "negative amount denied",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(-5)},
			state: authed, want: model.DecisionDeny, reason: model.ReasonInvalidAmount,
		},
		{
			name:  "nan amount denied",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: model.OpTransfer, Amount: amt(math.NaN())},
			state: authed, want: model.DecisionDeny, reason: model.ReasonInvalidAmount,
		},
		{
			name:  "unknown operation denied",
			trust: model.TrustHigh, req: model.AuthorizationRequest{Operation: "WIRE"},
			state: authed, want: model.DecisionDeny, reason: model.ReasonUnknownOperation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Authorize(p, tt.trust, tt.req, tt.state)
			assert.Equal(t, tt.want, got.Decision)
			assert.Equal(t, tt.factor, got.RequiredFactor)
			assert.Equal(t, tt.reason, got.Reason)
			assert.NotEmpty(t, got.Message)
		})
	}
}

func TestAuthorize_OTPApprovalBoundToOperation(t *testing.T) {
	p := DefaultPolicy()
	req := model.AuthorizationRequest{SessionID: "s1", Operation: model.OpTransfer, Amount: amt(30000), Recipient: "Landlord"}

	state := authed
	state.ApprovedOperation = Fingerprint(req)
	got := Authorize(p, model.TrustMedium, req, state)
	assert.Equal(t, model.DecisionAllow, got.Decision)
	assert.Equal(t, model.ReasonHighValueApproved, got.Reason)

	other := req
	other.Amount = amt(40000)
	got = Authorize(p, model.TrustMedium, other, state)
	assert.Equal(t, model.DecisionRequireStepUp, got.Decision)
	assert.Equal(t, model.FactorOTP, got.RequiredFactor)
}

func TestAuthorize_StepUpAlwaysNamesFactor(t *testing.T) {
	p := DefaultPolicy()
	levels := []model.TrustLevel{model.TrustHigh, model.TrustMedium, model.TrustLow, model.TrustCritical}
	ops := []model.Operation{model.OpBalanceInquiry, model.OpTransfer, model.OpLoanInquiry, model.OpReminderSet, model.OpHistoryView}
	states := []model.AuthState{model.StateUnauthenticated, model.StateAwaitingVoice, model.StateAwaitingPIN,
		model.StateAwaitingOTP, model.StateAuthenticated, model.StateLocked}

	for _, l := range levels {
		for _, op := range ops {
			for _, s := range states {
				for _, a := range []float64{0, 500, 30000} {
					got := Authorize(p, l, model.AuthorizationRequest{Operation: op, Amount: amt(a)}, model.SessionState{State: s})
					assert.NotEmpty(t, got.Reason)
					if got.Decision == model.DecisionRequireStepUp {
						assert.NotEqual(t, model.FactorNone, got.RequiredFactor)
					} else {
						assert.Equal(t, model.FactorNone, got.RequiredFactor)
					}
				}
			}
		}
	}
}

// Satisfying the factor that was asked for must never produce the same step-up again.
func TestAuthorize_StepUpDoesNotLoop(t *testing.T) {
	p := DefaultPolicy()
	req := model.AuthorizationRequest{SessionID: "s1", Operation: model.OpTransfer, Amount: amt(500)}

	first := Authorize(p, model.TrustLow, req, authed)
	assert.Equal(t, model.FactorPIN, first.RequiredFactor)

	state := authed
	state.Factors = state.Factors.With(model.FactorPIN)
	second := Authorize(p, model.TrustLow, req, state)
	assert.Equal(t, model.DecisionAllow, second.Decision)

	big := model.AuthorizationRequest{SessionID: "s1", Operation: model.OpTransfer, Amount: amt(50000)}
	first = Authorize(p, model.TrustLow, big, authedPIN)
	assert.Equal(t, model.FactorOTP, first.RequiredFactor)

	state = authedPIN
	state.ApprovedOperation = Fingerprint(big)
	second = Authorize(p, model.TrustLow, big, state)
	assert.Equal(t, model.DecisionAllow, second.Decision)
}

func TestNextFactor(t *testing.T) {
	assert.Equal(t, model.FactorVoice, NextFactor(model.StateUnauthenticated, true))
	assert.Equal(t, model.FactorPIN, NextFactor(model.StateUnauthenticated, false))
	assert.Equal(t, model.FactorPIN, NextFactor(model.StateAwaitingPIN, true))
	assert.Equal(t, model.FactorOTP, NextFactor(model.StateAwaitingOTP, true))
}

func TestFingerprint_NormalizesRecipient(t *testing.T) {
	a := model.AuthorizationRequest{SessionID: "s", Operation: model.OpTransfer, Amount: amt(10), Recipient: " Mom "}
	b := model.AuthorizationRequest{SessionID: "s", Operation: model.OpTransfer, Amount: amt(10.0), Recipient: "mom"}
	assert.Equal(t, Fingerprint(a), Fingerprint(b))
}

func TestFingerprint_ExactPerPayee(t *testing.T) {
	req := model.AuthorizationRequest{SessionID: "s1", Operation: model.OpTransfer, Amount: amt(30000), Recipient: "Mom"}
	assert.Equal(t, "s1|TRANSFER|30000.00|mom", Fingerprint(req))

	other := req
	other.Recipient = "mom2"
	assert.NotEqual(t, Fingerprint(req), Fingerprint(other))

	noAmount := model.AuthorizationRequest{SessionID: "s1", Operation: model.OpBalanceInquiry}
	assert.Equal(t, "s1|BALANCE_INQUIRY|-|", Fingerprint(noAmount))
}
