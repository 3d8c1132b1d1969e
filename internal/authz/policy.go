// Package authz decides whether a banking operation may proceed given the
// request's trust level and the session's authentication state.
package authz

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"trust-service/internal/model"
)

type Policy struct {
	HighValueThreshold float64
}

func DefaultPolicy() Policy {
	return Policy{HighValueThreshold: 25000}
}

// Authorize evaluates the decision table top to bottom; the first matching
// row wins. It never returns REQUIRE_STEP_UP without a factor.
func Authorize(p Policy, trust model.TrustLevel, req model.AuthorizationRequest, state model.SessionState) model.AuthorizationResult {
	if !req.Operation.Valid() {
		return deny(model.ReasonUnknownOperation, fmt.Sprintf("unknown operation %q", req.Operation))
	}

	monetary := req.Operation.IsMonetary()
	amount := 0.0
	if req.Amount != nil {
		amount = *req.Amount
	}
	if monetary && (math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0) {
		return deny(model.ReasonInvalidAmount, "amount must be a non-negative number")
	}

	if trust == model.TrustCritical && monetary {
		return deny(model.ReasonCriticalTrustMonetary, "critical trust, monetary operations blocked")
	}

	if state.State == model.StateLocked {
		return deny(model.ReasonSessionLocked, "session is locked, please contact support")
	}

	if state.State != model.StateAuthenticated {
		return stepUp(NextFactor(state.State, state.VoiceEnrolled), model.ReasonNotAuthenticated,
			"please authenticate to continue")
	}

	if monetary && amount > p.HighValueThreshold {
		if trust == model.TrustHigh {
			return allow(model.ReasonHighValueTrusted, "high-value operation allowed at high trust")
		}
		if state.ApprovedOperation != "" && state.ApprovedOperation == Fingerprint(req) {
			return allow(model.ReasonHighValueApproved, "high-value operation approved by one-time code")
		}
		return stepUp(model.FactorOTP, model.ReasonHighValueStepUp,
			fmt.Sprintf("amounts above %s need a one-time code", formatAmount(p.HighValueThreshold)))
	}

	if trust == model.TrustLow && monetary {
		if state.Factors.Has(model.FactorPIN) {
			return allow(model.ReasonLowTrustConfirmed, "low trust, confirmed by PIN")
		}
		return stepUp(model.FactorPIN, model.ReasonLowTrustStepUp, "low trust, please confirm with your PIN")
	}

	return allow(model.ReasonAllowed, "allowed")
}

// NextFactor is the first unmet factor for a session that is not yet authenticated.
func NextFactor(state model.AuthState, voiceEnrolled bool) model.Factor {
	switch state {
	case model.StateAwaitingVoice:
		return model.FactorVoice
	case model.StateAwaitingPIN:
		return model.FactorPIN
	case model.StateAwaitingOTP:
		return model.FactorOTP
	}
	if voiceEnrolled {
		return model.FactorVoice
	}
	return model.FactorPIN
}

// Fingerprint identifies a specific operation so an OTP approval granted
// for it cannot be replayed against a different amount or payee.
func Fingerprint(req model.AuthorizationRequest) string {
	amount := "-"
	if req.Amount != nil {
		amount = strconv.FormatFloat(*req.Amount, 'f', 2, 64)
	}
	return strings.Join([]string{
		req.SessionID,
		string(req.Operation),
		amount,
		strings.ToLower(strings.TrimSpace(req.Recipient)),
	}, "|")
}

func allow(reason model.ReasonCode, msg string) model.AuthorizationResult {
	return model.AuthorizationResult{Decision: model.DecisionAllow, Reason: reason, Message: msg}
}

func deny(reason model.ReasonCode, msg string) model.AuthorizationResult {
	return model.AuthorizationResult{Decision: model.DecisionDeny, Reason: reason, Message: msg}
}

func stepUp(f model.Factor, reason model.ReasonCode, msg string) model.AuthorizationResult {
	return model.AuthorizationResult{Decision: model.DecisionRequireStepUp, RequiredFactor: f, Reason: reason, Message: msg}
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
