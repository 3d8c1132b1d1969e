// Package suggestion turns detected recurring payments into proactive
// offers, each routed through the authorization policy first.
package suggestion

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"trust-service/internal/authz"
	"trust-service/internal/model"
	"trust-service/internal/util"
)

type Mode string

const (
	// ModeAutoExecute may be carried out after a plain yes from the user.
	ModeAutoExecute Mode = "auto_execute"
	// ModeConfirm needs the named factor first and is never auto-executed.
	ModeConfirm Mode = "confirm"
	ModeBlocked Mode = "blocked"
)

type Kind string

const (
	KindRecurringPayment Kind = "recurring_payment"
	KindMonthlySummary   Kind = "monthly_summary"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
)

type Suggestion struct {
	Kind           Kind                       `json:"kind"`
	Priority       Priority                   `json:"priority"`
	Mode           Mode                       `json:"mode"`
	Message        string                     `json:"message"`
	DueInDays      int                        `json:"due_in_days"`
	Pattern        *model.RecurringPattern    `json:"pattern,omitempty"`
	Request        model.AuthorizationRequest `json:"request"`
	Authorization  model.AuthorizationResult  `json:"authorization"`
	RequiredFactor model.Factor               `json:"required_factor,omitempty"`
}

type Gate struct {
	Policy        authz.Policy
	LookaheadDays int
	// SummaryDay is the day of month a spending summary is offered. Zero disables it.
	SummaryDay int
}

// Evaluate surfaces patterns due within [0, LookaheadDays] days of now.
// Each is authorized as a TRANSFER of its representative amount; anything
// short of ALLOW is never offered for auto-execution.
func (g Gate) Evaluate(sessionID string, patterns []model.RecurringPattern, trust model.TrustLevel, state model.SessionState, now time.Time) []Suggestion {
	today := truncateDay(now)
	var out []Suggestion

	for i := range patterns {
		p := patterns[i]
		due := int(truncateDay(p.NextPredicted).Sub(today).Hours() / 24)
		if due < 0 || due > g.LookaheadDays {
			continue
		}

		amount := p.Amount
		req := model.AuthorizationRequest{
			SessionID: sessionID,
			Operation: model.OpTransfer,
			Amount:    &amount,
			Recipient: p.Recipient,
		}
		res := authz.Authorize(g.Policy, trust, req, state)
		out = append(out, Suggestion{
			Kind:           KindRecurringPayment,
			Priority:       PriorityHigh,
			Mode:           modeFor(res.Decision),
			Message:        paymentMessage(p, due),
			DueInDays:      due,
			Pattern:        &p,
			Request:        req,
			Authorization:  res,
			RequiredFactor: res.RequiredFactor,
		})
	}

	if g.SummaryDay > 0 && now.Day() == g.SummaryDay {
		req := model.AuthorizationRequest{SessionID: sessionID, Operation: model.OpHistoryView}
		res := authz.Authorize(g.Policy, trust, req, state)
		out = append(out, Suggestion{
			Kind:           KindMonthlySummary,
			Priority:       PriorityMedium,
			Mode:           modeFor(res.Decision),
			Message:        "It's the beginning of a new month. Would you like a summary of your spending from last month?",
			Request:        req,
			Authorization:  res,
			RequiredFactor: res.RequiredFactor,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority == PriorityHigh
		}
		return out[i].DueInDays < out[j].DueInDays
	})
	return out
}

func modeFor(d model.Decision) Mode {
	switch d {
	case model.DecisionAllow:
		return ModeAutoExecute
	case model.DecisionRequireStepUp:
		return ModeConfirm
	default:
		return ModeBlocked
	}
}

func paymentMessage(p model.RecurringPattern, due int) string {
	when := "around this time"
	switch due {
	case 0:
		when = "today"
	case 1:
		when = "tomorrow"
	}
	return fmt.Sprintf("You usually transfer ₹%s to %s %s. Would you like me to process this transaction?",
		strconv.FormatFloat(p.Amount, 'f', 2, 64), util.SanitizeInput(p.Recipient), when)
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
