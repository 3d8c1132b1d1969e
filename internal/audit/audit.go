// Package audit records every authorization decision with the trust
// assessment behind it, so a denial or step-up can be explained later.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trust-service/internal/model"
)

type Event struct {
	ID          string                    `json:"id"`
	SessionID   string                    `json:"session_id"`
	UserID      string                    `json:"user_id"`
	Operation   model.Operation           `json:"operation"`
	Amount      *float64                  `json:"amount,omitempty"`
	Recipient   string                    `json:"recipient,omitempty"`
	State       model.AuthState           `json:"state"`
	Trust       model.TrustAssessment     `json:"trust"`
	Result      model.AuthorizationResult `json:"result"`
	Explanation string                    `json:"explanation"`
	OutOfBand   bool                      `json:"out_of_band"`
	RecordedAt  time.Time                 `json:"recorded_at"`
}

// NewEvent assembles an event and renders its explanation.
func NewEvent(userID string, req model.AuthorizationRequest, state model.AuthState, trust model.TrustAssessment, res model.AuthorizationResult, at time.Time) Event {
	e := Event{
		ID:         uuid.NewString(),
		SessionID:  req.SessionID,
		UserID:     userID,
		Operation:  req.Operation,
		Recipient:  req.Recipient,
		State:      state,
		Trust:      trust,
		Result:     res,
		RecordedAt: at.UTC(),
	}
	if req.Amount != nil {
		a := *req.Amount
		e.Amount = &a
	}
	e.Explanation = Explain(e)
	return e
}

// Explain renders a one-line account of why the decision came out as it did.
func Explain(e Event) string {
	var b strings.Builder
	switch e.Result.Decision {
	case model.DecisionAllow:
		b.WriteString("Allowed ")
	case model.DecisionRequireStepUp:
		b.WriteString("Step-up required for ")
	default:
		b.WriteString("Denied ")
	}
	b.WriteString(string(e.Operation))
	if e.Amount != nil {
		fmt.Fprintf(&b, " of %.2f", *e.Amount)
	}
	fmt.Fprintf(&b, ": %s.", e.Result.Reason)
	if e.Result.RequiredFactor != model.FactorNone {
		fmt.Fprintf(&b, " Needs %s.", e.Result.RequiredFactor)
	}
	fmt.Fprintf(&b, " Trust was %s (%s)", e.Trust.Level, e.Trust.Rule)
	if e.Trust.Rationale != "" {
		fmt.Fprintf(&b, ": %s", e.Trust.Rationale)
	}
	b.WriteString(".")
	return b.String()
}

type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// ExplanationFinder returns a session's most recent events, newest first.
type ExplanationFinder interface {
	Explanations(ctx context.Context, sessionID string, limit int) ([]Event, error)
}

// Multi fans an event out to every recorder. A failing sink does not stop
// the others; their errors are joined.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, e Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
