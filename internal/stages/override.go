package stages

import (
	"context"
	"fmt"

	"venueline/internal/domain"
)

// Override kinds.
const (
	OverrideCancellation = "cancellation"
)

// ActionCancel is the HIL action and draft topic raised by the cancellation sub-flow.
const ActionCancel = "cancellation"

// StartCancellation puts the record into the cancellation sub-flow. It is a
// no-op when an override is already active.
func StartCancellation(rec *domain.Record, reason, now string) bool {
	if rec.Override != nil || rec.Status == domain.StatusCancelled {
		return false
	}
	rec.Override = &domain.Override{Kind: OverrideCancellation, Stage: rec.Stage, Reason: reason, StartedAt: now}
	rec.MarkDirty()
	return true
}

// HandleOverride runs the active override sub-flow. It takes precedence over
// every stage handler.
func (d *Dispatcher) HandleOverride(_ context.Context, t *Turn) (Result, error) {
	rec := t.Record
	if rec.Override == nil {
		return Result{}, fmt.Errorf("no override active")
	}
	switch rec.Override.Kind {
	case OverrideCancellation:
		for _, m := range rec.PendingHIL {
			if m.Action == ActionCancel {
				return Result{Halt: true}, nil
			}
		}
		return Result{
			Halt: true,
			Draft: &domain.Draft{
				Body:             "We have received your cancellation request and will confirm it shortly.",
				Topic:            ActionCancel,
				Stage:            rec.Stage,
				RequiresApproval: true,
			},
			RequiresApproval: true,
		}, nil
	}
	return Result{}, fmt.Errorf("unknown override kind %s", rec.Override.Kind)
}
