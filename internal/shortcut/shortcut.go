// Package shortcut accepts captured values for several consecutive stages in
// one turn when the client supplied them together.
package shortcut

import (
	"context"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/guard"
	"venueline/internal/stages"
)

// Step is one planned acceptance.
type Step struct {
	Stage int
	Gate  string
}

// Outcome lists what a shortcut run accepted.
type Outcome struct {
	Accepted []string
	Lines    []string
	// StoppedAt is the gate that refused acceptance, if any.
	StoppedAt string
	Reason    string
}

// Plan returns the acceptances that can run this turn, in ascending stage
// order starting at the required stage. Planning stops at the first stage
// that has a pending HIL task or a gate that is not a captured capture-mode
// gate. It never plans a verified gate.
func Plan(rec *domain.Record, reg *gates.Registry) []Step {
	start, ok := guard.RequiredStage(rec, reg)
	if !ok {
		return nil
	}
	var steps []Step
	for _, stage := range reg.Stages() {
		if stage < start {
			continue
		}
		if rec.PendingHILAt(stage) {
			break
		}
		var stageSteps []Step
		complete := true
		for _, g := range reg.StageGates(stage) {
			if reg.IsVerified(rec, g.ID) {
				continue
			}
			if g.Verify != config.VerifyCapture || rec.Gate(g.ID).Captured == "" {
				complete = false
				break
			}
			stageSteps = append(stageSteps, Step{Stage: stage, Gate: g.ID})
		}
		steps = append(steps, stageSteps...)
		if !complete {
			break
		}
	}
	return steps
}

// Worthwhile reports whether a plan spans more than one gate.
func Worthwhile(steps []Step) bool {
	return len(steps) > 1
}

// Execute runs the planned acceptances through the owning stages. The first
// refusal stops the run; the stage handler will then ask the client.
func Execute(ctx context.Context, t *stages.Turn, acc stages.Acceptor, steps []Step) (Outcome, error) {
	var out Outcome
	for _, s := range steps {
		res, err := acc.Accept(ctx, t, s.Gate)
		if err != nil {
			return out, err
		}
		if !res.Accepted {
			out.StoppedAt = s.Gate
			out.Reason = res.Reason
			return out, nil
		}
		out.Accepted = append(out.Accepted, s.Gate)
		out.Lines = append(out.Lines, res.Line)
	}
	return out, nil
}
