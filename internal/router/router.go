// Package router runs the bounded stage dispatch loop for one turn.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/guard"
	"venueline/internal/logging"
	"venueline/internal/metrics"
	"venueline/internal/shortcut"
	"venueline/internal/stages"
)

// DefaultMaxIterations bounds stage dispatches per run.
const DefaultMaxIterations = 6

// ErrDetourLoopExceeded is returned when the iteration cap is reached.
var ErrDetourLoopExceeded = errors.New("detour loop exceeded")

// Stages is what the router needs from the stage layer.
type Stages interface {
	stages.Acceptor
	Dispatch(ctx context.Context, t *stages.Turn, stage int) (stages.Result, error)
	HandleOverride(ctx context.Context, t *stages.Turn) (stages.Result, error)
}

type Router struct {
	Registry      *gates.Registry
	Stages        Stages
	MaxIterations int
	Logger        *logging.Logger
}

// Outcome summarises one run.
type Outcome struct {
	// Draft is the single consolidated reply for the run, nil when there is nothing to say.
	Draft      *domain.Draft
	Iterations int
	Shortcut   []string
	Halted     bool
	Completed  bool
}

func (r Router) logger() *logging.Logger {
	if r.Logger == nil {
		return logging.Nop()
	}
	return r.Logger
}

func (r Router) maxIterations() int {
	if r.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return r.MaxIterations
}

// Run dispatches stages until a handler halts, every gate is verified or the
// iteration cap is reached. Hard overrides win over guards, guards over
// shortcuts and shortcuts over step handlers.
func (r Router) Run(ctx context.Context, t *stages.Turn) (Outcome, error) {
	rec := t.Record
	var out Outcome
	var lines []string

	if rec.Override != nil {
		out.Iterations = 1
		res, err := r.Stages.HandleOverride(ctx, t)
		if err != nil {
			return out, fmt.Errorf("override %s: %w", rec.Override.Kind, err)
		}
		out.Halted = true
		out.Draft = consolidate(rec, nil, res.Draft)
		metrics.RouterIterations.Observe(float64(out.Iterations))
		return out, nil
	}
	if rec.Status != domain.StatusOpen && rec.Status != "" {
		return out, nil
	}

	if steps := shortcut.Plan(rec, r.Registry); shortcut.Worthwhile(steps) {
		sc, err := shortcut.Execute(ctx, t, r.Stages, steps)
		if err != nil {
			return out, fmt.Errorf("shortcut: %w", err)
		}
		lines = append(lines, sc.Lines...)
		out.Shortcut = sc.Accepted
		if len(sc.Accepted) > 0 {
			r.logger().Debug(ctx, "shortcut accepted gates", zap.Strings("gates", sc.Accepted))
		}
	}

	limit := r.maxIterations()
	for out.Iterations < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		stage, pending := guard.RequiredStage(rec, r.Registry)
		if !pending {
			r.complete(rec)
			out.Completed = true
			out.Draft = consolidate(rec, lines, nil)
			metrics.RouterIterations.Observe(float64(out.Iterations))
			return out, nil
		}
		if rec.Stage != stage {
			rec.Stage = stage
			rec.MarkDirty()
		}
		if rec.CallerStage != 0 && stage >= rec.CallerStage {
			rec.CallerStage = 0
			rec.MarkDirty()
		}
		out.Iterations++
		res, err := r.Stages.Dispatch(ctx, t, stage)
		if err != nil {
			return out, fmt.Errorf("stage %d: %w", stage, err)
		}
		if res.Draft != nil {
			lines = append(lines, res.Draft.Lines...)
		}
		if res.Halt {
			out.Halted = true
			out.Draft = consolidate(rec, lines, res.Draft)
			metrics.RouterIterations.Observe(float64(out.Iterations))
			return out, nil
		}
	}

	if _, pending := guard.RequiredStage(rec, r.Registry); !pending {
		r.complete(rec)
		out.Completed = true
		out.Draft = consolidate(rec, lines, nil)
		metrics.RouterIterations.Observe(float64(out.Iterations))
		return out, nil
	}

	metrics.RouterIterations.Observe(float64(out.Iterations))
	metrics.LoopExhausted.Inc()
	r.logger().Error(ctx, "router iteration cap reached",
		zap.Int("iterations", out.Iterations),
		zap.Int("stage", rec.Stage),
		zap.Int("caller_stage", rec.CallerStage),
	)
	out.Halted = true
	out.Draft = &domain.Draft{
		Body:             "Thank you for your message. A member of our team will review your request and get back to you.",
		Topic:            "diagnostic",
		RequiresApproval: true,
		Stage:            rec.Stage,
		Lines:            lines,
	}
	return out, fmt.Errorf("%w after %d iterations at stage %d", ErrDetourLoopExceeded, out.Iterations, rec.Stage)
}

func (r Router) complete(rec *domain.Record) {
	if rec.Status == domain.StatusOpen || rec.Status == "" {
		rec.Status = domain.StatusConfirmed
		rec.MarkDirty()
	}
	if rec.CallerStage != 0 {
		rec.CallerStage = 0
		rec.MarkDirty()
	}
	if rec.Stage != domain.LastStage {
		rec.Stage = domain.LastStage
		rec.MarkDirty()
	}
}

// consolidate merges the confirmation lines of a run with the halting draft
// into the one reply the turn produces.
func consolidate(rec *domain.Record, lines []string, halt *domain.Draft) *domain.Draft {
	if halt == nil && len(lines) == 0 {
		return nil
	}
	d := &domain.Draft{Topic: "confirmation", Stage: rec.Stage, Lines: lines}
	var body strings.Builder
	if len(lines) > 0 {
		body.WriteString("We have noted the following:\n- ")
		body.WriteString(strings.Join(lines, "\n- "))
	}
	if halt != nil {
		d.Topic = halt.Topic
		d.RequiresApproval = halt.RequiresApproval
		d.Gate = halt.Gate
		if halt.Stage != 0 {
			d.Stage = halt.Stage
		}
		if halt.Body != "" {
			if body.Len() > 0 {
				body.WriteString("\n\n")
			}
			body.WriteString(halt.Body)
		}
		if len(lines) == 0 {
			d.Lines = halt.Lines
		}
	}
	d.Body = body.String()
	return d
}
