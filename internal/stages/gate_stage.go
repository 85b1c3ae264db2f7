package stages

import (
	"context"
	"fmt"
	"math"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
)

// GateStage walks the stage's gates in registry order and applies each
// gate's verification mode. It halts at the first gate that needs client
// or operator input.
type GateStage struct {
	d     *Dispatcher
	stage int
}

// step is the outcome for one gate.
type step struct {
	line  string
	draft *domain.Draft
	halt  bool
}

func (s GateStage) Handle(ctx context.Context, t *Turn) (Result, error) {
	owned := s.d.reg.StageGates(s.stage)
	if len(owned) == 0 {
		return Result{}, fmt.Errorf("%w: stage %d", ErrNoGates, s.stage)
	}
	var lines []string
	for _, g := range owned {
		if s.d.reg.IsVerified(t.Record, g.ID) {
			continue
		}
		st, err := s.d.advance(ctx, t, g)
		if err != nil {
			return Result{}, err
		}
		if st.line != "" {
			lines = append(lines, st.line)
		}
		if st.halt {
			draft := st.draft
			if draft == nil && len(lines) > 0 {
				draft = &domain.Draft{Stage: s.stage, Topic: "confirmation"}
			}
			if draft != nil {
				draft.Lines = append(lines, draft.Lines...)
			}
			return Result{Halt: true, Draft: draft, RequiresApproval: draft != nil && draft.RequiresApproval}, nil
		}
	}
	res := Result{AdvanceTo: s.stage + 1}
	if len(lines) > 0 {
		res.Draft = &domain.Draft{Stage: s.stage, Topic: "confirmation", Lines: lines}
	}
	return res, nil
}

func (d *Dispatcher) advance(ctx context.Context, t *Turn, g gates.Gate) (step, error) {
	switch g.Verify {
	case config.VerifyCapture:
		return d.advanceCapture(ctx, t, g)
	case config.VerifyConfirm:
		return d.advanceConfirm(ctx, t, g)
	case config.VerifyApproval:
		return d.advanceApproval(ctx, t, g)
	case config.VerifyDeposit:
		return d.advanceDeposit(ctx, t, g)
	}
	return step{}, fmt.Errorf("gate %s has unsupported verify mode %s", g.ID, g.Verify)
}

func (d *Dispatcher) advanceCapture(ctx context.Context, t *Turn, g gates.Gate) (step, error) {
	st := t.Record.Gate(g.ID)
	if st.Captured == "" {
		return step{halt: true, draft: d.prompt(t, g, "")}, nil
	}
	acc, err := d.accept(ctx, t, g)
	if err != nil {
		return step{}, err
	}
	if !acc.Accepted {
		return step{halt: true, draft: d.prompt(t, g, acc.Reason)}, nil
	}
	return step{line: acc.Line}, nil
}

func (d *Dispatcher) advanceConfirm(_ context.Context, t *Turn, g gates.Gate) (step, error) {
	rec := t.Record
	st := rec.Gate(g.ID)
	if st.Captured != "" && st.Captured != st.Canonical {
		v, problem := d.normalizeValue(g, st.Captured)
		if problem != "" {
			return step{halt: true, draft: d.prompt(t, g, problem)}, nil
		}
		st.Canonical = v
		st.Verified = false
		st.Source = fmt.Sprintf("stage %d", g.Stage)
		rec.SetGate(g.ID, st)
		if err := d.bumpIfRequirement(rec, g); err != nil {
			return step{}, err
		}
		return step{halt: true, draft: &domain.Draft{
			Body:  fmt.Sprintf("Please confirm the %s: %s.", lower(g.DisplayName()), v),
			Topic: "confirm_" + g.ID,
			Stage: g.Stage,
			Gate:  g.ID,
		}}, nil
	}
	if st.AwaitingConfirmation() {
		if t.Decision.Action == domain.ActionConfirm && t.Decision.TargetGate == g.ID {
			d.verify(t, g, st)
			return step{line: fmt.Sprintf("%s confirmed: %s", g.DisplayName(), st.Canonical)}, nil
		}
		return step{halt: true, draft: &domain.Draft{
			Body:  fmt.Sprintf("Could you confirm the %s: %s?", lower(g.DisplayName()), st.Canonical),
			Topic: "confirm_" + g.ID,
			Stage: g.Stage,
			Gate:  g.ID,
		}}, nil
	}
	return step{halt: true, draft: d.prompt(t, g, "")}, nil
}

func (d *Dispatcher) advanceApproval(ctx context.Context, t *Turn, g gates.Gate) (step, error) {
	rec := t.Record
	if pendingFor(rec, g.ID) {
		return step{halt: true}, nil
	}
	for _, dep := range g.DependsOn {
		if !d.reg.IsVerified(rec, dep) {
			return step{}, fmt.Errorf("gate %s dispatched before dependency %s was verified", g.ID, dep)
		}
	}
	compose, ok := d.composers[g.Kind]
	if !ok {
		compose = d.composeGeneric
	}
	value, draft, err := compose(ctx, t, g)
	if err != nil {
		return step{}, err
	}
	st := rec.Gate(g.ID)
	if t.Operator && value == st.Rejected {
		// nothing new to offer until the client writes again
		return step{halt: true}, nil
	}
	st.Canonical = value
	st.Rejected = ""
	st.Source = fmt.Sprintf("stage %d", g.Stage)
	rec.SetGate(g.ID, st)
	draft.RequiresApproval = true
	draft.Stage = g.Stage
	draft.Gate = g.ID
	return step{halt: true, draft: &draft}, nil
}

func (d *Dispatcher) advanceDeposit(_ context.Context, t *Turn, g gates.Gate) (step, error) {
	rec := t.Record
	dep := &rec.Deposit
	if total := offerTotal(rec); dep.OfferTotal > 0 && dep.OfferTotal != total {
		d.rebaseDeposit(rec, g, total)
	}
	st := rec.Gate(g.ID)
	if dep.Settled() {
		st.Canonical = dep.Status
		d.verify(t, g, st)
		return step{line: fmt.Sprintf("%s: %s", g.DisplayName(), dep.Status)}, nil
	}
	if pendingFor(rec, g.ID) {
		return step{halt: true}, nil
	}
	if dep.Status == "" || dep.Status == domain.DepositNone {
		total := offerTotal(rec)
		dep.Status = domain.DepositRequested
		dep.OfferTotal = total
		dep.Amount = math.Max(d.catalog.DepositFor(total)-dep.Received, 0)
		dep.Currency = d.catalog.Currency()
		dep.RequestedAt = t.stamp()
		dep.DueDate = t.Now.AddDate(0, 0, d.dueDays).UTC().Format("2006-01-02")
		st.Canonical = dep.Status
		rec.SetGate(g.ID, st)
		if dep.Amount == 0 {
			dep.Status = domain.DepositWaived
			st.Canonical = dep.Status
			d.verify(t, g, st)
			return step{line: fmt.Sprintf("%s: %s", g.DisplayName(), dep.Status)}, nil
		}
		body := fmt.Sprintf("To secure the booking please transfer a deposit of %s %s by %s.", formatAmount(dep.Amount), dep.Currency, dep.DueDate)
		if dep.Received > 0 {
			body = fmt.Sprintf("The updated offer needs an additional deposit of %s %s by %s.", formatAmount(dep.Amount), dep.Currency, dep.DueDate)
		}
		return step{halt: true, draft: &domain.Draft{
			Body:  body,
			Topic: "deposit_request",
			Stage: g.Stage,
			Gate:  g.ID,
		}}, nil
	}
	if st.Captured == domain.DepositPaid {
		return step{halt: true, draft: &domain.Draft{
			Body:             fmt.Sprintf("Thank you, we will confirm the booking as soon as the deposit of %s %s has been received.", formatAmount(dep.Amount), dep.Currency),
			Topic:            "deposit_receipt",
			Stage:            g.Stage,
			Gate:             g.ID,
			RequiresApproval: true,
		}}, nil
	}
	return step{halt: true, draft: &domain.Draft{
		Body:  fmt.Sprintf("As a reminder, the deposit of %s %s is due by %s.", formatAmount(dep.Amount), dep.Currency, dep.DueDate),
		Topic: "deposit_reminder",
		Stage: g.Stage,
		Gate:  g.ID,
	}}, nil
}

// rebaseDeposit carries a deposit over to a re-priced offer. Payments that
// still cover the new amount stand; otherwise the shortfall is requested anew.
func (d *Dispatcher) rebaseDeposit(rec *domain.Record, g gates.Gate, total float64) {
	dep := &rec.Deposit
	received := dep.Received
	if dep.Status == domain.DepositPaid {
		received += dep.Amount
	}
	if dep.Status == domain.DepositWaived || received >= d.catalog.DepositFor(total) {
		dep.OfferTotal = total
		return
	}
	*dep = domain.DepositState{Status: domain.DepositNone, Received: received}
	rec.SetGate(g.ID, domain.GateState{})
}

// Accept runs the accept-value transition of a capture-mode gate.
func (d *Dispatcher) Accept(ctx context.Context, t *Turn, gateID string) (Acceptance, error) {
	g, ok := d.reg.Get(gateID)
	if !ok {
		return Acceptance{}, fmt.Errorf("unknown gate %s", gateID)
	}
	if g.Verify != config.VerifyCapture {
		return Acceptance{Reason: "gate is not accepted on capture"}, nil
	}
	if d.reg.IsVerified(t.Record, g.ID) {
		return Acceptance{Reason: "gate already verified"}, nil
	}
	if t.Record.Gate(g.ID).Captured == "" {
		return Acceptance{Reason: "no captured value"}, nil
	}
	return d.accept(ctx, t, g)
}

func (d *Dispatcher) accept(ctx context.Context, t *Turn, g gates.Gate) (Acceptance, error) {
	rec := t.Record
	st := rec.Gate(g.ID)
	value, problem, err := d.validate(ctx, t, g, st.Captured)
	if err != nil {
		return Acceptance{}, err
	}
	if problem != "" {
		return Acceptance{Reason: problem}, nil
	}
	st.Canonical = value
	d.verify(t, g, st)
	if err := d.bumpIfRequirement(rec, g); err != nil {
		return Acceptance{}, err
	}
	if g.Kind == KindRoom && rec.RoomHold != nil {
		rec.RoomHold.Fingerprint = rec.Requirements.Hash
	}
	return Acceptance{Accepted: true, Line: fmt.Sprintf("%s: %s", g.DisplayName(), value)}, nil
}

func (d *Dispatcher) verify(t *Turn, g gates.Gate, st domain.GateState) {
	st.Verified = true
	st.VerifiedAt = t.stamp()
	st.Source = fmt.Sprintf("stage %d", g.Stage)
	t.Record.SetGate(g.ID, st)
}

func (d *Dispatcher) bumpIfRequirement(rec *domain.Record, g gates.Gate) error {
	if !g.Requirement {
		return nil
	}
	return d.reg.BumpRequirements(rec)
}

func (d *Dispatcher) prompt(t *Turn, g gates.Gate, problem string) *domain.Draft {
	body := g.Prompt
	if body == "" {
		body = fmt.Sprintf("Could you let us know the %s?", lower(g.DisplayName()))
	}
	if problem != "" {
		body = problem + " " + body
	}
	return &domain.Draft{Body: body, Topic: "ask_" + g.ID, Stage: g.Stage, Gate: g.ID}
}

func pendingFor(rec *domain.Record, gateID string) bool {
	for _, m := range rec.PendingHIL {
		if m.Gate == gateID {
			return true
		}
	}
	return false
}
