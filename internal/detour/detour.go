// Package detour applies a change decision: it invalidates the changed gate
// and everything downstream of it and sends the conversation back to the
// owning stage with a recorded return point.
package detour

import (
	"fmt"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/metrics"
)

// SupersededNote is recorded on HIL tasks invalidated by a detour.
const SupersededNote = "superseded by client change"

// Result describes what a detour touched.
type Result struct {
	// DetourStage is the stage the record was moved to.
	DetourStage int
	// CallerStage is the stage to return to, 0 when the record did not move backwards.
	CallerStage int
	// Invalidated lists gates whose verification was cleared, in registry order.
	Invalidated []string
	// Superseded lists pending HIL task ids that no longer apply.
	Superseded []string
	// RoomReleased reports whether the cached room hold was dropped.
	RoomReleased bool
}

// Apply executes a change decision against rec. Only decisions with action
// change are accepted; the caller has already established the binding.
func Apply(rec *domain.Record, reg *gates.Registry, dec domain.Decision, now string) (Result, error) {
	if dec.Action != domain.ActionChange {
		return Result{}, fmt.Errorf("detour requires a change decision, got %s", dec.Action)
	}
	targets := append([]string{dec.TargetGate}, dec.Related...)
	affected := map[string]bool{}
	detourStage := 0
	for _, id := range targets {
		g, ok := reg.Get(id)
		if !ok {
			return Result{}, fmt.Errorf("change target %s is not a registered gate", id)
		}
		if detourStage == 0 || g.Stage < detourStage {
			detourStage = g.Stage
		}
		affected[id] = true
		for _, dep := range reg.Dependents(id) {
			affected[dep] = true
		}
	}

	res := Result{DetourStage: detourStage}
	for _, g := range reg.All() {
		if !affected[g.ID] {
			continue
		}
		st := rec.Gate(g.ID)
		if !st.Verified && st.Canonical == "" {
			continue
		}
		st.Verified = false
		st.VerifiedAt = ""
		if g.Verify == config.VerifyApproval {
			// derived values are recomputed by the owning stage
			st.Canonical = ""
		}
		rec.SetGate(g.ID, st)
		res.Invalidated = append(res.Invalidated, g.ID)
	}
	if rec.RoomHold != nil && affectsRoom(reg, affected) {
		rec.RoomHold = nil
		res.RoomReleased = true
	}

	for _, m := range rec.PendingHIL {
		if m.Gate != "" && affected[m.Gate] {
			res.Superseded = append(res.Superseded, m.TaskID)
		}
	}
	for _, id := range res.Superseded {
		rec.RemovePendingHIL(id)
	}

	if rec.Status == domain.StatusConfirmed {
		rec.Status = domain.StatusOpen
	}
	if rec.Stage > detourStage {
		if rec.CallerStage == 0 || rec.CallerStage < rec.Stage {
			rec.CallerStage = rec.Stage
		}
		rec.Stage = detourStage
	}
	res.CallerStage = rec.CallerStage

	if err := reg.BumpRequirements(rec); err != nil {
		return res, err
	}
	rec.History = append(rec.History, domain.HistoryEntry{
		Direction: domain.DirectionSystem,
		Preview:   fmt.Sprintf("detour to stage %d for %s", detourStage, dec.TargetGate),
		Topic:     "detour",
		Stage:     detourStage,
		At:        now,
	})
	rec.MarkDirty()
	metrics.DetoursTotal.WithLabelValues(dec.TargetGate).Inc()
	return res, nil
}

func affectsRoom(reg *gates.Registry, affected map[string]bool) bool {
	for _, g := range reg.All() {
		if g.Kind == "room" && affected[g.ID] {
			return true
		}
	}
	return false
}
