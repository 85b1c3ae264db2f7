// Package arbiter resolves raw signals plus gate state into the single
// Decision every stage consumes. Dropping a message is the last resort.
package arbiter

import (
	"sort"

	"venueline/internal/capture"
	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
)

// Reasons attached to decisions.
const (
	ReasonOverride        = "hard override active"
	ReasonConfirmPending  = "confirmation of the gate awaiting confirmation"
	ReasonAmbiguousTarget = "ambiguous target"
	ReasonAlreadyVerified = "gate already verified with the same value"
	ReasonSettledFacts    = "confirmation of already settled facts"
	ReasonRestated        = "restated verified facts"
	ReasonRevision        = "bound revision of a verified gate"
	ReasonActionable      = "actionable content"
	ReasonNoContent       = "no actionable or capturable content"
	ReasonUnresolved      = "signal could not be resolved"
)

// Input is everything arbitration looks at.
type Input struct {
	Signals  domain.Signals
	Record   *domain.Record
	Registry *gates.Registry
	Captured capture.Result
}

// Arbitrate applies the priority rules in order; the first match wins.
func Arbitrate(in Input) domain.Decision {
	rec, reg, sig := in.Record, in.Registry, in.Signals

	if rec.Override != nil {
		return domain.Decision{Action: domain.ActionOverride, Reason: ReasonOverride + ": " + rec.Override.Kind}
	}

	referenced := referencedGates(sig, reg)

	if sig.IsConfirmation {
		awaiting := awaitingGates(rec, reg)
		var hits []string
		if len(referenced) == 0 {
			hits = awaiting
		} else {
			for _, id := range referenced {
				if contains(awaiting, id) && entityValue(sig, reg, id) == rec.Gate(id).Canonical {
					hits = append(hits, id)
				}
			}
		}
		switch {
		case len(hits) == 1:
			return domain.Decision{Action: domain.ActionConfirm, TargetGate: hits[0], Reason: ReasonConfirmPending}
		case len(hits) > 1:
			return domain.Decision{Action: domain.ActionClarify, Related: hits, Reason: ReasonAmbiguousTarget}
		}
		for _, id := range referenced {
			if reg.IsVerified(rec, id) && entityValue(sig, reg, id) == reg.Compute(rec, id) {
				return domain.Decision{Action: domain.ActionNoop, TargetGate: id, Reason: ReasonAlreadyVerified}
			}
		}
		if len(referenced) == 0 && !in.Captured.Any() && !sig.IsChangeRequest && !sig.IsQuestion && anyVerified(rec, reg) {
			return domain.Decision{Action: domain.ActionNoop, Reason: ReasonSettledFacts}
		}
	}

	if sig.IsChangeRequest {
		var changed []string
		for _, key := range sig.ChangeTargets {
			g, ok := reg.ForEntity(key)
			if !ok || !reg.IsVerified(rec, g.ID) {
				continue
			}
			if v := sig.Entities[key]; v != "" && v != reg.Compute(rec, g.ID) && !contains(changed, g.ID) {
				changed = append(changed, g.ID)
			}
		}
		if len(changed) > 0 {
			sortByStage(changed, reg)
			return domain.Decision{Action: domain.ActionChange, TargetGate: changed[0], Related: changed[1:], Reason: ReasonRevision}
		}
	}

	if len(referenced) > 0 && !in.Captured.Any() && !sig.IsQuestion && allVerifiedSame(referenced, sig, rec, reg) {
		return domain.Decision{Action: domain.ActionNoop, TargetGate: referenced[0], Reason: ReasonRestated}
	}

	if in.Captured.Any() || len(referenced) > 0 || sig.IsQuestion {
		return domain.Decision{Action: domain.ActionProceed, Reason: ReasonActionable}
	}

	if !sig.Fallback && !sig.IsConfirmation && !sig.IsChangeRequest && sig.Intent != "cancel" {
		return domain.Decision{Action: domain.ActionIgnore, Reason: ReasonNoContent}
	}
	return domain.Decision{Action: domain.ActionClarify, Reason: ReasonUnresolved}
}

func referencedGates(sig domain.Signals, reg *gates.Registry) []string {
	var out []string
	for key, v := range sig.Entities {
		if v == "" {
			continue
		}
		if g, ok := reg.ForEntity(key); ok && !contains(out, g.ID) {
			out = append(out, g.ID)
		}
	}
	sortByStage(out, reg)
	return out
}

// awaitingGates returns confirm-mode gates with a promoted value the client has not confirmed.
func awaitingGates(rec *domain.Record, reg *gates.Registry) []string {
	var out []string
	for _, g := range reg.All() {
		if g.Verify == config.VerifyConfirm && rec.Gate(g.ID).AwaitingConfirmation() {
			out = append(out, g.ID)
		}
	}
	return out
}

func entityValue(sig domain.Signals, reg *gates.Registry, gateID string) string {
	g, ok := reg.Get(gateID)
	if !ok {
		return ""
	}
	for _, key := range g.Entities {
		if v, ok := sig.Entities[key]; ok && v != "" {
			return v
		}
	}
	return ""
}

// anyVerified reports whether there is a settled fact a bare confirmation could refer to.
func anyVerified(rec *domain.Record, reg *gates.Registry) bool {
	for _, g := range reg.All() {
		if reg.IsVerified(rec, g.ID) {
			return true
		}
	}
	return false
}

func allVerifiedSame(ids []string, sig domain.Signals, rec *domain.Record, reg *gates.Registry) bool {
	for _, id := range ids {
		if !reg.IsVerified(rec, id) || entityValue(sig, reg, id) != reg.Compute(rec, id) {
			return false
		}
	}
	return true
}

func sortByStage(ids []string, reg *gates.Registry) {
	order := map[string]int{}
	for i, g := range reg.All() {
		order[g.ID] = i
	}
	sort.SliceStable(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
