package router

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"venueline/internal/arbiter"
	"venueline/internal/capture"
	"venueline/internal/detour"
	"venueline/internal/domain"
	"venueline/internal/signals"
)

// entityPool holds values that exercise valid, invalid and detour-inducing input.
var entityPool = map[string][]string{
	signals.EntityEventDate:     {"2026-03-15", "2026-04-20", "2025-01-01", "soon"},
	signals.EntityParticipants:  {"20", "30", "200", "0"},
	signals.EntityRoom:          {"Room A", "Room B", "Room C", "Room Z"},
	signals.EntityBilling:       {"Acme AG", "Beta GmbH"},
	signals.EntityDepositStatus: {domain.DepositPaid},
}

var entityKeys = []string{
	signals.EntityEventDate,
	signals.EntityParticipants,
	signals.EntityRoom,
	signals.EntityBilling,
	signals.EntityDepositStatus,
}

// randomSignals builds a signal from a choice vector so the same helper
// serves math/rand and gopter generators.
func randomSignals(choices []int) domain.Signals {
	sig := domain.Signals{Entities: map[string]string{}}
	for i, key := range entityKeys {
		if i >= len(choices) || choices[i] < 0 {
			continue
		}
		pool := entityPool[key]
		sig.Entities[key] = pool[choices[i]%len(pool)]
	}
	if len(choices) > len(entityKeys) {
		flags := choices[len(entityKeys)]
		sig.IsChangeRequest = flags&1 != 0
		sig.IsConfirmation = flags&2 != 0
		sig.IsQuestion = flags&4 != 0
		if sig.IsChangeRequest {
			for key := range sig.Entities {
				sig.ChangeTargets = append(sig.ChangeTargets, key)
			}
		}
	}
	return sig
}

// simulateTurn runs one message through capture, arbitration, detour and the
// router, then lets an operator approve any pending task when approve is set.
func simulateTurn(t *testing.T, r Router, rec *domain.Record, sig domain.Signals, approve bool) (Outcome, error) {
	t.Helper()
	ctx := context.Background()
	captured := capture.Capture(rec, r.Registry, sig.Entities, "sim", "now")
	dec := arbiter.Arbitrate(arbiter.Input{Signals: sig, Record: rec, Registry: r.Registry, Captured: captured})
	if dec.Action == domain.ActionChange {
		if _, err := detour.Apply(rec, r.Registry, dec, "now"); err != nil {
			return Outcome{}, err
		}
	}
	out, err := r.Run(ctx, turn(rec, dec))
	if err != nil {
		return out, err
	}
	if out.Draft != nil && out.Draft.RequiresApproval && out.Draft.Gate != "" {
		rec.AddPendingHIL(domain.HILMarker{TaskID: rec.ThreadKey + out.Draft.Gate, Stage: out.Draft.Stage, Gate: out.Draft.Gate})
	}
	if approve && len(rec.PendingHIL) > 0 {
		m := rec.PendingHIL[0]
		rec.RemovePendingHIL(m.TaskID)
		st := rec.Gate(m.Gate)
		st.Verified = true
		rec.SetGate(m.Gate, st)
		if g, ok := r.Registry.Get(m.Gate); ok && g.Kind == "deposit" {
			rec.Deposit.Status = domain.DepositPaid
		}
		return r.Run(ctx, turn(rec, domain.Decision{Action: domain.ActionProceed}))
	}
	return out, nil
}

func TestRouterTerminatesOnRandomConversations(t *testing.T) {
	r, _ := newRouter(t)
	rnd := rand.New(rand.NewSource(42))
	for conv := 0; conv < 200; conv++ {
		rec := &domain.Record{Stage: 1, Status: domain.StatusOpen}
		for msg := 0; msg < 12; msg++ {
			choices := make([]int, len(entityKeys)+1)
			for i := range entityKeys {
				choices[i] = rnd.Intn(6) - 2
			}
			choices[len(entityKeys)] = rnd.Intn(8)
			out, err := simulateTurn(t, r, rec, randomSignals(choices), rnd.Intn(2) == 0)
			require.NoError(t, err, "conversation %d message %d", conv, msg)
			require.LessOrEqual(t, out.Iterations, r.MaxIterations)
			require.GreaterOrEqual(t, rec.Stage, domain.FirstStage)
			require.LessOrEqual(t, rec.Stage, domain.LastStage)
		}
	}
}
