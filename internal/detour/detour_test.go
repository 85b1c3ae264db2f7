package detour

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/arbiter"
	"venueline/internal/capture"
	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/normalize"
	"venueline/internal/signals"
)

func verifiedThroughDeposit(t *testing.T) (*gates.Registry, *domain.Record) {
	t.Helper()
	reg, err := gates.FromConfig(config.Default("t"))
	require.NoError(t, err)
	rec := &domain.Record{Stage: 7, Deposit: domain.DepositState{Status: domain.DepositPaid}}
	for id, v := range map[string]string{
		"event_date":   "2026-03-15",
		"participants": "20",
		"room":         "Room B",
		"offer":        "Room B on 2026-03-15",
		"billing":      "Acme AG",
		"deposit":      domain.DepositPaid,
	} {
		rec.SetGate(id, domain.GateState{Captured: v, Canonical: v, Verified: true})
	}
	rec.RoomHold = &domain.RoomHold{Room: "Room B", Date: "2026-03-15"}
	rec.AddPendingHIL(domain.HILMarker{TaskID: "task-final", Stage: 7, Gate: "final_confirmation"})
	require.NoError(t, reg.BumpRequirements(rec))
	return reg, rec
}

func TestDateChangeCascades(t *testing.T) {
	reg, rec := verifiedThroughDeposit(t)
	rev := rec.Requirements.Rev

	res, err := Apply(rec, reg, domain.Decision{Action: domain.ActionChange, TargetGate: "event_date"}, "now")
	require.NoError(t, err)

	assert.Equal(t, 1, res.DetourStage)
	assert.Equal(t, 1, rec.Stage)
	assert.Equal(t, 7, rec.CallerStage)
	assert.Equal(t, []string{"event_date", "room", "offer", "deposit"}, res.Invalidated)
	for _, id := range res.Invalidated {
		assert.False(t, rec.Gate(id).Verified, id)
	}
	assert.True(t, rec.Gate("participants").Verified, "unrelated gate must stay verified")
	assert.True(t, rec.Gate("billing").Verified, "unrelated gate must stay verified")
	assert.Empty(t, rec.Gate("offer").Canonical)
	assert.Equal(t, "Room B", rec.Gate("room").Canonical)
	assert.True(t, res.RoomReleased)
	assert.Nil(t, rec.RoomHold)
	assert.Equal(t, []string{"task-final"}, res.Superseded)
	assert.Empty(t, rec.PendingHIL)
	assert.Equal(t, rev+1, rec.Requirements.Rev)
	assert.True(t, rec.Dirty())
}

func TestBillingChangeLeavesRequirementsChainAlone(t *testing.T) {
	reg, rec := verifiedThroughDeposit(t)
	res, err := Apply(rec, reg, domain.Decision{Action: domain.ActionChange, TargetGate: "billing"}, "now")
	require.NoError(t, err)

	assert.Equal(t, 5, rec.Stage)
	assert.Equal(t, []string{"billing", "final_confirmation"}, res.Invalidated)
	assert.True(t, rec.Gate("room").Verified)
	assert.NotNil(t, rec.RoomHold)
	assert.False(t, res.RoomReleased)
}

func TestNestedDetourKeepsOutermostReturnPoint(t *testing.T) {
	reg, rec := verifiedThroughDeposit(t)
	_, err := Apply(rec, reg, domain.Decision{Action: domain.ActionChange, TargetGate: "room"}, "now")
	require.NoError(t, err)
	require.Equal(t, 3, rec.Stage)
	_, err = Apply(rec, reg, domain.Decision{Action: domain.ActionChange, TargetGate: "event_date"}, "now")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Stage)
	assert.Equal(t, 7, rec.CallerStage)
}

func TestApplyRejectsNonChange(t *testing.T) {
	reg, rec := verifiedThroughDeposit(t)
	_, err := Apply(rec, reg, domain.Decision{Action: domain.ActionNoop}, "now")
	assert.Error(t, err)
	_, err = Apply(rec, reg, domain.Decision{Action: domain.ActionChange, TargetGate: "nope"}, "now")
	assert.Error(t, err)
}

func TestQuotedOrUnboundValuesNeverDetour(t *testing.T) {
	cases := map[string]string{
		"quoted history": "Thanks, all good.\n\nOn Mon, 2 Mar 2026, Anna wrote:\n> Could we change the date to 2026-04-20 instead?\n",
		"payment date":   "We paid the deposit on 2026-03-01, actually.",
		"forwarded":      "See below.\n\n---------- Forwarded message ----------\nChange the date to 2026-05-01 instead.",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			reg, rec := verifiedThroughDeposit(t)
			ex := signals.NewHeuristic(reg, []string{"Room A", "Room B", "Room C"})
			sig, err := ex.Detect(context.Background(), normalize.Normalize(raw), signals.ContextFor(rec, reg))
			require.NoError(t, err)
			res := capture.Capture(rec, reg, sig.Entities, "turn", "now")
			d := arbiter.Arbitrate(arbiter.Input{Signals: sig, Record: rec, Registry: reg, Captured: res})
			assert.NotEqual(t, domain.ActionChange, d.Action)
			assert.Equal(t, "2026-03-15", rec.Gate("event_date").Canonical)
			assert.True(t, rec.Gate("event_date").Verified)
		})
	}
}
