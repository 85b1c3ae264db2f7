package shortcut

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/catalog"
	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/stages"
)

func setup(t *testing.T) (*gates.Registry, *stages.Dispatcher) {
	t.Helper()
	cfg := config.Default("t")
	reg, err := gates.FromConfig(cfg)
	require.NoError(t, err)
	d, err := stages.NewDispatcher(stages.Options{Registry: reg, Catalog: catalog.FromConfig(cfg)})
	require.NoError(t, err)
	return reg, d
}

func capture(rec *domain.Record, values map[string]string) {
	for id, v := range values {
		rec.SetGate(id, domain.GateState{Captured: v})
	}
}

func TestPlanAndExecuteConsecutiveStages(t *testing.T) {
	reg, d := setup(t)
	rec := &domain.Record{Stage: 1}
	capture(rec, map[string]string{
		"event_date":   "2026-03-15",
		"participants": "20",
		"room":         "Room B",
		"billing":      "Acme AG",
	})

	steps := Plan(rec, reg)
	want := []Step{{1, "event_date"}, {2, "participants"}, {3, "room"}}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
	require.True(t, Worthwhile(steps))

	out, err := Execute(context.Background(), &stages.Turn{Record: rec, Now: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)}, d, steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"event_date", "participants", "room"}, out.Accepted)
	assert.Equal(t, []string{"Date: 2026-03-15", "Participants: 20", "Room: Room B"}, out.Lines)
	assert.False(t, rec.Gate("billing").Verified)
	assert.Empty(t, rec.Gate("billing").Canonical)
}

func TestPlanSkipsVerifiedAndStopsAtGap(t *testing.T) {
	reg, _ := setup(t)
	rec := &domain.Record{}
	rec.SetGate("event_date", domain.GateState{Captured: "2026-03-15", Canonical: "2026-03-15", Verified: true})
	capture(rec, map[string]string{"participants": "20"})

	steps := Plan(rec, reg)
	assert.Equal(t, []Step{{2, "participants"}}, steps)
	assert.False(t, Worthwhile(steps))
}

func TestPlanStopsAtPendingHIL(t *testing.T) {
	reg, _ := setup(t)
	rec := &domain.Record{}
	capture(rec, map[string]string{"event_date": "2026-03-15", "participants": "20"})
	rec.AddPendingHIL(domain.HILMarker{TaskID: "x", Stage: 2})

	assert.Equal(t, []Step{{1, "event_date"}}, Plan(rec, reg))
}

func TestExecuteStopsOnRefusal(t *testing.T) {
	reg, d := setup(t)
	rec := &domain.Record{}
	capture(rec, map[string]string{"event_date": "2026-03-15", "participants": "many", "room": "Room B"})

	steps := Plan(rec, reg)
	require.Len(t, steps, 3)
	out, err := Execute(context.Background(), &stages.Turn{Record: rec, Now: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)}, d, steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"event_date"}, out.Accepted)
	assert.Equal(t, "participants", out.StoppedAt)
	assert.False(t, rec.Gate("room").Verified)
}
