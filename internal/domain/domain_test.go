package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingHILMarkers(t *testing.T) {
	var r Record
	assert.False(t, r.Dirty())
	r.AddPendingHIL(HILMarker{TaskID: "t1", Stage: 4, Action: "offer"})
	r.AddPendingHIL(HILMarker{TaskID: "t2", Stage: 6})
	assert.True(t, r.Dirty())
	assert.True(t, r.HasPendingHIL("t1"))
	assert.True(t, r.PendingHILAt(6))

	r.ClearDirty()
	r.RemovePendingHIL("t1")
	assert.True(t, r.Dirty())
	assert.False(t, r.HasPendingHIL("t1"))
	assert.False(t, r.PendingHILAt(4))
	assert.Len(t, r.PendingHIL, 1)
}

func TestGateAndMessageHelpers(t *testing.T) {
	var r Record
	assert.Equal(t, GateState{}, r.Gate("event_date"))
	r.SetGate("event_date", GateState{Canonical: "2026-03-15"})
	assert.True(t, r.Gate("event_date").AwaitingConfirmation())

	r.History = append(r.History, HistoryEntry{MessageID: "m1"})
	assert.True(t, r.HasMessage("m1"))
	assert.False(t, r.HasMessage(""))

	assert.True(t, DepositState{Status: DepositWaived}.Settled())
	assert.False(t, DepositState{Status: DepositRequested}.Settled())
}
