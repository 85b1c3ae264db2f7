package guard

import (
	"encoding/json"
	"testing"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
)

func TestRequiredStage(t *testing.T) {
	reg, err := gates.FromConfig(config.Default("t"))
	if err != nil {
		t.Fatal(err)
	}
	rec := &domain.Record{Stage: 1}
	if stage, ok := RequiredStage(rec, reg); !ok || stage != 1 {
		t.Fatalf("empty record should require stage 1, got %d %v", stage, ok)
	}
	for _, id := range []string{"event_date", "participants", "room"} {
		rec.SetGate(id, domain.GateState{Canonical: "x", Verified: true})
	}
	if stage, _ := RequiredStage(rec, reg); stage != 4 {
		t.Fatalf("stage = %d, want 4", stage)
	}
	rec.SetGate("participants", domain.GateState{Canonical: "x"})
	if stage, _ := RequiredStage(rec, reg); stage != 2 {
		t.Fatalf("unverified participants should pull back to stage 2, got %d", stage)
	}
}

func TestRequiredStageAllVerified(t *testing.T) {
	reg, _ := gates.FromConfig(config.Default("t"))
	rec := &domain.Record{Deposit: domain.DepositState{Status: domain.DepositPaid}}
	for _, g := range reg.All() {
		rec.SetGate(g.ID, domain.GateState{Canonical: "x", Verified: true})
	}
	if _, ok := RequiredStage(rec, reg); ok {
		t.Fatalf("fully verified record should have no required stage")
	}
}

func TestRequiredStageHasNoSideEffects(t *testing.T) {
	reg, _ := gates.FromConfig(config.Default("t"))
	rec := &domain.Record{Stage: 3}
	rec.SetGate("event_date", domain.GateState{Captured: "2026-03-15"})
	rec.ClearDirty()
	before, _ := json.Marshal(rec)
	RequiredStage(rec, reg)
	RequiredStage(rec, reg)
	after, _ := json.Marshal(rec)
	if string(before) != string(after) || rec.Dirty() {
		t.Fatalf("guard evaluation mutated the record")
	}
}
