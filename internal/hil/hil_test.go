package hil

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/stages"
)

const now = "2026-01-10T09:00:00Z"

func newQueue(t *testing.T) Queue {
	t.Helper()
	reg, err := gates.FromConfig(config.Default("t"))
	require.NoError(t, err)
	n := 0
	return Queue{Registry: reg, NewID: func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}}
}

func offerRecord() *domain.Record {
	rec := &domain.Record{ID: "b1", Tenant: "acme", Status: domain.StatusOpen, Stage: 4}
	for id, v := range map[string]string{"event_date": "2026-03-15", "participants": "20", "room": "Room B"} {
		rec.SetGate(id, domain.GateState{Captured: v, Canonical: v, Verified: true})
	}
	rec.SetGate("offer", domain.GateState{Canonical: "Room B on 2026-03-15 for 20 people: 1200.00 CHF"})
	return rec
}

func TestEnqueueRecordsMarker(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	task := q.Enqueue(rec, domain.Draft{Body: "offer", Topic: "offer", Stage: 4, Gate: "offer", RequiresApproval: true}, now)

	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, "acme", task.Tenant)
	assert.Equal(t, "b1", task.BookingID)
	assert.True(t, rec.HasPendingHIL(task.ID))
	assert.True(t, rec.PendingHILAt(4))
	assert.Equal(t, []domain.HILMarker{{TaskID: "task-1", Stage: 4, Gate: "offer", Action: "offer"}}, rec.PendingHIL)
}

func TestEnqueueAcceptsAnyStage(t *testing.T) {
	q := newQueue(t)
	rec := &domain.Record{ID: "b1", Stage: 2}
	task := q.Enqueue(rec, domain.Draft{Body: "review me", RequiresApproval: true}, now)
	assert.Equal(t, 2, task.Stage)
	assert.Equal(t, ActionDiagnostic, task.Action)
}

func TestApproveVerifiesGate(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	task := q.Enqueue(rec, domain.Draft{Body: "We are pleased to offer", Topic: "offer", Stage: 4, Gate: "offer", RequiresApproval: true}, now)

	out, err := q.Decide(rec, task, Decision{Approved: true, Note: "ok", Now: now})
	require.NoError(t, err)
	assert.Equal(t, "offer", out.Verified)
	assert.True(t, rec.Gate("offer").Verified)
	assert.Equal(t, SourceHIL, rec.Gate("offer").Source)
	assert.False(t, rec.HasPendingHIL(task.ID))
	assert.Equal(t, domain.TaskApproved, out.Task.Status)
	assert.Equal(t, now, out.Task.DecidedAt)
	require.NotNil(t, out.Reply)
	assert.False(t, out.Reply.RequiresApproval)
	assert.Equal(t, "We are pleased to offer", out.Reply.Body)
}

func TestApproveWithEditedBody(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	task := q.Enqueue(rec, domain.Draft{Body: "draft", Topic: "offer", Stage: 4, Gate: "offer"}, now)
	out, err := q.Decide(rec, task, Decision{Approved: true, EditedBody: "  edited  ", Now: now})
	require.NoError(t, err)
	assert.Equal(t, "edited", out.Reply.Body)
}

func TestRejectClearsDerivedValue(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	task := q.Enqueue(rec, domain.Draft{Body: "draft", Topic: "offer", Stage: 4, Gate: "offer"}, now)
	out, err := q.Decide(rec, task, Decision{Note: "wrong price", Now: now})
	require.NoError(t, err)
	assert.Nil(t, out.Reply)
	assert.Equal(t, domain.TaskRejected, out.Task.Status)
	assert.Equal(t, "wrong price", out.Task.Note)
	assert.False(t, rec.Gate("offer").Verified)
	assert.Empty(t, rec.Gate("offer").Canonical)
	assert.Equal(t, "Room B on 2026-03-15 for 20 people: 1200.00 CHF", rec.Gate("offer").Rejected)
	assert.Empty(t, rec.PendingHIL)
}

func TestDepositDecisions(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	rec.Deposit = domain.DepositState{Status: domain.DepositRequested, Amount: 360, Currency: "CHF"}
	rec.SetGate("deposit", domain.GateState{Captured: domain.DepositPaid, Canonical: domain.DepositRequested})

	task := q.Enqueue(rec, domain.Draft{Topic: "deposit_receipt", Stage: 6, Gate: "deposit"}, now)
	_, err := q.Decide(rec, task, Decision{Now: now})
	require.NoError(t, err)
	assert.Empty(t, rec.Gate("deposit").Captured)
	assert.Equal(t, domain.DepositRequested, rec.Deposit.Status)

	rec.SetGate("deposit", domain.GateState{Captured: domain.DepositPaid, Canonical: domain.DepositRequested})
	task = q.Enqueue(rec, domain.Draft{Topic: "deposit_receipt", Stage: 6, Gate: "deposit"}, now)
	out, err := q.Decide(rec, task, Decision{Approved: true, Now: now})
	require.NoError(t, err)
	assert.Equal(t, "deposit", out.Verified)
	assert.Equal(t, domain.DepositPaid, rec.Deposit.Status)
	assert.Equal(t, now, rec.Deposit.PaidAt)
	assert.True(t, rec.Deposit.Settled())
}

func TestCancellationDecisions(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	require.True(t, stages.StartCancellation(rec, "plans changed", now))
	task := q.Enqueue(rec, domain.Draft{Topic: stages.ActionCancel, Stage: 4, RequiresApproval: true}, now)
	_, err := q.Decide(rec, task, Decision{Now: now})
	require.NoError(t, err)
	assert.Nil(t, rec.Override)
	assert.Equal(t, domain.StatusOpen, rec.Status)

	require.True(t, stages.StartCancellation(rec, "really", now))
	rec.RoomHold = &domain.RoomHold{Room: "Room B"}
	task = q.Enqueue(rec, domain.Draft{Topic: stages.ActionCancel, Stage: 4, RequiresApproval: true}, now)
	out, err := q.Decide(rec, task, Decision{Approved: true, Now: now})
	require.NoError(t, err)
	assert.True(t, out.Cancelled)
	assert.Equal(t, domain.StatusCancelled, rec.Status)
	assert.Nil(t, rec.Override)
	assert.Nil(t, rec.RoomHold)
}

func TestDecideTwiceIsNotPending(t *testing.T) {
	q := newQueue(t)
	rec := offerRecord()
	task := q.Enqueue(rec, domain.Draft{Topic: "offer", Stage: 4, Gate: "offer"}, now)
	out, err := q.Decide(rec, task, Decision{Approved: true, Now: now})
	require.NoError(t, err)

	_, err = q.Decide(rec, out.Task, Decision{Approved: true, Now: now})
	assert.True(t, errors.Is(err, ErrNotPending))
	// a pending row whose marker was dropped is stale too
	_, err = q.Decide(rec, task, Decision{Approved: true, Now: now})
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestSupersede(t *testing.T) {
	task := Supersede(domain.HILTask{ID: "t1", Status: domain.TaskPending}, "superseded by client change", now)
	assert.Equal(t, domain.TaskRejected, task.Status)
	assert.Equal(t, "superseded by client change", task.Note)
	assert.Equal(t, now, task.DecidedAt)
}
