// Package hil manages the human-in-the-loop review queue. Tasks live in the
// tenant store; the record carries one marker per pending task so routing can
// see what is waiting without reading the task table.
package hil

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/metrics"
	"venueline/internal/stages"
)

// ErrNotPending is returned when deciding a task that was already decided or superseded.
var ErrNotPending = errors.New("hil task is not pending")

// ActionDiagnostic is raised for replies that need a human because the router gave up.
const ActionDiagnostic = "diagnostic"

// SourceHIL is recorded on gates verified by an operator decision.
const SourceHIL = "hil"

type Queue struct {
	Registry *gates.Registry
	NewID    func() string
}

func (q Queue) newID() string {
	if q.NewID == nil {
		return uuid.NewString()
	}
	return q.NewID()
}

// Enqueue creates a pending task for draft and records its marker on rec. Any
// stage may raise a task.
func (q Queue) Enqueue(rec *domain.Record, draft domain.Draft, now string) domain.HILTask {
	action := draft.Topic
	if action == "" {
		action = ActionDiagnostic
	}
	stage := draft.Stage
	if stage == 0 {
		stage = rec.Stage
	}
	task := domain.HILTask{
		ID:        q.newID(),
		Tenant:    rec.Tenant,
		BookingID: rec.ID,
		Stage:     stage,
		Gate:      draft.Gate,
		Action:    action,
		Draft:     draft,
		Status:    domain.TaskPending,
		CreatedAt: now,
	}
	rec.AddPendingHIL(domain.HILMarker{TaskID: task.ID, Stage: stage, Gate: draft.Gate, Action: action})
	metrics.HILTasksTotal.WithLabelValues(domain.TaskPending).Inc()
	return task
}

// Decision is an operator verdict on one task.
type Decision struct {
	Approved   bool
	EditedBody string
	Note       string
	Now        string
}

// Outcome is what a decision changed.
type Outcome struct {
	Task domain.HILTask
	// Reply is the approved outbound message, nil on rejection.
	Reply *domain.Draft
	// Verified names the gate verified by the approval, if any.
	Verified  string
	Cancelled bool
}

// Decide applies an operator decision to rec. The task must still have a
// marker on the record; a task whose marker was dropped by a detour is stale.
func (q Queue) Decide(rec *domain.Record, task domain.HILTask, d Decision) (Outcome, error) {
	if task.Status != domain.TaskPending || !rec.HasPendingHIL(task.ID) {
		return Outcome{}, fmt.Errorf("%w: task %s (status=%s)", ErrNotPending, task.ID, task.Status)
	}
	var out Outcome
	var err error
	if d.Approved {
		out, err = q.approve(rec, task, d)
	} else {
		out, err = q.reject(rec, task)
	}
	if err != nil {
		return Outcome{}, err
	}
	rec.RemovePendingHIL(task.ID)
	task.DecidedAt = d.Now
	task.Note = d.Note
	if d.Approved {
		task.Status = domain.TaskApproved
	} else {
		task.Status = domain.TaskRejected
	}
	out.Task = task
	metrics.HILTasksTotal.WithLabelValues(task.Status).Inc()
	return out, nil
}

func (q Queue) approve(rec *domain.Record, task domain.HILTask, d Decision) (Outcome, error) {
	var out Outcome
	reply := task.Draft
	reply.RequiresApproval = false
	if body := strings.TrimSpace(d.EditedBody); body != "" {
		reply.Body = body
	}
	out.Reply = &reply

	if task.Action == stages.ActionCancel {
		rec.Status = domain.StatusCancelled
		rec.Override = nil
		rec.RoomHold = nil
		rec.MarkDirty()
		out.Cancelled = true
		return out, nil
	}
	if task.Gate == "" {
		return out, nil
	}
	g, ok := q.Registry.Get(task.Gate)
	if !ok {
		return Outcome{}, fmt.Errorf("task %s targets unknown gate %s", task.ID, task.Gate)
	}
	st := rec.Gate(g.ID)
	if g.Verify == config.VerifyDeposit {
		rec.Deposit.Status = domain.DepositPaid
		rec.Deposit.PaidAt = d.Now
		st.Canonical = domain.DepositPaid
	}
	if st.Canonical == "" {
		return Outcome{}, fmt.Errorf("task %s approves gate %s with no value", task.ID, g.ID)
	}
	st.Verified = true
	st.VerifiedAt = d.Now
	st.Source = SourceHIL
	rec.SetGate(g.ID, st)
	if g.Requirement {
		if err := q.Registry.BumpRequirements(rec); err != nil {
			return Outcome{}, err
		}
	}
	out.Verified = g.ID
	return out, nil
}

func (q Queue) reject(rec *domain.Record, task domain.HILTask) (Outcome, error) {
	if task.Action == stages.ActionCancel {
		rec.Override = nil
		rec.MarkDirty()
		return Outcome{}, nil
	}
	if task.Gate == "" {
		return Outcome{}, nil
	}
	g, ok := q.Registry.Get(task.Gate)
	if !ok {
		return Outcome{}, fmt.Errorf("task %s targets unknown gate %s", task.ID, task.Gate)
	}
	st := rec.Gate(g.ID)
	switch g.Verify {
	case config.VerifyDeposit:
		// the payment claim was not confirmed; the stage reminds the client again
		st.Captured = ""
	case config.VerifyApproval:
		st.Rejected = st.Canonical
		st.Canonical = ""
	}
	rec.SetGate(g.ID, st)
	return Outcome{}, nil
}

// Supersede closes a task whose marker was removed by a detour.
func Supersede(task domain.HILTask, note, now string) domain.HILTask {
	task.Status = domain.TaskRejected
	task.Note = note
	task.DecidedAt = now
	metrics.HILTasksTotal.WithLabelValues("superseded").Inc()
	return task
}
