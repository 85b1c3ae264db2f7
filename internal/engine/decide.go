package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"venueline/internal/domain"
	"venueline/internal/events"
	"venueline/internal/hil"
	"venueline/internal/logging"
	"venueline/internal/repo"
	"venueline/internal/stages"
	"venueline/internal/store"
)

// DecisionResult is what an operator decision produced.
type DecisionResult struct {
	Task     domain.HILTask `json:"task"`
	NewStage int            `json:"new_stage"`
	Status   string         `json:"status"`
	// Reply is the approved message as sent, empty on rejection.
	Reply string `json:"reply,omitempty"`
	// FollowUp is the next message the router produced after the decision.
	FollowUp string          `json:"follow_up,omitempty"`
	NewTask  *domain.HILTask `json:"new_task,omitempty"`
}

// ListPending returns pending tasks of a tenant, oldest first.
func (e Engine) ListPending(ctx context.Context, tenant string) ([]domain.HILTask, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return st.Repo.ListTasks(ctx, repo.TaskFilters{Tenant: st.Tenant, Status: domain.TaskPending})
}

// Approve approves a pending task, optionally replacing the draft body, and
// re-enters the router so downstream stages see the decision.
func (e Engine) Approve(ctx context.Context, tenant, taskID, note, editedBody, actorID string) (DecisionResult, error) {
	return e.decide(ctx, tenant, taskID, actorID, hil.Decision{Approved: true, Note: note, EditedBody: editedBody})
}

// Reject rejects a pending task and re-enters the router.
func (e Engine) Reject(ctx context.Context, tenant, taskID, note, actorID string) (DecisionResult, error) {
	return e.decide(ctx, tenant, taskID, actorID, hil.Decision{Note: note})
}

func (e Engine) decide(ctx context.Context, tenant, taskID, actorID string, d hil.Decision) (DecisionResult, error) {
	st, err := e.Tenants.For(ctx, tenant)
	if err != nil {
		return DecisionResult{}, err
	}
	task, err := st.Repo.GetTask(ctx, taskID)
	if err != nil {
		return DecisionResult{}, err
	}
	// tasks are only visible through the tenant that owns them
	if task.Tenant != st.Tenant {
		return DecisionResult{}, fmt.Errorf("task %s: %w", taskID, repo.ErrNotFound)
	}
	if actorID == "" {
		actorID = "operator"
	}
	ctx = logging.WithBooking(logging.WithTenant(ctx, st.Tenant), task.BookingID)
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout())
	defer cancel()

	var res DecisionResult
	rec, err := st.Transaction(ctx, task.BookingID, func(ctx context.Context, tx *store.Tx) error {
		res = DecisionResult{}
		return e.applyDecision(ctx, st, tx, taskID, actorID, d, &res)
	})
	if err != nil {
		return DecisionResult{}, timeoutErr(err)
	}
	res.NewStage = rec.Stage
	res.Status = rec.Status
	return res, nil
}

func (e Engine) applyDecision(ctx context.Context, st *store.Store, tx *store.Tx, taskID, actorID string, d hil.Decision, res *DecisionResult) error {
	if tx.Created {
		return fmt.Errorf("task %s references a missing booking: %w", taskID, repo.ErrNotFound)
	}
	rec := tx.Record
	now := e.now()
	d.Now = domain.Timestamp(now)
	// reread under the lock; a concurrent decision or detour may have closed it
	task, err := st.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	out, err := e.Queue.Decide(rec, task, d)
	if err != nil {
		return err
	}
	res.Task = out.Task
	tx.PutTask(out.Task)
	evtType := events.TypeHILRejected
	if d.Approved {
		evtType = events.TypeHILApproved
	}
	tx.Emit(events.Pending{Type: evtType, EntityKind: "hil_task", EntityID: task.ID, ActorID: actorID,
		Payload: events.Payload{"action": task.Action, "gate": task.Gate, "note": d.Note}})
	e.logger().Info(ctx, "hil task decided", zap.String("task.id", task.ID), zap.Bool("approved", d.Approved))

	if out.Reply != nil {
		body, err := e.Verbalizer.Render(ctx, *out.Reply, e.tone())
		if err != nil {
			return fmt.Errorf("render approved reply: %w", err)
		}
		e.recordReply(tx, *out.Reply, body, events.TypeReplyApproved, actorID)
		res.Reply = body
	}
	if out.Verified != "" {
		gs := rec.Gate(out.Verified)
		tx.Emit(events.Pending{Type: events.TypeGateVerified, EntityKind: "gate", EntityID: out.Verified, ActorID: actorID,
			Payload: events.Payload{"value": gs.Canonical, "source": gs.Source}})
	}
	if out.Cancelled {
		tx.Emit(events.Pending{Type: events.TypeBookingCancelled, EntityKind: "booking", EntityID: rec.ID, ActorID: actorID})
		return nil
	}

	turn := &stages.Turn{
		Record:   rec,
		Decision: domain.Decision{Action: domain.ActionProceed, Reason: "hil decision"},
		Now:      now,
		Operator: true,
	}
	var tr TurnResult
	draft, err := e.route(ctx, tx, turn, actorID, &tr)
	if err != nil {
		return err
	}
	body, newTask, err := e.deliver(ctx, tx, draft, actorID)
	if err != nil {
		return err
	}
	res.FollowUp = body
	res.NewTask = newTask
	return nil
}
