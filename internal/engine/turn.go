package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"venueline/internal/arbiter"
	"venueline/internal/capture"
	"venueline/internal/detour"
	"venueline/internal/domain"
	"venueline/internal/events"
	"venueline/internal/hil"
	"venueline/internal/logging"
	"venueline/internal/metrics"
	"venueline/internal/normalize"
	"venueline/internal/router"
	"venueline/internal/session"
	"venueline/internal/signals"
	"venueline/internal/stages"
	"venueline/internal/store"
)

// TurnResult is what one inbound message produced.
type TurnResult struct {
	BookingID string          `json:"booking_id"`
	Tenant    string          `json:"tenant"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Decision  domain.Decision `json:"decision"`
	Stage     int             `json:"stage"`
	Status    string          `json:"status"`
	// Reply is the rendered message sent to the client, empty when the draft is held for review.
	Reply        string          `json:"reply,omitempty"`
	Draft        *domain.Draft   `json:"draft,omitempty"`
	Task         *domain.HILTask `json:"task,omitempty"`
	Iterations   int             `json:"iterations"`
	Shortcut     []string        `json:"shortcut,omitempty"`
	LoopExceeded bool            `json:"loop_exceeded,omitempty"`

	intent string
}

const (
	clarifyBody   = "Could you clarify what you would like us to do? We want to make sure we get your booking right."
	questionBody  = "Thank you for your question. A member of our team will get back to you shortly."
	cancelledBody = "This booking has been cancelled. Please send us a new request if you would like to book again."
)

// ProcessMessage runs one turn for msg. The extractor call, routing and HIL
// enqueue all happen under the record lock; the record is written once.
func (e Engine) ProcessMessage(ctx context.Context, msg domain.InboundMessage) (TurnResult, error) {
	if strings.TrimSpace(msg.ThreadID) == "" {
		return TurnResult{}, ErrMissingThread
	}
	st, err := e.Tenants.For(ctx, msg.TenantKey)
	if err != nil {
		return TurnResult{}, err
	}
	ctx = logging.WithThread(logging.WithTenant(ctx, st.Tenant), msg.ThreadID)

	bookingID := BookingID(st.Tenant, msg.ThreadID)
	var lastIntent string
	if sess, err := e.Sessions.Get(ctx, st.Tenant, msg.ThreadID); err == nil {
		if sess.BookingID != "" {
			bookingID = sess.BookingID
		}
		lastIntent = sess.LastIntent
	} else if !errors.Is(err, session.ErrNotFound) {
		e.logger().Warn(ctx, "session lookup failed", zap.Error(err))
	}
	ctx = logging.WithBooking(ctx, bookingID)

	turnCtx, cancel := context.WithTimeout(ctx, e.turnTimeout())
	defer cancel()

	var res TurnResult
	rec, err := st.Transaction(turnCtx, bookingID, func(ctx context.Context, tx *store.Tx) error {
		res = TurnResult{BookingID: bookingID, Tenant: st.Tenant}
		return e.turn(ctx, st, tx, msg, lastIntent, &res)
	})
	if err != nil {
		err = timeoutErr(err)
		outcome := "error"
		if errors.Is(err, ErrTurnTimeout) {
			outcome = "timeout"
		}
		metrics.TurnsTotal.WithLabelValues(outcome).Inc()
		e.logger().Error(ctx, "turn failed", zap.Error(err), zap.Bool("retryable", IsRetryable(err)))
		return TurnResult{}, err
	}
	res.Stage = rec.Stage
	res.Status = rec.Status
	if res.Duplicate {
		metrics.TurnsTotal.WithLabelValues("duplicate").Inc()
		return res, nil
	}
	metrics.TurnsTotal.WithLabelValues("ok").Inc()
	if _, err := session.Touch(ctx, e.Sessions, st.Tenant, msg.ThreadID, bookingID, res.intent); err != nil {
		e.logger().Warn(ctx, "session update failed", zap.Error(err))
	}
	return res, nil
}

func (e Engine) turn(ctx context.Context, st *store.Store, tx *store.Tx, msg domain.InboundMessage, lastIntent string, res *TurnResult) error {
	rec := tx.Record
	now := e.now()
	ts := domain.Timestamp(now)
	actor := msg.SenderID
	if actor == "" {
		actor = "client"
	}

	if rec.HasMessage(msg.MessageID) {
		res.Duplicate = true
		return nil
	}
	if tx.Created {
		rec.ThreadKey = msg.ThreadID
		rec.ClientID = msg.SenderID
		rec.MarkDirty()
		tx.Emit(events.Pending{Type: events.TypeBookingCreated, EntityKind: "booking", EntityID: rec.ID, ActorID: actor,
			Payload: events.Payload{"thread_key": msg.ThreadID}})
	}

	text := normalize.Normalize(msg.Body)
	rec.History = append(rec.History, domain.HistoryEntry{
		MessageID: msg.MessageID,
		Direction: domain.DirectionInbound,
		Preview:   preview(text, e.previewChars()),
		Stage:     rec.Stage,
		At:        ts,
	})
	rec.MarkDirty()
	tx.Emit(events.Pending{Type: events.TypeMessageReceived, EntityKind: "message", EntityID: msg.MessageID, ActorID: actor})

	if rec.Status == domain.StatusCancelled {
		res.Decision = domain.Decision{Action: domain.ActionClarify, Reason: "booking cancelled"}
		return e.finish(ctx, tx, &domain.Draft{Body: cancelledBody, Topic: "cancelled", Stage: rec.Stage}, actor, res)
	}

	rc := signals.ContextFor(rec, e.Registry)
	rc.LastIntent = lastIntent
	sig, err := e.Extractor.Detect(ctx, text, rc)
	if err != nil {
		return fmt.Errorf("detect signals: %w", err)
	}
	if sig.Entities == nil {
		sig.Entities = map[string]string{}
	}
	res.intent = sig.Intent

	if sig.Intent == signals.IntentCancel && stages.StartCancellation(rec, text, ts) {
		e.logger().Info(ctx, "cancellation requested")
	}
	captured := capture.Capture(rec, e.Registry, sig.Entities, "message "+msg.MessageID, ts)
	dec := arbiter.Arbitrate(arbiter.Input{Signals: sig, Record: rec, Registry: e.Registry, Captured: captured})
	res.Decision = dec
	metrics.DecisionsTotal.WithLabelValues(dec.Action).Inc()
	e.logger().Debug(ctx, "arbiter decision", zap.String("action", dec.Action), zap.String("target", dec.TargetGate), zap.String("reason", dec.Reason))

	switch dec.Action {
	case domain.ActionIgnore:
		return nil
	case domain.ActionClarify:
		return e.finish(ctx, tx, e.clarifyDraft(rec, dec), actor, res)
	case domain.ActionNoop:
		if !captured.Any() {
			return nil
		}
	case domain.ActionChange:
		if err := e.applyDetour(ctx, st, tx, dec, actor); err != nil {
			return err
		}
	}

	turn := &stages.Turn{Record: rec, Decision: dec, Signals: sig, Now: now}
	draft, err := e.route(ctx, tx, turn, actor, res)
	if err != nil {
		return err
	}
	if draft == nil && sig.IsQuestion {
		draft = &domain.Draft{Body: questionBody, Topic: "question", Stage: rec.Stage, RequiresApproval: true}
	}
	return e.finish(ctx, tx, draft, actor, res)
}

func (e Engine) finish(ctx context.Context, tx *store.Tx, draft *domain.Draft, actor string, res *TurnResult) error {
	body, task, err := e.deliver(ctx, tx, draft, actor)
	if err != nil {
		return err
	}
	res.Draft = draft
	res.Reply = body
	res.Task = task
	return nil
}

// route runs the router and turns its side effects into events. A loop
// exhaustion is not a turn failure: the diagnostic draft goes to review.
func (e Engine) route(ctx context.Context, tx *store.Tx, turn *stages.Turn, actor string, res *TurnResult) (*domain.Draft, error) {
	rec := tx.Record
	beforeStage, beforeStatus := rec.Stage, rec.Status
	verified := map[string]bool{}
	for _, g := range e.Registry.All() {
		verified[g.ID] = rec.Gate(g.ID).Verified
	}

	out, err := e.Router.Run(ctx, turn)
	res.Iterations = out.Iterations
	res.Shortcut = out.Shortcut
	if errors.Is(err, router.ErrDetourLoopExceeded) {
		res.LoopExceeded = true
		tx.Emit(events.Pending{Type: events.TypeLoopExceeded, EntityKind: "booking", EntityID: rec.ID, ActorID: actor,
			Payload: events.Payload{"iterations": out.Iterations, "stage": rec.Stage}})
	} else if err != nil {
		return nil, err
	}

	for _, g := range e.Registry.All() {
		if st := rec.Gate(g.ID); st.Verified && !verified[g.ID] {
			tx.Emit(events.Pending{Type: events.TypeGateVerified, EntityKind: "gate", EntityID: g.ID, ActorID: actor,
				Payload: events.Payload{"value": st.Canonical, "source": st.Source}})
		}
	}
	if rec.Stage != beforeStage {
		tx.Emit(events.Pending{Type: events.TypeStageChanged, EntityKind: "booking", EntityID: rec.ID, ActorID: actor,
			Payload: events.Payload{"from": beforeStage, "to": rec.Stage}})
	}
	if rec.Status == domain.StatusConfirmed && beforeStatus != domain.StatusConfirmed {
		tx.Emit(events.Pending{Type: events.TypeBookingConfirmed, EntityKind: "booking", EntityID: rec.ID, ActorID: actor})
	}
	return out.Draft, nil
}

func (e Engine) applyDetour(ctx context.Context, st *store.Store, tx *store.Tx, dec domain.Decision, actor string) error {
	rec := tx.Record
	ts := domain.Timestamp(e.now())
	dr, err := detour.Apply(rec, e.Registry, dec, ts)
	if err != nil {
		return err
	}
	for _, id := range dr.Superseded {
		task, err := st.Repo.GetTask(ctx, id)
		if err != nil {
			return fmt.Errorf("load superseded task %s: %w", id, err)
		}
		tx.PutTask(hil.Supersede(task, detour.SupersededNote, ts))
		tx.Emit(events.Pending{Type: events.TypeHILSuperseded, EntityKind: "hil_task", EntityID: id, ActorID: actor})
	}
	tx.Emit(events.Pending{Type: events.TypeDetour, EntityKind: "booking", EntityID: rec.ID, ActorID: actor,
		Payload: events.Payload{
			"gate":          dec.TargetGate,
			"detour_stage":  dr.DetourStage,
			"caller_stage":  dr.CallerStage,
			"invalidated":   dr.Invalidated,
			"room_released": dr.RoomReleased,
		}})
	e.logger().Info(ctx, "detour applied", zap.String("gate", dec.TargetGate), zap.Int("detour_stage", dr.DetourStage), zap.Strings("invalidated", dr.Invalidated))
	return nil
}

func (e Engine) clarifyDraft(rec *domain.Record, dec domain.Decision) *domain.Draft {
	d := &domain.Draft{Body: clarifyBody, Topic: "clarify", Stage: rec.Stage}
	if dec.Reason == arbiter.ReasonAmbiguousTarget && len(dec.Related) > 0 {
		var names []string
		for _, id := range dec.Related {
			if g, ok := e.Registry.Get(id); ok {
				names = append(names, fmt.Sprintf("%s (%s)", g.DisplayName(), rec.Gate(id).Canonical))
			}
		}
		d.Body = "Could you tell us which of these you are confirming: " + strings.Join(names, ", ") + "?"
	}
	return d
}
