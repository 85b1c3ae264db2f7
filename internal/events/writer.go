// Package events appends booking events to the tenant event log inside the
// caller's transaction.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	TypeBookingCreated   = "booking.created"
	TypeMessageReceived  = "message.received"
	TypeGateVerified     = "gate.verified"
	TypeDetour           = "booking.detour"
	TypeStageChanged     = "booking.stage_changed"
	TypeHILCreated       = "hil.created"
	TypeHILApproved      = "hil.approved"
	TypeHILRejected      = "hil.rejected"
	TypeHILSuperseded    = "hil.superseded"
	TypeReplyApproved    = "reply.approved"
	TypeReplySent        = "reply.sent"
	TypeBookingConfirmed = "booking.confirmed"
	TypeBookingCancelled = "booking.cancelled"
	TypeLoopExceeded     = "router.loop_exceeded"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Pending is an event collected during a turn and written at flush time.
type Pending struct {
	Type       string
	BookingID  string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    Payload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Pending) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	payload := e.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,booking_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, nullable(e.BookingID), e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
