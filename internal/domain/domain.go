package domain

import "time"

// Booking status values.
const (
	StatusOpen      = "open"
	StatusConfirmed = "confirmed"
	StatusCancelled = "cancelled"
)

// Stage bounds.
const (
	FirstStage = 1
	LastStage  = 7
)

// Record is the aggregate root for one client/venue negotiation.
type Record struct {
	ID           string               `json:"id"`
	Tenant       string               `json:"tenant"`
	ThreadKey    string               `json:"thread_key"`
	ClientID     string               `json:"client_id"`
	Status       string               `json:"status" enum:"open,confirmed,cancelled"`
	Stage        int                  `json:"stage" minimum:"1" maximum:"7"`
	CallerStage  int                  `json:"caller_stage,omitempty"`
	Gates        map[string]GateState `json:"gates"`
	Requirements Requirements         `json:"requirements"`
	History      []HistoryEntry       `json:"history"`
	PendingHIL   []HILMarker          `json:"pending_hil,omitempty"`
	Deposit      DepositState         `json:"deposit"`
	RoomHold     *RoomHold            `json:"room_hold,omitempty"`
	Override     *Override            `json:"override,omitempty"`
	Docs         map[string]any       `json:"docs,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Version      int64                `json:"version"`
	CreatedAt    string               `json:"created_at" format:"date-time"`
	UpdatedAt    string               `json:"updated_at" format:"date-time"`

	dirty bool
}

// MarkDirty flags the record for the single end-of-turn flush.
func (r *Record) MarkDirty() { r.dirty = true }

// Dirty reports whether the record changed during the turn.
func (r *Record) Dirty() bool { return r.dirty }

// ClearDirty resets the flag after a flush.
func (r *Record) ClearDirty() { r.dirty = false }

// Gate returns the state for id, or the zero value.
func (r *Record) Gate(id string) GateState {
	if r.Gates == nil {
		return GateState{}
	}
	return r.Gates[id]
}

// SetGate stores the state for id and marks the record dirty.
func (r *Record) SetGate(id string, st GateState) {
	if r.Gates == nil {
		r.Gates = map[string]GateState{}
	}
	r.Gates[id] = st
	r.dirty = true
}

// HasMessage reports whether a message id was already recorded.
func (r *Record) HasMessage(messageID string) bool {
	if messageID == "" {
		return false
	}
	for _, h := range r.History {
		if h.MessageID == messageID {
			return true
		}
	}
	return false
}

// HasPendingHIL reports whether taskID is still awaiting a decision.
func (r *Record) HasPendingHIL(taskID string) bool {
	for _, m := range r.PendingHIL {
		if m.TaskID == taskID {
			return true
		}
	}
	return false
}

// PendingHILAt reports whether a task raised by stage is still awaiting a decision.
func (r *Record) PendingHILAt(stage int) bool {
	for _, m := range r.PendingHIL {
		if m.Stage == stage {
			return true
		}
	}
	return false
}

// AddPendingHIL records a marker for a new task.
func (r *Record) AddPendingHIL(m HILMarker) {
	r.PendingHIL = append(r.PendingHIL, m)
	r.dirty = true
}

// RemovePendingHIL drops taskID from the pending markers.
func (r *Record) RemovePendingHIL(taskID string) {
	out := make([]HILMarker, 0, len(r.PendingHIL))
	for _, m := range r.PendingHIL {
		if m.TaskID != taskID {
			out = append(out, m)
		}
	}
	r.PendingHIL = out
	r.dirty = true
}

// HILMarker points at a pending task from the record.
type HILMarker struct {
	TaskID string `json:"task_id"`
	Stage  int    `json:"stage"`
	Gate   string `json:"gate,omitempty"`
	Action string `json:"action,omitempty"`
}

// GateState tracks one registry gate. Verified is only set by the owning stage.
type GateState struct {
	Captured   string `json:"captured_value,omitempty"`
	CapturedAt string `json:"captured_at,omitempty" format:"date-time"`
	Canonical  string `json:"canonical_value,omitempty"`
	Verified   bool   `json:"verified"`
	VerifiedAt string `json:"verified_at,omitempty" format:"date-time"`
	Source     string `json:"source,omitempty"`
	// Rejected is the derived value an operator last turned down.
	Rejected string `json:"rejected_value,omitempty"`
}

// AwaitingConfirmation reports a promoted value that the client has not confirmed yet.
func (g GateState) AwaitingConfirmation() bool {
	return !g.Verified && g.Canonical != ""
}

// Requirements is the fingerprint of facts that downstream computations depend on.
type Requirements struct {
	Rev  int    `json:"rev"`
	Hash string `json:"hash,omitempty"`
}

// Deposit status values. This is the only deposit representation.
const (
	DepositNone      = "none"
	DepositRequested = "requested"
	DepositPaid      = "paid"
	DepositWaived    = "waived"
)

type DepositState struct {
	Status      string  `json:"status" enum:"none,requested,paid,waived"`
	Amount      float64 `json:"amount,omitempty"`
	Currency    string  `json:"currency,omitempty"`
	DueDate     string  `json:"due_date,omitempty"`
	RequestedAt string  `json:"requested_at,omitempty" format:"date-time"`
	PaidAt      string  `json:"paid_at,omitempty" format:"date-time"`
	// OfferTotal is the offer total the amount was computed from.
	OfferTotal float64 `json:"offer_total,omitempty"`
	// Received sums earlier payments carried over from a re-priced offer.
	Received float64 `json:"received,omitempty"`
}

// Settled reports whether the deposit no longer blocks confirmation.
func (d DepositState) Settled() bool {
	return d.Status == DepositPaid || d.Status == DepositWaived
}

// RoomHold caches a room availability check for a requirements revision.
type RoomHold struct {
	Room        string `json:"room"`
	Date        string `json:"date"`
	Fingerprint string `json:"fingerprint"`
	HeldAt      string `json:"held_at" format:"date-time"`
}

// Override is an irrevocable sub-flow that takes routing precedence.
type Override struct {
	Kind      string `json:"kind"`
	Stage     int    `json:"stage"`
	Reason    string `json:"reason,omitempty"`
	StartedAt string `json:"started_at" format:"date-time"`
}

// History directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionSystem   = "system"
)

type HistoryEntry struct {
	MessageID string `json:"message_id,omitempty"`
	Direction string `json:"direction" enum:"inbound,outbound,system"`
	Preview   string `json:"preview"`
	Topic     string `json:"topic,omitempty"`
	Stage     int    `json:"stage"`
	At        string `json:"at" format:"date-time"`
}

// Draft is an outbound candidate reply; never sent without passing HIL gating.
type Draft struct {
	Body             string   `json:"body"`
	Topic            string   `json:"topic"`
	RequiresApproval bool     `json:"requires_approval"`
	Stage            int      `json:"stage"`
	Gate             string   `json:"gate,omitempty"`
	Lines            []string `json:"lines,omitempty"`
}

// HIL task status values.
const (
	TaskPending  = "pending"
	TaskApproved = "approved"
	TaskRejected = "rejected"
)

type HILTask struct {
	ID        string `json:"id"`
	Tenant    string `json:"tenant"`
	BookingID string `json:"booking_id"`
	Stage     int    `json:"stage"`
	Gate      string `json:"gate,omitempty"`
	Action    string `json:"action"`
	Draft     Draft  `json:"draft"`
	Status    string `json:"status" enum:"pending,approved,rejected"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	DecidedAt string `json:"decided_at,omitempty" format:"date-time"`
}

// Decision actions.
const (
	ActionConfirm  = "confirm"
	ActionNoop     = "noop"
	ActionChange   = "change"
	ActionClarify  = "clarify"
	ActionIgnore   = "ignore"
	ActionProceed  = "proceed"
	ActionOverride = "override"
)

// Decision is the arbiter output for one turn. It is never persisted.
type Decision struct {
	Action     string   `json:"action"`
	TargetGate string   `json:"target_gate,omitempty"`
	Related    []string `json:"related,omitempty"`
	Reason     string   `json:"reason"`
}

// Signals are the structured output of a signal extractor.
type Signals struct {
	Intent          string            `json:"intent"`
	Confidence      float64           `json:"confidence"`
	Entities        map[string]string `json:"entities"`
	IsConfirmation  bool              `json:"is_confirmation"`
	IsChangeRequest bool              `json:"is_change_request"`
	IsQuestion      bool              `json:"is_question"`
	// ChangeTargets lists entity keys bound to a revision phrase.
	ChangeTargets []string `json:"change_targets,omitempty"`
	Fallback      bool     `json:"fallback,omitempty"`
}

type InboundMessage struct {
	MessageID string `json:"message_id,omitempty"`
	Body      string `json:"body"`
	SenderID  string `json:"sender_id"`
	ThreadID  string `json:"thread_id"`
	TenantKey string `json:"tenant_key,omitempty"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	BookingID  string         `json:"booking_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

// Timestamp formats t the way every persisted timestamp is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
