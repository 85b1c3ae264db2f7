// Package stages holds the stage handlers the router dispatches to. Every
// stage is driven by the gate registry; handlers only mark the record dirty
// and never persist it themselves.
package stages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"venueline/internal/catalog"
	"venueline/internal/domain"
	"venueline/internal/gates"
)

// ErrNoGates is returned when a stage is dispatched that owns no gates.
var ErrNoGates = errors.New("stage dispatched with no owning gates")

// Turn carries the per-message context every handler reads.
type Turn struct {
	Record   *domain.Record
	Decision domain.Decision
	Signals  domain.Signals
	Now      time.Time
	// Operator marks a turn re-entered from an operator decision rather than a client message.
	Operator bool
}

func (t *Turn) stamp() string { return domain.Timestamp(t.Now) }

// Result is what a handler hands back to the router.
type Result struct {
	// AdvanceTo is the stage the handler expects next, 0 when it halts.
	AdvanceTo int
	Halt      bool
	// Draft may carry confirmation lines even when the handler advances.
	Draft            *domain.Draft
	RequiresApproval bool
}

// Handler runs one stage.
type Handler interface {
	Handle(ctx context.Context, t *Turn) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, t *Turn) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, t *Turn) (Result, error) { return f(ctx, t) }

// Acceptance is the outcome of asking a stage to accept one captured value.
type Acceptance struct {
	Accepted bool
	Line     string
	// Reason explains a refusal.
	Reason string
}

// Acceptor exposes the "accept value" transition of the owning stage to
// components outside this package, such as the shortcut planner.
type Acceptor interface {
	Accept(ctx context.Context, t *Turn, gateID string) (Acceptance, error)
}

// Composer builds the derived value and approval draft for an approval-mode gate.
type Composer func(ctx context.Context, t *Turn, g gates.Gate) (string, domain.Draft, error)

// Dispatcher maps stages to handlers. Stages without an explicit handler use
// the registry-driven GateStage.
type Dispatcher struct {
	reg       *gates.Registry
	catalog   *catalog.Catalog
	calendar  catalog.Calendar
	handlers  map[int]Handler
	composers map[string]Composer
	dueDays   int
	pastDates bool
}

// Options configures a Dispatcher.
type Options struct {
	Registry *gates.Registry
	Catalog  *catalog.Catalog
	Calendar catalog.Calendar
	// AllowPastDates disables the past-date check on date gates.
	AllowPastDates bool
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	cal := opts.Calendar
	if cal == nil {
		cal = catalog.NewStaticCalendar(nil)
	}
	d := &Dispatcher{
		reg:       opts.Registry,
		catalog:   opts.Catalog,
		calendar:  cal,
		handlers:  map[int]Handler{},
		composers: map[string]Composer{},
		dueDays:   opts.Catalog.DepositDueDays(),
		pastDates: opts.AllowPastDates,
	}
	d.composers[KindOffer] = d.composeOffer
	d.composers[KindSummary] = d.composeSummary
	return d, nil
}

// Register replaces the handler for a stage.
func (d *Dispatcher) Register(stage int, h Handler) {
	d.handlers[stage] = h
}

// RegisterComposer installs a composer for approval gates of the given kind.
func (d *Dispatcher) RegisterComposer(kind string, c Composer) {
	d.composers[kind] = c
}

// Registry returns the registry the dispatcher was built with.
func (d *Dispatcher) Registry() *gates.Registry { return d.reg }

// Dispatch runs the handler for stage.
func (d *Dispatcher) Dispatch(ctx context.Context, t *Turn, stage int) (Result, error) {
	if h, ok := d.handlers[stage]; ok {
		return h.Handle(ctx, t)
	}
	return GateStage{d: d, stage: stage}.Handle(ctx, t)
}

var _ Acceptor = (*Dispatcher)(nil)
