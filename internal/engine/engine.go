// Package engine runs booking turns: one inbound message in, state mutations,
// at most one reply and any HIL tasks out, all inside one store transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"venueline/internal/catalog"
	"venueline/internal/config"
	"venueline/internal/domain"
	"venueline/internal/events"
	"venueline/internal/gates"
	"venueline/internal/hil"
	"venueline/internal/logging"
	"venueline/internal/router"
	"venueline/internal/session"
	"venueline/internal/signals"
	"venueline/internal/stages"
	"venueline/internal/store"
	"venueline/internal/verbalizer"
)

var (
	// ErrTurnTimeout is returned when a turn ran past the turn timeout. Nothing was written.
	ErrTurnTimeout = errors.New("turn timeout")
	// ErrMissingThread rejects messages without a thread id.
	ErrMissingThread = errors.New("thread id is required")
)

const (
	defaultTurnTimeout  = 60 * time.Second
	defaultPreviewChars = 280
)

type Engine struct {
	Config     *config.Config
	Tenants    *store.Tenants
	Registry   *gates.Registry
	Stages     *stages.Dispatcher
	Router     router.Router
	Extractor  signals.Extractor
	Verbalizer verbalizer.Verbalizer
	Sessions   session.Store
	Queue      hil.Queue
	Now        func() time.Time
	Logger     *logging.Logger
}

// Deps are the collaborators chosen by the caller; everything else is built from config.
type Deps struct {
	Tenants    *store.Tenants
	Extractor  signals.Extractor
	Verbalizer verbalizer.Verbalizer
	Sessions   session.Store
	Calendar   catalog.Calendar
	Logger     *logging.Logger
}

func New(cfg *config.Config, deps Deps) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	if deps.Tenants == nil {
		return Engine{}, errors.New("tenant stores required")
	}
	reg, err := gates.FromConfig(cfg)
	if err != nil {
		return Engine{}, err
	}
	cat := catalog.FromConfig(cfg)
	cal := deps.Calendar
	if cal == nil {
		cal = catalog.NewStaticCalendar(cfg.Catalog.BlockedDates)
	}
	disp, err := stages.NewDispatcher(stages.Options{Registry: reg, Catalog: cat, Calendar: cal, AllowPastDates: cfg.Venue.AllowPastDates})
	if err != nil {
		return Engine{}, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	extractor := deps.Extractor
	if extractor == nil {
		extractor = signals.Fallback{Primary: signals.NewHeuristic(reg, cat.RoomNames()), Logger: logger}
	}
	verb := deps.Verbalizer
	if verb == nil {
		verb = verbalizer.Template{}
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewMemory(cfg.Session.TTL)
	}
	return Engine{
		Config:     cfg,
		Tenants:    deps.Tenants,
		Registry:   reg,
		Stages:     disp,
		Router:     router.Router{Registry: reg, Stages: disp, MaxIterations: cfg.MaxIterations(), Logger: logger.Named("router")},
		Extractor:  extractor,
		Verbalizer: verb,
		Sessions:   sessions,
		Queue:      hil.Queue{Registry: reg},
		Now:        time.Now,
		Logger:     logger,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.Nop()
	}
	return e.Logger
}

func (e Engine) turnTimeout() time.Duration {
	if e.Config != nil && e.Config.Engine.TurnTimeout > 0 {
		return e.Config.Engine.TurnTimeout
	}
	return defaultTurnTimeout
}

func (e Engine) previewChars() int {
	if e.Config != nil && e.Config.Engine.HistoryPreviewChars > 0 {
		return e.Config.Engine.HistoryPreviewChars
	}
	return defaultPreviewChars
}

func (e Engine) tone() config.ToneConfig {
	if e.Config == nil {
		return config.ToneConfig{}
	}
	return e.Config.Verbalizer.Tone
}

// Store returns the store for tenant, resolving an empty key to the default tenant.
func (e Engine) Store(ctx context.Context, tenant string) (*store.Store, error) {
	return e.Tenants.For(ctx, tenant)
}

// BookingID is the stable booking id for a thread of a tenant.
func BookingID(tenant, thread string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("venueline:"+tenant+"/"+thread)).String()
}

// IsRetryable reports whether err is transient and the same request may be sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTurnTimeout) ||
		errors.Is(err, store.ErrConcurrentWrite) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrLockTimeout)
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTurnTimeout, err)
	}
	return err
}

func preview(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}

// deliver turns a draft into either a HIL task or a rendered reply recorded in
// the history and the outbox.
func (e Engine) deliver(ctx context.Context, tx *store.Tx, draft *domain.Draft, actor string) (string, *domain.HILTask, error) {
	if draft == nil {
		return "", nil, nil
	}
	rec := tx.Record
	ts := domain.Timestamp(e.now())
	if draft.RequiresApproval {
		task := e.Queue.Enqueue(rec, *draft, ts)
		tx.PutTask(task)
		tx.Emit(events.Pending{
			Type: events.TypeHILCreated, EntityKind: "hil_task", EntityID: task.ID, ActorID: actor,
			Payload: events.Payload{"stage": task.Stage, "gate": task.Gate, "action": task.Action},
		})
		e.logger().Info(ctx, "hil task created", zap.String("task.id", task.ID), zap.String("action", task.Action))
		return "", &task, nil
	}
	body, err := e.Verbalizer.Render(ctx, *draft, e.tone())
	if err != nil {
		return "", nil, fmt.Errorf("render reply: %w", err)
	}
	e.recordReply(tx, *draft, body, events.TypeReplySent, actor)
	return body, nil, nil
}

func (e Engine) recordReply(tx *store.Tx, draft domain.Draft, body, evtType, actor string) {
	rec := tx.Record
	rec.History = append(rec.History, domain.HistoryEntry{
		Direction: domain.DirectionOutbound,
		Preview:   preview(body, e.previewChars()),
		Topic:     draft.Topic,
		Stage:     rec.Stage,
		At:        domain.Timestamp(e.now()),
	})
	rec.MarkDirty()
	tx.Emit(events.Pending{
		Type: evtType, EntityKind: "reply", EntityID: draft.Topic, ActorID: actor,
		Payload: events.Payload{"body": body, "topic": draft.Topic, "stage": rec.Stage, "thread_key": rec.ThreadKey},
	})
}
