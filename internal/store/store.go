// Package store is the single persistence boundary for booking records. A
// transaction holds the record lock for the whole read-modify-write window
// and flushes once at the end.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"venueline/internal/domain"
	"venueline/internal/events"
	"venueline/internal/logging"
	"venueline/internal/repo"
)

var (
	// ErrConflict is a stored version mismatch detected at flush time.
	ErrConflict = repo.ErrConflict
	// ErrConcurrentWrite is returned when the retry after a conflict conflicts again.
	ErrConcurrentWrite = errors.New("concurrent write conflict")
)

type Store struct {
	Tenant string
	Repo   repo.Repo
	Locker Locker
	Events events.Writer
	Now    func() time.Time
	Logger *logging.Logger
}

// Tx is the mutable view handed to a transaction function. Tasks and events
// collected here are written in the same SQL transaction as the record.
type Tx struct {
	Record  *domain.Record
	Created bool

	tasks  []domain.HILTask
	events []events.Pending
}

// PutTask schedules an insert or update of a HIL task.
func (t *Tx) PutTask(task domain.HILTask) {
	t.tasks = append(t.tasks, task)
}

// Emit schedules an event.
func (t *Tx) Emit(e events.Pending) {
	if e.BookingID == "" && t.Record != nil {
		e.BookingID = t.Record.ID
	}
	t.events = append(t.events, e)
}

func (t *Tx) pending() bool {
	return t.Record.Dirty() || len(t.tasks) > 0 || len(t.events) > 0
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Store) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Nop()
	}
	return s.Logger
}

// Open prepares the store and removes locks left behind by dead owners.
func (s *Store) Open(ctx context.Context) error {
	n, err := s.Locker.RecoverStaleLocks(ctx)
	if err != nil {
		return fmt.Errorf("recover stale locks: %w", err)
	}
	if n > 0 {
		s.logger().Warn(ctx, "removed stale record locks", zap.Int("count", n), zap.String("tenant", s.Tenant))
	}
	return nil
}

// Transaction loads the record for bookingID (or a fresh one), runs fn under
// the record lock and writes the result. A version conflict reloads and
// re-runs fn once. fn must only mutate the record through tx.
func (s *Store) Transaction(ctx context.Context, bookingID string, fn func(ctx context.Context, tx *Tx) error) (*domain.Record, error) {
	lock, err := s.Locker.Acquire(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger().Error(ctx, "release record lock", zap.Error(err))
		}
	}()

	for attempt := 0; attempt < 2; attempt++ {
		tx, err := s.load(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, tx); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !tx.pending() {
			return tx.Record, nil
		}
		err = s.flush(ctx, tx)
		if errors.Is(err, ErrConflict) {
			s.logger().Warn(ctx, "record version conflict, retrying", zap.String("booking.id", bookingID), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return nil, err
		}
		tx.Record.ClearDirty()
		return tx.Record, nil
	}
	return nil, fmt.Errorf("%w: booking %s", ErrConcurrentWrite, bookingID)
}

func (s *Store) load(ctx context.Context, bookingID string) (*Tx, error) {
	rec, err := s.Repo.GetBooking(ctx, bookingID)
	if errors.Is(err, repo.ErrNotFound) {
		return &Tx{Record: &domain.Record{
			ID:     bookingID,
			Tenant: s.Tenant,
			Status: domain.StatusOpen,
			Stage:  domain.FirstStage,
			Gates:  map[string]domain.GateState{},
			Deposit: domain.DepositState{
				Status: domain.DepositNone,
			},
		}, Created: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load booking %s: %w", bookingID, err)
	}
	return &Tx{Record: &rec}, nil
}

func (s *Store) flush(ctx context.Context, tx *Tx) error {
	rec := tx.Record
	ts := domain.Timestamp(s.now())
	rec.UpdatedAt = ts
	if rec.CreatedAt == "" {
		rec.CreatedAt = ts
	}
	sqlTx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if tx.Created {
		err = s.Repo.InsertBookingTx(ctx, sqlTx, rec)
	} else {
		err = s.Repo.UpdateBookingTx(ctx, sqlTx, rec)
	}
	if err != nil {
		return err
	}
	for _, task := range tx.tasks {
		if err := s.Repo.UpsertTaskTx(ctx, sqlTx, task); err != nil {
			return fmt.Errorf("save task %s: %w", task.ID, err)
		}
	}
	writer := s.Events
	if writer.Now == nil {
		writer.Now = s.now
	}
	for _, e := range tx.events {
		if err := writer.Append(ctx, sqlTx, e); err != nil {
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	tx.Created = false
	return nil
}
