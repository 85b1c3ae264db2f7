package repo

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/db"
	"venueline/internal/domain"
	"venueline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Tenant: "acme"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func withTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func TestBookingRoundTripAndVersioning(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	rec := &domain.Record{
		ID: "b1", Tenant: "acme", ThreadKey: "thread-1", Status: domain.StatusOpen, Stage: 1,
		CreatedAt: "2026-01-10T09:00:00Z", UpdatedAt: "2026-01-10T09:00:00Z",
	}
	rec.SetGate("event_date", domain.GateState{Captured: "2026-03-15"})
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error { return r.InsertBookingTx(ctx, tx, rec) }))
	assert.Equal(t, int64(1), rec.Version)

	loaded, err := r.GetBookingByThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", loaded.Gate("event_date").Captured)
	assert.Equal(t, int64(1), loaded.Version)

	stale := loaded
	loaded.Stage = 2
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error { return r.UpdateBookingTx(ctx, tx, &loaded) }))
	assert.Equal(t, int64(2), loaded.Version)

	err = withTx(t, r, func(tx *sql.Tx) error { return r.UpdateBookingTx(ctx, tx, &stale) })
	assert.True(t, errors.Is(err, ErrConflict))

	err = withTx(t, r, func(tx *sql.Tx) error { return r.InsertBookingTx(ctx, tx, rec) })
	assert.True(t, errors.Is(err, ErrConflict))

	list, err := r.ListBookings(ctx, BookingFilters{Tenant: "acme", Stage: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = r.GetBooking(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTasksAndEvents(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	rec := &domain.Record{ID: "b1", Tenant: "acme", ThreadKey: "t", Status: domain.StatusOpen, Stage: 4, CreatedAt: "x", UpdatedAt: "x"}
	task := domain.HILTask{
		ID: "task-1", Tenant: "acme", BookingID: "b1", Stage: 4, Gate: "offer", Action: "offer",
		Draft: domain.Draft{Body: "offer body", RequiresApproval: true}, Status: domain.TaskPending, CreatedAt: "2026-01-10T09:00:00Z",
	}
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertBookingTx(ctx, tx, rec); err != nil {
			return err
		}
		if err := r.UpsertTaskTx(ctx, tx, task); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,booking_id,entity_kind,entity_id,actor_id,payload_json) VALUES ('t','hil.created','b1','hil_task','task-1','engine','{"stage":4}')`)
		return err
	}))

	pending, err := r.ListTasks(ctx, TaskFilters{Tenant: "acme", Status: domain.TaskPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "offer body", pending[0].Draft.Body)

	task.Status = domain.TaskApproved
	task.DecidedAt = "2026-01-10T10:00:00Z"
	require.NoError(t, withTx(t, r, func(tx *sql.Tx) error { return r.UpsertTaskTx(ctx, tx, task) }))
	got, err := r.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskApproved, got.Status)

	evts, err := r.EventsAfter(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, float64(4), evts[0].Payload["stage"])
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, evts[0].ID, latest)

	_, err = r.WebhookCursor(ctx, "http://hook")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.SetWebhookCursor(ctx, "http://hook", latest))
	cur, err := r.WebhookCursor(ctx, "http://hook")
	require.NoError(t, err)
	assert.Equal(t, latest, cur)
}

func TestUpdateBookingConflictFromMock(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE bookings SET")).
		WithArgs(sqlmock.AnyArg(), domain.StatusOpen, 3, sqlmock.AnyArg(), "now", "b1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx, err := conn.Begin()
	require.NoError(t, err)
	rec := &domain.Record{ID: "b1", Status: domain.StatusOpen, Stage: 3, Version: 7, UpdatedAt: "now"}
	err = r.UpdateBookingTx(context.Background(), tx, rec)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(7), rec.Version)
	require.NoError(t, tx.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksSurfacesQueryErrors(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id,tenant,booking_id")).WillReturnError(errors.New("disk full"))
	_, err = Repo{DB: conn}.ListTasks(context.Background(), TaskFilters{Tenant: "acme"})
	assert.EqualError(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}
