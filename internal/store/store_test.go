package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"venueline/internal/db"
	"venueline/internal/domain"
	"venueline/internal/events"
	"venueline/internal/migrate"
	"venueline/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type testEnv struct {
	store     *Store
	workspace string
}

func newTestEnv(t *testing.T, locker Locker) testEnv {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws, Tenant: "acme"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(conn)
	require.NoError(t, err)
	if locker == nil {
		locker = NewFileLocker(db.LocksPath(ws, "acme"), 5*time.Second, time.Minute)
	}
	return testEnv{
		store:     &Store{Tenant: "acme", Repo: repo.Repo{DB: conn}, Locker: locker},
		workspace: ws,
	}
}

func appendMessage(id string) func(context.Context, *Tx) error {
	return func(_ context.Context, tx *Tx) error {
		tx.Record.ThreadKey = "thread-1"
		tx.Record.History = append(tx.Record.History, domain.HistoryEntry{MessageID: id, Direction: domain.DirectionInbound})
		tx.Record.MarkDirty()
		return nil
	}
}

func messageIDs(rec *domain.Record) []string {
	var out []string
	for _, h := range rec.History {
		out = append(out, h.MessageID)
	}
	return out
}

func TestFileLockerExclusiveAndTimeout(t *testing.T) {
	dir := t.TempDir()
	l := NewFileLocker(dir, 60*time.Millisecond, time.Minute)
	lock, err := l.Acquire(context.Background(), "b1")
	require.NoError(t, err)

	holder, err := ReadHolder(filepath.Join(dir, "b1.lock"))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), holder.PID)

	_, err = l.Acquire(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, lock.Release())
	lock, err = l.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func writeDeadLock(t *testing.T, dir, key string) {
	t.Helper()
	host, _ := os.Hostname()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data := fmt.Sprintf(`{"pid":%d,"host":%q,"acquired_at":"2026-01-01T00:00:00Z"}`, 1<<22+4242, host)
	require.NoError(t, os.WriteFile(filepath.Join(dir, key+".lock"), []byte(data), 0o644))
}

func TestStaleLocksRecoveredOnOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := db.LocksPath(env.workspace, "acme")
	writeDeadLock(t, dir, "orphan")
	host, _ := os.Hostname()
	live := fmt.Sprintf(`{"pid":%d,"host":%q}`, os.Getpid(), host)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "live.lock"), []byte(live), 0o644))

	require.NoError(t, env.store.Open(context.Background()))
	_, err := os.Stat(filepath.Join(dir, "orphan.lock"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "live.lock"))
	assert.NoError(t, err)
}

func TestAcquireTakesOverDeadOwner(t *testing.T) {
	dir := t.TempDir()
	writeDeadLock(t, dir, "b1")
	l := NewFileLocker(dir, 50*time.Millisecond, time.Minute)
	lock, err := l.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestDeadOwnerIsTakenOverByOneWaiter(t *testing.T) {
	dir := t.TempDir()
	writeDeadLock(t, dir, "b1")

	var holders, most atomic.Int32
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		l := NewFileLocker(dir, 5*time.Second, time.Minute)
		l.Poll = time.Millisecond
		g.Go(func() error {
			lock, err := l.Acquire(context.Background(), "b1")
			if err != nil {
				return err
			}
			n := holders.Add(1)
			for {
				m := most.Load()
				if n <= m || most.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			return lock.Release()
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), most.Load())
	_, err := os.Stat(filepath.Join(dir, "b1.lock"))
	assert.True(t, os.IsNotExist(err))
}

// nopLocker lets concurrent transactions interleave so the version check is
// the only protection.
type nopLocker struct{}

type nopLock struct{}

func (nopLock) Release() error { return nil }

func (nopLocker) Acquire(context.Context, string) (Lock, error) { return nopLock{}, nil }

func (nopLocker) RecoverStaleLocks(context.Context) (int, error) { return 0, nil }

func TestConcurrentLoadsNeverLoseAMessage(t *testing.T) {
	env := newTestEnv(t, nopLocker{})
	ctx := context.Background()
	_, err := env.store.Transaction(ctx, "b1", appendMessage("m0"))
	require.NoError(t, err)

	var loaded sync.WaitGroup
	loaded.Add(2)
	barrier := func(id string) func(context.Context, *Tx) error {
		var once sync.Once
		return func(ctx context.Context, tx *Tx) error {
			once.Do(func() {
				loaded.Done()
				loaded.Wait()
			})
			return appendMessage(id)(ctx, tx)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := env.store.Transaction(ctx, "b1", barrier("m1"))
		return err
	})
	g.Go(func() error {
		_, err := env.store.Transaction(ctx, "b1", barrier("m2"))
		return err
	})
	require.NoError(t, g.Wait())

	rec, err := env.store.Repo.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m0", "m1", "m2"}, messageIDs(&rec))
	assert.Equal(t, int64(3), rec.Version)
}

func TestLockedTransactionsSerialize(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	var g errgroup.Group
	want := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("m%d", i)
		want = append(want, id)
		g.Go(func() error {
			_, err := env.store.Transaction(ctx, "b1", appendMessage(id))
			return err
		})
	}
	require.NoError(t, g.Wait())
	rec, err := env.store.Repo.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.ElementsMatch(t, want, messageIDs(&rec))
}

func TestLockIsHeldAcrossTheTransaction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var g errgroup.Group
	g.Go(func() error {
		_, err := env.store.Transaction(ctx, "b1", func(ctx context.Context, tx *Tx) error {
			once.Do(func() { close(entered) })
			<-release
			return appendMessage("m1")(ctx, tx)
		})
		return err
	})
	<-entered

	var seen []string
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		_, err := env.store.Transaction(ctx, "b1", func(ctx context.Context, tx *Tx) error {
			seen = messageIDs(tx.Record)
			return appendMessage("m2")(ctx, tx)
		})
		return err
	})
	select {
	case <-done:
		t.Fatal("second transaction ran while the first held the record lock")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)
	require.NoError(t, g.Wait())

	assert.Equal(t, []string{"m1"}, seen)
	rec, err := env.store.Repo.GetBooking(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, messageIDs(&rec))
	assert.Equal(t, int64(2), rec.Version)
}

func TestRepeatedConflictIsRetryable(t *testing.T) {
	env := newTestEnv(t, nopLocker{})
	ctx := context.Background()
	_, err := env.store.Transaction(ctx, "b1", appendMessage("m0"))
	require.NoError(t, err)

	attempts := 0
	_, err = env.store.Transaction(ctx, "b1", func(ctx context.Context, tx *Tx) error {
		attempts++
		if _, err := env.store.Repo.DB.ExecContext(ctx, `UPDATE bookings SET version=version+1 WHERE id='b1'`); err != nil {
			return err
		}
		return appendMessage("late")(ctx, tx)
	})
	assert.ErrorIs(t, err, ErrConcurrentWrite)
	assert.Equal(t, 2, attempts)
}

func TestCancelledTurnWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	_, err := env.store.Transaction(ctx, "b1", func(ctx context.Context, tx *Tx) error {
		tx.Record.ThreadKey = "thread-1"
		tx.Record.MarkDirty()
		tx.Emit(events.Pending{Type: events.TypeBookingCreated, EntityKind: "booking", ActorID: "test"})
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = env.store.Repo.GetBooking(context.Background(), "b1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestTransactionWritesTasksAndEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	rec, err := env.store.Transaction(ctx, "b1", func(_ context.Context, tx *Tx) error {
		assert.True(t, tx.Created)
		tx.Record.ThreadKey = "thread-1"
		tx.Record.MarkDirty()
		tx.PutTask(domain.HILTask{ID: "t1", Tenant: "acme", BookingID: "b1", Stage: 4, Action: "offer", Status: domain.TaskPending, CreatedAt: "now"})
		tx.Emit(events.Pending{Type: events.TypeHILCreated, EntityKind: "hil_task", EntityID: "t1", ActorID: "test"})
		return nil
	})
	require.NoError(t, err)
	assert.False(t, rec.Dirty())
	assert.Equal(t, int64(1), rec.Version)

	tasks, err := env.store.Repo.ListTasks(ctx, repo.TaskFilters{BookingID: "b1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	evts, err := env.store.Repo.EventsAfter(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "b1", evts[0].BookingID)

	// untouched records are not rewritten
	rec, err = env.store.Transaction(ctx, "b1", func(context.Context, *Tx) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
}

func TestTenantsResolveAndCache(t *testing.T) {
	opened := 0
	tenants := NewTenants("default", func(_ context.Context, tenant string) (*Store, error) {
		opened++
		return &Store{Tenant: tenant}, nil
	})
	s1, err := tenants.For(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "default", s1.Tenant)
	s2, err := tenants.For(context.Background(), "default")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, opened)

	_, err = tenants.For(context.Background(), "../etc")
	assert.ErrorIs(t, err, ErrInvalidTenant)
	assert.Equal(t, []string{"default"}, tenants.Open())
	assert.NoError(t, tenants.Close())
}
