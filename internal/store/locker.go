package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"venueline/internal/metrics"
)

// ErrLockTimeout is returned when a record lock could not be acquired in time.
var ErrLockTimeout = errors.New("lock timeout")

// Lock is a held record lock.
type Lock interface {
	Release() error
}

// Locker hands out exclusive per-record locks.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lock, error)
	// RecoverStaleLocks removes locks whose owner is gone and reports how many.
	RecoverStaleLocks(ctx context.Context) (int, error)
}

// reapFile serializes stale lock removal within a lock directory.
const reapFile = ".reap"

// Holder is written into every lock file.
type Holder struct {
	PID        int    `json:"pid"`
	Host       string `json:"host"`
	AcquiredAt string `json:"acquired_at"`
}

// FileLocker implements Locker with O_EXCL lock files in a directory
// colocated with the tenant database.
type FileLocker struct {
	Dir     string
	Timeout time.Duration
	// TTL bounds how long an unreadable lock file is respected.
	TTL  time.Duration
	Poll time.Duration
	Now  func() time.Time

	pid  int
	host string
}

func NewFileLocker(dir string, timeout, ttl time.Duration) *FileLocker {
	host, _ := os.Hostname()
	return &FileLocker{
		Dir:     dir,
		Timeout: timeout,
		TTL:     ttl,
		Poll:    20 * time.Millisecond,
		Now:     time.Now,
		pid:     os.Getpid(),
		host:    host,
	}
}

type fileLock struct {
	path string
}

func (l fileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func (f *FileLocker) path(key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(f.Dir, safe+".lock")
}

func (f *FileLocker) Acquire(ctx context.Context, key string) (Lock, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return nil, err
	}
	path := f.path(key)
	start := time.Now()
	defer func() { metrics.LockWaitSeconds.Observe(time.Since(start).Seconds()) }()

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	poll := f.Poll
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			holder := Holder{PID: f.pid, Host: f.host, AcquiredAt: f.Now().UTC().Format(time.RFC3339Nano)}
			werr := json.NewEncoder(file).Encode(holder)
			cerr := file.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(werr, cerr))
			}
			return fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock %s: %w", path, err)
		}
		if f.stale(path) && f.reap(path) {
			metrics.StaleLocksRecovered.Inc()
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrLockTimeout, key, timeout)
		case <-time.After(poll):
		}
	}
}

// stale reports whether the lock at path belongs to a dead process on this
// host, or is unreadable and older than the TTL.
func (f *FileLocker) stale(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil || h.PID == 0 {
		info, serr := os.Stat(path)
		return serr == nil && f.TTL > 0 && f.Now().Sub(info.ModTime()) > f.TTL
	}
	if h.Host != f.host {
		return false
	}
	return !processAlive(h.PID)
}

// reap removes a stale lock file. The staleness check is repeated under the
// directory reap lock so a file another waiter already replaced survives.
func (f *FileLocker) reap(path string) bool {
	unlock, err := lockReaper(filepath.Join(f.Dir, reapFile))
	if err != nil {
		return false
	}
	defer unlock()
	if !f.stale(path) {
		return false
	}
	return os.Remove(path) == nil
}

func (f *FileLocker) RecoverStaleLocks(_ context.Context) (int, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		path := filepath.Join(f.Dir, e.Name())
		if f.stale(path) && f.reap(path) {
			removed++
			metrics.StaleLocksRecovered.Inc()
		}
	}
	return removed, nil
}

// ReadHolder returns the holder recorded in a lock file.
func ReadHolder(path string) (Holder, error) {
	var h Holder
	data, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	return h, json.Unmarshal(data, &h)
}
