package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"venueline/internal/config"
	"venueline/internal/db"
	"venueline/internal/domain"
	"venueline/internal/gates"
	"venueline/internal/logging"
	"venueline/internal/session"
	"venueline/internal/signals"
	"venueline/internal/store"
	"venueline/internal/verbalizer"
)

func TestBuildRunsATurnAgainstTheWorkspace(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(config.GenerateDefault("hall")), 0o644))

	rt, err := Build(context.Background(), Options{Workspace: ws, Logger: logging.Nop()})
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "hall", rt.Config.Venue.ID)
	rt.Engine.Now = func() time.Time { return time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC) }

	res, err := rt.Engine.ProcessMessage(context.Background(), domain.InboundMessage{
		MessageID: "m1",
		Body:      "Room B for 20 people on 2026-03-15. Billing: Acme AG, Main St 1, Zurich.",
		SenderID:  "client@example.com",
		ThreadID:  "thread-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "default", res.Tenant)
	require.NotNil(t, res.Task)

	_, err = os.Stat(db.Path(ws, "default"))
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, rt.Tenants.Open())
}

func TestOpenerRemovesStaleLocks(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default("venue")
	dir := db.LocksPath(ws, "acme")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	host, _ := os.Hostname()
	data, err := json.Marshal(store.Holder{PID: 1<<22 + 4242, Host: host, AcquiredAt: "2026-01-10T09:00:00Z"})
	require.NoError(t, err)
	lockPath := filepath.Join(dir, "booking-1.lock")
	require.NoError(t, os.WriteFile(lockPath, data, 0o644))

	tenants := store.NewTenants("acme", Opener(ws, cfg, logging.Nop()))
	defer tenants.Close()
	_, err = tenants.For(context.Background(), "")
	require.NoError(t, err)
	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestBackendSelection(t *testing.T) {
	cfg := config.Default("venue")
	reg, err := gates.FromConfig(cfg)
	require.NoError(t, err)

	ex, err := NewExtractor(cfg, reg, logging.Nop())
	require.NoError(t, err)
	fb, ok := ex.(signals.Fallback)
	require.True(t, ok)
	assert.IsType(t, &signals.Heuristic{}, fb.Primary)
	assert.Nil(t, fb.Secondary)

	cfg.Extractor.Provider = "llm"
	_, err = NewExtractor(cfg, reg, logging.Nop())
	assert.ErrorContains(t, err, "endpoint required")

	cfg.Extractor.Endpoint = "http://127.0.0.1:1/v1"
	ex, err = NewExtractor(cfg, reg, logging.Nop())
	require.NoError(t, err)
	fb = ex.(signals.Fallback)
	assert.IsType(t, signals.LLM{}, fb.Primary)
	assert.IsType(t, &signals.Heuristic{}, fb.Secondary)

	v, err := NewVerbalizer(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, verbalizer.Template{}, v)
	cfg.Verbalizer.Provider = "llm"
	v, err = NewVerbalizer(cfg, logging.Nop())
	require.NoError(t, err)
	assert.IsType(t, verbalizer.FactChecked{}, v)

	assert.IsType(t, &session.Memory{}, NewSessions(cfg))
	assert.IsType(t, &store.FileLocker{}, NewLocker(t.TempDir(), "acme", cfg))
	cfg.Locks.Backend = "redis"
	cfg.Locks.RedisAddr = "127.0.0.1:6379"
	assert.IsType(t, &store.RedisLocker{}, NewLocker(t.TempDir(), "acme", cfg))
}
