// Package app wires config, logging, tenant stores and the engine backends
// for the CLI and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"venueline/internal/catalog"
	"venueline/internal/config"
	"venueline/internal/db"
	"venueline/internal/engine"
	"venueline/internal/gates"
	"venueline/internal/llm"
	"venueline/internal/logging"
	"venueline/internal/migrate"
	"venueline/internal/repo"
	"venueline/internal/session"
	"venueline/internal/signals"
	"venueline/internal/store"
	"venueline/internal/verbalizer"
)

// Options select the workspace and override config values from flags.
type Options struct {
	Workspace string
	LogLevel  string
	LogFormat string
	// Logger replaces the configured logger when set.
	Logger *logging.Logger
}

// Runtime is a fully wired engine plus what must be closed on shutdown.
type Runtime struct {
	Workspace string
	Config    *config.Config
	Engine    engine.Engine
	Tenants   *store.Tenants
	Logger    *logging.Logger

	closers []func() error
}

// Build loads the workspace config and wires every backend it names.
func Build(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	return BuildWithConfig(ctx, cfg, opts)
}

func BuildWithConfig(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		lc := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
		if opts.LogLevel != "" {
			lc.Level = opts.LogLevel
		}
		if opts.LogFormat != "" {
			lc.Format = opts.LogFormat
		}
		l, err := logging.NewLogger(lc)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	rt := &Runtime{Workspace: opts.Workspace, Config: cfg, Logger: logger}

	rt.Tenants = store.NewTenants(cfg.Engine.DefaultTenant, Opener(opts.Workspace, cfg, logger))
	rt.closers = append(rt.closers, rt.Tenants.Close)

	reg, err := gates.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	extractor, err := NewExtractor(cfg, reg, logger)
	if err != nil {
		return nil, err
	}
	verb, err := NewVerbalizer(cfg, logger)
	if err != nil {
		return nil, err
	}
	sessions := NewSessions(cfg)
	if r, ok := sessions.(*session.Redis); ok {
		rt.closers = append(rt.closers, r.Close)
	}

	eng, err := engine.New(cfg, engine.Deps{
		Tenants:    rt.Tenants,
		Extractor:  extractor,
		Verbalizer: verb,
		Sessions:   sessions,
		Logger:     logger,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = eng
	logger.Debug(ctx, "runtime ready",
		zap.String("extractor", providerOr(cfg.Extractor.Provider, "heuristic")),
		zap.String("verbalizer", providerOr(cfg.Verbalizer.Provider, "template")),
		zap.String("locks", providerOr(cfg.Locks.Backend, "file")),
		zap.String("sessions", providerOr(cfg.Session.Backend, "memory")))
	return rt, nil
}

// Close releases tenant databases and backend clients.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	_ = r.Logger.Sync()
	return errors.Join(errs...)
}

// Opener returns the store.Opener for a workspace: one SQLite file per
// tenant, migrated on first open, with stale locks removed before use.
func Opener(workspace string, cfg *config.Config, logger *logging.Logger) store.Opener {
	return func(ctx context.Context, tenant string) (*store.Store, error) {
		conn, err := db.Open(db.Config{Workspace: workspace, Tenant: tenant})
		if err != nil {
			return nil, err
		}
		if _, err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s := &store.Store{
			Tenant: tenant,
			Repo:   repo.Repo{DB: conn},
			Locker: NewLocker(workspace, tenant, cfg),
			Logger: logger.Named("store"),
		}
		if err := s.Open(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return s, nil
	}
}

// NewLocker picks the record lock backend for a tenant.
func NewLocker(workspace, tenant string, cfg *config.Config) store.Locker {
	if cfg.Locks.Backend == "redis" {
		return store.NewRedisLocker(cfg.Locks.RedisAddr, "venueline:"+tenant+":", cfg.Locks.Timeout, cfg.Locks.TTL)
	}
	return store.NewFileLocker(db.LocksPath(workspace, tenant), cfg.Locks.Timeout, cfg.Locks.TTL)
}

// NewExtractor returns the heuristic extractor, or the LLM extractor with
// the heuristic as its fallback.
func NewExtractor(cfg *config.Config, reg *gates.Registry, logger *logging.Logger) (signals.Extractor, error) {
	heuristic := signals.NewHeuristic(reg, catalog.FromConfig(cfg).RoomNames())
	if cfg.Extractor.Provider != "llm" {
		return signals.Fallback{Primary: heuristic, Logger: logger}, nil
	}
	client, err := newLLMClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	return signals.Fallback{
		Primary:   signals.LLM{Client: client, Registry: reg},
		Secondary: heuristic,
		Logger:    logger,
	}, nil
}

// NewVerbalizer returns the template renderer, or the LLM renderer checked
// against the draft's facts.
func NewVerbalizer(cfg *config.Config, logger *logging.Logger) (verbalizer.Verbalizer, error) {
	if cfg.Verbalizer.Provider != "llm" {
		return verbalizer.Template{}, nil
	}
	client, err := newLLMClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("verbalizer: %w", err)
	}
	return verbalizer.FactChecked{Inner: verbalizer.LLM{Client: client}, Logger: logger}, nil
}

func NewSessions(cfg *config.Config) session.Store {
	if cfg.Session.Backend == "redis" {
		return session.NewRedis(cfg.Session.RedisAddr, "venueline:session:", cfg.Session.TTL)
	}
	return session.NewMemory(cfg.Session.TTL)
}

func newLLMClient(cfg *config.Config) (*llm.Client, error) {
	var key string
	if cfg.Extractor.APIKeyEnv != "" {
		key = os.Getenv(cfg.Extractor.APIKeyEnv)
	}
	return llm.New(llm.Config{
		Endpoint:      cfg.Extractor.Endpoint,
		Model:         cfg.Extractor.Model,
		APIKey:        key,
		RatePerSecond: cfg.Extractor.RatePerSecond,
		Burst:         cfg.Extractor.Burst,
		MaxRetries:    cfg.Extractor.MaxRetries,
		Timeout:       cfg.Extractor.Timeout,
	})
}

func providerOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
