package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir  = ".venueline"
	defaultDBName = "venueline.db"
	locksDir      = "locks"
)

// Config selects the tenant database inside a workspace.
type Config struct {
	Workspace string
	Tenant    string
}

// TenantDir returns the directory holding one tenant's database and locks.
func TenantDir(workspace, tenant string) string {
	if workspace == "" {
		workspace = "."
	}
	if tenant == "" {
		tenant = "default"
	}
	return filepath.Join(workspace, workspaceDir, tenant)
}

// EnsureWorkspace creates the tenant directory and its lock directory if missing.
func EnsureWorkspace(workspace, tenant string) (string, error) {
	path := TenantDir(workspace, tenant)
	if err := os.MkdirAll(filepath.Join(path, locksDir), 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the tenant SQLite database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace, cfg.Tenant); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(cfg.Workspace, cfg.Tenant))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer per tenant file; transactions queue on the pool
	conn.SetMaxOpenConns(1)
	return conn, nil
}

// Path returns the db path for a tenant.
func Path(workspace, tenant string) string {
	return filepath.Join(TenantDir(workspace, tenant), defaultDBName)
}

// LocksPath returns the lock directory colocated with the tenant database.
func LocksPath(workspace, tenant string) string {
	return filepath.Join(TenantDir(workspace, tenant), locksDir)
}
