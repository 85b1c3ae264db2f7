package migrate

import (
	"testing"

	"venueline/internal/db"
)

func TestMigrateCreatesSchemaAndIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), Tenant: "acme"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	v, err := Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected version 1, got %d", v)
	}
	if v, err = Migrate(conn); err != nil || v != 1 {
		t.Fatalf("second migrate: v=%d err=%v", v, err)
	}
	for _, table := range []string{"bookings", "hil_tasks", "events", "webhook_cursors"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
