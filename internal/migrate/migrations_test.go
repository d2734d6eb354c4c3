package migrate_test

import (
	"testing"

	"servline/internal/db"
	"servline/internal/migrate"
)

func TestMigrateAndVersion(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	v, err := migrate.Version(conn)
	if err != nil {
		t.Fatalf("version on fresh db: %v", err)
	}
	if v != 0 {
		t.Fatalf("fresh db should be at version 0, got %d", v)
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v, err = migrate.Version(conn)
	if err != nil || v < 1 {
		t.Fatalf("expected applied version >= 1, got %d (%v)", v, err)
	}
	applied := v

	// running again is a no-op
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err = migrate.Version(conn)
	if err != nil || v != applied {
		t.Fatalf("version changed on re-run: %d != %d (%v)", v, applied, err)
	}

	if _, err := conn.Exec(`INSERT INTO requests(id,requester_id,fulfiller_id,category,title,description,street,city,state,requested_date,status,created_at,updated_at)
		VALUES ('r1','alice','bob','plumbing','Fix kitchen sink','The kitchen sink has been leaking.','123 Main St','Springfield','IL','2026-01-05','pending','2026-01-01T00:00:00Z','2026-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema should accept a request row: %v", err)
	}
}
