package migrate_test

import (
	"context"
	"testing"

	"flagdeck/internal/db"
	"flagdeck/internal/migrate"
)

func TestApplyIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	v1, err := migrate.Apply(ctx, conn)
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if v1 < 3 {
		t.Fatalf("expected schema version >= 3, got %d", v1)
	}
	v2, err := migrate.Apply(ctx, conn)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if v1 != v2 {
		t.Fatalf("version changed on re-apply: %d -> %d", v1, v2)
	}
	for _, table := range []string{"overrides", "settings", "events", "api_keys", "revisions"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("table %s missing", table)
		}
	}
}

func TestOverrideWritesBumpRevision(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	rev := func() int64 {
		t.Helper()
		var n int64
		if err := conn.QueryRowContext(ctx, `SELECT rev FROM revisions WHERE name='overrides'`).Scan(&n); err != nil {
			t.Fatalf("read revision: %v", err)
		}
		return n
	}
	if got := rev(); got != 0 {
		t.Fatalf("expected revision 0 on a fresh database, got %d", got)
	}
	stmts := []string{
		`INSERT INTO overrides(name,id,kind,value,actor_id,updated_at) VALUES ('A','1','bool','true','t','2024-01-01T00:00:00Z')`,
		`UPDATE overrides SET value='false' WHERE name='A'`,
		`DELETE FROM overrides WHERE name='A'`,
	}
	for i, q := range stmts {
		if _, err := conn.ExecContext(ctx, q); err != nil {
			t.Fatalf("exec %d: %v", i, err)
		}
		if got := rev(); got != int64(i+1) {
			t.Fatalf("after statement %d expected revision %d, got %d", i, i+1, got)
		}
	}
}
