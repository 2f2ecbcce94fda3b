package prefs_test

import (
	"context"
	"testing"

	"flagdeck/internal/db"
	"flagdeck/internal/domain"
	"flagdeck/flags"
	"flagdeck/internal/migrate"
	"flagdeck/internal/prefs"
	"flagdeck/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func put(t *testing.T, r repo.Repo, name, kind, value string) {
	t.Helper()
	err := r.UpsertOverrideTx(context.Background(), nil, domain.Override{
		ID: "id-" + name, Name: name, Kind: kind, Value: value, ActorID: "tester", UpdatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("upsert %s: %v", name, err)
	}
}

func TestStoreServesSnapshot(t *testing.T) {
	r := newRepo(t)
	store := prefs.New(r, nil)

	b := flags.NewBuilder()
	on := b.Bool(flags.BoolDef{Name: "ON", Default: false})
	off := b.Bool(flags.BoolDef{Name: "OFF", Default: true})
	n := b.Int(flags.IntDef{Name: "N", Default: 3})
	mismatched := b.Int(flags.IntDef{Name: "MISMATCH", Default: 5})
	if _, err := b.Build(flags.WithSource(store)); err != nil {
		t.Fatal(err)
	}

	put(t, r, "ON", "bool", "true")
	put(t, r, "N", "int", "7")
	put(t, r, "MISMATCH", "bool", "true")
	put(t, r, "BROKEN", "int", "seven")

	if on.Get() {
		t.Fatalf("reads must not hit the database before Refresh")
	}
	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !on.Get() {
		t.Fatalf("ON expected true after refresh")
	}
	if !off.Get() {
		t.Fatalf("OFF has no override and should keep its default")
	}
	if got := n.Get(); got != 7 {
		t.Fatalf("N expected 7, got %d", got)
	}
	if got := mismatched.Get(); got != 5 {
		t.Fatalf("kind-mismatched override must fall back to default, got %d", got)
	}
	if _, ok := store.Override("BROKEN"); ok {
		t.Fatalf("unparseable override should be skipped")
	}
	if store.Len() != 3 {
		t.Fatalf("expected 3 active overrides, got %d", store.Len())
	}
}

func TestSyncReloadsOnlyAfterWrites(t *testing.T) {
	r := newRepo(t)
	store := prefs.New(r, nil)
	ctx := context.Background()

	b := flags.NewBuilder()
	on := b.Bool(flags.BoolDef{Name: "ON", Default: false})
	if _, err := b.Build(flags.WithSource(store)); err != nil {
		t.Fatal(err)
	}
	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	reloaded, err := store.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if reloaded {
		t.Fatalf("sync without writes should not reload")
	}

	// A second store stands in for another process writing the same database.
	other := repo.Repo{DB: r.DB}
	put(t, other, "ON", "bool", "true")
	if on.Get() {
		t.Fatalf("snapshot should still be stale before Sync")
	}
	reloaded, err = store.Sync(ctx)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !reloaded || !on.Get() {
		t.Fatalf("expected reload to pick up ON=true, reloaded=%t value=%t", reloaded, on.Get())
	}

	if err := other.DeleteOverrideTx(ctx, nil, "ON"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if on.Get() {
		t.Fatalf("expected ON back to its default after delete")
	}
	if store.Revision() != 2 {
		t.Fatalf("expected revision 2, got %d", store.Revision())
	}
}

func TestNormalize(t *testing.T) {
	for _, tc := range []struct {
		kind flags.Kind
		in   string
		want string
		ok   bool
	}{
		{flags.KindBool, "ON", "true", true},
		{flags.KindBool, "0", "false", true},
		{flags.KindBool, "maybe", "", false},
		{flags.KindInt, " 42 ", "42", true},
		{flags.KindInt, "4.2", "", false},
	} {
		got, err := prefs.Normalize(tc.kind, tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("%s %q: unexpected err %v", tc.kind, tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s %q: got %q want %q", tc.kind, tc.in, got, tc.want)
		}
	}
}
