package storage

import (
	"context"
	"os"
	"path/filepath"
	logx "pewfeed/pkg/logx"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()

	if err := st.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := st.PutDedup(ctx, DedupRecord{Source: "twitter|acct1", IDs: []string{"1", "2"}, Hashes: []string{"h1"}}); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, DedupRecord{Source: "twitter|acct1", IDs: []string{"1", "2", "3"}, Hashes: []string{"h1", "h3"}}); err != nil {
		t.Fatalf("PutDedup overwrite: %v", err)
	}
	recs, err := st.LoadDedup(ctx)
	if err != nil {
		t.Fatalf("LoadDedup: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("LoadDedup len = %d, want 1", len(recs))
	}
	if !reflect.DeepEqual(recs[0].IDs, []string{"1", "2", "3"}) || !reflect.DeepEqual(recs[0].Hashes, []string{"h1", "h3"}) {
		t.Fatalf("unexpected record: %+v", recs[0])
	}

	if err := st.PutRoute(ctx, RouteRecord{Key: "1|p|-100", ThreadID: 77}); err != nil {
		t.Fatalf("PutRoute: %v", err)
	}
	if err := st.PutRoute(ctx, RouteRecord{Key: "1|q|-100", Fallback: true}); err != nil {
		t.Fatalf("PutRoute fallback: %v", err)
	}
	r, ok, err := st.GetRoute(ctx, "1|p|-100")
	if err != nil || !ok || r.ThreadID != 77 || r.Fallback {
		t.Fatalf("GetRoute = %+v, %v, %v", r, ok, err)
	}
	r, ok, err = st.GetRoute(ctx, "1|q|-100")
	if err != nil || !ok || r.ThreadID != 0 || !r.Fallback {
		t.Fatalf("GetRoute fallback = %+v, %v, %v", r, ok, err)
	}
	if _, ok, err := st.GetRoute(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetRoute missing = %v, %v", ok, err)
	}
	if err := st.DeleteRoute(ctx, "1|q|-100"); err != nil {
		t.Fatalf("DeleteRoute: %v", err)
	}
	routes, err := st.LoadRoutes(ctx)
	if err != nil {
		t.Fatalf("LoadRoutes: %v", err)
	}
	if len(routes) != 1 || routes[0].Key != "1|p|-100" {
		t.Fatalf("LoadRoutes = %+v", routes)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemory())
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	cfg := Config{Driver: "file", Path: path}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)

	// Reopen without Close: the journal alone must carry the state.
	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ctx := context.Background()
	r, ok, err := st2.GetRoute(ctx, "1|p|-100")
	if err != nil || !ok || r.ThreadID != 77 {
		t.Fatalf("after reopen GetRoute = %+v, %v, %v", r, ok, err)
	}
	if _, ok, _ := st2.GetRoute(ctx, "1|q|-100"); ok {
		t.Fatal("deleted route came back after replay")
	}
	_ = st2.Close()
	_ = st.Close()

	// After Close the snapshot carries everything and the journal is empty.
	fi, err := os.Stat(filepath.Join(filepath.Dir(path), "state.state.journal.jsonl"))
	if err != nil {
		t.Fatalf("stat journal: %v", err)
	}
	if fi.Size() != 0 {
		t.Fatalf("journal size after close = %d, want 0", fi.Size())
	}
	st3, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	defer st3.Close()
	recs, _ := st3.LoadDedup(ctx)
	if len(recs) != 1 || len(recs[0].IDs) != 3 {
		t.Fatalf("LoadDedup after snapshot = %+v", recs)
	}
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "s.json")
	journal := filepath.Join(dir, "s.state.journal.jsonl")
	body := `{"op":"route","route":{"key":"1|p|2","thread_id":5}}` + "\n" + `{"op":"route","rou`
	if err := os.WriteFile(journal, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	r, ok, _ := st.GetRoute(context.Background(), "1|p|2")
	if !ok || r.ThreadID != 5 {
		t.Fatalf("GetRoute = %+v, %v", r, ok)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	_ = st.Close()

	// Migrations are idempotent across reopen.
	st2, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	routes, err := st2.LoadRoutes(context.Background())
	if err != nil || len(routes) != 1 {
		t.Fatalf("LoadRoutes after reopen = %+v, %v", routes, err)
	}
}

func TestRedisStore(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	st, err := Open(Config{Driver: "redis", RedisAddr: mr.Addr(), KeyPrefix: "pewfeed-test"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)

	if !mr.Exists("pewfeed-test:dedup") || !mr.Exists("pewfeed-test:routes") {
		t.Fatalf("keys = %v", mr.Keys())
	}
}

func TestRedisOpenFailsWhenUnreachable(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := Open(Config{Driver: "redis", RedisAddr: addr}, logx.Nop()); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestMigrationVersion(t *testing.T) {
	t.Parallel()
	if v, err := migrationVersion("001_init.sql"); err != nil || v != 1 {
		t.Fatalf("migrationVersion = %d, %v", v, err)
	}
	if _, err := migrationVersion("init.sql"); err == nil {
		t.Fatal("expected error for missing version prefix")
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
