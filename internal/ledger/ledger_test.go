package ledger

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pewfeed/internal/feed"
	"pewfeed/internal/storage"
	logx "pewfeed/pkg/logx"
)

var src = feed.SourceKey{Platform: feed.PlatformTwitter, ID: "acct1"}

func newTestLedger(t *testing.T, st storage.Store) *Ledger {
	t.Helper()
	return New(Config{}, st, logx.Nop(), nil)
}

func TestCommitMakesIDAndHashKnown(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, storage.NewMemory())
	ctx := context.Background()

	if !l.IsNew(src, "e1", "h1") {
		t.Fatal("fresh ledger must report new")
	}
	if err := l.Commit(ctx, src, "e1", "h1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tests := []struct {
		name string
		id   string
		hash string
		want bool
	}{
		{name: "same id and hash", id: "e1", hash: "h1", want: false},
		{name: "churned id same content", id: "e1b", hash: "h1", want: false},
		{name: "same id edited content", id: "e1", hash: "h2", want: false},
		{name: "unrelated", id: "e2", hash: "h2", want: true},
	}
	for _, tt := range tests {
		if got := l.IsNew(src, tt.id, tt.hash); got != tt.want {
			t.Fatalf("%s: IsNew = %v, want %v", tt.name, got, tt.want)
		}
	}
	other := feed.SourceKey{Platform: feed.PlatformTwitter, ID: "acct2"}
	if !l.IsNew(other, "e1", "h1") {
		t.Fatal("keys are scoped per source")
	}
}

func TestBoundedUnderManyEvents(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, storage.NewMemory())
	ctx := context.Background()

	const n = 10000
	for i := 0; i < n; i++ {
		s := strconv.Itoa(i)
		if err := l.Commit(ctx, src, "id"+s, "hash"+s); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}
	ids, hashes := l.Snapshot(src)
	if len(ids) != DefaultCapacity || len(hashes) != DefaultCapacity {
		t.Fatalf("sizes = %d/%d, want %d", len(ids), len(hashes), DefaultCapacity)
	}
	if ids[0] != "id"+strconv.Itoa(n-DefaultCapacity) || ids[len(ids)-1] != "id"+strconv.Itoa(n-1) {
		t.Fatalf("unexpected window: first=%s last=%s", ids[0], ids[len(ids)-1])
	}
	if !l.IsNew(src, "id0", "hash0") {
		t.Fatal("oldest entries must be evicted")
	}
	if l.IsNew(src, "id"+strconv.Itoa(n-1), "") {
		t.Fatal("newest entry must be retained")
	}
}

func TestReinsertDoesNotRefreshPosition(t *testing.T) {
	t.Parallel()
	l := New(Config{Capacity: 3}, storage.NewMemory(), logx.Nop(), nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "a", "d"} {
		_ = l.Commit(ctx, src, id, "")
	}
	ids, hashes := l.Snapshot(src)
	want := []string{"b", "c", "d"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
	if len(hashes) != 0 {
		t.Fatalf("empty hashes must not be stored: %v", hashes)
	}
}

func TestStateSurvivesReload(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()

	l1 := newTestLedger(t, st)
	if err := l1.Commit(ctx, src, "e1", "h1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	l2 := newTestLedger(t, st)
	if err := l2.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l2.IsNew(src, "e1", "") || l2.IsNew(src, "", "h1") {
		t.Fatal("committed keys must survive a reload")
	}
}

func TestLoadTrimsToCapacity(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	ctx := context.Background()
	_ = st.PutDedup(ctx, storage.DedupRecord{Source: src.String(), IDs: []string{"1", "2", "3", "4"}})
	l := New(Config{Capacity: 2}, st, logx.Nop(), nil)
	if err := l.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ids, _ := l.Snapshot(src)
	if len(ids) != 2 || ids[0] != "3" || ids[1] != "4" {
		t.Fatalf("ids = %v", ids)
	}
}

func TestPersistenceFailureKeepsMemoryAndRecovers(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	l := newTestLedger(t, st)
	ctx := context.Background()

	diskFull := errors.New("disk full")
	st.SetFailWrites(diskFull)
	for i := 0; i < defaultFailureThreshold; i++ {
		err := l.Commit(ctx, src, "e"+strconv.Itoa(i), "")
		var werr *storage.WriteError
		if !errors.As(err, &werr) || !errors.Is(err, diskFull) {
			t.Fatalf("Commit err = %v, want WriteError wrapping disk full", err)
		}
		if i < defaultFailureThreshold-1 && l.Health() != nil {
			t.Fatalf("Health failed too early at %d", i)
		}
	}
	if l.IsNew(src, "e0", "") {
		t.Fatal("in-memory commit must stand when persistence fails")
	}
	if l.Health() == nil {
		t.Fatal("Health must report persistent write failures")
	}
	if err := l.Flush(ctx); err == nil {
		t.Fatal("Flush must fail while the store is failing")
	}

	st.SetFailWrites(nil)
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if l.Health() != nil {
		t.Fatal("Health must recover after a successful write")
	}
	recs, _ := st.LoadDedup(ctx)
	if len(recs) != 1 || len(recs[0].IDs) != defaultFailureThreshold {
		t.Fatalf("stored = %+v", recs)
	}
}

func TestGuardSerializesPerSource(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t, storage.NewMemory())
	ctx := context.Background()

	// Every goroutine sees the same event; only one may find it new.
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.Guard(src)
			defer release()
			if l.IsNew(src, "e1", "h1") {
				time.Sleep(time.Millisecond)
				winners.Add(1)
				_ = l.Commit(ctx, src, "e1", "h1")
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
}
