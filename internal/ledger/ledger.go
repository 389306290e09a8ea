// Package ledger is the single deduplication authority of the forwarder.
//
// For every (platform, source) it remembers the most recent event ids and
// content hashes in two bounded FIFO sets. An event is new when neither its
// id nor its hash is present. State is written through to storage on every
// commit and loaded back at startup.
package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"pewfeed/internal/feed"
	"pewfeed/internal/metrics"
	"pewfeed/internal/storage"
	logx "pewfeed/pkg/logx"
)

const (
	DefaultCapacity         = 100
	defaultFailureThreshold = 3
)

type Config struct {
	// Capacity bounds each of the id and hash sets per source.
	Capacity int
	// FailureThreshold is the number of consecutive persistence failures
	// after which Health reports an error.
	FailureThreshold int
}

type Ledger struct {
	cfg     Config
	store   storage.Store
	log     logx.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	sources map[feed.SourceKey]*entry
	dirty   map[feed.SourceKey]struct{}

	failures atomic.Int64
	lastErr  atomic.Value // error
}

type entry struct {
	// guard serializes the IsNew..Commit section of the pipeline per source.
	guard sync.Mutex

	// mu protects the sets and orders persistence of this source.
	mu     sync.Mutex
	ids    *fifoSet
	hashes *fifoSet
}

func New(cfg Config, store storage.Store, log logx.Logger, m *metrics.Metrics) *Ledger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ledger{
		cfg:     cfg,
		store:   store,
		log:     log,
		metrics: m,
		now:     time.Now,
		sources: map[feed.SourceKey]*entry{},
		dirty:   map[feed.SourceKey]struct{}{},
	}
}

// Load replaces in-memory state with what the store holds.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	recs, err := l.store.LoadDedup(ctx)
	if err != nil {
		return err
	}
	sources := make(map[feed.SourceKey]*entry, len(recs))
	for _, r := range recs {
		key, ok := feed.ParseSourceKey(r.Source)
		if !ok {
			l.log.Warn("skipping dedup record with bad source key", logx.String("source", r.Source))
			continue
		}
		sources[key] = &entry{
			ids:    newFIFOSet(l.cfg.Capacity, tail(r.IDs, l.cfg.Capacity)),
			hashes: newFIFOSet(l.cfg.Capacity, tail(r.Hashes, l.cfg.Capacity)),
		}
	}
	l.mu.Lock()
	l.sources = sources
	l.dirty = map[feed.SourceKey]struct{}{}
	l.mu.Unlock()
	l.metrics.LedgerSources(len(sources))
	l.log.Info("dedup ledger loaded", logx.Int("sources", len(sources)))
	return nil
}

func (l *Ledger) entry(source feed.SourceKey) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.sources[source]
	if e == nil {
		e = &entry{ids: newFIFOSet(l.cfg.Capacity, nil), hashes: newFIFOSet(l.cfg.Capacity, nil)}
		l.sources[source] = e
		l.metrics.LedgerSources(len(l.sources))
	}
	return e
}

// Guard takes the per-source pipeline lock. Holding it across IsNew, delivery
// and Commit keeps overlapping events of one source from both being
// judged new.
func (l *Ledger) Guard(source feed.SourceKey) (release func()) {
	e := l.entry(source)
	e.guard.Lock()
	return e.guard.Unlock
}

// IsNew reports whether neither eventID nor contentHash was committed for source.
func (l *Ledger) IsNew(source feed.SourceKey, eventID, contentHash string) bool {
	l.mu.Lock()
	e := l.sources[source]
	l.mu.Unlock()
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if eventID != "" && e.ids.has(eventID) {
		return false
	}
	if contentHash != "" && e.hashes.has(contentHash) {
		return false
	}
	return true
}

// Commit records both keys for source and writes the source's record through
// to storage. The in-memory commit always takes effect; a failed write is
// returned as *storage.WriteError and retried by later commits and Flush.
func (l *Ledger) Commit(ctx context.Context, source feed.SourceKey, eventID, contentHash string) error {
	e := l.entry(source)

	e.mu.Lock()
	changed := e.ids.add(eventID)
	if e.hashes.add(contentHash) {
		changed = true
	}
	var err error
	if changed {
		err = l.persistLocked(ctx, source, e)
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}
	// A healthy write is a good moment to retry earlier failures.
	l.flushDirty(ctx)
	return nil
}

// persistLocked writes e's record; e.mu must be held.
func (l *Ledger) persistLocked(ctx context.Context, source feed.SourceKey, e *entry) error {
	if l.store == nil {
		return nil
	}
	rec := storage.DedupRecord{
		Source:    source.String(),
		IDs:       e.ids.keys(),
		Hashes:    e.hashes.keys(),
		UpdatedAt: l.now(),
	}
	if err := l.store.PutDedup(ctx, rec); err != nil {
		werr := &storage.WriteError{Table: "dedup", Err: err}
		l.mu.Lock()
		l.dirty[source] = struct{}{}
		l.mu.Unlock()
		n := l.failures.Add(1)
		l.lastErr.Store(werr)
		l.metrics.PersistenceError("dedup")
		l.log.Error("dedup ledger write failed",
			logx.String("source", rec.Source), logx.Int64("consecutive_failures", n), logx.Err(err))
		return werr
	}
	l.mu.Lock()
	delete(l.dirty, source)
	l.mu.Unlock()
	l.failures.Store(0)
	return nil
}

func (l *Ledger) flushDirty(ctx context.Context) {
	l.mu.Lock()
	if len(l.dirty) == 0 {
		l.mu.Unlock()
		return
	}
	pending := make(map[feed.SourceKey]*entry, len(l.dirty))
	for k := range l.dirty {
		pending[k] = l.sources[k]
	}
	l.mu.Unlock()

	for k, e := range pending {
		if e == nil {
			continue
		}
		e.mu.Lock()
		err := l.persistLocked(ctx, k, e)
		e.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Flush writes every record whose last write failed. Called on shutdown.
func (l *Ledger) Flush(ctx context.Context) error {
	l.flushDirty(ctx)
	l.mu.Lock()
	n := len(l.dirty)
	l.mu.Unlock()
	if n > 0 {
		if err, _ := l.lastErr.Load().(error); err != nil {
			return err
		}
		return errors.New("dedup ledger: unflushed records remain")
	}
	return nil
}

// Health returns the last write error once consecutive failures reach the
// configured threshold.
func (l *Ledger) Health() error {
	if l.failures.Load() < int64(l.cfg.FailureThreshold) {
		return nil
	}
	if err, _ := l.lastErr.Load().(error); err != nil {
		return err
	}
	return errors.New("dedup ledger persistence failing")
}

// Snapshot returns copies of source's id and hash sets, oldest first.
func (l *Ledger) Snapshot(source feed.SourceKey) (ids, hashes []string) {
	l.mu.Lock()
	e := l.sources[source]
	l.mu.Unlock()
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ids.keys(), e.hashes.keys()
}

// Sources returns the number of tracked sources.
func (l *Ledger) Sources() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sources)
}

func tail(v []string, n int) []string {
	if len(v) <= n {
		return v
	}
	return v[len(v)-n:]
}
