package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	logx "pewfeed/pkg/logx"
	"sort"
	"strings"
	"sync"
	"time"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot of both tables)
//   - <prefix>.state.journal.jsonl (append-only journal, fsynced per write)
//
// The journal is compacted into the snapshot every compactEvery writes and on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	dedup  map[string]DedupRecord
	routes map[string]RouteRecord

	writes int
}

const compactEvery = 1000

type fileSnapshot struct {
	Dedup  map[string]DedupRecord `json:"dedup"`
	Routes map[string]RouteRecord `json:"routes"`
}

type journalOp string

const (
	opDedup       journalOp = "dedup"
	opRoute       journalOp = "route"
	opRouteDelete journalOp = "route_del"
)

type journalRecord struct {
	Op    journalOp    `json:"op"`
	Dedup *DedupRecord `json:"dedup,omitempty"`
	Route *RouteRecord `json:"route,omitempty"`
	Key   string       `json:"key,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		dedup:        map[string]DedupRecord{},
		routes:       map[string]RouteRecord{},
	}
	if err := st.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if n, err := st.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	} else if n > 0 {
		log.Debug("storage journal replayed", logx.Int("records", n))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journal = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

func (s *fileStore) Ping(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	_, err := s.journal.Stat()
	return err
}

func (s *fileStore) LoadDedup(ctx context.Context) ([]DedupRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DedupRecord, 0, len(s.dedup))
	for _, r := range s.dedup {
		out = append(out, cloneDedup(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, rec DedupRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.Source) == "" {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	rec = cloneDedup(rec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opDedup, Dedup: &rec}); err != nil {
		return err
	}
	s.dedup[rec.Source] = rec
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) LoadRoutes(ctx context.Context) ([]RouteRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RouteRecord, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *fileStore) GetRoute(ctx context.Context, key string) (RouteRecord, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routes[key]
	return r, ok, nil
}

func (s *fileStore) PutRoute(ctx context.Context, rec RouteRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("route key is empty")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendLocked(journalRecord{Op: opRoute, Route: &rec}); err != nil {
		return err
	}
	s.routes[rec.Key] = rec
	s.afterWriteLocked()
	return nil
}

func (s *fileStore) DeleteRoute(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[key]; !ok {
		return nil
	}
	if err := s.appendLocked(journalRecord{Op: opRouteDelete, Key: key}); err != nil {
		return err
	}
	delete(s.routes, key)
	s.afterWriteLocked()
	return nil
}

// appendLocked writes one journal record and fsyncs it, so a returned nil
// means the write survives a crash.
func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	return s.journal.Sync()
}

func (s *fileStore) afterWriteLocked() {
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact; the journal still holds everything on failure.
		if err := s.compactLocked(); err != nil {
			s.log.Warn("storage compact failed", logx.Err(err))
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Dedup: s.dedup, Routes: s.routes}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Dedup {
		s.dedup[k] = v
	}
	for k, v := range snap.Routes {
		s.routes[k] = v
	}
	return nil
}

func (s *fileStore) replayJournal(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected; skip it.
			continue
		}
		switch r.Op {
		case opDedup:
			if r.Dedup != nil && r.Dedup.Source != "" {
				s.dedup[r.Dedup.Source] = *r.Dedup
			}
		case opRoute:
			if r.Route != nil && r.Route.Key != "" {
				s.routes[r.Route.Key] = *r.Route
			}
		case opRouteDelete:
			delete(s.routes, r.Key)
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
