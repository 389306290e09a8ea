package storage

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. It is used by tests and by the "memory" driver.
type Memory struct {
	mu     sync.Mutex
	dedup  map[string]DedupRecord
	routes map[string]RouteRecord
	closed bool

	// failWrites makes every write return the given error. Tests use it to
	// simulate a broken disk.
	failWrites error
}

func NewMemory() *Memory {
	return &Memory{dedup: map[string]DedupRecord{}, routes: map[string]RouteRecord{}}
}

func (m *Memory) LoadDedup(ctx context.Context) ([]DedupRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DedupRecord, 0, len(m.dedup))
	for _, r := range m.dedup {
		out = append(out, cloneDedup(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func (m *Memory) PutDedup(ctx context.Context, rec DedupRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failWrites != nil {
		return m.failWrites
	}
	m.dedup[rec.Source] = cloneDedup(rec)
	return nil
}

func (m *Memory) LoadRoutes(ctx context.Context) ([]RouteRecord, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RouteRecord, 0, len(m.routes))
	for _, r := range m.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *Memory) GetRoute(ctx context.Context, key string) (RouteRecord, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[key]
	return r, ok, nil
}

func (m *Memory) PutRoute(ctx context.Context, rec RouteRecord) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failWrites != nil {
		return m.failWrites
	}
	m.routes[rec.Key] = rec
	return nil
}

func (m *Memory) DeleteRoute(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failWrites != nil {
		return m.failWrites
	}
	delete(m.routes, key)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// SetFailWrites toggles simulated write failures.
func (m *Memory) SetFailWrites(err error) {
	m.mu.Lock()
	m.failWrites = err
	m.mu.Unlock()
}

func cloneDedup(r DedupRecord) DedupRecord {
	r.IDs = append([]string(nil), r.IDs...)
	r.Hashes = append([]string(nil), r.Hashes...)
	return r
}
