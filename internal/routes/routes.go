// Package routes maps (subscriber, project, destination) to the sub-channel
// that receives a subscription's notifications.
//
// Mappings are created lazily on first delivery, persisted through
// storage.Store and cached in memory. A destination that cannot host
// sub-channels gets an explicit fallback marker so creation is not retried
// on every event.
package routes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pewfeed/internal/eventbus"
	"pewfeed/internal/feed"
	"pewfeed/internal/metrics"
	"pewfeed/internal/storage"
	"pewfeed/internal/transport"
	logx "pewfeed/pkg/logx"

	"golang.org/x/sync/singleflight"
)

const (
	// MaxNameRunes is the platform limit for sub-channel names.
	MaxNameRunes = 128

	createTimeout           = 30 * time.Second
	defaultFailureThreshold = 3
)

// Route is where a subscription's notifications go inside its destination.
type Route struct {
	ThreadID int
	// Fallback marks a destination without sub-channel support.
	Fallback bool
}

// Tagged reports whether messages go to the parent destination with a
// project tag prefix instead of a dedicated sub-channel.
func (r Route) Tagged() bool { return r.ThreadID == 0 }

// Creator creates a sub-channel and returns its thread id.
type Creator interface {
	CreateSubchannel(ctx context.Context, destination int64, name string) (int, error)
}

// RouteCreated is the eventbus payload of eventbus.TypeRouteCreated.
type RouteCreated struct {
	Key      string
	ThreadID int
	Fallback bool
}

type Mapper struct {
	store   storage.Store
	creator Creator
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]Route
	// dirty holds routes whose write failed; they are retried on the next hit and on Flush.
	dirty map[string]Route

	sf singleflight.Group

	failures atomic.Int64
	lastErr  atomic.Value // error
}

func New(store storage.Store, creator Creator, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) *Mapper {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mapper{
		store:   store,
		creator: creator,
		log:     log,
		metrics: m,
		bus:     bus,
		now:     time.Now,
		cache:   map[string]Route{},
		dirty:   map[string]Route{},
	}
}

// Load warms the cache from the store.
func (m *Mapper) Load(ctx context.Context) error {
	recs, err := m.store.LoadRoutes(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	m.mu.Lock()
	for _, r := range recs {
		m.cache[r.Key] = Route{ThreadID: r.ThreadID, Fallback: r.Fallback}
	}
	m.mu.Unlock()
	m.log.Info("routes loaded", logx.Int("routes", len(recs)))
	return nil
}

// GetOrCreateRoute returns the route of sub, creating its sub-channel on first
// use. Concurrent calls for one key make at most one creation call and all
// observe the same route.
func (m *Mapper) GetOrCreateRoute(ctx context.Context, sub feed.Subscription) (Route, error) {
	if !sub.UseSubchannels {
		return Route{}, nil
	}
	key := sub.RouteKey().String()

	if r, ok := m.cached(ctx, key); ok {
		return r, nil
	}

	ch := m.sf.DoChan(key, func() (any, error) {
		// The first caller's cancellation must not fail the others.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), createTimeout)
		defer cancel()
		return m.resolve(cctx, key, sub)
	})
	select {
	case <-ctx.Done():
		return Route{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Route{}, res.Err
		}
		return res.Val.(Route), nil
	}
}

// cached returns a memoized route and retries its write if it is dirty.
func (m *Mapper) cached(ctx context.Context, key string) (Route, bool) {
	m.mu.RLock()
	r, ok := m.cache[key]
	_, dirty := m.dirty[key]
	m.mu.RUnlock()
	if ok && dirty {
		_ = m.persist(ctx, key, r)
	}
	return r, ok
}

// resolve runs inside singleflight: re-check memory, then the store, then create.
func (m *Mapper) resolve(ctx context.Context, key string, sub feed.Subscription) (Route, error) {
	m.mu.RLock()
	r, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	rec, found, err := m.store.GetRoute(ctx, key)
	if err != nil {
		m.log.Warn("route lookup failed; creating", logx.String("route", key), logx.Err(err))
	} else if found {
		r = Route{ThreadID: rec.ThreadID, Fallback: rec.Fallback}
		m.remember(key, r)
		return r, nil
	}

	name := subchannelName(sub)
	thread, err := m.creator.CreateSubchannel(ctx, sub.Destination, name)
	switch {
	case err == nil && thread > 0:
		r = Route{ThreadID: thread}
		m.metrics.RouteCreation("created")
		m.log.Info("sub-channel created",
			logx.String("route", key), logx.String("name", name), logx.Int("thread_id", thread))
	case err == nil, errors.Is(err, transport.ErrSubchannelUnsupported):
		r = Route{Fallback: true}
		m.metrics.RouteCreation("fallback")
		m.log.Info("destination has no sub-channels; tagging instead",
			logx.String("route", key), logx.Int64("destination", sub.Destination), logx.Err(err))
	default:
		m.metrics.RouteCreation("error")
		return Route{}, fmt.Errorf("create sub-channel for %s: %w", key, err)
	}

	m.remember(key, r)
	_ = m.persist(ctx, key, r)
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeRouteCreated, Data: RouteCreated{Key: key, ThreadID: r.ThreadID, Fallback: r.Fallback}})
	}
	return r, nil
}

func (m *Mapper) remember(key string, r Route) {
	m.mu.Lock()
	m.cache[key] = r
	m.mu.Unlock()
}

// persist writes r, marking it dirty on failure. The in-memory route stands either way.
func (m *Mapper) persist(ctx context.Context, key string, r Route) error {
	err := m.store.PutRoute(ctx, storage.RouteRecord{Key: key, ThreadID: r.ThreadID, Fallback: r.Fallback, UpdatedAt: m.now()})
	m.mu.Lock()
	if err != nil {
		m.dirty[key] = r
	} else {
		delete(m.dirty, key)
	}
	m.mu.Unlock()
	if err != nil {
		werr := &storage.WriteError{Table: "routes", Err: err}
		n := m.failures.Add(1)
		m.lastErr.Store(werr)
		m.metrics.PersistenceError("routes")
		level := m.log.Warn
		if n >= defaultFailureThreshold {
			level = m.log.Error
		}
		level("route persistence failed", logx.String("route", key), logx.Int64("consecutive", n), logx.Err(err))
		return werr
	}
	m.failures.Store(0)
	return nil
}

// ClearRoute forgets the mapping of key so the next delivery creates a new sub-channel.
func (m *Mapper) ClearRoute(ctx context.Context, key feed.RouteKey) error {
	k := key.String()
	m.mu.Lock()
	delete(m.cache, k)
	delete(m.dirty, k)
	m.mu.Unlock()
	m.sf.Forget(k)
	if err := m.store.DeleteRoute(ctx, k); err != nil {
		return &storage.WriteError{Table: "routes", Err: err}
	}
	m.log.Info("route cleared", logx.String("route", k))
	return nil
}

// Flush retries every dirty route.
func (m *Mapper) Flush(ctx context.Context) error {
	m.mu.RLock()
	pending := make(map[string]Route, len(m.dirty))
	for k, r := range m.dirty {
		pending[k] = r
	}
	m.mu.RUnlock()

	var errs []error
	for k, r := range pending {
		if err := m.persist(ctx, k, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Health reports an error after repeated consecutive persistence failures.
func (m *Mapper) Health() error {
	if m.failures.Load() < defaultFailureThreshold {
		return nil
	}
	err, _ := m.lastErr.Load().(error)
	if err == nil {
		err = errors.New("route persistence failing")
	}
	return err
}

// Len returns the number of cached routes.
func (m *Mapper) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func subchannelName(sub feed.Subscription) string {
	rs := []rune(sub.Label())
	if len(rs) > MaxNameRunes {
		rs = rs[:MaxNameRunes]
	}
	return string(rs)
}
