// Package resolver maps a watched source to the subscriptions interested in it.
//
// Subscriptions come from the project store as a snapshot that is reused for
// at most the staleness window, and dropped immediately when the store
// signals a change. Platform-reserved accounts are filtered on every call, so
// stale or hand-edited project data can never subscribe to them.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"pewfeed/internal/eventbus"
	"pewfeed/internal/feed"
	logx "pewfeed/pkg/logx"

	"golang.org/x/sync/singleflight"
)

const DefaultStaleness = 5 * time.Minute

// builtinDeny lists each platform's own official and support accounts.
var builtinDeny = map[feed.Platform][]string{
	feed.PlatformTwitter:  {"twitter", "x", "twittersupport", "xsupport", "support"},
	feed.PlatformTelegram: {"telegram", "botfather", "botnews", "notoscam"},
}

// Source lists the active subscriptions. projects.Store implements it.
type Source interface {
	ListActiveSubscriptions(ctx context.Context) ([]feed.Subscription, error)
}

type Config struct {
	Staleness time.Duration
	// DenyExtra extends the built-in deny-list per platform.
	DenyExtra map[feed.Platform][]string
}

type Resolver struct {
	src Source
	log logx.Logger
	now func() time.Time

	mu        sync.RWMutex
	snap      *snapshot
	staleness time.Duration
	deny      map[feed.Platform]map[string]bool

	// gen is bumped by Invalidate; a snapshot from an older generation is expired.
	gen atomic.Uint64
	sf  singleflight.Group
}

type snapshot struct {
	at       time.Time
	gen      uint64
	bySource map[feed.SourceKey][]feed.Subscription
	sources  map[feed.Platform][]string
}

func New(cfg Config, src Source, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{src: src, log: log, now: time.Now}
	r.Apply(cfg)
	return r
}

// Apply updates the staleness window and deny-list.
func (r *Resolver) Apply(cfg Config) {
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	deny := map[feed.Platform]map[string]bool{}
	add := func(p feed.Platform, ids []string) {
		if deny[p] == nil {
			deny[p] = map[string]bool{}
		}
		for _, id := range ids {
			if n := feed.NormalizeSourceID(id); n != "" {
				deny[p][n] = true
			}
		}
	}
	for p, ids := range builtinDeny {
		add(p, ids)
	}
	for p, ids := range cfg.DenyExtra {
		add(p, ids)
	}
	r.mu.Lock()
	r.staleness = cfg.Staleness
	r.deny = deny
	r.mu.Unlock()
}

// Denied reports whether id is a reserved account on platform.
func (r *Resolver) Denied(platform feed.Platform, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deny[platform][feed.NormalizeSourceID(id)]
}

// Resolve returns the active subscriptions for (platform, sourceID).
func (r *Resolver) Resolve(ctx context.Context, platform feed.Platform, sourceID string) ([]feed.Subscription, error) {
	id := feed.NormalizeSourceID(sourceID)
	if id == "" || r.Denied(platform, id) {
		return nil, nil
	}
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	subs := snap.bySource[feed.SourceKey{Platform: platform, ID: id}]
	return append([]feed.Subscription(nil), subs...), nil
}

// Sources returns the distinct non-denied source ids of platform with at least one subscription.
func (r *Resolver) Sources(ctx context.Context, platform feed.Platform) ([]string, error) {
	snap, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(snap.sources[platform]))
	for _, id := range snap.sources[platform] {
		if !r.Denied(platform, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Invalidate drops the snapshot; the next call reloads.
func (r *Resolver) Invalidate() {
	r.gen.Add(1)
}

// Watch invalidates on every project store change until ctx is done.
// A change dropped on a full buffer is covered by the one still queued.
func (r *Resolver) Watch(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(4, eventbus.TypeProjectsChanged)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Type == eventbus.TypeProjectsChanged {
				r.Invalidate()
				r.log.Debug("subscription cache invalidated")
			}
		}
	}
}

func (r *Resolver) fresh(s *snapshot, gen uint64) bool {
	r.mu.RLock()
	staleness := r.staleness
	r.mu.RUnlock()
	return s != nil && s.gen == gen && r.now().Sub(s.at) < staleness
}

func (r *Resolver) snapshot(ctx context.Context) (*snapshot, error) {
	gen := r.gen.Load()
	r.mu.RLock()
	cur := r.snap
	r.mu.RUnlock()
	if r.fresh(cur, gen) {
		return cur, nil
	}

	// Callers after an Invalidate must not join a load that started before it.
	v, err, _ := r.sf.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		subs, err := r.src.ListActiveSubscriptions(ctx)
		if err != nil {
			return nil, err
		}
		s := build(subs, gen, r.now())
		r.mu.Lock()
		r.snap = s
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		if cur != nil {
			r.log.Warn("subscription reload failed; serving stale snapshot",
				logx.Duration("age", r.now().Sub(cur.at)), logx.Err(err))
			return cur, nil
		}
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	return v.(*snapshot), nil
}

func build(subs []feed.Subscription, gen uint64, at time.Time) *snapshot {
	s := &snapshot{
		at:       at,
		gen:      gen,
		bySource: map[feed.SourceKey][]feed.Subscription{},
		sources:  map[feed.Platform][]string{},
	}
	for _, sub := range subs {
		sub.SourceID = feed.NormalizeSourceID(sub.SourceID)
		if sub.SourceID == "" {
			continue
		}
		k := feed.SourceKey{Platform: sub.Platform, ID: sub.SourceID}
		if _, ok := s.bySource[k]; !ok {
			s.sources[sub.Platform] = append(s.sources[sub.Platform], sub.SourceID)
		}
		s.bySource[k] = append(s.bySource[k], sub)
	}
	for p := range s.sources {
		sort.Strings(s.sources[p])
	}
	return s
}
