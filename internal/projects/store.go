// Package projects is the subscriber → project → source document the
// forwarder reads its subscriptions from.
//
// The document is a JSON file. Edits made on disk are picked up by Watch;
// programmatic edits go through Mutate. Every accepted change publishes
// eventbus.TypeProjectsChanged so cached readers can invalidate.
package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pewfeed/internal/config"
	"pewfeed/internal/eventbus"
	"pewfeed/internal/feed"
	logx "pewfeed/pkg/logx"
)

// Changed is the payload of eventbus.TypeProjectsChanged.
type Changed struct {
	Subscriptions int
	Origin        string // "mutate" or "reload"
}

type Store struct {
	path string
	log  logx.Logger
	bus  eventbus.Bus

	// writeMu serializes Mutate and Reload so a reload never interleaves with a write.
	writeMu sync.Mutex

	mu      sync.RWMutex
	doc     *Document
	raw     []byte
	subs    []feed.Subscription
	version uint64
}

// Open loads path. A missing file is an empty document; it is created on the first Mutate.
func Open(path string, bus eventbus.Bus, log logx.Logger) (*Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, bus: bus, log: log, doc: &Document{}}
	if _, err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Version increases on every accepted change.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ListActiveSubscriptions returns every subscription of enabled subscribers and projects.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]feed.Subscription(nil), s.subs...), nil
}

// GetForwardDestination returns the destination of subscriber, false when unknown.
func (s *Store) GetForwardDestination(subscriber int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.doc.Subscribers {
		if sub.ID == subscriber {
			return sub.Destination(), true
		}
	}
	return 0, false
}

// Document returns a copy of the current document.
func (s *Store) Document() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.clone()
}

// Mutate applies fn to a copy of the document, validates it, writes it
// atomically and publishes the change. fn's error aborts without writing.
func (s *Store) Mutate(ctx context.Context, fn func(d *Document) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	doc := s.Document()
	if err := fn(doc); err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid project document: %w", err)
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.path, raw); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	s.swap(doc, raw, "mutate")
	return nil
}

// Reload re-reads the file and publishes when the content changed.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.reload()
}

func (s *Store) reload() (bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		raw = nil
	} else if err != nil {
		return false, err
	}

	s.mu.RLock()
	same := s.version > 0 && bytes.Equal(raw, s.raw)
	s.mu.RUnlock()
	if same {
		return false, nil
	}

	doc := &Document{}
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(doc); err != nil {
			return false, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if err := doc.Validate(); err != nil {
		return false, fmt.Errorf("invalid project document %s: %w", s.path, err)
	}
	s.swap(doc, raw, "reload")
	return true, nil
}

func (s *Store) swap(doc *Document, raw []byte, origin string) {
	subs := doc.Subscriptions()
	s.mu.Lock()
	s.doc = doc
	s.raw = raw
	s.subs = subs
	s.version++
	s.mu.Unlock()

	s.log.Info("projects updated", logx.String("origin", origin), logx.Int("subscriptions", len(subs)))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeProjectsChanged, Data: Changed{Subscriptions: len(subs), Origin: origin}})
	}
}

// Watch reloads on file changes until ctx is done. An invalid edit is logged
// and the previous document stays active.
func (s *Store) Watch(ctx context.Context) error {
	return config.WatchFile(ctx, s.path, 250*time.Millisecond, s.log.With(logx.String("watch", "projects")), func() {
		if _, err := s.Reload(ctx); err != nil {
			s.log.Warn("project document rejected", logx.String("path", s.path), logx.Err(err))
		}
	})
}

// writeFileAtomic writes via a synced temp file and rename so readers never see a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
