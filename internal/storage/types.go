package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//   - "redis": Redis hashes under KeyPrefix
//   - "memory": nothing survives a restart
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
}

// DedupRecord is the persisted ledger state of one source.
// IDs and Hashes are in insertion order, oldest first.
type DedupRecord struct {
	Source    string    `json:"source"`
	IDs       []string  `json:"ids"`
	Hashes    []string  `json:"hashes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RouteRecord is one persisted route mapping.
// Fallback with ThreadID 0 marks a destination without sub-channel support.
type RouteRecord struct {
	Key       string    `json:"key"`
	ThreadID  int       `json:"thread_id"`
	Fallback  bool      `json:"fallback"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the persistence API used by the ledger and the route mapper.
type Store interface {
	LoadDedup(ctx context.Context) ([]DedupRecord, error)
	PutDedup(ctx context.Context, rec DedupRecord) error

	LoadRoutes(ctx context.Context) ([]RouteRecord, error)
	GetRoute(ctx context.Context, key string) (RouteRecord, bool, error)
	PutRoute(ctx context.Context, rec RouteRecord) error
	DeleteRoute(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// WriteError reports a failed write of durable state. Callers keep their
// in-memory state and retry; repeated failures surface as a health failure.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string { return "persist " + e.Table + ": " + e.Err.Error() }

func (e *WriteError) Unwrap() error { return e.Err }
