package forwarder

import (
	"context"
	"time"

	"pewfeed/internal/feed"
	"pewfeed/internal/routes"
)

// Outcome is the terminal state of one event in the pipeline.
type Outcome string

const (
	OutcomeDeduped       Outcome = "deduped"
	OutcomeNoSubscribers Outcome = "no_subscribers"
	OutcomeDelivered     Outcome = "delivered"
	OutcomeFailed        Outcome = "failed"
	OutcomeInvalid       Outcome = "invalid"
)

type Config struct {
	Workers int
	// QueueSize is split evenly across the per-worker queues.
	QueueSize int
	// SubscriptionParallelism bounds concurrent deliveries of one event.
	SubscriptionParallelism int
	// EventTimeout bounds the whole pipeline for one event.
	EventTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.SubscriptionParallelism <= 0 {
		c.SubscriptionParallelism = 4
	}
	if c.EventTimeout <= 0 {
		c.EventTimeout = 2 * time.Minute
	}
	return c
}

// DeliveryAttempt is the result of delivering one event to one subscription.
type DeliveryAttempt struct {
	EventID      string
	Subscription feed.Subscription
	Destination  int64
	ThreadID     int
	Tagged       bool
	Err          error
}

func (a DeliveryAttempt) OK() bool { return a.Err == nil }

// Result describes one processed event. It is the payload of the
// forward.* bus events and the entries of Recent.
type Result struct {
	TraceID   string
	Platform  feed.Platform
	SourceID  string
	EventID   string
	Outcome   Outcome
	Delivered int
	Failed    int
	Took      time.Duration
	At        time.Time
	Attempts  []DeliveryAttempt `json:"-"`
}

type Resolver interface {
	Resolve(ctx context.Context, platform feed.Platform, sourceID string) ([]feed.Subscription, error)
}

type Ledger interface {
	Guard(source feed.SourceKey) (release func())
	IsNew(source feed.SourceKey, eventID, contentHash string) bool
	Commit(ctx context.Context, source feed.SourceKey, eventID, contentHash string) error
}

type Router interface {
	GetOrCreateRoute(ctx context.Context, sub feed.Subscription) (routes.Route, error)
	ClearRoute(ctx context.Context, key feed.RouteKey) error
}

type Sender interface {
	SendWithMedia(ctx context.Context, destination int64, threadID int, payload string, mediaRefs []string) error
}
