// Package delivery sends formatted notifications to the messaging platform.
//
// It owns the only rate-limit backoff in the pipeline: a send that the
// platform rejects with a retry-after hint is retried exactly once after the
// advised delay. Sends to one (destination, thread) lane are serialized,
// including the backoff, so per-lane order is kept while other lanes proceed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pewfeed/internal/metrics"
	"pewfeed/internal/transport"
	logx "pewfeed/pkg/logx"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"
)

// ErrDeliveryFailed wraps the cause of a send that failed after its retry budget.
var ErrDeliveryFailed = errors.New("delivery failed")

const (
	DefaultRetryAfter = 5 * time.Second
	DefaultMaxRetry   = 60 * time.Second
	defaultTimeout    = 30 * time.Second
	defaultRatePerSec = 20
)

// MaxAlbum is the largest number of media refs sent in one message.
const MaxAlbum = 10

type Config struct {
	// DefaultRetryAfter is used when a rate-limit response carries no hint.
	DefaultRetryAfter time.Duration
	// MaxRetryAfter is the longest advised wait the client will honour;
	// longer waits fail the delivery without a retry.
	MaxRetryAfter time.Duration
	SendTimeout   time.Duration
	RatePerSec    float64
	Burst         int
	EnablePreview bool
}

func (c Config) withDefaults() Config {
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = DefaultRetryAfter
	}
	if c.MaxRetryAfter <= 0 {
		c.MaxRetryAfter = DefaultMaxRetry
	}
	if c.MaxRetryAfter < c.DefaultRetryAfter {
		c.MaxRetryAfter = c.DefaultRetryAfter
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultTimeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = max(1, int(c.RatePerSec))
	}
	return c
}

// Transport is the subset of transport.Adapter the client needs.
type Transport interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendMedia(ctx context.Context, to transport.ChatTarget, caption string, media []string, opt *transport.SendOptions) (transport.MessageRef, error)
	CreateTopic(ctx context.Context, chatID int64, name string) (int, error)
}

type settings struct {
	cfg     Config
	limiter *rate.Limiter
	retry   retrypolicy.RetryPolicy[any]
}

type Client struct {
	tr      Transport
	log     logx.Logger
	metrics *metrics.Metrics

	cur atomic.Pointer[settings]

	lanesMu sync.Mutex
	lanes   map[laneKey]*lane
}

type laneKey struct {
	dest   int64
	thread int
}

type lane struct {
	mu   sync.Mutex
	refs int
}

func New(cfg Config, tr Transport, log logx.Logger, m *metrics.Metrics) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{tr: tr, log: log, metrics: m, lanes: map[laneKey]*lane{}}
	c.Apply(cfg)
	return c
}

// Apply swaps pacing and retry settings; in-flight sends keep the old ones.
func (c *Client) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.cur.Store(&settings{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		retry:   c.newRetryPolicy(cfg),
	})
}

// newRetryPolicy retries a rate-limited call once after the advised delay.
// An advised wait longer than MaxRetryAfter is not retried at all.
func (c *Client) newRetryPolicy(cfg Config) retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			d, ok := retryAfter(err, cfg)
			if !ok && d > 0 {
				c.metrics.RateLimited()
				c.log.Warn("rate limited beyond max wait; giving up",
					logx.Duration("retry_after", d), logx.Duration("max", cfg.MaxRetryAfter))
			}
			return ok
		}).
		WithMaxRetries(1).
		WithDelayFunc(func(exec failsafe.ExecutionAttempt[any]) time.Duration {
			d, _ := retryAfter(exec.LastError(), cfg)
			c.metrics.RateLimited()
			c.log.Warn("rate limited; backing off", logx.Duration("retry_after", d))
			return d
		}).
		ReturnLastFailure().
		Build()
}

// retryAfter is the advised wait, or the default when there is no hint.
// ok is false when err is not a rate limit or the wait exceeds MaxRetryAfter.
func retryAfter(err error, cfg Config) (time.Duration, bool) {
	rl, isRL := transport.AsRateLimited(err)
	if !isRL {
		return 0, false
	}
	d := cfg.DefaultRetryAfter
	if rl.RetryAfter > 0 {
		d = rl.RetryAfter
	}
	return d, d <= cfg.MaxRetryAfter
}

func (c *Client) lockLane(dest int64, thread int) (release func()) {
	k := laneKey{dest: dest, thread: thread}
	c.lanesMu.Lock()
	l := c.lanes[k]
	if l == nil {
		l = &lane{}
		c.lanes[k] = l
	}
	l.refs++
	c.lanesMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.lanesMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.lanes, k)
		}
		c.lanesMu.Unlock()
	}
}

// attempt runs fn through pacing, the per-call timeout and the retry policy.
func (c *Client) attempt(ctx context.Context, s *settings, fn func(ctx context.Context) error) error {
	_, err := failsafe.With(s.retry).WithContext(ctx).Get(func() (any, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
		return nil, fn(cctx)
	})
	return err
}

func (c *Client) options(s *settings) *transport.SendOptions {
	return &transport.SendOptions{ParseMode: "HTML", DisablePreview: !s.cfg.EnablePreview}
}

func (c *Client) finish(ctx context.Context, err error, dest int64, thread int) error {
	if err == nil {
		c.metrics.Delivery(true)
		return nil
	}
	c.metrics.Delivery(false)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w to %d/%d: %w", ErrDeliveryFailed, dest, thread, err)
}

// Send delivers an HTML payload to destination (and thread, if non-zero).
func (c *Client) Send(ctx context.Context, destination int64, threadID int, payload string) error {
	release := c.lockLane(destination, threadID)
	defer release()
	s := c.cur.Load()
	return c.finish(ctx, c.sendText(ctx, s, destination, threadID, payload), destination, threadID)
}

func (c *Client) sendText(ctx context.Context, s *settings, dest int64, thread int, payload string) error {
	to := transport.ChatTarget{ChatID: dest, ThreadID: thread}
	return c.attempt(ctx, s, func(ctx context.Context) error {
		_, err := c.tr.SendText(ctx, to, payload, c.options(s))
		return err
	})
}

// SendWithMedia delivers payload as the caption of up to MaxAlbum media refs.
// A media failure that is not a rate limit, a missing sub-channel, a partial
// send or a cancellation falls back to a text-only send in the same lane.
func (c *Client) SendWithMedia(ctx context.Context, destination int64, threadID int, payload string, mediaRefs []string) error {
	if len(mediaRefs) == 0 {
		return c.Send(ctx, destination, threadID, payload)
	}
	if len(mediaRefs) > MaxAlbum {
		mediaRefs = mediaRefs[:MaxAlbum]
	}

	release := c.lockLane(destination, threadID)
	defer release()
	s := c.cur.Load()

	to := transport.ChatTarget{ChatID: destination, ThreadID: threadID}
	err := c.attempt(ctx, s, func(ctx context.Context) error {
		_, err := c.tr.SendMedia(ctx, to, payload, mediaRefs, c.options(s))
		return err
	})
	if err != nil && !noTextFallback(ctx, err) {
		c.log.Debug("media send failed; sending text only",
			logx.Int64("destination", destination), logx.Int("thread_id", threadID), logx.Err(err))
		err = c.sendText(ctx, s, destination, threadID, payload)
	}
	return c.finish(ctx, err, destination, threadID)
}

func noTextFallback(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return true
	}
	if _, ok := transport.AsRateLimited(err); ok {
		return true
	}
	return errors.Is(err, transport.ErrSubchannelGone) || errors.Is(err, transport.ErrPartialSend)
}

// CreateSubchannel creates a named sub-channel in destination and returns its thread id.
// Transport errors keep their chain so callers can match transport.ErrSubchannelUnsupported.
func (c *Client) CreateSubchannel(ctx context.Context, destination int64, name string) (int, error) {
	s := c.cur.Load()
	var thread int
	err := c.attempt(ctx, s, func(ctx context.Context) error {
		id, err := c.tr.CreateTopic(ctx, destination, name)
		thread = id
		return err
	})
	if err != nil {
		return 0, err
	}
	return thread, nil
}

// Lanes returns the number of lanes currently held or waited on.
func (c *Client) Lanes() int {
	c.lanesMu.Lock()
	defer c.lanesMu.Unlock()
	return len(c.lanes)
}
