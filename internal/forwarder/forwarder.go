// Package forwarder runs the event pipeline: resolve subscribers, skip what
// the ledger has seen, route and deliver to every subscription, then commit.
//
// Events are queued by Submit and processed by a small worker pool. Process
// is the synchronous pipeline and never returns an error; every failure ends
// in an Outcome.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"pewfeed/internal/eventbus"
	"pewfeed/internal/feed"
	"pewfeed/internal/metrics"
	rtsup "pewfeed/internal/runtime/supervisor"
	logx "pewfeed/pkg/logx"
)

var ErrStopped = errors.New("forwarder stopped")

const recentMax = 200

type Deps struct {
	Resolver Resolver
	Ledger   Ledger
	Routes   Router
	Delivery Sender
	Log      logx.Logger
	Metrics  *metrics.Metrics
	Bus      eventbus.Bus
}

type Service struct {
	res     Resolver
	ledger  Ledger
	routes  Router
	sender  Sender
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus
	now     func() time.Time

	mu        sync.Mutex
	cfg       Config
	queues    []chan feed.Event
	stopping  chan struct{}
	accepting bool
	submitWG  sync.WaitGroup
	sup       *rtsup.Supervisor

	hmu    sync.Mutex
	recent []Result
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		res:     d.Resolver,
		ledger:  d.Ledger,
		routes:  d.Routes,
		sender:  d.Delivery,
		log:     log.With(logx.String("comp", "forwarder")),
		metrics: d.Metrics,
		bus:     d.Bus,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
}

// Apply updates the per-event settings. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Supervisor returns the worker supervisor, nil when not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the worker pool. It is a no-op when already running.
//
// Each worker owns one queue shard and events are sharded by source, so the
// events of one source are processed one at a time in submission order.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queues != nil {
		return
	}
	cfg := s.cfg
	per := max(1, (cfg.QueueSize+cfg.Workers-1)/cfg.Workers)
	s.queues = make([]chan feed.Event, cfg.Workers)
	for i := range s.queues {
		s.queues[i] = make(chan feed.Event, per)
	}
	s.stopping = make(chan struct{})
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for i, q := range s.queues {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			if s.workerLoop(c, q) {
				return nil
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("forwarder worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("forwarder started", logx.Int("workers", cfg.Workers), logx.Int("queue", per*cfg.Workers))
}

// shard picks the queue of e's source.
func shard(e feed.Event, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(e.Source().String()))
	return int(h.Sum32() % uint32(n))
}

// Stop refuses new events, drains the queue and waits for the workers.
// When ctx ends first, in-flight events are cancelled.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	queues, sup, stopping := s.queues, s.sup, s.stopping
	if queues == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	close(stopping)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.submitWG.Wait()
		for _, q := range queues {
			close(q)
		}
		_ = sup.Wait(context.Background())
		sup.Cancel()
		s.mu.Lock()
		s.queues, s.sup = nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		sup.Cancel()
		<-done
		return ctx.Err()
	}
}

// Submit queues events for processing. It blocks while the queue is full
// until ctx ends or the forwarder stops.
func (s *Service) Submit(ctx context.Context, events ...feed.Event) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	queues, stopping := s.queues, s.stopping
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	for _, e := range events {
		select {
		case queues[shard(e, len(queues))] <- e:
			s.metrics.QueueDepth(queueLen(queues))
		case <-stopping:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// QueueLen is the number of queued events.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return queueLen(s.queues)
}

func queueLen(queues []chan feed.Event) int {
	n := 0
	for _, q := range queues {
		n += len(q)
	}
	return n
}

// workerLoop reports true when the queue was closed and fully drained.
func (s *Service) workerLoop(ctx context.Context, q <-chan feed.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-q:
			if !ok {
				return true
			}
			s.Process(ctx, e)
		}
	}
}

// Recent returns the latest processed events, oldest first.
func (s *Service) Recent() []Result {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Result(nil), s.recent...)
}

func (s *Service) remember(r Result) {
	s.hmu.Lock()
	s.recent = append(s.recent, r)
	if len(s.recent) > recentMax {
		s.recent = s.recent[len(s.recent)-recentMax:]
	}
	s.hmu.Unlock()
}
