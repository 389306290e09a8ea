package forwarder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pewfeed/internal/eventbus"
	"pewfeed/internal/feed"
	"pewfeed/internal/routes"
	"pewfeed/internal/transport"
	logx "pewfeed/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Process runs one event through the pipeline:
//
//	received -> resolved -> deduped | eligible -> routed -> delivered | failed -> committed
//
// An event without subscribers is dropped without touching the ledger. The
// ledger is committed once when at least one subscription was delivered;
// subscriptions that failed alongside a success are not retried.
func (s *Service) Process(ctx context.Context, e feed.Event) Result {
	start := s.now()
	cfg := s.config()
	e.Normalize()
	res := Result{
		TraceID:  uuid.NewString(),
		Platform: e.Platform,
		SourceID: e.SourceID,
		EventID:  e.EventID,
	}
	log := s.log.With(
		logx.String("trace", res.TraceID),
		logx.String("platform", string(e.Platform)),
		logx.String("source", e.SourceID),
		logx.String("event", e.EventID),
	)
	s.metrics.EventReceived(string(e.Platform))

	if e.Platform == "" || e.SourceID == "" || e.EventID == "" {
		log.Warn("invalid event dropped")
		return s.finish(res, OutcomeInvalid, start, eventbus.TypeForwardDropped)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.EventTimeout)
	defer cancel()

	subs, err := s.res.Resolve(ctx, e.Platform, e.SourceID)
	if err != nil {
		log.Warn("resolve subscriptions failed", logx.Err(err))
		return s.finish(res, OutcomeFailed, start, eventbus.TypeForwardFailed)
	}
	if len(subs) == 0 {
		log.Debug("no active subscriptions")
		return s.finish(res, OutcomeNoSubscribers, start, eventbus.TypeForwardDropped)
	}

	src := e.Source()
	release := s.ledger.Guard(src)
	defer release()

	if !s.ledger.IsNew(src, e.EventID, e.ContentHash) {
		log.Debug("already delivered")
		return s.finish(res, OutcomeDeduped, start, eventbus.TypeForwardDeduped)
	}

	res.Attempts = s.deliverAll(ctx, e, uniqueRoutes(subs), cfg.SubscriptionParallelism)
	for _, a := range res.Attempts {
		if a.OK() {
			res.Delivered++
			continue
		}
		res.Failed++
		log.Warn("delivery failed",
			logx.Int64("subscriber", a.Subscription.SubscriberID),
			logx.String("project", a.Subscription.ProjectID),
			logx.Int64("destination", a.Destination),
			logx.Int("thread_id", a.ThreadID),
			logx.Err(a.Err))
	}
	if res.Delivered == 0 {
		return s.finish(res, OutcomeFailed, start, eventbus.TypeForwardFailed)
	}

	// The ledger logs and retries its own persistence failures.
	if err := s.ledger.Commit(context.WithoutCancel(ctx), src, e.EventID, e.ContentHash); err != nil {
		log.Debug("ledger commit not persisted", logx.Err(err))
	}
	log.Info("event forwarded", logx.Int("delivered", res.Delivered), logx.Int("failed", res.Failed))
	return s.finish(res, OutcomeDelivered, start, eventbus.TypeForwardDelivered)
}

func (s *Service) finish(res Result, outcome Outcome, start time.Time, busType string) Result {
	res.Outcome = outcome
	res.At = s.now()
	res.Took = res.At.Sub(start)
	s.metrics.EventOutcome(string(outcome), res.Took)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: busType, Time: res.At, Data: res})
	}
	s.remember(res)
	return res
}

// uniqueRoutes keeps the first subscription of each route key.
func uniqueRoutes(subs []feed.Subscription) []feed.Subscription {
	seen := make(map[feed.RouteKey]struct{}, len(subs))
	out := make([]feed.Subscription, 0, len(subs))
	for _, sub := range subs {
		k := sub.RouteKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, sub)
	}
	return out
}

func (s *Service) deliverAll(ctx context.Context, e feed.Event, subs []feed.Subscription, parallelism int) []DeliveryAttempt {
	attempts := make([]DeliveryAttempt, len(subs))
	var g errgroup.Group
	g.SetLimit(parallelism)
	for i, sub := range subs {
		g.Go(func() error {
			attempts[i] = s.deliverOne(ctx, e, sub)
			return nil
		})
	}
	_ = g.Wait()
	return attempts
}

// deliverOne routes and sends e to one subscription. A sub-channel that was
// deleted is forgotten and the route resolved again once.
func (s *Service) deliverOne(ctx context.Context, e feed.Event, sub feed.Subscription) DeliveryAttempt {
	a := DeliveryAttempt{EventID: e.EventID, Subscription: sub, Destination: sub.Destination}

	send := func() error {
		route, err := s.routes.GetOrCreateRoute(ctx, sub)
		if err != nil {
			return fmt.Errorf("route: %w", err)
		}
		a.ThreadID, a.Tagged = route.ThreadID, route.Tagged()
		return s.sender.SendWithMedia(ctx, sub.Destination, route.ThreadID, payload(e, sub, route, s.now()), e.Media)
	}

	err := send()
	if errors.Is(err, transport.ErrSubchannelGone) && a.ThreadID != 0 {
		s.log.Info("sub-channel gone; re-creating route",
			logx.String("route", sub.RouteKey().String()), logx.Int("thread_id", a.ThreadID))
		if cerr := s.routes.ClearRoute(ctx, sub.RouteKey()); cerr != nil {
			a.Err = fmt.Errorf("clear route: %w", cerr)
			return a
		}
		err = send()
	}
	a.Err = err
	return a
}

func payload(e feed.Event, sub feed.Subscription, r routes.Route, now time.Time) string {
	tag := ""
	if r.Tagged() {
		tag = sub.Label()
	}
	return feed.Notification(e, tag, now)
}
