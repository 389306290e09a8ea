package forwarder

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"pewfeed/internal/delivery"
	"pewfeed/internal/eventbus"
	"pewfeed/internal/feed"
	"pewfeed/internal/ledger"
	"pewfeed/internal/routes"
	"pewfeed/internal/storage"
	"pewfeed/internal/transport"
	logx "pewfeed/pkg/logx"
)

type staticResolver struct {
	mu   sync.Mutex
	subs map[feed.SourceKey][]feed.Subscription
	err  error
	gate chan struct{}
	// slowFirst delays only the first Resolve call.
	slowFirst time.Duration
	calls     int
}

func (r *staticResolver) Resolve(ctx context.Context, p feed.Platform, id string) ([]feed.Subscription, error) {
	r.mu.Lock()
	r.calls++
	first := r.calls == 1
	r.mu.Unlock()
	if first && r.slowFirst > 0 {
		select {
		case <-time.After(r.slowFirst):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.subs[feed.SourceKey{Platform: p, ID: feed.NormalizeSourceID(id)}], nil
}

type message struct {
	to    transport.ChatTarget
	text  string
	media int
	at    time.Time
}

// fakeChat is the messaging platform: scripted send errors, forum support
// per chat, and a log of delivered messages.
type fakeChat struct {
	mu         sync.Mutex
	sendErrs   map[int64][]error
	noForum    map[int64]bool
	nextThread int
	topics     int
	sent       []message
}

func newFakeChat() *fakeChat {
	return &fakeChat{sendErrs: map[int64][]error{}, noForum: map[int64]bool{}, nextThread: 100}
}

func (f *fakeChat) send(to transport.ChatTarget, text string, media int) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.sendErrs[to.ChatID]; len(errs) > 0 {
		f.sendErrs[to.ChatID] = errs[1:]
		return transport.MessageRef{}, errs[0]
	}
	f.sent = append(f.sent, message{to: to, text: text, media: media, at: time.Now()})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: len(f.sent)}, nil
}

func (f *fakeChat) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.send(to, text, 0)
}

func (f *fakeChat) SendMedia(ctx context.Context, to transport.ChatTarget, caption string, media []string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.send(to, caption, len(media))
}

func (f *fakeChat) CreateTopic(ctx context.Context, chatID int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics++
	if f.noForum[chatID] {
		return 0, transport.ErrSubchannelUnsupported
	}
	f.nextThread++
	return f.nextThread, nil
}

func (f *fakeChat) messages() []message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message(nil), f.sent...)
}

type harness struct {
	svc    *Service
	res    *staticResolver
	ledger *ledger.Ledger
	chat   *fakeChat
	bus    eventbus.Bus
}

func newHarness(t *testing.T, subs ...feed.Subscription) *harness {
	t.Helper()
	res := &staticResolver{subs: map[feed.SourceKey][]feed.Subscription{}}
	for _, s := range subs {
		k := feed.SourceKey{Platform: s.Platform, ID: s.SourceID}
		res.subs[k] = append(res.subs[k], s)
	}
	store := storage.NewMemory()
	chat := newFakeChat()
	bus := eventbus.New()
	led := ledger.New(ledger.Config{}, store, logx.Nop(), nil)
	dc := delivery.New(delivery.Config{RatePerSec: 1000}, chat, logx.Nop(), nil)
	rt := routes.New(store, dc, logx.Nop(), nil, bus)
	svc := New(Config{}, Deps{Resolver: res, Ledger: led, Routes: rt, Delivery: dc, Log: logx.Nop(), Bus: bus})
	return &harness{svc: svc, res: res, ledger: led, chat: chat, bus: bus}
}

func sub(id int64, project string, dest int64, forum bool) feed.Subscription {
	return feed.Subscription{
		SubscriberID: id, ProjectID: project, ProjectName: strings.ToUpper(project),
		Platform: feed.PlatformTwitter, SourceID: "acct1", Destination: dest, UseSubchannels: forum,
	}
}

func tweet(id, text string) feed.Event {
	return feed.Event{Platform: feed.PlatformTwitter, SourceID: "acct1", EventID: id, Text: text}
}

func TestScenariosAThroughC(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	ctx := context.Background()
	src := feed.SourceKey{Platform: feed.PlatformTwitter, ID: "acct1"}

	// A: first sighting is delivered and committed.
	if r := h.svc.Process(ctx, tweet("100", "hello")); r.Outcome != OutcomeDelivered || r.Delivered != 1 {
		t.Fatalf("A: %+v", r)
	}
	if n := len(h.chat.messages()); n != 1 {
		t.Fatalf("A: messages = %d", n)
	}
	ids, hashes := h.ledger.Snapshot(src)
	if len(ids) != 1 || ids[0] != "100" || len(hashes) != 1 || hashes[0] != feed.ContentHash("acct1", "hello") {
		t.Fatalf("A: ledger ids=%v hashes=%v", ids, hashes)
	}

	// B: same id again.
	if r := h.svc.Process(ctx, tweet("100", "hello")); r.Outcome != OutcomeDeduped {
		t.Fatalf("B: %+v", r)
	}
	// C: id churn, same content.
	if r := h.svc.Process(ctx, tweet("101", "  hello ")); r.Outcome != OutcomeDeduped {
		t.Fatalf("C: %+v", r)
	}
	if n := len(h.chat.messages()); n != 1 {
		t.Fatalf("B/C: messages = %d, want 1", n)
	}
}

func TestScenarioDRateLimitedThenDelivered(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	advised := 80 * time.Millisecond
	h.chat.sendErrs[1] = []error{&transport.RateLimitedError{RetryAfter: advised}}

	start := time.Now()
	r := h.svc.Process(context.Background(), tweet("200", "rate limited post"))
	if r.Outcome != OutcomeDelivered {
		t.Fatalf("outcome = %+v", r)
	}
	msgs := h.chat.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if waited := msgs[0].at.Sub(start); waited < advised {
		t.Fatalf("retried after %v, want >= %v", waited, advised)
	}
	ids, _ := h.ledger.Snapshot(feed.SourceKey{Platform: feed.PlatformTwitter, ID: "acct1"})
	if len(ids) != 1 {
		t.Fatalf("commits = %d, want 1", len(ids))
	}
}

func TestScenarioENoSubchannelsTagsParent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", -100, true))
	h.chat.noForum[-100] = true

	r := h.svc.Process(context.Background(), tweet("300", "tagged post"))
	if r.Outcome != OutcomeDelivered || !r.Attempts[0].Tagged {
		t.Fatalf("result = %+v", r)
	}
	msgs := h.chat.messages()
	if len(msgs) != 1 || msgs[0].to.ThreadID != 0 || msgs[0].to.ChatID != -100 {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.HasPrefix(msgs[0].text, "<b>[ALPHA]</b>") {
		t.Fatalf("missing project tag: %q", msgs[0].text)
	}

	// The fallback is remembered; no second creation attempt.
	_ = h.svc.Process(context.Background(), tweet("301", "another tagged post"))
	if h.chat.topics != 1 {
		t.Fatalf("topic creations = %d, want 1", h.chat.topics)
	}
}

func TestSubchannelRouteUntagged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", -100, true))
	r := h.svc.Process(context.Background(), tweet("310", "forum post"))
	msgs := h.chat.messages()
	if r.Outcome != OutcomeDelivered || len(msgs) != 1 || msgs[0].to.ThreadID == 0 {
		t.Fatalf("result=%+v messages=%+v", r, msgs)
	}
	if strings.HasPrefix(msgs[0].text, "<b>[") {
		t.Fatal("sub-channel deliveries are not tagged")
	}
}

func TestZeroSubscriptionsLeaveLedgerUntouched(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	src := feed.SourceKey{Platform: feed.PlatformTwitter, ID: "acct1"}
	ids0, hashes0 := h.ledger.Snapshot(src)
	sources0 := h.ledger.Sources()

	r := h.svc.Process(context.Background(), tweet("1", "nobody listens"))
	if r.Outcome != OutcomeNoSubscribers {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	ids1, hashes1 := h.ledger.Snapshot(src)
	if !reflect.DeepEqual(ids0, ids1) || !reflect.DeepEqual(hashes0, hashes1) || h.ledger.Sources() != sources0 {
		t.Fatal("ledger changed for an event without subscribers")
	}
}

func TestCommitOnFirstSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false), sub(2, "beta", 2, false))
	h.chat.sendErrs[2] = []error{errors.New("chat not found"), errors.New("chat not found")}

	r := h.svc.Process(context.Background(), tweet("400", "partial delivery"))
	if r.Outcome != OutcomeDelivered || r.Delivered != 1 || r.Failed != 1 {
		t.Fatalf("result = %+v", r)
	}
	// The failed subscriber is not retried on the next poll.
	if r := h.svc.Process(context.Background(), tweet("400", "partial delivery")); r.Outcome != OutcomeDeduped {
		t.Fatalf("replay = %s", r.Outcome)
	}
}

func TestAllFailedDoesNotCommit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	h.chat.sendErrs[1] = []error{errors.New("boom")}

	if r := h.svc.Process(context.Background(), tweet("500", "will fail")); r.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", r.Outcome)
	}
	if r := h.svc.Process(context.Background(), tweet("500", "will fail")); r.Outcome != OutcomeDelivered {
		t.Fatalf("retry outcome = %s", r.Outcome)
	}
}

func TestSameRouteDeliveredOnce(t *testing.T) {
	t.Parallel()
	s := sub(1, "alpha", 1, false)
	h := newHarness(t, s, s)
	r := h.svc.Process(context.Background(), tweet("600", "dup route"))
	if r.Delivered != 1 || len(h.chat.messages()) != 1 {
		t.Fatalf("result=%+v messages=%d", r, len(h.chat.messages()))
	}
}

func TestSubchannelGoneRecreatesRoute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", -100, true))
	_ = h.svc.Process(context.Background(), tweet("700", "first in topic"))
	first := h.chat.messages()[0].to.ThreadID

	h.chat.mu.Lock()
	h.chat.sendErrs[-100] = []error{fmt.Errorf("send: %w", transport.ErrSubchannelGone)}
	h.chat.mu.Unlock()
	r := h.svc.Process(context.Background(), tweet("701", "after topic deleted"))
	if r.Outcome != OutcomeDelivered {
		t.Fatalf("result = %+v", r)
	}
	msgs := h.chat.messages()
	if got := msgs[len(msgs)-1].to.ThreadID; got == first || got == 0 {
		t.Fatalf("thread = %d, want a new topic (old %d)", got, first)
	}
}

func TestInvalidAndResolveErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	if r := h.svc.Process(context.Background(), feed.Event{Platform: feed.PlatformTwitter, SourceID: "acct1"}); r.Outcome != OutcomeInvalid {
		t.Fatalf("missing id: %s", r.Outcome)
	}
	h.res.mu.Lock()
	h.res.err = errors.New("store down")
	h.res.mu.Unlock()
	if r := h.svc.Process(context.Background(), tweet("800", "resolve fails")); r.Outcome != OutcomeFailed {
		t.Fatalf("resolve error: %s", r.Outcome)
	}
}

func TestWorkersDrainOnStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	ch, unsub := h.bus.Subscribe(64)
	defer unsub()

	h.svc.Start(context.Background())
	var events []feed.Event
	for i := 0; i < 10; i++ {
		events = append(events, tweet(fmt.Sprint(900+i), fmt.Sprintf("queued post %d", i)))
	}
	if err := h.svc.Submit(context.Background(), events...); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(h.chat.messages()); n != 10 {
		t.Fatalf("delivered = %d, want 10", n)
	}
	if err := h.svc.Submit(context.Background(), tweet("999", "late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop = %v", err)
	}

	delivered := 0
	for len(ch) > 0 {
		if e := <-ch; e.Type == eventbus.TypeForwardDelivered {
			delivered++
		}
	}
	if delivered != 10 {
		t.Fatalf("delivered events = %d", delivered)
	}
	if got := len(h.svc.Recent()); got != 10 {
		t.Fatalf("recent = %d", got)
	}
}

func TestSubmitBlocksUnderBackpressure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	if err := h.svc.Submit(context.Background(), tweet("1", "too early")); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit before Start = %v", err)
	}

	h.res.gate = make(chan struct{})
	h.svc.Apply(Config{Workers: 1, QueueSize: 1})
	h.svc.Start(context.Background())

	// One event is held by the worker, one fills the queue, the third waits.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := h.svc.Submit(ctx, tweet("1", "first post"), tweet("2", "second post"), tweet("3", "third post"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Submit on a full queue = %v", err)
	}

	close(h.res.gate)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := h.svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(h.chat.messages()); n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
}

func TestSameSourceKeepsOrderAcrossWorkers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, sub(1, "alpha", 1, false))
	h.res.slowFirst = 150 * time.Millisecond
	h.svc.Apply(Config{Workers: 2, QueueSize: 8})
	h.svc.Start(context.Background())

	if err := h.svc.Submit(context.Background(), tweet("1", "first post"), tweet("2", "second post")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	msgs := h.chat.messages()
	if len(msgs) != 2 {
		t.Fatalf("delivered = %d, want 2", len(msgs))
	}
	if !strings.Contains(msgs[0].text, "first post") || !strings.Contains(msgs[1].text, "second post") {
		t.Fatalf("delivery order = %q, %q", msgs[0].text, msgs[1].text)
	}
}

func TestShardIsStablePerSource(t *testing.T) {
	t.Parallel()
	a := tweet("1", "x")
	b := tweet("2", "y")
	if shard(a, 4) != shard(b, 4) {
		t.Fatal("events of one source must share a shard")
	}
	if got := shard(a, 1); got != 0 {
		t.Fatalf("single shard = %d", got)
	}
	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		e := feed.Event{Platform: feed.PlatformTwitter, SourceID: fmt.Sprintf("acct%d", i), EventID: "1"}
		n := shard(e, 4)
		if n < 0 || n >= 4 {
			t.Fatalf("shard out of range: %d", n)
		}
		seen[n] = true
	}
	if len(seen) < 2 {
		t.Fatalf("sources all landed on %v", seen)
	}
}
