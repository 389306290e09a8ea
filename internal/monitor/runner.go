package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pewfeed/internal/eventbus"
	"pewfeed/internal/metrics"
	"pewfeed/internal/runtime/supervisor"
	logx "pewfeed/pkg/logx"
)

const defaultPollTimeout = 30 * time.Second

// Runner polls every registered monitor on its own schedule under one supervisor.
type Runner struct {
	sink    Sink
	log     logx.Logger
	metrics *metrics.Metrics
	bus     eventbus.Bus

	mu      sync.Mutex
	entries map[string]*entry
	sup     *supervisor.Supervisor
}

type entry struct {
	mon      Monitor
	sched    Schedule
	raw      string
	timeout  time.Duration
	resumeCh chan struct{}

	mu     sync.Mutex
	status Status
}

func NewRunner(sink Sink, log logx.Logger, m *metrics.Metrics, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{sink: sink, log: log, metrics: m, bus: bus, entries: map[string]*entry{}}
}

// Add registers mon. It must be called before Start.
func (r *Runner) Add(mon Monitor, schedule string, pollTimeout time.Duration) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("monitor %s: %w", mon.Name(), err)
	}
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[mon.Name()]; dup {
		return fmt.Errorf("monitor %s registered twice", mon.Name())
	}
	r.entries[mon.Name()] = &entry{
		mon:      mon,
		sched:    sched,
		raw:      schedule,
		timeout:  pollTimeout,
		resumeCh: make(chan struct{}, 1),
		status:   Status{Name: mon.Name(), Platform: mon.Platform(), State: StateIdle, Schedule: schedule},
	}
	return nil
}

// Start launches one supervised loop per monitor.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return
	}
	r.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(r.log.With(logx.String("comp", "monitors"))))
	for name, e := range r.entries {
		e := e
		r.sup.GoRestart("monitor."+name, func(c context.Context) error {
			return r.loop(c, e)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute), supervisor.WithPublishFirstError(true))
	}
	r.log.Info("monitors started", logx.Int("monitors", len(r.entries)))
}

// Stop cancels every monitor and waits for in-flight polls.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	for _, e := range r.snapshotEntries() {
		e.setState(StateStopped)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// Resume re-enables a degraded monitor.
func (r *Runner) Resume(name string) error {
	r.mu.Lock()
	e := r.entries[name]
	r.mu.Unlock()
	if e == nil {
		return fmt.Errorf("unknown monitor %q", name)
	}
	select {
	case e.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Statuses returns every monitor's status sorted by name.
func (r *Runner) Statuses() []Status {
	entries := r.snapshotEntries()
	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.status)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Degraded returns the names of degraded monitors.
func (r *Runner) Degraded() []string {
	var out []string
	for _, st := range r.Statuses() {
		if st.State == StateDegraded {
			out = append(out, st.Name)
		}
	}
	return out
}

func (r *Runner) snapshotEntries() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

func (e *entry) setState(s State) {
	e.mu.Lock()
	e.status.State = s
	e.mu.Unlock()
}

func (e *entry) state() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status.State
}

// loop polls immediately, then on every schedule tick. A degraded monitor
// waits for Resume.
func (r *Runner) loop(ctx context.Context, e *entry) error {
	for {
		if e.state() == StateDegraded {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.resumeCh:
				r.resume(e)
			}
		}

		if err := r.pollOnce(ctx, e); err != nil {
			return err
		}

		now := time.Now()
		t := time.NewTimer(e.sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-e.resumeCh:
			t.Stop()
			r.resume(e)
		case <-t.C:
		}
	}
}

func (r *Runner) resume(e *entry) {
	if e.state() != StateDegraded {
		return
	}
	e.setState(StateIdle)
	r.metrics.MonitorDegraded(e.mon.Name(), false)
	r.log.Info("monitor resumed", logx.String("monitor", e.mon.Name()))
}

// pollOnce runs one bounded poll and hands the events to the sink. It only
// returns an error when ctx is done.
func (r *Runner) pollOnce(ctx context.Context, e *entry) error {
	name := e.mon.Name()
	log := r.log.With(logx.String("monitor", name))
	e.setState(StatePolling)

	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	events, err := e.mon.Poll(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	e.mu.Lock()
	e.status.LastPoll = time.Now()
	e.status.Polls++
	e.status.State = StateIdle
	if err != nil {
		e.status.LastError = err.Error()
	} else {
		e.status.LastError = ""
	}
	e.mu.Unlock()

	switch {
	case errors.Is(err, ErrSourceAuth):
		e.setState(StateDegraded)
		r.metrics.MonitorPoll(name, "auth_error")
		r.metrics.MonitorDegraded(name, true)
		log.Error("monitor degraded: source authorization failed", logx.Err(err))
		if r.bus != nil {
			r.bus.Publish(eventbus.Event{Type: eventbus.TypeMonitorDegraded, Data: Degraded{Name: name, Err: err}})
		}
		return nil
	case err != nil:
		r.metrics.MonitorPoll(name, "error")
		if errors.Is(err, ErrTransientFetch) {
			log.Debug("poll failed; retrying next tick", logx.Err(err))
		} else {
			log.Warn("poll failed", logx.Err(err))
		}
	default:
		r.metrics.MonitorPoll(name, "ok")
	}

	if len(events) == 0 {
		return nil
	}
	e.mu.Lock()
	e.status.Events += int64(len(events))
	e.mu.Unlock()
	if err := r.sink(ctx, events...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("events not accepted", logx.Int("events", len(events)), logx.Err(err))
	}
	return nil
}
