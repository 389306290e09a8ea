package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pewfeed/internal/config"
	"pewfeed/internal/delivery"
	"pewfeed/internal/eventbus"
	"pewfeed/internal/forwarder"
	"pewfeed/internal/ledger"
	"pewfeed/internal/metrics"
	"pewfeed/internal/monitor"
	"pewfeed/internal/monitor/tgchannel"
	"pewfeed/internal/monitor/twitter"
	"pewfeed/internal/ops"
	"pewfeed/internal/projects"
	"pewfeed/internal/resolver"
	"pewfeed/internal/routes"
	rtsup "pewfeed/internal/runtime/supervisor"
	"pewfeed/internal/storage"
	kit "pewfeed/internal/transport"
	telegram "pewfeed/internal/transport/telegram/adapter"
	logx "pewfeed/pkg/logx"
	"pewfeed/pkg/systemd"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const recentInStatus = 20

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log      logx.Logger
	logs     *logx.Service
	bus      eventbus.Bus
	store    storage.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	adapter  *telegram.Adapter
	projects *projects.Store
	resolver *resolver.Resolver
	ledger   *ledger.Ledger
	routes   *routes.Mapper
	delivery *delivery.Client
	fwd      *forwarder.Service
	monitors *monitor.Runner
	channels *tgchannel.Monitor
	ops      *ops.Server
	systemd  *systemd.Notifier

	updates   chan kit.Update
	startedAt time.Time
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg), nil)

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		APIURL:      cfg.Telegram.APIURL,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetOperatorSender(logx.OperatorSenderFunc(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	}))

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	bus := eventbus.New()

	ps, err := projects.Open(cfg.Projects.Path, bus, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("projects: %w", err)
	}
	rc, err := mapResolver(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	res := resolver.New(rc, ps, log)

	dc, err := mapDelivery(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dl := delivery.New(dc, adapter, log, m)
	led := ledger.New(ledger.Config{Capacity: cfg.Forwarder.LedgerCapacity}, store, log, m)
	rt := routes.New(store, dl, log, m, bus)

	fc, err := mapForwarder(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	fwd := forwarder.New(fc, forwarder.Deps{
		Resolver: res,
		Ledger:   led,
		Routes:   rt,
		Delivery: dl,
		Log:      log,
		Metrics:  m,
		Bus:      bus,
	})

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      bus,
		store:    store,
		registry: reg,
		metrics:  m,
		adapter:  adapter,
		projects: ps,
		resolver: res,
		ledger:   led,
		routes:   rt,
		delivery: dl,
		fwd:      fwd,
		monitors: monitor.NewRunner(fwd.Submit, log, m, bus),
		systemd:  systemd.NewNotifier(cfg.Systemd.Notify, log),
		updates:  make(chan kit.Update, 256),
	}
	if err := a.addMonitors(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Ops.Enabled {
		oc, err := mapOps(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.ops = ops.New(oc, ops.Deps{
			Gatherer: reg,
			Checks:   a.readinessChecks(),
			Status:   func() any { return a.Status() },
			Resume:   a.monitors.Resume,
		}, log)
	}
	return a, nil
}

func (a *App) addMonitors(cfg *config.Config) error {
	if tw := cfg.Monitors.Twitter; tw != nil && tw.Enabled {
		timeout, err := config.ParseDurationField("monitors.twitter.poll_timeout", tw.PollTimeout)
		if err != nil {
			return err
		}
		mon := twitter.New(twitter.Config{
			BearerToken: tw.BearerToken,
			BaseURL:     tw.BaseURL,
			MaxResults:  tw.MaxResults,
			UseCursor:   tw.UseCursor,
			RatePerSec:  tw.RatePerSec,
		}, a.resolver, a.log)
		if err := a.monitors.Add(mon, scheduleOr(tw.Schedule, defaultTwitterSchedule), timeout); err != nil {
			return err
		}
	}
	if tc := cfg.Monitors.TelegramChannels; tc != nil && tc.Enabled {
		a.channels = tgchannel.New(tc.Buffer, a.log)
		if err := a.monitors.Add(a.channels, scheduleOr(tc.Schedule, defaultChannelsSchedule), 0); err != nil {
			return err
		}
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	if err := a.ledger.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	if err := a.routes.Load(ctx); err != nil {
		return fmt.Errorf("load routes: %w", err)
	}

	a.fwd.Start(a.sup.Context())

	if a.channels != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("tgchannel.ingest", func(c context.Context) error {
			return a.channels.Run(c, a.updates)
		})
	}
	a.monitors.Start(a.sup.Context())

	if projectsWatchEnabled(a.cfgm.Get()) {
		a.sup.Go("projects.watch", a.projects.Watch)
	}
	a.sup.Go("resolver.watch", func(c context.Context) error {
		return a.resolver.Watch(c, a.bus)
	})

	if a.ops != nil {
		if err := a.ops.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.systemd.Ready()
	a.systemd.Status("forwarding")
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		return a.systemd.Watchdog(c, func() error {
			pctx, cancel := context.WithTimeout(c, 2*time.Second)
			defer cancel()
			return a.store.Ping(pctx)
		})
	})

	a.log.Info("app started",
		logx.Int("monitors", len(a.monitors.Statuses())),
		logx.Int("routes", a.routes.Len()),
		logx.Int("ledger_sources", a.ledger.Sources()),
		logx.Bool("ops", a.ops != nil))
	return nil
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.systemd.Reloading()
	defer a.systemd.Ready()

	var restart []string
	for _, s := range sections {
		if restartOnly[s] {
			restart = append(restart, s)
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))
	if rc, err := mapResolver(next); err != nil {
		a.log.Warn("invalid projects config; keeping previous", logx.Err(err))
	} else {
		a.resolver.Apply(rc)
	}
	if dc, err := mapDelivery(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dc)
	}
	if fc, err := mapForwarder(next); err != nil {
		a.log.Warn("invalid forwarder config; keeping previous", logx.Err(err))
	} else {
		a.fwd.Apply(fc)
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}

func (a *App) readinessChecks() map[string]ops.Check {
	return map[string]ops.Check{
		"storage": func(ctx context.Context) error { return a.store.Ping(ctx) },
		"ledger":  func(context.Context) error { return a.ledger.Health() },
		"routes":  func(context.Context) error { return a.routes.Health() },
		"monitors": func(context.Context) error {
			if names := a.monitors.Degraded(); len(names) > 0 {
				return fmt.Errorf("degraded: %s", strings.Join(names, ","))
			}
			return nil
		},
		"supervisor": func(context.Context) error { return a.Err() },
	}
}

// Status is the body of the ops /status endpoint.
type Status struct {
	StartedAt     time.Time          `json:"started_at"`
	Uptime        string             `json:"uptime"`
	Queue         int                `json:"queue"`
	LedgerSources int                `json:"ledger_sources"`
	Routes        int                `json:"routes"`
	Lanes         int                `json:"lanes"`
	Monitors      []monitor.Status   `json:"monitors"`
	Recent        []forwarder.Result `json:"recent"`
	Supervisor    rtsup.Snapshot     `json:"supervisor"`
}

func (a *App) Status() Status {
	st := Status{
		StartedAt:     a.startedAt,
		Queue:         a.fwd.QueueLen(),
		LedgerSources: a.ledger.Sources(),
		Routes:        a.routes.Len(),
		Lanes:         a.delivery.Lanes(),
		Monitors:      a.monitors.Statuses(),
	}
	if !a.startedAt.IsZero() {
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	recent := a.fwd.Recent()
	if len(recent) > recentInStatus {
		recent = recent[len(recent)-recentInStatus:]
	}
	st.Recent = recent
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}

// Stop shuts down in dependency order: monitors stop producing, the forwarder
// drains its queue, state is flushed, then storage closes.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.systemd.Stopping()

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, limit, fn)
	}

	step("monitors", 3*time.Second, a.monitors.Stop)
	step("adapter", 2*time.Second, a.adapter.Stop)
	// The forwarder runs under the app context; cancel only after it drained.
	step("forwarder", 10*time.Second, a.fwd.Stop)
	a.sup.Cancel()

	step("ops", 1*time.Second, func(c context.Context) error {
		if a.ops != nil {
			return a.ops.Stop(c)
		}
		return nil
	})
	step("ledger.flush", 3*time.Second, a.ledger.Flush)
	step("routes.flush", 2*time.Second, a.routes.Flush)
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, project watch, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func runStep(ctx context.Context, log logx.Logger, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	stepCtx := ctx
	if limit > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = max(rem, 0)
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
