package app

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"pewfeed/internal/config"
	"pewfeed/internal/delivery"
	"pewfeed/internal/feed"
	"pewfeed/internal/forwarder"
	"pewfeed/internal/ops"
	"pewfeed/internal/resolver"
	"pewfeed/internal/storage"
	logx "pewfeed/pkg/logx"
)

const (
	defaultTwitterSchedule  = "60s"
	defaultChannelsSchedule = "10s"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			ChatID:     cfg.Telegram.OperatorChat,
			ThreadID:   l.Operator.ThreadID,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "file":
		if path == "" {
			path = "./data/state"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		prefix := strings.TrimSpace(sc.KeyPrefix)
		if prefix == "" {
			prefix = "pewfeed"
		}
		return storage.Config{
			Driver:        "redis",
			RedisAddr:     strings.TrimSpace(sc.RedisAddr),
			RedisPassword: sc.RedisPassword,
			RedisDB:       sc.RedisDB,
			KeyPrefix:     prefix,
		}, nil
	case "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapResolver(cfg *config.Config) (resolver.Config, error) {
	staleness, err := config.ParseDurationOrDefault("projects.staleness", cfg.Projects.Staleness, resolver.DefaultStaleness)
	if err != nil {
		return resolver.Config{}, err
	}
	var deny map[feed.Platform][]string
	if len(cfg.Projects.DenyExtra) > 0 {
		deny = make(map[feed.Platform][]string, len(cfg.Projects.DenyExtra))
		for platform, ids := range cfg.Projects.DenyExtra {
			p, ok := feed.ParsePlatform(platform)
			if !ok {
				return resolver.Config{}, fmt.Errorf("projects.deny_extra: unknown platform %q", platform)
			}
			deny[p] = append(deny[p], ids...)
		}
	}
	return resolver.Config{Staleness: staleness, DenyExtra: deny}, nil
}

func mapForwarder(cfg *config.Config) (forwarder.Config, error) {
	f := cfg.Forwarder
	timeout, err := config.ParseDurationField("forwarder.event_timeout", f.EventTimeout)
	if err != nil {
		return forwarder.Config{}, err
	}
	return forwarder.Config{
		Workers:                 f.Workers,
		QueueSize:               f.QueueSize,
		SubscriptionParallelism: f.SubscriptionParallelism,
		EventTimeout:            timeout,
	}, nil
}

func mapDelivery(cfg *config.Config) (delivery.Config, error) {
	d := cfg.Delivery
	retry, err := config.ParseDurationField("delivery.default_retry_after", d.DefaultRetryAfter)
	if err != nil {
		return delivery.Config{}, err
	}
	maxRetry, err := config.ParseDurationField("delivery.max_retry_after", d.MaxRetryAfter)
	if err != nil {
		return delivery.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("delivery.send_timeout", d.SendTimeout)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{
		DefaultRetryAfter: retry,
		MaxRetryAfter:     maxRetry,
		SendTimeout:       sendTimeout,
		RatePerSec:        d.RatePerSec,
		Burst:             d.Burst,
		EnablePreview:     d.EnablePreview,
	}, nil
}

func mapOps(cfg *config.Config) (ops.Config, error) {
	o := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validateMapped runs every mapper so a reload is rejected before it is
// published when any section would fail to apply.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapResolver(cfg); err != nil {
		return err
	}
	if _, err := mapForwarder(cfg); err != nil {
		return err
	}
	if _, err := mapDelivery(cfg); err != nil {
		return err
	}
	_, err := mapOps(cfg)
	return err
}

func projectsWatchEnabled(cfg *config.Config) bool {
	return cfg.Projects.Watch == nil || *cfg.Projects.Watch
}

func scheduleOr(raw, def string) string {
	if s := strings.TrimSpace(raw); s != "" {
		return s
	}
	return def
}

// changedSections lists top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	pairs := []struct {
		name string
		a, b any
	}{
		{"telegram", prev.Telegram, next.Telegram},
		{"logging", prev.Logging, next.Logging},
		{"storage", prev.Storage, next.Storage},
		{"projects", prev.Projects, next.Projects},
		{"forwarder", prev.Forwarder, next.Forwarder},
		{"delivery", prev.Delivery, next.Delivery},
		{"monitors", prev.Monitors, next.Monitors},
		{"ops", prev.Ops, next.Ops},
		{"systemd", prev.Systemd, next.Systemd},
	}
	var out []string
	for _, p := range pairs {
		if !reflect.DeepEqual(p.a, p.b) {
			out = append(out, p.name)
		}
	}
	return out
}

// restartOnly are the sections whose changes only take effect after a restart.
var restartOnly = map[string]bool{
	"telegram": true,
	"storage":  true,
	"monitors": true,
	"ops":      true,
	"systemd":  true,
}
