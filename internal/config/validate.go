package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var validDrivers = map[string]bool{
	"": true, "file": true, "sqlite": true, "sqlite3": true, "redis": true, "memory": true, "none": true,
}

// Validate checks the parts of cfg that can be checked without I/O and
// returns every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if cfg.Logging.Operator.Enabled && cfg.Telegram.OperatorChat == 0 {
		add(errors.New("logging.operator.enabled requires telegram.operator_chat"))
	}

	drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if !validDrivers[drv] {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if drv == "redis" && strings.TrimSpace(cfg.Storage.RedisAddr) == "" {
		add(errors.New("storage.redis_addr is required for the redis driver"))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)

	if strings.TrimSpace(cfg.Projects.Path) == "" {
		add(errors.New("projects.path is required"))
	}
	dur("projects.staleness", cfg.Projects.Staleness)

	f := cfg.Forwarder
	if f.Workers < 0 || f.QueueSize < 0 || f.SubscriptionParallelism < 0 || f.LedgerCapacity < 0 {
		add(errors.New("forwarder: sizes must be >= 0"))
	}
	dur("forwarder.event_timeout", f.EventTimeout)

	d := cfg.Delivery
	dur("delivery.default_retry_after", d.DefaultRetryAfter)
	dur("delivery.max_retry_after", d.MaxRetryAfter)
	dur("delivery.send_timeout", d.SendTimeout)
	if d.RatePerSec < 0 || d.Burst < 0 {
		add(errors.New("delivery: rate_per_sec and burst must be >= 0"))
	}

	if tw := cfg.Monitors.Twitter; tw != nil && tw.Enabled {
		if strings.TrimSpace(tw.BearerToken) == "" {
			add(errors.New("monitors.twitter.bearer_token is required when enabled"))
		}
		if tw.MaxResults < 0 || tw.MaxResults > 100 {
			add(errors.New("monitors.twitter.max_results must be within 0..100"))
		}
		dur("monitors.twitter.poll_timeout", tw.PollTimeout)
	}
	if tc := cfg.Monitors.TelegramChannels; tc != nil && tc.Enabled && tc.Buffer < 0 {
		add(errors.New("monitors.telegram_channels.buffer must be >= 0"))
	}

	if cfg.Ops.Enabled {
		add(validateOps(cfg.Ops))
	}
	return errors.Join(errs...)
}

func validateOps(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = "127.0.0.1:9090"
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	for _, p := range []struct{ path, raw string }{
		{"ops.read_timeout", o.ReadTimeout},
		{"ops.write_timeout", o.WriteTimeout},
		{"ops.idle_timeout", o.IdleTimeout},
	} {
		if _, err := ParseDurationField(p.path, p.raw); err != nil {
			return err
		}
	}
	if !IsLoopbackHost(host) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
		return fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr)
	}
	return nil
}

// IsLoopbackHost reports whether host names the local machine only.
func IsLoopbackHost(host string) bool {
	host = strings.Trim(strings.TrimSpace(host), "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
