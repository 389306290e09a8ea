package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pewfeed/internal/config"
	"pewfeed/internal/feed"
	logx "pewfeed/pkg/logx"
)

func TestMapStorage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		busy    time.Duration
		prefix  string
		wantErr bool
	}{
		{name: "default file", in: config.StorageConfig{}, driver: "file"},
		{name: "sqlite default busy", in: config.StorageConfig{Driver: "SQLite3", Path: "x.db"}, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "250ms"}, driver: "sqlite", busy: 250 * time.Millisecond},
		{name: "sqlite no path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "sqlite bad busy", in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "redis prefix", in: config.StorageConfig{Driver: "redis", RedisAddr: "127.0.0.1:6379"}, driver: "redis", prefix: "pewfeed"},
		{name: "none", in: config.StorageConfig{Driver: "none"}, driver: "memory"},
		{name: "unknown", in: config.StorageConfig{Driver: "etcd"}, wantErr: true},
	}
	for _, tc := range tests {
		got, err := mapStorage(&config.Config{Storage: tc.in})
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got.Driver != tc.driver || got.BusyTimeout != tc.busy || got.KeyPrefix != tc.prefix {
			t.Fatalf("%s: got %+v", tc.name, got)
		}
	}
}

func TestMapResolverDenyExtra(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Projects: config.ProjectsConfig{
		DenyExtra: map[string][]string{"x": {"elonmusk"}, "Twitter": {"support"}},
	}}
	rc, err := mapResolver(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Staleness != 5*time.Minute {
		t.Fatalf("staleness = %v", rc.Staleness)
	}
	if got := rc.DenyExtra[feed.PlatformTwitter]; len(got) != 2 {
		t.Fatalf("deny = %v", rc.DenyExtra)
	}

	cfg.Projects.DenyExtra = map[string][]string{"mastodon": {"a"}}
	if _, err := mapResolver(cfg); err == nil {
		t.Fatal("unknown platform must be rejected")
	}
}

func TestMapDurations(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Forwarder: config.ForwarderConfig{Workers: 3, EventTimeout: "90s"},
		Delivery:  config.DeliveryConfig{DefaultRetryAfter: "2s", MaxRetryAfter: "1m", RatePerSec: 10},
	}
	fc, err := mapForwarder(cfg)
	if err != nil || fc.Workers != 3 || fc.EventTimeout != 90*time.Second {
		t.Fatalf("forwarder = %+v, %v", fc, err)
	}
	dc, err := mapDelivery(cfg)
	if err != nil || dc.DefaultRetryAfter != 2*time.Second || dc.MaxRetryAfter != time.Minute || dc.RatePerSec != 10 {
		t.Fatalf("delivery = %+v, %v", dc, err)
	}
	oc, err := mapOps(cfg)
	if err != nil || oc.ReadTimeout != 10*time.Second || oc.IdleTimeout != time.Minute {
		t.Fatalf("ops = %+v, %v", oc, err)
	}

	cfg.Delivery.SendTimeout = "forever"
	if err := validateMapped(cfg); err == nil || !strings.Contains(err.Error(), "delivery.send_timeout") {
		t.Fatalf("validateMapped = %v", err)
	}
}

func TestMapLoggingUsesOperatorChat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{OperatorChat: -1001},
		Logging:  config.LoggingConfig{Level: "debug", Operator: config.LoggingOperator{Enabled: true, ThreadID: 7}},
	}
	lc := mapLogging(cfg)
	if lc.Operator.ChatID != -1001 || lc.Operator.ThreadID != 7 || !lc.Operator.Enabled || lc.Level != "debug" {
		t.Fatalf("logging = %+v", lc)
	}
}

func TestChangedSections(t *testing.T) {
	t.Parallel()
	prev := &config.Config{Delivery: config.DeliveryConfig{RatePerSec: 20}}
	next := &config.Config{
		Delivery: config.DeliveryConfig{RatePerSec: 5},
		Storage:  config.StorageConfig{Driver: "sqlite", Path: "x.db"},
	}
	got := changedSections(prev, next)
	if strings.Join(got, ",") != "storage,delivery" {
		t.Fatalf("changed = %v", got)
	}
	if !restartOnly["storage"] || restartOnly["delivery"] {
		t.Fatal("restart-only set is wrong")
	}
	if changedSections(prev, prev) != nil {
		t.Fatal("identical configs must report no change")
	}
}

func TestScheduleOr(t *testing.T) {
	t.Parallel()
	if got := scheduleOr("  ", "60s"); got != "60s" {
		t.Fatalf("got %q", got)
	}
	if got := scheduleOr("*/5 * * * *", "60s"); got != "*/5 * * * *" {
		t.Fatalf("got %q", got)
	}
	off := false
	if projectsWatchEnabled(&config.Config{Projects: config.ProjectsConfig{Watch: &off}}) {
		t.Fatal("watch disabled explicitly")
	}
	if !projectsWatchEnabled(&config.Config{}) {
		t.Fatal("watch defaults to on")
	}
}

func TestRunStepBoundsSlowStep(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	runStep(context.Background(), logx.Nop(), "slow", 50*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("runStep blocked for %v", took)
	}
}

func TestRunStepPassesDeadlineAndRecovers(t *testing.T) {
	t.Parallel()
	var sawDeadline bool
	runStep(context.Background(), logx.Nop(), "ok", time.Second, func(c context.Context) error {
		_, sawDeadline = c.Deadline()
		return errors.New("ignored")
	})
	if !sawDeadline {
		t.Fatal("step context must carry a deadline")
	}
	runStep(context.Background(), logx.Nop(), "panics", time.Second, func(context.Context) error {
		panic("boom")
	})
}
