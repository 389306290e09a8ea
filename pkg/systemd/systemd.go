// Package systemd reports service state to the systemd manager via sd_notify.
// Every call is a no-op when the process was not started by systemd with
// Type=notify.
package systemd

import (
	"context"
	"time"

	logx "pewfeed/pkg/logx"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	enabled bool
	log     logx.Logger
}

func NewNotifier(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) notify(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports that startup finished.
func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

// Reloading reports a configuration reload; call Ready when it is applied.
func (n *Notifier) Reloading() bool { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) bool { return n.notify("STATUS=" + msg) }

// Watchdog pings the watchdog at half the configured interval while healthy
// returns nil. It returns immediately when the unit has no WatchdogSec.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() error) error {
	if n == nil || !n.enabled {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					n.log.Warn("watchdog ping skipped: unhealthy", logx.Err(err))
					continue
				}
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
