// Package sdnotify reports daemon state to systemd (Type=notify units).
// Outside systemd every call is a no-op.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New() *Notifier {
	return &Notifier{
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...any) (bool, error) {
	return n.notify("STATUS=" + fmt.Sprintf(format, args...))
}

// WatchdogInterval returns how often to ping, or 0 when the unit has no
// WatchdogSec. Pings go out at half the configured timeout.
func (n *Notifier) WatchdogInterval() time.Duration {
	d, err := n.watchdog()
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// RunWatchdog pings WATCHDOG=1 every interval until ctx is done. healthy is
// asked before each ping; a false answer skips the ping so systemd can
// restart a wedged daemon.
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration, healthy func() bool) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			_, _ = n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
