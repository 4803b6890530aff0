// Package systemd reports host readiness and liveness to systemd through
// sd_notify. Outside a systemd unit (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"jobhost/internal/clock"
	"jobhost/internal/runtime/lifecycle"
	"jobhost/pkg/logx"
)

type Notifier struct {
	enabled bool
	log     logx.Logger
	clk     clock.Clock

	notify   func(unsetEnv bool, state string) (bool, error)
	watchdog func(unsetEnv bool) (time.Duration, error)
}

func New(enabled bool, log logx.Logger, clk clock.Clock) *Notifier {
	if clk == nil {
		clk = clock.Real()
	}
	return &Notifier{
		enabled:  enabled,
		log:      log.With(logx.Component("systemd")),
		clk:      clk,
		notify:   daemon.SdNotify,
		watchdog: daemon.SdWatchdogEnabled,
	}
}

func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(msg string) {
	n.send("STATUS=" + strings.ReplaceAll(msg, "\n", " "))
}

func (n *Notifier) send(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

// Watchdog returns a loop that pings the service manager at half the
// WATCHDOG_USEC interval, or false when the unit has no watchdog.
func (n *Notifier) Watchdog() (*lifecycle.Loop, bool) {
	if n == nil || !n.enabled {
		return nil, false
	}
	every, err := n.watchdog(false)
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return nil, false
	}
	if every <= 0 {
		return nil, false
	}
	n.log.Info("watchdog enabled", logx.Duration("timeout", every))
	return lifecycle.NewLoop("watchdog", every/2, func(context.Context) error {
		n.send(daemon.SdNotifyWatchdog)
		return nil
	}, lifecycle.WithLoopClock(n.clk), lifecycle.WithLoopLogger(n.log)), true
}
