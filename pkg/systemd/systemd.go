// Package systemd reports service state to the systemd manager over the
// notify socket. Every call is a no-op when the process was not started by
// systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgrelay/pkg/logx"
)

func notify(log logx.Logger, state string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready tells systemd that startup finished (Type=notify units).
func Ready(log logx.Logger) bool { return notify(log, daemon.SdNotifyReady) }

// Stopping tells systemd that a graceful shutdown began.
func Stopping(log logx.Logger) bool { return notify(log, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(log logx.Logger, msg string) bool { return notify(log, "STATUS="+msg) }

// Watchdog pings the systemd watchdog at half the configured interval
// until ctx is done. It returns at once when WatchdogSec is not set.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			notify(log, daemon.SdNotifyWatchdog)
		}
	}
}
