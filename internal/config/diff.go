package config

import (
	"reflect"
	"strings"

	"jobhost/pkg/logx"
)

// SummarizeChange returns the changed top-level sections and safe log fields
// describing the new values. Secrets (notifier token, store DSN) are never
// included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newCfg.Store.Driver)),
			logx.Bool("store.dsn_set", strings.TrimSpace(newCfg.Store.DSN) != ""),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.String("dispatcher.poll_interval", newCfg.Dispatcher.PollInterval),
			logx.String("dispatcher.lease_duration", newCfg.Dispatcher.LeaseDuration),
			logx.Int("dispatcher.retry_max", newCfg.Dispatcher.Retry.Max),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.retention", newCfg.Scheduler.Retention),
		)
	}

	if oldCfg.Lifecycle != newCfg.Lifecycle {
		changed = append(changed, "lifecycle")
		attrs = append(attrs, logx.String("lifecycle.hook_timeout", newCfg.Lifecycle.HookTimeout))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := newCfg.Notifier
		if n == nil {
			n = &NotifierConfig{}
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Int64("notifier.chat_id", n.ChatID),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
	}
	if oldCfg.Heartbeat != newCfg.Heartbeat {
		changed = append(changed, "heartbeat")
		attrs = append(attrs,
			logx.Bool("heartbeat.enabled", newCfg.Heartbeat.Enabled),
			logx.String("heartbeat.interval", newCfg.Heartbeat.Interval),
		)
	}
	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
		)
	}
	if oldCfg.Jobs != newCfg.Jobs {
		changed = append(changed, "jobs")
	}

	return changed, attrs
}

// RestartRequired reports whether a change touches settings that are only
// read at startup.
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		switch s {
		case "store", "systemd", "debug", "jobs":
			return true
		}
	}
	return false
}
