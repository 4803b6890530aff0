package app

import (
	"strings"
	"time"

	"jobhost/internal/config"
	"jobhost/internal/job"
	"jobhost/internal/notifier"
	"jobhost/internal/storage"
	"jobhost/internal/task/dispatcher"
	"jobhost/internal/task/scheduler"
	"jobhost/pkg/logx"
)

const (
	defaultRetryBase     = time.Second
	defaultRetryMaxDelay = 5 * time.Minute
	defaultHeartbeat     = 5 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    strings.TrimSpace(cfg.Logging.File.Path),
		},
	}
}

func mapStore(cfg *config.Config) storage.Config {
	sc := cfg.Store
	return storage.Config{
		Driver:          strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:            strings.TrimSpace(sc.Path),
		DSN:             strings.TrimSpace(sc.DSN),
		BusyTimeout:     config.Duration(sc.BusyTimeout, 0),
		MaxConns:        sc.MaxConns,
		RedisAddr:       strings.TrimSpace(sc.RedisAddr),
		RedisPrefix:     sc.RedisPrefix,
		ConnectAttempts: sc.ConnectAttempts,
		ConnectInterval: config.Duration(sc.ConnectInterval, 0),
		CompactEvery:    sc.CompactEvery,
	}
}

func mapDispatcher(cfg *config.Config) dispatcher.Config {
	dc := cfg.Dispatcher
	out := dispatcher.Config{
		Workers:         dc.Workers,
		PollInterval:    config.Duration(dc.PollInterval, 0),
		LeaseDuration:   config.Duration(dc.LeaseDuration, 0),
		StoreBackoffMax: config.Duration(dc.StoreBackoffMax, 0),
		HistorySize:     dc.HistorySize,
	}
	if dc.Retry.Max > 0 {
		out.Retry = &job.ExponentialRetry{
			Max:      dc.Retry.Max,
			Base:     config.Duration(dc.Retry.Base, defaultRetryBase),
			MaxDelay: config.Duration(dc.Retry.MaxDelay, defaultRetryMaxDelay),
			Jitter:   dc.Retry.Jitter,
		}
	}
	return out
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Timezone:        strings.TrimSpace(cfg.Scheduler.Timezone),
		Retention:       config.Duration(cfg.Scheduler.Retention, 0),
		JanitorInterval: config.Duration(cfg.Scheduler.JanitorInterval, 0),
	}
}

// mapNotifier returns false when alerts are disabled.
func mapNotifier(cfg *config.Config) (notifier.Config, bool) {
	n := cfg.Notifier
	if n == nil || !n.Enabled {
		return notifier.Config{}, false
	}
	window := config.Duration(n.DedupWindow, 0)
	return notifier.Config{
		RatePerSec:  n.RatePerSec,
		Burst:       n.Burst,
		DedupWindow: window,
	}, true
}

func notifierTarget(cfg *config.Config) (token string, chatID int64, threadID int) {
	if cfg.Notifier == nil {
		return "", 0, 0
	}
	return strings.TrimSpace(cfg.Notifier.Token), cfg.Notifier.ChatID, cfg.Notifier.ThreadID
}

func heartbeatInterval(cfg *config.Config) time.Duration {
	return config.Duration(cfg.Heartbeat.Interval, defaultHeartbeat)
}
