package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"jobhost/pkg/logx"
)

var knownDrivers = map[string]bool{
	"": true, "memory": true, "file": true,
	"sqlite": true, "sqlite3": true,
	"postgres": true, "postgresql": true, "pgx": true,
	"redis": true,
}

// Validate checks every field that would otherwise fail at apply time.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			errs = append(errs, fmt.Errorf("logging.level: unknown level %q (debug, info, warn, error)", c.Logging.Level))
		}
	}

	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if !knownDrivers[driver] {
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch driver {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path: required for driver %q", driver))
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.dsn: required for postgres"))
		}
	case "redis":
		if strings.TrimSpace(c.Store.RedisAddr) == "" && strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, errors.New("store.redis_addr: required for redis (or a redis:// dsn)"))
		}
	}
	if c.Store.MaxConns < 0 {
		errs = append(errs, errors.New("store.max_conns: must be >= 0"))
	}
	dur("store.busy_timeout", c.Store.BusyTimeout)
	dur("store.connect_interval", c.Store.ConnectInterval)

	if c.Dispatcher.Workers < 0 {
		errs = append(errs, errors.New("dispatcher.workers: must be >= 0"))
	}
	dur("dispatcher.poll_interval", c.Dispatcher.PollInterval)
	dur("dispatcher.lease_duration", c.Dispatcher.LeaseDuration)
	dur("dispatcher.store_backoff_max", c.Dispatcher.StoreBackoffMax)
	dur("dispatcher.retry.base", c.Dispatcher.Retry.Base)
	dur("dispatcher.retry.max_delay", c.Dispatcher.Retry.MaxDelay)
	if c.Dispatcher.Retry.Max < 0 {
		errs = append(errs, errors.New("dispatcher.retry.max: must be >= 0"))
	}
	if j := c.Dispatcher.Retry.Jitter; j < 0 || j > 1 {
		errs = append(errs, errors.New("dispatcher.retry.jitter: must be within [0, 1]"))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" && !strings.EqualFold(tz, "utc") && !strings.EqualFold(tz, "local") {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	dur("scheduler.retention", c.Scheduler.Retention)
	dur("scheduler.janitor_interval", c.Scheduler.JanitorInterval)
	dur("lifecycle.hook_timeout", c.Lifecycle.HookTimeout)
	dur("heartbeat.interval", c.Heartbeat.Interval)

	if c.Debug.Enabled && strings.TrimSpace(c.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(c.Debug.Addr)); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}

	if n := c.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			errs = append(errs, errors.New("notifier.token: required when enabled"))
		}
		if n.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id: required when enabled"))
		}
		if n.RatePerSec < 0 {
			errs = append(errs, errors.New("notifier.rate_per_sec: must be >= 0"))
		}
		dur("notifier.dedup_window", n.DedupWindow)
	}
	return errors.Join(errs...)
}
