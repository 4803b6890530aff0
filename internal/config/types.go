package config

// Config is the host configuration file (JSON, or YAML with a .yaml/.yml extension).
// All durations are Go duration strings ("500ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Store      StoreConfig      `json:"store"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	Lifecycle  LifecycleConfig  `json:"lifecycle"`
	Notifier   *NotifierConfig  `json:"notifier,omitempty"`
	Systemd    SystemdConfig    `json:"systemd"`
	Heartbeat  HeartbeatConfig  `json:"heartbeat"`
	Debug      DebugConfig      `json:"debug"`
	Jobs       JobsConfig       `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the job store backend. Changes need a restart.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./jobhost.db", "busy_timeout": "5s" }
type StoreConfig struct {
	// Driver is one of memory, file, sqlite, postgres, redis.
	Driver string `json:"driver"`
	// Path is the file prefix (file) or database file (sqlite).
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	MaxConns    int32  `json:"max_conns,omitempty"`

	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`

	ConnectAttempts int    `json:"connect_attempts,omitempty"`
	ConnectInterval string `json:"connect_interval,omitempty"`
	CompactEvery    int    `json:"compact_every,omitempty"`
}

// DispatcherConfig tunes the worker pool.
//
// Defaults: workers 2, poll_interval 1s, lease_duration 5m, store_backoff_max 30s.
type DispatcherConfig struct {
	Workers         int         `json:"workers,omitempty"`
	PollInterval    string      `json:"poll_interval,omitempty"`
	LeaseDuration   string      `json:"lease_duration,omitempty"`
	StoreBackoffMax string      `json:"store_backoff_max,omitempty"`
	HistorySize     int         `json:"history_size,omitempty"`
	Retry           RetryConfig `json:"retry"`
}

// RetryConfig enables retries for failed one-shot jobs. max 0 disables them.
type RetryConfig struct {
	Max      int     `json:"max"`
	Base     string  `json:"base,omitempty"`
	MaxDelay string  `json:"max_delay,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"`
}

type SchedulerConfig struct {
	// Timezone for recurrence rules (IANA name). Empty means UTC.
	Timezone        string `json:"timezone,omitempty"`
	Retention       string `json:"retention,omitempty"`
	JanitorInterval string `json:"janitor_interval,omitempty"`
}

type LifecycleConfig struct {
	HookTimeout string `json:"hook_timeout,omitempty"`
}

// NotifierConfig sends alerts for failed jobs and faulted tasks to Telegram.
type NotifierConfig struct {
	Enabled     bool    `json:"enabled"`
	Token       string  `json:"token"`
	ChatID      int64   `json:"chat_id"`
	ThreadID    int     `json:"thread_id,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}

// HeartbeatConfig runs a sample supervised loop that logs the time.
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
}

// DebugConfig exposes /healthz, /status and pprof over HTTP.
// Binding to a non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// JobsConfig registers the built-in demo jobs.
type JobsConfig struct {
	Demo bool `json:"demo"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Store:     StoreConfig{Driver: "memory"},
		Heartbeat: HeartbeatConfig{Enabled: true, Interval: "5s"},
		Jobs:      JobsConfig{Demo: true},
	}
}
