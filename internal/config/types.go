package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("15s", "5m"); empty means the component default.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Dispatcher DispatcherConfig `json:"dispatcher"`

	// Recurring replaces the built-in recurring definitions when non-empty.
	Recurring []RecurringConfig `json:"recurring,omitempty"`

	EventLog    EventLogConfig    `json:"event_log"`
	Storage     StorageConfig     `json:"storage"`
	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Telegram    TelegramConfig    `json:"telegram"`
	HTTP        HTTPConfig        `json:"http"`
	Subscribers SubscribersConfig `json:"subscribers"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log records at or above MinLevel to the notifier.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// DispatcherConfig controls the polling dispatcher and its retry policy.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "15s"
//   - max_concurrent: 3
//   - batch_size: 10
//   - task_timeout: "5m"
//   - retry_base_delay: "30s", retry_max_delay: uncapped, retry_jitter: 0
//   - seed_delay: "5s"
type DispatcherConfig struct {
	PollInterval   string  `json:"poll_interval,omitempty"`
	MaxConcurrent  int     `json:"max_concurrent,omitempty"`
	BatchSize      int     `json:"batch_size,omitempty"`
	TaskTimeout    string  `json:"task_timeout,omitempty"`
	RetryBaseDelay string  `json:"retry_base_delay,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	SeedDelay      string  `json:"seed_delay,omitempty"`
	// Timezone is used for cron schedules. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`
}

// RecurringConfig declares one recurring task type.
//
// Example:
//
//	{ "type": "GENERATE_REPORT", "schedule": "0 7 * * 1", "priority": "low", "payload": { "kind": "weekly" } }
type RecurringConfig struct {
	Type      string         `json:"type"`
	Schedule  string         `json:"schedule"`
	Priority  string         `json:"priority,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EventLogConfig selects where emitted events are persisted.
// Sinks: "store" (default), "file", "redis", "kafka".
type EventLogConfig struct {
	Sinks []string      `json:"sinks,omitempty"`
	File  EventLogFile  `json:"file"`
	Redis EventLogRedis `json:"redis"`
	Kafka EventLogKafka `json:"kafka"`
}

type EventLogFile struct {
	Path string `json:"path"`
}

type EventLogRedis struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Stream   string `json:"stream,omitempty"`
	MaxLen   int64  `json:"max_len,omitempty"`
}

type EventLogKafka struct {
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic"`
	Timeout string   `json:"timeout,omitempty"`
}

// StorageConfig selects the task store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/outreachd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// NotifierConfig controls the async notification pipeline.
// If the whole section is omitted, the notifier is enabled with defaults.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// TelegramConfig enables forwarding notifications to a chat.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	BaseURL  string `json:"base_url,omitempty"`
}

// HTTPConfig controls the operator API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8080").
//   - A non-loopback address requires a token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

type SubscribersConfig struct {
	LowRatingThreshold float64 `json:"low_rating_threshold,omitempty"`
	ReplyStage         string  `json:"reply_stage,omitempty"`
	BounceStage        string  `json:"bounce_stage,omitempty"`
}

// Default is used when no config file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "memory"},
		HTTP:    HTTPConfig{Enabled: true},
	}
}
