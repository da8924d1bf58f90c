package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var knownSinks = map[string]bool{"store": true, "file": true, "redis": true, "kafka": true}

// Validate checks field formats that do not need other packages. Recurring
// schedules and task types are checked by the app when it builds definitions.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	dur := func(path, raw string) {
		if _, err := Duration(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	d := cfg.Dispatcher
	dur("dispatcher.poll_interval", d.PollInterval)
	dur("dispatcher.task_timeout", d.TaskTimeout)
	dur("dispatcher.retry_base_delay", d.RetryBaseDelay)
	dur("dispatcher.retry_max_delay", d.RetryMaxDelay)
	dur("dispatcher.seed_delay", d.SeedDelay)
	if d.MaxConcurrent < 0 || d.BatchSize < 0 {
		errs = append(errs, errors.New("dispatcher: max_concurrent and batch_size must be >= 0"))
	}
	if d.RetryJitter < 0 || d.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("dispatcher.retry_jitter: %v not in [0,1]", d.RetryJitter))
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher.timezone: %w", err))
		}
	}

	for i, r := range cfg.Recurring {
		if strings.TrimSpace(r.Type) == "" || strings.TrimSpace(r.Schedule) == "" {
			errs = append(errs, fmt.Errorf("recurring[%d]: type and schedule are required", i))
		}
	}

	switch drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); drv {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", drv))
	}

	for _, s := range cfg.EventLog.Sinks {
		name := strings.ToLower(strings.TrimSpace(s))
		if !knownSinks[name] {
			errs = append(errs, fmt.Errorf("event_log.sinks: unknown sink %q", s))
			continue
		}
		switch name {
		case "file":
			if strings.TrimSpace(cfg.EventLog.File.Path) == "" {
				errs = append(errs, errors.New("event_log.file.path is required"))
			}
		case "redis":
			if strings.TrimSpace(cfg.EventLog.Redis.Addr) == "" {
				errs = append(errs, errors.New("event_log.redis.addr is required"))
			}
		case "kafka":
			if len(cfg.EventLog.Kafka.Brokers) == 0 || strings.TrimSpace(cfg.EventLog.Kafka.Topic) == "" {
				errs = append(errs, errors.New("event_log.kafka: brokers and topic are required"))
			}
			dur("event_log.kafka.timeout", cfg.EventLog.Kafka.Timeout)
		}
	}

	if n := cfg.Notifier; n != nil {
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("telegram.chat_id is required when a token is set"))
	}

	h := cfg.HTTP
	dur("http.read_timeout", h.ReadTimeout)
	dur("http.write_timeout", h.WriteTimeout)
	dur("http.idle_timeout", h.IdleTimeout)
	dur("http.shutdown_timeout", h.ShutdownTimeout)

	if cfg.Subscribers.LowRatingThreshold < 0 {
		errs = append(errs, errors.New("subscribers.low_rating_threshold must be >= 0"))
	}
	return errors.Join(errs...)
}
