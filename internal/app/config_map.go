package app

import (
	"fmt"
	"strings"
	"time"

	"outreachd/internal/config"
	"outreachd/internal/httpapi"
	"outreachd/internal/notifier"
	"outreachd/internal/storage"
	"outreachd/internal/subscribers"
	"outreachd/internal/task"
	"outreachd/internal/task/engine"
	"outreachd/internal/task/retry"
	"outreachd/internal/task/scheduler"
	logx "outreachd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	d := cfg.Dispatcher
	poll, err := config.Duration("dispatcher.poll_interval", d.PollInterval)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.Duration("dispatcher.task_timeout", d.TaskTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	base, err := config.Duration("dispatcher.retry_base_delay", d.RetryBaseDelay)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.Duration("dispatcher.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		PollInterval:  poll,
		MaxConcurrent: d.MaxConcurrent,
		BatchSize:     d.BatchSize,
		TaskTimeout:   timeout,
		Retry:         retry.Policy{BaseDelay: base, MaxDelay: maxDelay, Jitter: d.RetryJitter},
	}, nil
}

func mapRecurringOptions(cfg *config.Config) (scheduler.Options, error) {
	delay, err := config.DurationOr("dispatcher.seed_delay", cfg.Dispatcher.SeedDelay, scheduler.DefaultSeedDelay)
	if err != nil {
		return scheduler.Options{}, err
	}
	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Dispatcher.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return scheduler.Options{}, fmt.Errorf("dispatcher.timezone: %w", err)
		}
	}
	return scheduler.Options{SeedDelay: delay, Location: loc}, nil
}

// mapDefinitions returns the configured recurring set, or the built-in one
// when the config declares none.
func mapDefinitions(cfg *config.Config) ([]scheduler.Definition, error) {
	if len(cfg.Recurring) == 0 {
		return scheduler.DefaultDefinitions(), nil
	}
	defs := make([]scheduler.Definition, 0, len(cfg.Recurring))
	for i, rc := range cfg.Recurring {
		typ, err := task.ParseType(rc.Type)
		if err != nil {
			return nil, fmt.Errorf("recurring[%d]: %w", i, err)
		}
		prio := task.PriorityNormal
		if strings.TrimSpace(rc.Priority) != "" {
			if prio, err = task.ParsePriority(rc.Priority); err != nil {
				return nil, fmt.Errorf("recurring[%d]: %w", i, err)
			}
		}
		d, err := scheduler.NewDefinition(typ, rc.Schedule, prio, task.Payload(rc.Payload))
		if err != nil {
			return nil, fmt.Errorf("recurring[%d]: %w", i, err)
		}
		d.SubjectID = strings.TrimSpace(rc.SubjectID)
		defs = append(defs, d)
	}
	return defs, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), DSN: strings.TrimSpace(sc.DSN)}
	switch driver {
	case "memory":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.Driver, out.BusyTimeout = "sqlite", busy
	case "postgres", "postgresql":
		if out.DSN == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		out.Driver, out.MaxConns = "postgres", int32(sc.MaxConns)
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true, RetryMax: 3, DedupWindow: time.Minute}, nil
	}
	n := cfg.Notifier
	base, err := config.Duration("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.Duration("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.Duration("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	read, err := config.DurationOr("http.read_timeout", h.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	// pprof profiles stream for up to 30s by default.
	write, err := config.DurationOr("http.write_timeout", h.WriteTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.DurationOr("http.idle_timeout", h.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       h.Enabled,
		Addr:          strings.TrimSpace(h.Addr),
		Token:         strings.TrimSpace(h.Token),
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapSubscriberOptions(cfg *config.Config) subscribers.Options {
	s := cfg.Subscribers
	return subscribers.Options{
		LowRatingThreshold: s.LowRatingThreshold,
		ReplyStage:         strings.TrimSpace(s.ReplyStage),
		BounceStage:        strings.TrimSpace(s.BounceStage),
	}
}

// openEventLog builds the persistence fan-out for bus records. The store
// sink is the one /events reads back from.
func openEventLog(cfg *config.Config, store storage.Store, log logx.Logger) (*storage.MultiLog, error) {
	sinks := cfg.EventLog.Sinks
	if len(sinks) == 0 {
		sinks = []string{"store"}
	}
	var named []storage.NamedLog
	fail := func(err error) (*storage.MultiLog, error) {
		_ = storage.NewMultiLog(named...).Close(store)
		return nil, err
	}
	for _, name := range sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "store":
			named = append(named, storage.NamedLog{Name: "store", Log: store})
		case "file":
			fl, err := storage.OpenFileLog(cfg.EventLog.File.Path, log)
			if err != nil {
				return fail(fmt.Errorf("event_log.file: %w", err))
			}
			named = append(named, storage.NamedLog{Name: "file", Log: fl})
		case "redis":
			r := cfg.EventLog.Redis
			rl, err := storage.NewRedisLog(storage.RedisLogConfig{
				Addr: r.Addr, Password: r.Password, DB: r.DB, Stream: r.Stream, MaxLen: r.MaxLen,
			})
			if err != nil {
				return fail(fmt.Errorf("event_log.redis: %w", err))
			}
			named = append(named, storage.NamedLog{Name: "redis", Log: rl})
		case "kafka":
			k := cfg.EventLog.Kafka
			timeout, err := config.Duration("event_log.kafka.timeout", k.Timeout)
			if err != nil {
				return fail(err)
			}
			kl, err := storage.NewKafkaLog(storage.KafkaLogConfig{Brokers: k.Brokers, Topic: k.Topic, Timeout: timeout})
			if err != nil {
				return fail(fmt.Errorf("event_log.kafka: %w", err))
			}
			named = append(named, storage.NamedLog{Name: "kafka", Log: kl})
		default:
			return fail(fmt.Errorf("unknown event_log sink %q", name))
		}
	}
	return storage.NewMultiLog(named...), nil
}

func telegramForwarder(cfg *config.Config) (notifier.Forwarder, error) {
	t := cfg.Telegram
	if strings.TrimSpace(t.Token) == "" {
		return nil, nil
	}
	return notifier.NewTelegramForwarder(notifier.TelegramConfig{
		Token: t.Token, ChatID: t.ChatID, ThreadID: t.ThreadID, BaseURL: t.BaseURL,
	})
}
