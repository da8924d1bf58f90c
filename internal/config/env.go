package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every override variable.
const EnvPrefix = "OUTREACHD_"

// envOverrides are deployment knobs and secrets that win over the file.
// Empty or zero means "not set".
type envOverrides struct {
	LogLevel       string   `env:"LOG_LEVEL"`
	StorageDriver  string   `env:"STORAGE_DRIVER"`
	StoragePath    string   `env:"STORAGE_PATH"`
	StorageDSN     string   `env:"STORAGE_DSN"`
	HTTPAddr       string   `env:"HTTP_ADDR"`
	HTTPToken      string   `env:"HTTP_TOKEN"`
	TelegramToken  string   `env:"TELEGRAM_TOKEN"`
	TelegramChatID int64    `env:"TELEGRAM_CHAT_ID"`
	RedisAddr      string   `env:"REDIS_ADDR"`
	RedisPassword  string   `env:"REDIS_PASSWORD"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
}

// ApplyEnv overlays OUTREACHD_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Storage.DSN, o.StorageDSN)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.HTTP.Token, o.HTTPToken)
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.EventLog.Redis.Addr, o.RedisAddr)
	set(&cfg.EventLog.Redis.Password, o.RedisPassword)
	if o.TelegramChatID != 0 {
		cfg.Telegram.ChatID = o.TelegramChatID
	}
	if len(o.KafkaBrokers) > 0 {
		cfg.EventLog.Kafka.Brokers = o.KafkaBrokers
	}
	return nil
}
