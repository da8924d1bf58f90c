package config

import (
	"reflect"
	"strings"

	logx "outreachd/pkg/logx"
)

// Sections that Apply can change at runtime. Everything else takes effect on
// restart.
var hotSections = map[string]bool{"logging": true, "dispatcher": true, "notifier": true}

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, passwords, DSNs) are never
// included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		d := newCfg.Dispatcher
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.poll_interval", strings.TrimSpace(d.PollInterval)),
			logx.Int("dispatcher.max_concurrent", d.MaxConcurrent),
			logx.Int("dispatcher.batch_size", d.BatchSize),
			logx.String("dispatcher.retry_base_delay", strings.TrimSpace(d.RetryBaseDelay)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recurring, newCfg.Recurring) {
		changed = append(changed, "recurring")
		attrs = append(attrs, logx.Int("recurring.count", len(newCfg.Recurring)))
	}

	if !reflect.DeepEqual(oldCfg.EventLog, newCfg.EventLog) {
		changed = append(changed, "event_log")
		attrs = append(attrs, logx.String("event_log.sinks", strings.Join(newCfg.EventLog.Sinks, ",")))
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)) {
		n := derefNotifier(newCfg.Notifier)
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", n.Enabled),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
		)
	}

	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", newCfg.Telegram.Token != ""),
			logx.Bool("telegram.chat_set", newCfg.Telegram.ChatID != 0),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", newCfg.HTTP.Token != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Subscribers != newCfg.Subscribers {
		changed = append(changed, "subscribers")
	}
	return changed, attrs
}

// RestartRequired filters changed down to sections that are not hot-reloaded.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{Enabled: true}
	}
	return *n
}
