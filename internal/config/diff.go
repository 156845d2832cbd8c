package config

import (
	"strings"

	logx "artifactd/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like SMTP passwords or
// bot tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.tick_interval", newCfg.Dispatcher.TickInterval),
			logx.String("dispatcher.sweep_interval", newCfg.Dispatcher.SweepInterval),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.default_retention", newCfg.Storage.DefaultRetention),
		)
	}

	if deliveryChanged(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		emailOn := newCfg.Delivery.Email != nil && newCfg.Delivery.Email.Enabled
		tgOn := newCfg.Delivery.Telegram != nil && newCfg.Delivery.Telegram.Enabled
		attrs = append(attrs,
			logx.Bool("delivery.email_enabled", emailOn),
			logx.Bool("delivery.telegram_enabled", tgOn),
		)
	}

	return changed, attrs
}

func deliveryChanged(a, b DeliveryConfig) bool {
	if a.RetryMax != b.RetryMax || a.RetryBase != b.RetryBase ||
		a.RetryMaxDelay != b.RetryMaxDelay || a.SaveDir != b.SaveDir {
		return true
	}
	if (a.Email == nil) != (b.Email == nil) || (a.Telegram == nil) != (b.Telegram == nil) {
		return true
	}
	if a.Email != nil && *a.Email != *b.Email {
		return true
	}
	if a.Telegram != nil && *a.Telegram != *b.Telegram {
		return true
	}
	return false
}
