package config

import (
	"reflect"
	"strings"

	logx "rbaker/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Passwords and tokens are never included;
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.default_timeout", newCfg.Scheduler.DefaultTimeout),
			logx.Int("scheduler.history_size", newCfg.Scheduler.HistorySize),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		// Storage is opened once at startup.
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
			logx.Bool("storage.restart_required", true),
		)
	}

	if oldCfg.Admin.Enabled != newCfg.Admin.Enabled ||
		strings.TrimSpace(oldCfg.Admin.Addr) != strings.TrimSpace(newCfg.Admin.Addr) ||
		oldCfg.Admin.Token != newCfg.Admin.Token {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", strings.TrimSpace(newCfg.Admin.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
			logx.Strings("telegram.events", newCfg.Telegram.Events),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs,
			logx.String("systemd.unit", newCfg.Systemd.Unit),
			logx.Bool("systemd.notify", newCfg.Systemd.Notify),
		)
	}

	if !reflect.DeepEqual(oldCfg.Backup, newCfg.Backup) {
		changed = append(changed, "backup")
		b := newCfg.Backup
		attrs = append(attrs,
			logx.Bool("backup.dry_run", b.DryRun),
			logx.Int("backup.directories", len(b.Directories.Paths)),
			logx.Int("backup.media", len(b.Media.Paths)),
			logx.Int("backup.websites", len(b.Websites.Sites)),
			logx.Bool("backup.mysql_password_set", b.MySQL.Password != ""),
		)
	}

	return changed, attrs
}

// LogxConfig converts the logging section to the logger's own config.
func (c LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}
