package app

import (
	"fmt"
	"strings"
	"time"

	"rbaker/internal/admin"
	"rbaker/internal/config"
	"rbaker/internal/notifier"
	"rbaker/internal/storage"
	"rbaker/internal/task/engine"
	"rbaker/internal/task/scheduler"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file", "json":
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	def, err := config.DurationOr("scheduler.default_timeout", cfg.Scheduler.DefaultTimeout, time.Hour)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{DefaultTimeout: def, HistorySize: cfg.Scheduler.HistorySize}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	t := cfg.Telegram
	return notifier.Config{
		Enabled:     t.Enabled,
		RatePerMin:  t.RatePerMin,
		RetryMax:    3,
		DedupWindow: time.Minute,
		Events:      append([]string(nil), t.Events...),
	}
}

func mapAdminConfig(cfg *config.Config) admin.Config {
	return admin.Config{
		Enabled:      cfg.Admin.Enabled,
		Addr:         strings.TrimSpace(cfg.Admin.Addr),
		Token:        strings.TrimSpace(cfg.Admin.Token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // run?wait=1 blocks for as long as the task runs
		IdleTimeout:  60 * time.Second,
	}
}

func heartbeatInterval(cfg *config.Config) time.Duration {
	d, err := config.DurationOr("scheduler.heartbeat", cfg.Scheduler.Heartbeat, time.Minute)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}
