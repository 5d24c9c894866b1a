package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rbaker/internal/eventbus"
)

const (
	DefaultAdminAddr = "127.0.0.1:8765"
	DefaultUnit      = "rbaker.service"
)

// Dir returns the rbaker config directory: $XDG_CONFIG_HOME/rbaker or
// ~/.config/rbaker.
func Dir() string {
	if x := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); x != "" {
		return filepath.Join(x, "rbaker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".rbaker")
	}
	return filepath.Join(home, ".config", "rbaker")
}

// DefaultPath is the config file used when --config is not given.
func DefaultPath() string { return filepath.Join(Dir(), "rbaker.yaml") }

// Default returns a config with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Console = true
	cfg.Logging.File.Enabled = true
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills empty fields. It never overrides explicit values.
func (c *Config) ApplyDefaults() {
	dir := Dir()
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		c.Logging.File.Path = filepath.Join(dir, "logs", "rbaker.log")
	}

	if strings.TrimSpace(c.Scheduler.DefaultTimeout) == "" {
		c.Scheduler.DefaultTimeout = "1h"
	}
	if c.Scheduler.HistorySize <= 0 {
		c.Scheduler.HistorySize = 200
	}
	if strings.TrimSpace(c.Scheduler.Heartbeat) == "" {
		c.Scheduler.Heartbeat = "1m"
	}

	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		if strings.EqualFold(c.Storage.Driver, "file") || strings.EqualFold(c.Storage.Driver, "json") {
			c.Storage.Path = filepath.Join(dir, "schedule.json")
		} else {
			c.Storage.Path = filepath.Join(dir, "rbaker.db")
		}
	}

	if strings.TrimSpace(c.Admin.Addr) == "" {
		c.Admin.Addr = DefaultAdminAddr
	}

	if c.Telegram.RatePerMin <= 0 {
		c.Telegram.RatePerMin = 20
	}
	if len(c.Telegram.Events) == 0 {
		c.Telegram.Events = []string{eventbus.TaskTimeout, eventbus.TaskFailed}
	}

	if strings.TrimSpace(c.Systemd.Unit) == "" {
		c.Systemd.Unit = DefaultUnit
	}

	if strings.TrimSpace(c.Backup.Rclone.Binary) == "" {
		c.Backup.Rclone.Binary = "rclone"
	}
	if c.Backup.Directories.BatchSize <= 0 {
		c.Backup.Directories.BatchSize = 3
	}
	if strings.TrimSpace(c.Backup.Directories.BatchPause) == "" {
		c.Backup.Directories.BatchPause = "5m"
	}
	if len(c.Backup.MySQL.Ignore) == 0 {
		c.Backup.MySQL.Ignore = []string{"information_schema", "performance_schema", "mysql", "sys"}
	}
}

// Validate checks the config at load time and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Logging.Level) != "" && !knownLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	for _, f := range c.durationFields() {
		_, err := ParseDuration(f[0], f[1])
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file", "json":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q (use sqlite or file)", c.Storage.Driver))
	}

	if c.Admin.Enabled {
		host, _, err := net.SplitHostPort(strings.TrimSpace(c.Admin.Addr))
		if err != nil {
			add(fmt.Errorf("admin.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(c.Admin.Token) == "" {
			add(fmt.Errorf("admin.addr: %q is not loopback; set admin.token", c.Admin.Addr))
		}
	}

	if c.Telegram.Enabled {
		if strings.TrimSpace(c.Telegram.Token) == "" {
			add(errors.New("telegram.token: required when telegram.enabled"))
		}
		if c.Telegram.ChatID == 0 {
			add(errors.New("telegram.chat_id: required when telegram.enabled"))
		}
	}

	b := c.Backup
	if len(b.Directories.Paths) > 0 && strings.TrimSpace(b.Directories.Remote) == "" {
		add(errors.New("backup.directories.remote: required when paths are set"))
	}
	for i, p := range b.Directories.Paths {
		if !filepath.IsAbs(p) {
			add(fmt.Errorf("backup.directories.paths[%d]: %q must be absolute", i, p))
		}
	}
	if strings.TrimSpace(b.MySQL.Remote) != "" && strings.TrimSpace(b.MySQL.BackupDir) == "" {
		add(errors.New("backup.mysql.backup_dir: required when remote is set"))
	}
	if b.MySQL.RetentionDays < 0 || b.MySQL.Keep < 0 {
		add(errors.New("backup.mysql: retention_days and keep must be >= 0"))
	}
	if len(b.Media.Paths) > 0 && strings.TrimSpace(b.Media.Remote) == "" {
		add(errors.New("backup.media.remote: required when paths are set"))
	}
	if len(b.Websites.Sites) > 0 && strings.TrimSpace(b.Websites.Remote) == "" {
		add(errors.New("backup.websites.remote: required when sites are set"))
	}
	for i, s := range b.Websites.Sites {
		if strings.TrimSpace(s.Name) == "" || strings.TrimSpace(s.Source) == "" || strings.TrimSpace(s.BackupDir) == "" {
			add(fmt.Errorf("backup.websites.sites[%d]: name, source and backup_dir are required", i))
		}
	}
	if b.Websites.RetentionDays < 0 || b.Websites.Keep < 0 {
		add(errors.New("backup.websites: retention_days and keep must be >= 0"))
	}

	return errors.Join(errs...)
}

func knownLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// IsLoopbackAddr reports whether a host:port address binds only to loopback.
// An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || host == "" {
		return false
	}
	return isLoopback(host)
}
