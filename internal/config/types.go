package config

// Config is the whole rbaker configuration file.
//
// Durations are Go duration strings ("90s", "1h30m"). Unknown keys are
// rejected at load time.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Admin     AdminConfig     `json:"admin"`
	Telegram  TelegramConfig  `json:"telegram"`
	Systemd   SystemdConfig   `json:"systemd"`
	Backup    BackupConfig    `json:"backup"`
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

// SchedulerConfig controls triggers and the executor.
//
// Defaults:
//   - timezone: Local
//   - default_timeout: "1h" (used by run-task without --timeout)
//   - history_size: 200
//   - heartbeat: "1m"
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	Heartbeat      string `json:"heartbeat,omitempty"`
}

// StorageConfig selects where schedules and run history live.
//
// Example:
//
//	storage: { driver: sqlite, path: ~/.config/rbaker/rbaker.db }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// AdminConfig controls the local HTTP admin API.
//
// Prefer a loopback address. A non-loopback address requires a token.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8765"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

// TelegramConfig enables alerts for timed out and failed runs.
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	// RatePerMin caps outgoing messages. Default 20.
	RatePerMin int `json:"rate_per_min,omitempty"`
	// Events to alert on. Default: task.timeout, task.failed.
	Events []string `json:"events,omitempty"`
}

type SystemdConfig struct {
	// Unit is stopped and restarted around `run-task --pause-service`.
	Unit string `json:"unit,omitempty"` // default: "rbaker.service"
	// Notify sends READY/STATUS/STOPPING when run under systemd (Type=notify).
	Notify bool `json:"notify"`
}

type BackupConfig struct {
	DryRun      bool              `json:"dry_run"`
	Rclone      RcloneConfig      `json:"rclone"`
	Directories DirectoriesConfig `json:"directories"`
	MySQL       MySQLConfig       `json:"mysql"`
	Media       MediaConfig       `json:"media"`
	Websites    WebsitesConfig    `json:"websites"`
}

type RcloneConfig struct {
	Binary     string   `json:"binary,omitempty"` // default: "rclone"
	Config     string   `json:"config,omitempty"` // passed as --config
	LogFile    string   `json:"log_file,omitempty"`
	ExtraFlags []string `json:"extra_flags,omitempty"`
}

// DirectoriesConfig drives backupDirectories: each path is synced to
// remote + path relative to "/".
type DirectoriesConfig struct {
	Remote     string   `json:"remote"`
	Paths      []string `json:"paths"`
	BatchSize  int      `json:"batch_size,omitempty"`  // default 3
	BatchPause string   `json:"batch_pause,omitempty"` // default "5m"; pause after a failed batch
}

type MySQLConfig struct {
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"` // passed via MYSQL_PWD, never argv
	Host     string `json:"host,omitempty"`
	// BackupDir holds dumps until they are moved to Remote.
	BackupDir     string   `json:"backup_dir"`
	Remote        string   `json:"remote"`
	Ignore        []string `json:"ignore,omitempty"`
	RetentionDays int      `json:"retention_days,omitempty"`
	Keep          int      `json:"keep,omitempty"` // remote copies kept per database; 0 disables remote pruning
}

type MediaConfig struct {
	Remote string   `json:"remote"`
	Paths  []string `json:"paths"`
}

type WebsitesConfig struct {
	Remote        string       `json:"remote"`
	Sites         []SiteConfig `json:"sites"`
	RetentionDays int          `json:"retention_days,omitempty"`
	Keep          int          `json:"keep,omitempty"`
}

type SiteConfig struct {
	Name      string `json:"name"`
	Source    string `json:"source"`
	BackupDir string `json:"backup_dir"`
}
