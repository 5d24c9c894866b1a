// Package setup is the interactive first-run wizard that writes the rbaker
// config file.
package setup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"rbaker/internal/config"
)

// Answers holds the wizard fields as entered. Lists are one item per line.
type Answers struct {
	Timezone      string
	StorageDriver string
	RcloneConfig  string

	DirRemote   string
	Directories string

	MySQLUser      string
	MySQLPassword  string
	MySQLBackupDir string
	MySQLRemote    string
	MySQLRetention string

	MediaRemote string
	MediaPaths  string

	WebRemote    string
	Sites        string // "name source backup_dir" per line
	WebRetention string

	TelegramEnabled bool
	TelegramToken   string
	TelegramChatID  string
}

// FromConfig prefills answers from an existing config.
func FromConfig(c *config.Config) Answers {
	b := c.Backup
	a := Answers{
		Timezone:        c.Scheduler.Timezone,
		StorageDriver:   c.Storage.Driver,
		RcloneConfig:    b.Rclone.Config,
		DirRemote:       b.Directories.Remote,
		Directories:     strings.Join(b.Directories.Paths, "\n"),
		MySQLUser:       b.MySQL.User,
		MySQLPassword:   b.MySQL.Password,
		MySQLBackupDir:  b.MySQL.BackupDir,
		MySQLRemote:     b.MySQL.Remote,
		MySQLRetention:  itoaOrEmpty(b.MySQL.RetentionDays),
		MediaRemote:     b.Media.Remote,
		MediaPaths:      strings.Join(b.Media.Paths, "\n"),
		WebRemote:       b.Websites.Remote,
		WebRetention:    itoaOrEmpty(b.Websites.RetentionDays),
		TelegramEnabled: c.Telegram.Enabled,
		TelegramToken:   c.Telegram.Token,
	}
	if c.Telegram.ChatID != 0 {
		a.TelegramChatID = strconv.FormatInt(c.Telegram.ChatID, 10)
	}
	sites := make([]string, 0, len(b.Websites.Sites))
	for _, s := range b.Websites.Sites {
		sites = append(sites, strings.Join([]string{s.Name, s.Source, s.BackupDir}, " "))
	}
	a.Sites = strings.Join(sites, "\n")
	return a
}

// Apply copies answers onto c. The result still goes through config.Validate.
func Apply(c *config.Config, a Answers) error {
	var errs []error

	c.Scheduler.Timezone = strings.TrimSpace(a.Timezone)
	if d := strings.TrimSpace(a.StorageDriver); d != "" && d != c.Storage.Driver {
		c.Storage.Driver = d
		c.Storage.Path = ""
	}
	c.Backup.Rclone.Config = strings.TrimSpace(a.RcloneConfig)

	c.Backup.Directories.Remote = strings.TrimSpace(a.DirRemote)
	c.Backup.Directories.Paths = lines(a.Directories)

	c.Backup.MySQL.User = strings.TrimSpace(a.MySQLUser)
	c.Backup.MySQL.Password = a.MySQLPassword
	c.Backup.MySQL.BackupDir = strings.TrimSpace(a.MySQLBackupDir)
	c.Backup.MySQL.Remote = strings.TrimSpace(a.MySQLRemote)
	n, err := atoiOrZero("mysql retention days", a.MySQLRetention)
	errs = append(errs, err)
	c.Backup.MySQL.RetentionDays = n

	c.Backup.Media.Remote = strings.TrimSpace(a.MediaRemote)
	c.Backup.Media.Paths = lines(a.MediaPaths)

	c.Backup.Websites.Remote = strings.TrimSpace(a.WebRemote)
	sites, err := parseSites(a.Sites)
	errs = append(errs, err)
	c.Backup.Websites.Sites = sites
	n, err = atoiOrZero("website retention days", a.WebRetention)
	errs = append(errs, err)
	c.Backup.Websites.RetentionDays = n

	c.Telegram.Enabled = a.TelegramEnabled
	c.Telegram.Token = strings.TrimSpace(a.TelegramToken)
	c.Telegram.ChatID = 0
	if raw := strings.TrimSpace(a.TelegramChatID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("telegram chat id: %q is not a number", raw))
		}
		c.Telegram.ChatID = id
	}

	c.ApplyDefaults()
	return errors.Join(errs...)
}

// Form builds the wizard bound to a.
func Form(a *Answers) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().Title("rbaker setup").Description("Leave a section empty to skip it."),
			huh.NewInput().Title("Timezone").Description("IANA name; empty uses the system zone").Value(&a.Timezone),
			huh.NewSelect[string]().Title("Schedule storage").
				Options(huh.NewOption("SQLite database", "sqlite"), huh.NewOption("JSON file", "file")).
				Value(&a.StorageDriver),
			huh.NewInput().Title("rclone config path").Description("Empty uses rclone's default").Value(&a.RcloneConfig),
		),
		huh.NewGroup(
			huh.NewText().Title("Directories to back up").Description("One absolute path per line").Value(&a.Directories).Validate(validateAbsLines),
			huh.NewInput().Title("Remote for directories").Placeholder("remote:backups").Value(&a.DirRemote),
		),
		huh.NewGroup(
			huh.NewInput().Title("MySQL user").Value(&a.MySQLUser),
			huh.NewInput().Title("MySQL password").EchoMode(huh.EchoModePassword).Value(&a.MySQLPassword),
			huh.NewInput().Title("Local dump directory").Value(&a.MySQLBackupDir),
			huh.NewInput().Title("Remote for dumps").Value(&a.MySQLRemote),
			huh.NewInput().Title("Keep local dumps for (days)").Value(&a.MySQLRetention).Validate(validateCount),
		),
		huh.NewGroup(
			huh.NewText().Title("Media folders").Description("One absolute path per line").Value(&a.MediaPaths).Validate(validateAbsLines),
			huh.NewInput().Title("Remote for media").Value(&a.MediaRemote),
		),
		huh.NewGroup(
			huh.NewText().Title("Websites").Description("One per line: name source backup_dir").Value(&a.Sites).Validate(func(s string) error {
				_, err := parseSites(s)
				return err
			}),
			huh.NewInput().Title("Remote for website archives").Value(&a.WebRemote),
			huh.NewInput().Title("Keep local archives for (days)").Value(&a.WebRetention).Validate(validateCount),
		),
		huh.NewGroup(
			huh.NewConfirm().Title("Send Telegram alerts for failed and timed out tasks?").Value(&a.TelegramEnabled),
			huh.NewInput().Title("Bot token").EchoMode(huh.EchoModePassword).Value(&a.TelegramToken),
			huh.NewInput().Title("Chat ID").Value(&a.TelegramChatID),
		),
	)
}

// Run loads path (or defaults), runs the wizard and saves the result.
// It returns huh.ErrUserAborted when the user quits.
func Run(ctx context.Context, path string) (*config.Config, error) {
	m := config.NewManager(path)
	cfg, _, err := m.LoadOrDefault()
	if err != nil {
		// A broken file is replaced; start from defaults.
		cfg = config.Default()
	}
	a := FromConfig(cfg)
	if err := Form(&a).RunWithContext(ctx); err != nil {
		return nil, err
	}
	if err := Apply(cfg, a); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := config.Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func parseSites(s string) ([]config.SiteConfig, error) {
	var out []config.SiteConfig
	for i, l := range lines(s) {
		f := strings.Fields(l)
		if len(f) != 3 {
			return nil, fmt.Errorf("website line %d: want \"name source backup_dir\", got %q", i+1, l)
		}
		out = append(out, config.SiteConfig{Name: f[0], Source: f[1], BackupDir: f[2]})
	}
	return out, nil
}

func validateAbsLines(s string) error {
	for _, l := range lines(s) {
		if !strings.HasPrefix(l, "/") {
			return fmt.Errorf("%q is not an absolute path", l)
		}
	}
	return nil
}

func validateCount(s string) error {
	_, err := atoiOrZero("value", s)
	return err
}

func atoiOrZero(what, s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s: %q is not a non-negative number", what, s)
	}
	return n, nil
}

func itoaOrEmpty(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}
