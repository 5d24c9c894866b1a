package setup

import (
	"strings"
	"testing"

	"rbaker/internal/config"
)

func TestApplyFillsBackupSections(t *testing.T) {
	cfg := config.Default()
	a := Answers{
		StorageDriver:  "file",
		DirRemote:      "b2:dirs",
		Directories:    "/srv/a\n\n  /srv/b  \n",
		MySQLUser:      "root",
		MySQLPassword:  " s3cret ",
		MySQLBackupDir: "/var/backups/mysql",
		MySQLRemote:    "b2:mysql",
		MySQLRetention: "7",
		WebRemote:      "b2:sites",
		Sites:          "blog /var/www/blog /var/backups/www\n",
		TelegramChatID: "-100123",
	}
	if err := Apply(cfg, a); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := cfg.Backup.Directories.Paths; len(got) != 2 || got[1] != "/srv/b" {
		t.Fatalf("paths=%v", got)
	}
	if cfg.Backup.MySQL.Password != " s3cret " {
		t.Fatalf("password must be kept verbatim, got %q", cfg.Backup.MySQL.Password)
	}
	if cfg.Backup.MySQL.RetentionDays != 7 {
		t.Fatalf("retention=%d", cfg.Backup.MySQL.RetentionDays)
	}
	if len(cfg.Backup.Websites.Sites) != 1 || cfg.Backup.Websites.Sites[0].Name != "blog" {
		t.Fatalf("sites=%+v", cfg.Backup.Websites.Sites)
	}
	if cfg.Telegram.ChatID != -100123 {
		t.Fatalf("chat id=%d", cfg.Telegram.ChatID)
	}
	if cfg.Storage.Driver != "file" || !strings.HasSuffix(cfg.Storage.Path, "schedule.json") {
		t.Fatalf("storage=%+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestApplyReportsBadNumbers(t *testing.T) {
	cfg := config.Default()
	err := Apply(cfg, Answers{MySQLRetention: "week", TelegramChatID: "abc", Sites: "only-two fields"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"mysql retention days", "telegram chat id", "website line 1"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestFromConfigPrefillsAnswers(t *testing.T) {
	cfg := config.Default()
	cfg.Backup.Media.Paths = []string{"/srv/media/in", "/srv/media/cam"}
	cfg.Backup.Websites.Sites = []config.SiteConfig{{Name: "shop", Source: "/var/www/shop", BackupDir: "/var/bk"}}
	cfg.Telegram.ChatID = 42

	a := FromConfig(cfg)
	if a.MediaPaths != "/srv/media/in\n/srv/media/cam" {
		t.Fatalf("media=%q", a.MediaPaths)
	}
	if a.Sites != "shop /var/www/shop /var/bk" {
		t.Fatalf("sites=%q", a.Sites)
	}
	if a.TelegramChatID != "42" || a.MySQLRetention != "" {
		t.Fatalf("answers=%+v", a)
	}
}

func TestValidators(t *testing.T) {
	if err := validateAbsLines("/a\nrelative"); err == nil {
		t.Fatal("relative path accepted")
	}
	if err := validateAbsLines("/a\n\n/b"); err != nil {
		t.Fatalf("abs lines: %v", err)
	}
	if err := validateCount("-1"); err == nil {
		t.Fatal("negative count accepted")
	}
	if err := validateCount(""); err != nil {
		t.Fatalf("empty count: %v", err)
	}
}
