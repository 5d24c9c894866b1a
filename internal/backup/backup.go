// Package backup implements the collaborator tasks rbaker schedules:
// directory sync, MySQL dumps, media moves, website archives and pruning.
// Every task shells out to rclone, mysql, mysqldump or tar and reads the
// live backup config at the start of each run.
package backup

import (
	"context"
	"path"
	"strings"
	"time"

	"rbaker/internal/config"
	"rbaker/internal/task"
	logx "rbaker/pkg/logx"
)

// Task names as used in schedules and on the command line.
const (
	TaskDirectories = "backupDirectories"
	TaskMySQL       = "backupMySQL"
	TaskMedia       = "moveMedia"
	TaskWebsites    = "backupWebsites"
	TaskPrune       = "pruneBackups"
)

// stampLayout sorts lexically in time order.
const stampLayout = "20060102T150405Z"

// Service owns the backup tasks.
type Service struct {
	cfg func() config.BackupConfig
	run Runner
	log logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the tasks. cfg is called at the start of every run so config
// reloads apply to the next execution.
func New(cfg func() config.BackupConfig, run Runner, log logx.Logger) *Service {
	if run == nil {
		run = ExecRunner{Log: log}
	}
	return &Service{
		cfg:   cfg,
		run:   run,
		log:   log,
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// Tasks returns every backup task for registration.
func (s *Service) Tasks() []task.Task {
	return []task.Task{
		task.Func(TaskDirectories, s.BackupDirectories),
		task.Func(TaskMySQL, s.BackupMySQL),
		task.Func(TaskMedia, s.MoveMedia),
		task.Func(TaskWebsites, s.BackupWebsites),
		task.Func(TaskPrune, s.Prune),
	}
}

// rclone runs one rclone subcommand with the common flags.
func (s *Service) rclone(ctx context.Context, cfg config.BackupConfig, verb string, args ...string) ([]byte, error) {
	rc := cfg.Rclone
	full := make([]string, 0, len(args)+12)
	full = append(full, verb)
	full = append(full, args...)
	full = append(full, "--use-mmap", "--user-agent", "rclone", "--fast-list")
	if strings.TrimSpace(rc.Config) != "" {
		full = append(full, "--config", rc.Config)
	}
	if strings.TrimSpace(rc.LogFile) != "" {
		full = append(full, "--log-file", rc.LogFile, "-v")
	}
	if cfg.DryRun && verb != "lsf" {
		full = append(full, "--dry-run")
	}
	full = append(full, rc.ExtraFlags...)
	return s.run.Run(ctx, Command{Name: rc.Binary, Args: full})
}

func (s *Service) stamp() string { return s.now().UTC().Format(stampLayout) }

// joinRemote appends rel to an rclone remote such as "gdrive:" or "gdrive:backups".
func joinRemote(remote, rel string) string {
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return remote
	}
	if remote == "" || strings.HasSuffix(remote, ":") || strings.HasSuffix(remote, "/") {
		return remote + rel
	}
	return path.Join(remote, rel)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
