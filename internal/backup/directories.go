package backup

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"rbaker/internal/config"
	logx "rbaker/pkg/logx"
)

// BackupDirectories syncs every configured directory to
// <remote>/<path relative to "/">. Directories are processed in batches of
// batch_size in parallel. When a batch had failures and more batches remain,
// the run pauses for batch_pause before continuing.
func (s *Service) BackupDirectories(ctx context.Context) error {
	cfg := s.cfg()
	dc := cfg.Directories
	if len(dc.Paths) == 0 {
		s.log.Info("no directories configured")
		return nil
	}
	size := dc.BatchSize
	if size <= 0 {
		size = 3
	}
	pause, err := config.DurationOr("backup.directories.batch_pause", dc.BatchPause, 0)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	for start := 0; start < len(dc.Paths); start += size {
		end := min(start+size, len(dc.Paths))
		batch := dc.Paths[start:end]

		var g errgroup.Group
		failed := 0
		for _, dir := range batch {
			g.Go(func() error {
				if err := s.syncDirectory(ctx, cfg, dir); err != nil {
					s.log.Warn("directory backup failed", logx.String("dir", dir), logx.Err(err))
					mu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", dir, err))
					failed++
					mu.Unlock()
					return err
				}
				s.log.Info("directory backed up", logx.String("dir", dir))
				return nil
			})
		}
		_ = g.Wait()

		if failed > 0 && end < len(dc.Paths) {
			s.log.Warn("batch had failures; pausing before next batch",
				logx.Int("failed", failed),
				logx.Duration("pause", pause),
			)
			if err := s.sleep(ctx, pause); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) syncDirectory(ctx context.Context, cfg config.BackupConfig, dir string) error {
	rel, err := filepath.Rel("/", filepath.Clean(dir))
	if err != nil {
		return err
	}
	dest := joinRemote(cfg.Directories.Remote, filepath.ToSlash(rel))
	_, err = s.rclone(ctx, cfg, "sync", dir, dest, "--create-empty-src-dirs", "--local-no-check-updated")
	return err
}
