package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "rbaker/pkg/logx"
)

// BackupWebsites archives every site to <backup_dir>/<name>_<stamp>.tar.bz2
// and moves the archive to the remote.
func (s *Service) BackupWebsites(ctx context.Context) error {
	cfg := s.cfg()
	wc := cfg.Websites
	if len(wc.Sites) == 0 {
		s.log.Info("no websites configured")
		return nil
	}

	var errs []error
	for _, site := range wc.Sites {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := os.MkdirAll(site.BackupDir, 0o700); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", site.Name, err))
			continue
		}
		archive := filepath.Join(site.BackupDir, fmt.Sprintf("%s_%s.tar.bz2", site.Name, s.stamp()))
		if _, err := s.run.Run(ctx, Command{Name: "tar", Args: []string{"-cjf", archive, "-C", site.Source, "."}}); err != nil {
			_ = os.Remove(archive)
			s.log.Warn("website archive failed", logx.String("site", site.Name), logx.Err(err))
			errs = append(errs, fmt.Errorf("archive %s: %w", site.Name, err))
			continue
		}
		s.log.Info("website archived", logx.String("site", site.Name), logx.String("file", archive))

		if strings.TrimSpace(wc.Remote) == "" {
			continue
		}
		if _, err := s.rclone(ctx, cfg, "move", archive, wc.Remote); err != nil {
			s.log.Warn("moving archive to remote failed", logx.String("site", site.Name), logx.Err(err))
			errs = append(errs, fmt.Errorf("move %s: %w", site.Name, err))
		}
	}
	return errors.Join(errs...)
}
