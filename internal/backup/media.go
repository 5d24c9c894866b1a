package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logx "rbaker/pkg/logx"
)

// MoveMedia moves the contents of every media directory to
// <remote>/<basename>/ and then removes the subdirectories left empty.
func (s *Service) MoveMedia(ctx context.Context) error {
	cfg := s.cfg()
	mc := cfg.Media
	if len(mc.Paths) == 0 {
		s.log.Info("no media directories configured")
		return nil
	}

	var errs []error
	for _, dir := range mc.Paths {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		dir = strings.TrimRight(dir, "/")
		dest := joinRemote(mc.Remote, filepath.Base(dir)) + "/"
		if _, err := s.rclone(ctx, cfg, "move", dir+"/", dest); err != nil {
			s.log.Warn("media move failed", logx.String("dir", dir), logx.String("remote", dest), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", dir, err))
			continue
		}
		s.log.Info("media moved", logx.String("dir", dir), logx.String("remote", dest))

		if cfg.DryRun {
			continue
		}
		n, err := removeEmptyDirs(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: remove empty dirs: %w", dir, err))
			continue
		}
		if n > 0 {
			s.log.Debug("empty directories removed", logx.String("dir", dir), logx.Int("count", n))
		}
	}
	return errors.Join(errs...)
}

// removeEmptyDirs deletes empty directories below root, deepest first.
// root itself is kept.
func removeEmptyDirs(root string) (int, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && p != root {
			dirs = append(dirs, p)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })

	removed := 0
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.Remove(d); err == nil {
			removed++
		}
	}
	return removed, nil
}
