package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"rbaker/internal/config"
	logx "rbaker/pkg/logx"
)

// backupName matches files written by the dump and archive tasks:
// <key>_<stamp>.<ext>.
var backupName = regexp.MustCompile(`^(.+)_(\d{8}T\d{6}Z)\.(sql\.gz|tar\.bz2)$`)

// Prune removes local dumps and archives older than retention_days and
// keeps only the newest `keep` remote copies per database or site.
func (s *Service) Prune(ctx context.Context) error {
	cfg := s.cfg()
	var errs []error

	if mc := cfg.MySQL; strings.TrimSpace(mc.BackupDir) != "" && mc.RetentionDays > 0 {
		n, err := s.pruneLocal(mc.BackupDir, ".sql.gz", mc.RetentionDays, cfg.DryRun)
		errs = append(errs, err)
		s.log.Info("local dumps pruned", logx.String("dir", mc.BackupDir), logx.Int("removed", n))
	}
	if wc := cfg.Websites; wc.RetentionDays > 0 {
		seen := map[string]bool{}
		for _, site := range wc.Sites {
			if seen[site.BackupDir] {
				continue
			}
			seen[site.BackupDir] = true
			n, err := s.pruneLocal(site.BackupDir, ".tar.bz2", wc.RetentionDays, cfg.DryRun)
			errs = append(errs, err)
			s.log.Info("local archives pruned", logx.String("dir", site.BackupDir), logx.Int("removed", n))
		}
	}

	if mc := cfg.MySQL; strings.TrimSpace(mc.Remote) != "" && mc.Keep > 0 {
		errs = append(errs, s.pruneRemote(ctx, cfg, mc.Remote, mc.Keep))
	}
	if wc := cfg.Websites; strings.TrimSpace(wc.Remote) != "" && wc.Keep > 0 {
		errs = append(errs, s.pruneRemote(ctx, cfg, wc.Remote, wc.Keep))
	}
	return errors.Join(errs...)
}

// pruneLocal removes regular files in dir with the given suffix whose
// modification time is more than days old.
func (s *Service) pruneLocal(dir, suffix string, days int, dryRun bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if dryRun {
			s.log.Info("dry run: would remove", logx.String("file", p))
			continue
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (s *Service) pruneRemote(ctx context.Context, cfg config.BackupConfig, remote string, keep int) error {
	var out bytes.Buffer
	args := []string{"lsf", "--files-only", remote}
	if _, err := s.run.Run(ctx, Command{Name: cfg.Rclone.Binary, Args: append(args, rcloneConfigArgs(cfg)...), Stdout: &out}); err != nil {
		return fmt.Errorf("list %s: %w", remote, err)
	}

	var files []string
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		if f := strings.TrimSpace(sc.Text()); f != "" {
			files = append(files, f)
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	var errs []error
	for _, f := range expiredRemote(files, keep) {
		target := joinRemote(remote, f)
		if _, err := s.rclone(ctx, cfg, "deletefile", target); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", target, err))
			continue
		}
		s.log.Info("remote copy pruned", logx.String("file", target))
	}
	return errors.Join(errs...)
}

func rcloneConfigArgs(cfg config.BackupConfig) []string {
	if strings.TrimSpace(cfg.Rclone.Config) == "" {
		return nil
	}
	return []string{"--config", cfg.Rclone.Config}
}

// expiredRemote returns the files beyond the newest keep per key. Names
// that do not look like backups are never returned.
func expiredRemote(files []string, keep int) []string {
	groups := map[string][]string{}
	for _, f := range files {
		m := backupName.FindStringSubmatch(f)
		if m == nil {
			continue
		}
		key := m[1] + "." + m[3]
		groups[key] = append(groups[key], f)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		g := groups[k]
		sort.Sort(sort.Reverse(sort.StringSlice(g)))
		if len(g) > keep {
			out = append(out, g[keep:]...)
		}
	}
	return out
}
