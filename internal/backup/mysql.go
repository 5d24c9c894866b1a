package backup

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"rbaker/internal/config"
	logx "rbaker/pkg/logx"
)

// dumpOptions matches the options the dumps have always been taken with.
var dumpOptions = []string{
	"--routines", "--triggers", "--events",
	"--single-transaction", "--quick", "--lock-tables=false",
	"--opt", "--complete-insert",
}

// dumpCompletedMarker is the trailer mysqldump writes on success.
const dumpCompletedMarker = "-- Dump completed"

// BackupMySQL dumps every non-system database to
// <backup_dir>/<db>_<stamp>.sql.gz and moves the dumps to the remote.
func (s *Service) BackupMySQL(ctx context.Context) error {
	cfg := s.cfg()
	mc := cfg.MySQL
	if strings.TrimSpace(mc.BackupDir) == "" {
		s.log.Info("mysql backup not configured")
		return nil
	}
	if err := os.MkdirAll(mc.BackupDir, 0o700); err != nil {
		return fmt.Errorf("mysql backup dir: %w", err)
	}

	dbs, err := s.listDatabases(ctx, mc)
	if err != nil {
		return err
	}
	if len(dbs) == 0 {
		s.log.Warn("no databases found to back up")
		return nil
	}

	var errs []error
	for _, db := range dbs {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		file, err := s.dumpDatabase(ctx, mc, db)
		if err != nil {
			s.log.Warn("database dump failed", logx.String("db", db), logx.Err(err))
			errs = append(errs, fmt.Errorf("dump %s: %w", db, err))
			continue
		}
		s.log.Info("database dumped", logx.String("db", db), logx.String("file", file))

		if strings.TrimSpace(mc.Remote) == "" {
			continue
		}
		if _, err := s.rclone(ctx, cfg, "move", file, mc.Remote); err != nil {
			s.log.Warn("moving dump to remote failed", logx.String("file", file), logx.Err(err))
			errs = append(errs, fmt.Errorf("move %s: %w", filepath.Base(file), err))
			continue
		}
		s.log.Info("dump moved to remote", logx.String("file", filepath.Base(file)), logx.String("remote", mc.Remote))
	}
	return errors.Join(errs...)
}

func mysqlAuth(mc config.MySQLConfig) ([]string, []string) {
	var args, env []string
	if u := strings.TrimSpace(mc.User); u != "" {
		args = append(args, "-u", u)
	}
	if h := strings.TrimSpace(mc.Host); h != "" {
		args = append(args, "-h", h)
	}
	if mc.Password != "" {
		env = append(env, "MYSQL_PWD="+mc.Password)
	}
	return args, env
}

func (s *Service) listDatabases(ctx context.Context, mc config.MySQLConfig) ([]string, error) {
	args, env := mysqlAuth(mc)
	args = append(args, "--skip-column-names", "-e", "SHOW DATABASES;")

	var stdout bytes.Buffer
	if _, err := s.run.Run(ctx, Command{Name: "mysql", Args: args, Env: env, Stdout: &stdout}); err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}

	skip := map[string]bool{"database": true}
	for _, name := range mc.Ignore {
		skip[strings.ToLower(strings.TrimSpace(name))] = true
	}
	var dbs []string
	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		db := strings.TrimSpace(sc.Text())
		if db == "" || skip[strings.ToLower(db)] {
			continue
		}
		dbs = append(dbs, db)
	}
	return dbs, sc.Err()
}

// dumpDatabase streams mysqldump through gzip into the backup dir. A dump
// without the completion trailer is removed and reported as failed.
func (s *Service) dumpDatabase(ctx context.Context, mc config.MySQLConfig, db string) (string, error) {
	file := filepath.Join(mc.BackupDir, fmt.Sprintf("%s_%s.sql.gz", db, s.stamp()))
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}

	gz := gzip.NewWriter(f)
	trailer := &tailWriter{n: 256}

	args, env := mysqlAuth(mc)
	args = append(args, dumpOptions...)
	args = append(args, db)
	_, runErr := s.run.Run(ctx, Command{Name: "mysqldump", Args: args, Env: env, Stdout: io.MultiWriter(gz, trailer)})

	err = errors.Join(runErr, gz.Close(), f.Close())
	if err == nil && !strings.Contains(trailer.String(), dumpCompletedMarker) {
		err = errors.New("dump is incomplete (no completion trailer)")
	}
	if err != nil {
		_ = os.Remove(file)
		return "", err
	}
	return file, nil
}
