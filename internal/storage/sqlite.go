package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"rbaker/internal/task"
	logx "rbaker/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// tsLayout sorts lexically in time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]task.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task, interval_spec, timeout_seconds FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Entry
	for rows.Next() {
		var e task.Entry
		if err := rows.Scan(&e.Task, &e.Interval, &e.TimeoutSeconds); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddSchedule(ctx context.Context, e task.Entry) error {
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedules(task, interval_spec, timeout_seconds, created_at) VALUES(?,?,?,?)`,
		e.Task, e.Interval, e.TimeoutSeconds, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", task.ErrDuplicateSchedule, e)
	}
	return nil
}

func (s *sqliteStore) RemoveSchedules(ctx context.Context, taskName string) (int, error) {
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE task = ?`, taskName)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, task, source, started, queue_delay_ms, duration_ms, status, err)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET duration_ms=excluded.duration_ms, status=excluded.status, err=excluded.err`,
		r.ID, r.Task, r.Source, r.Started.UTC().Format(tsLayout),
		r.QueueDelay.Milliseconds(), r.Duration.Milliseconds(), r.Status, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	query := `SELECT id, task, source, started, queue_delay_ms, duration_ms, status, err FROM runs`
	args := []any{}
	if t := strings.TrimSpace(q.Task); t != "" {
		query += ` WHERE task = ?`
		args = append(args, t)
	}
	query += ` ORDER BY started DESC LIMIT ?`
	args = append(args, q.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			started    string
			qd, dur    int64
			errMessage sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Task, &r.Source, &started, &qd, &dur, &r.Status, &errMessage); err != nil {
			return nil, err
		}
		r.Started, _ = time.Parse(tsLayout, started)
		r.QueueDelay = time.Duration(qd) * time.Millisecond
		r.Duration = time.Duration(dur) * time.Millisecond
		r.Error = errMessage.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
