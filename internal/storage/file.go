package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rbaker/internal/task"
	logx "rbaker/pkg/logx"
)

// fileStore keeps schedules in a JSON array file (the layout of the legacy
// schedule.json) and run history in an append-only JSON Lines file.
//
// Files:
//   - <path>                  schedules, rewritten atomically on change
//   - <prefix>.runs.jsonl     run history
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	schedulePath string
	runsPath     string
	runsFile     *os.File
	entries      []task.Entry
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	entries, err := loadEntries(path)
	if err != nil {
		return nil, err
	}

	runsPath := prefix + ".runs.jsonl"
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	log.Debug("file store opened", logx.String("path", path), logx.Int("schedules", len(entries)))
	return &fileStore{
		log:          log,
		schedulePath: path,
		runsPath:     runsPath,
		runsFile:     rf,
		entries:      entries,
	}, nil
}

func loadEntries(path string) ([]task.Entry, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var entries []task.Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return entries, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return nil
	}
	err := s.runsFile.Close()
	s.runsFile = nil
	return err
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]task.Entry, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-read so edits made by another process (the CLI) are visible.
	entries, err := loadEntries(s.schedulePath)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return append([]task.Entry(nil), entries...), nil
}

func (s *fileStore) AddSchedule(ctx context.Context, e task.Entry) error {
	_ = ctx
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := loadEntries(s.schedulePath)
	if err != nil {
		return err
	}
	for _, cur := range entries {
		if cur.Same(e) {
			return fmt.Errorf("%w: %s", task.ErrDuplicateSchedule, e)
		}
	}
	entries = append(entries, e)
	if err := s.writeLocked(entries); err != nil {
		return err
	}
	s.entries = entries
	return nil
}

func (s *fileStore) RemoveSchedules(ctx context.Context, taskName string) (int, error) {
	_ = ctx
	taskName = strings.TrimSpace(taskName)
	if taskName == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := loadEntries(s.schedulePath)
	if err != nil {
		return 0, err
	}
	kept := entries[:0]
	for _, cur := range entries {
		if cur.Task != taskName {
			kept = append(kept, cur)
		}
	}
	removed := len(entries) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := s.writeLocked(kept); err != nil {
		return 0, err
	}
	s.entries = kept
	return removed, nil
}

// writeLocked replaces the schedule file via a temp file + rename.
func (s *fileStore) writeLocked(entries []task.Entry) error {
	if entries == nil {
		entries = []task.Entry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.schedulePath + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.schedulePath)
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.runsFile).Encode(r)
}

func (s *fileStore) ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.runsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	want := strings.TrimSpace(q.Task)
	byID := map[string]int{}
	var runs []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			s.log.Warn("skipping corrupt run record", logx.String("path", s.runsPath), logx.Err(err))
			continue
		}
		if want != "" && r.Task != want {
			continue
		}
		// Later records for the same run win.
		if i, ok := byID[r.ID]; ok && r.ID != "" {
			runs[i] = r
			continue
		}
		byID[r.ID] = len(runs)
		runs = append(runs, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Started.After(runs[j].Started) })
	if n := q.limit(); len(runs) > n {
		runs = runs[:n]
	}
	return runs, nil
}
