package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbaker/internal/task"
	logx "rbaker/pkg/logx"
)

func openBoth(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "rbaker.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "schedule.json")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
}

func TestScheduleCRUD(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			sync := task.Entry{Task: "sync", Interval: "0 1 * * *", TimeoutSeconds: 3600}
			require.NoError(t, st.AddSchedule(ctx, sync))

			err := st.AddSchedule(ctx, sync)
			require.ErrorIs(t, err, task.ErrDuplicateSchedule)

			require.NoError(t, st.AddSchedule(ctx, task.Entry{Task: "sync", Interval: "0 13 * * *", TimeoutSeconds: 3600}))
			require.NoError(t, st.AddSchedule(ctx, task.Entry{Task: "dump", Interval: "30 2 * * *", TimeoutSeconds: 600}))

			entries, err := st.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, sync, entries[0])

			n, err := st.RemoveSchedules(ctx, "never-added")
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			n, err = st.RemoveSchedules(ctx, "sync")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			entries, err = st.ListSchedules(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "dump", entries[0].Task)
		})
	}
}

func TestSchedulesSurviveReopen(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			require.NoError(t, st.AddSchedule(ctx, task.Entry{Task: "sync", Interval: "0 1 * * *", TimeoutSeconds: 3600}))
			require.NoError(t, st.Close())

			st = open()
			defer st.Close()
			entries, err := st.ListSchedules(ctx)
			require.NoError(t, err)
			assert.Equal(t, []task.Entry{{Task: "sync", Interval: "0 1 * * *", TimeoutSeconds: 3600}}, entries)
		})
	}
}

func TestAddScheduleValidates(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			defer st.Close()
			assert.Error(t, st.AddSchedule(context.Background(), task.Entry{Task: "sync", Interval: "0 1 * * *"}))
			assert.Error(t, st.AddSchedule(context.Background(), task.Entry{Interval: "0 1 * * *", TimeoutSeconds: 5}))
		})
	}
}

func TestRunHistory(t *testing.T) {
	for name, open := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := open()
			defer st.Close()

			base := time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC)
			runs := []RunRecord{
				{ID: "r1", Task: "sync", Source: "cron", Started: base, Duration: time.Minute, Status: "succeeded"},
				{ID: "r2", Task: "dump", Source: "cron", Started: base.Add(time.Hour), Duration: 2 * time.Minute, Status: "failed", Error: "exit status 2"},
				{ID: "r3", Task: "sync", Source: "manual", Started: base.Add(2 * time.Hour), Duration: time.Hour, Status: "timed_out"},
			}
			for _, r := range runs {
				require.NoError(t, st.AppendRun(ctx, r))
			}

			got, err := st.ListRuns(ctx, RunQuery{})
			require.NoError(t, err)
			require.Len(t, got, 3)
			assert.Equal(t, "r3", got[0].ID)
			assert.Equal(t, "r1", got[2].ID)
			assert.Equal(t, "exit status 2", got[1].Error)
			assert.Equal(t, 2*time.Minute, got[1].Duration)
			assert.True(t, got[0].Started.Equal(base.Add(2*time.Hour)))

			got, err = st.ListRuns(ctx, RunQuery{Task: "sync", Limit: 1})
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "r3", got[0].ID)
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{}, logx.Nop())
	require.Error(t, err)
}
