package storage

import (
	"context"
	"errors"
	"time"

	"rbaker/internal/task"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database at Path
//   - "file": schedules in Path (JSON array), runs in <Path without ext>.runs.jsonl
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the orchestrator and CLI.
type Store interface {
	ListSchedules(ctx context.Context) ([]task.Entry, error)
	// AddSchedule stores e. An identical entry yields task.ErrDuplicateSchedule
	// and leaves the store unchanged.
	AddSchedule(ctx context.Context, e task.Entry) error
	// RemoveSchedules deletes every entry for the named task and reports how
	// many were deleted. Unknown names are a no-op.
	RemoveSchedules(ctx context.Context, taskName string) (int, error)

	AppendRun(ctx context.Context, r RunRecord) error
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, q RunQuery) ([]RunRecord, error)

	Close() error
}

// RunRecord is one finished or abandoned execution.
type RunRecord struct {
	ID         string        `json:"id"`
	Task       string        `json:"task"`
	Source     string        `json:"source"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

type RunQuery struct {
	Task  string // empty means all tasks
	Limit int    // <= 0 means 50
}

func (q RunQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}
