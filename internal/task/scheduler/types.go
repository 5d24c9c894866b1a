package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"rbaker/internal/task"
	"rbaker/internal/task/engine"
	logx "rbaker/pkg/logx"
)

type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Executor receives trigger firings.
type Executor interface {
	Trigger(name string, timeout time.Duration, source string) (*engine.Ticket, error)
}

type scheduleDef struct {
	id      string
	entry   task.Entry
	spec    string // normalized cron expression
	timeout time.Duration
	entryID cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	exec Executor

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef
	seq    uint64

	// Trigger error throttling: key is task name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Interval string        `json:"interval"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitempty"`
	Prev     time.Time     `json:"prev,omitempty"`
}

type Snapshot struct {
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
