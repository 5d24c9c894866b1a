// Package admin serves the local HTTP API of a running scheduler and the
// client the CLI uses to talk to it.
//
// Routes:
//
//	GET    /healthz                    liveness (no auth)
//	GET    /metrics                    Prometheus metrics
//	GET    /status                     executor, scheduler and supervisor state
//	GET    /schedules                  live triggers with next/prev fire times
//	POST   /schedules                  add {"task","interval","timeout"}
//	DELETE /schedules/{task}           remove every trigger of a task
//	POST   /schedules/reload           re-read the store
//	POST   /tasks/{task}/run           run now (?timeout=90s&wait=1)
//	GET    /history                    persisted runs (?task=&limit=)
//	GET    /debug/pprof/               profiling
//
// Prefer binding to loopback. A token is required on other addresses.
package admin

import (
	"context"
	"net/http"
	"time"

	"rbaker/internal/runtime/supervisor"
	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/engine"
	"rbaker/internal/task/scheduler"
)

type Config struct {
	Enabled bool
	Addr    string
	Token   string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// API is the orchestrator surface the server exposes.
type API interface {
	Status() Status
	AddEntry(ctx context.Context, e task.Entry) error
	RemoveEntry(ctx context.Context, name string) (int, error)
	ReloadSchedules(ctx context.Context) (int, error)
	RunNow(name string, timeout time.Duration) (*engine.Ticket, error)
	History(ctx context.Context, q storage.RunQuery) ([]storage.RunRecord, error)
}

type Status struct {
	Version    string              `json:"version"`
	StartedAt  time.Time           `json:"started_at"`
	Uptime     time.Duration       `json:"uptime"`
	Tasks      []string            `json:"tasks"`
	Executor   engine.Snapshot     `json:"executor"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

// RunResponse answers POST /tasks/{task}/run.
type RunResponse struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Timeout  time.Duration `json:"timeout"`
	Queued   bool          `json:"queued"`
	Finished bool          `json:"finished"`
	Status   engine.Status `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type RemoveResponse struct {
	Removed int `json:"removed"`
}

type ReloadResponse struct {
	Schedules int `json:"schedules"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in error responses so the client can map them back.
const (
	codeUnknownTask = "unknown_task"
	codeDuplicate   = "duplicate_schedule"
	codeInvalid     = "invalid"
	codeUnavailable = "unavailable"
)

var _ http.Handler = (*Server)(nil)
