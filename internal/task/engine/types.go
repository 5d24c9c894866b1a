package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the single-flight executor.
type Config struct {
	// DefaultTimeout is used when a trigger carries no timeout of its own.
	DefaultTimeout time.Duration
	HistorySize    int
}

// State is the executor state. There is exactly one per Service.
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	*s = StateIdle
	if string(b) == "running" {
		*s = StateRunning
	}
	return nil
}

// Status is how an accepted trigger left the executor.
type Status int

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	// StatusTimedOut means the executor stopped waiting. The work itself may
	// still be running and may still succeed.
	StatusTimedOut
	// StatusDropped means the trigger was still queued at shutdown.
	StatusDropped
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	case StatusDropped:
		return "dropped"
	default:
		return "pending"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "succeeded":
		*s = StatusSucceeded
	case "failed":
		*s = StatusFailed
	case "timed_out":
		*s = StatusTimedOut
	case "dropped":
		*s = StatusDropped
	default:
		*s = StatusPending
	}
	return nil
}

type Outcome struct {
	Status     Status
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Err        error
}

// Ticket tracks one accepted trigger through queue and execution.
type Ticket struct {
	ID       string
	Task     string
	Source   string
	Timeout  time.Duration
	Enqueued time.Time

	done chan struct{}
	once sync.Once
	out  Outcome
}

func newTicket(id, name, source string, timeout time.Duration, now time.Time) *Ticket {
	return &Ticket{
		ID:       id,
		Task:     name,
		Source:   source,
		Timeout:  timeout,
		Enqueued: now,
		done:     make(chan struct{}),
	}
}

// Done is closed when the execution left Running (or was dropped from the queue).
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Outcome returns the final outcome, or a pending one if Done is not closed yet.
func (t *Ticket) Outcome() Outcome {
	select {
	case <-t.done:
		return t.out
	default:
		return Outcome{Status: StatusPending}
	}
}

func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.out, nil
	case <-ctx.Done():
		return Outcome{Status: StatusPending}, ctx.Err()
	}
}

func (t *Ticket) finish(out Outcome) {
	t.once.Do(func() {
		t.out = out
		close(t.done)
	})
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Source     string        `json:"source"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Status     Status        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Source     string        `json:"source,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Timeout    time.Duration `json:"timeout"`
	Status     string        `json:"status"`
	Error      string        `json:"error,omitempty"`
}

type QueuedItem struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Source   string        `json:"source"`
	Timeout  time.Duration `json:"timeout"`
	Enqueued time.Time     `json:"enqueued"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	State          State         `json:"state"`
	Current        string        `json:"current,omitempty"`
	CurrentStarted time.Time     `json:"current_started,omitempty"`
	CurrentTimeout time.Duration `json:"current_timeout,omitempty"`
	Queue          []QueuedItem  `json:"queue"`
	DefaultTimeout time.Duration `json:"default_timeout"`

	Started   uint64 `json:"started"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	TimedOut  uint64 `json:"timed_out"`
	Late      uint64 `json:"late"`

	History []HistoryItem `json:"history"`
}
