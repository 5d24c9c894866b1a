// Package task holds the types shared by the scheduling core: the Task
// contract collaborators implement, the persisted schedule Entry and the
// error taxonomy reported by the registry, executor and stores.
package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxTimeoutSeconds bounds Entry.TimeoutSeconds (31 days).
const MaxTimeoutSeconds = 31 * 24 * 60 * 60

var (
	// ErrUnknownTask is returned when a name is not present in the registry.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateSchedule is returned when an identical schedule entry already exists.
	ErrDuplicateSchedule = errors.New("duplicate schedule")
	// ErrTaskTimeout marks an execution the executor stopped waiting for.
	// The underlying work may still be running.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrInvalidEntry is returned for a malformed schedule entry or interval.
	ErrInvalidEntry = errors.New("invalid schedule entry")
)

// Task is an opaque unit of work invoked by name.
//
// Run must return when the work is finished. The context is only canceled on
// process shutdown; the executor never cancels it when it abandons a run.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

func (t funcTask) Name() string                  { return t.name }
func (t funcTask) Run(ctx context.Context) error { return t.fn(ctx) }

// Func adapts a plain function to Task.
func Func(name string, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, fn: fn}
}

// ExecutionError wraps a failure returned by a task's Run.
type ExecutionError struct {
	Task string
	Err  error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("task %s failed: %v", e.Task, e.Err) }
func (e *ExecutionError) Unwrap() error { return e.Err }

// Entry is a persisted schedule row: run Task whenever Interval fires and
// stop waiting for it after TimeoutSeconds.
type Entry struct {
	Task           string `json:"task"`
	Interval       string `json:"interval"`
	TimeoutSeconds int    `json:"timeout"`
}

// Normalize trims surrounding whitespace from the string fields.
func (e Entry) Normalize() Entry {
	e.Task = strings.TrimSpace(e.Task)
	e.Interval = strings.TrimSpace(e.Interval)
	return e
}

// Validate checks the shape of the entry. Whether the task exists or the
// interval parses is checked by the registry and the trigger layer.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Task) == "" {
		return fmt.Errorf("%w: task name required", ErrInvalidEntry)
	}
	if strings.TrimSpace(e.Interval) == "" {
		return fmt.Errorf("%w: interval required", ErrInvalidEntry)
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout must be a positive number of seconds, got %d", ErrInvalidEntry, e.TimeoutSeconds)
	}
	if e.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("%w: timeout %ds exceeds %ds", ErrInvalidEntry, e.TimeoutSeconds, MaxTimeoutSeconds)
	}
	return nil
}

// Same reports whether two entries describe the same (task, interval, timeout) triple.
func (e Entry) Same(o Entry) bool {
	a, b := e.Normalize(), o.Normalize()
	return a.Task == b.Task && a.Interval == b.Interval && a.TimeoutSeconds == b.TimeoutSeconds
}

// Timeout is TimeoutSeconds as a duration.
func (e Entry) Timeout() time.Duration { return time.Duration(e.TimeoutSeconds) * time.Second }

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s] timeout=%ds", e.Task, e.Interval, e.TimeoutSeconds)
}
