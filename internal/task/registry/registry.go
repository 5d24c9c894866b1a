// Package registry maps task names to runnable implementations.
package registry

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"rbaker/internal/task"
)

// Pending is the result of an in-flight invocation.
type Pending struct {
	name string
	done chan struct{}
	err  error
}

// Done is closed once the operation returned.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err is the operation error. Only valid after Done is closed.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Wait blocks until the operation finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) Task() string { return p.name }

type Registry struct {
	mu    sync.RWMutex
	tasks map[string]task.Task
}

func New(tasks ...task.Task) (*Registry, error) {
	r := &Registry{tasks: map[string]task.Task{}}
	for _, t := range tasks {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t under t.Name(). Names are unique.
func (r *Registry) Register(t task.Task) error {
	if t == nil {
		return fmt.Errorf("register: nil task")
	}
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("register: empty task name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[name]; ok {
		return fmt.Errorf("register: task %q already registered", name)
	}
	r.tasks[name] = t
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tasks[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Invoke starts the named task in its own goroutine and returns immediately.
// ctx is handed to the task as-is; callers that abandon the result must not
// cancel it.
func (r *Registry) Invoke(ctx context.Context, name string) (*Pending, error) {
	r.mu.RLock()
	t, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownTask, name)
	}

	p := &Pending{name: name, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer func() {
			if rec := recover(); rec != nil {
				p.err = &task.ExecutionError{
					Task: name,
					Err:  fmt.Errorf("panic: %v\n%s", rec, debug.Stack()),
				}
			}
		}()
		if err := t.Run(ctx); err != nil {
			p.err = &task.ExecutionError{Task: name, Err: err}
		}
	}()
	return p, nil
}
