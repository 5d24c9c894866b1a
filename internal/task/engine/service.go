// Package engine runs registered tasks one at a time.
//
// Triggers that arrive while a task is running are queued in arrival order.
// Every run is bounded by an abandonment timer: when it fires the executor
// stops waiting and moves on to the next queued trigger, but the task itself
// is never cancelled. Its eventual completion is logged and published as
// task.late and changes nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"rbaker/internal/eventbus"
	"rbaker/internal/task"
	"rbaker/internal/task/registry"
	logx "rbaker/pkg/logx"
)

const defaultTimeout = time.Hour

// Invoker starts named tasks without blocking.
type Invoker interface {
	Has(name string) bool
	Invoke(ctx context.Context, name string) (*registry.Pending, error)
}

type run struct {
	gen     uint64
	ticket  *Ticket
	started time.Time
	pending *registry.Pending
	timer   timer
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	tasks Invoker
	clock clock

	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	// current is nil while idle.
	current *run
	gen     uint64
	queue   queue

	history []HistoryItem

	idSeq     uint64
	nStarted  uint64
	nSucceed  uint64
	nFailed   uint64
	nTimedOut uint64
	nLate     uint64
}

func New(cfg Config, tasks Invoker, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		tasks: tasks,
		clock: realClock{},
	}
}

// Start makes the executor accept triggers. Tasks receive a context derived
// from ctx that is cancelled only by Stop.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.started = true
	s.log.Info("executor started", logx.Duration("default_timeout", s.cfg.DefaultTimeout))
}

// Stop drops queued triggers, cancels the task context and waits for the
// in-flight task (if any) to return or ctx to end.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	dropped := s.queue.drain()
	cur := s.current
	cancel := s.cancel
	s.mu.Unlock()

	for _, tk := range dropped {
		tk.finish(Outcome{Status: StatusDropped, Err: ErrStopped})
	}
	if len(dropped) > 0 {
		s.log.Warn("queued triggers dropped on shutdown", logx.Int("count", len(dropped)))
	}
	cancel()

	if cur == nil {
		s.log.Info("executor stopped")
		return
	}
	select {
	case <-cur.pending.Done():
		s.log.Info("executor stopped")
	case <-ctx.Done():
		s.log.Warn("executor stop timed out", logx.String("task", cur.ticket.Task), logx.Any("err", ctx.Err()))
	}
}

// Apply updates the default timeout and history size. Runs already started
// keep the timeout they were armed with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.DefaultTimeout > 0 {
		s.cfg.DefaultTimeout = cfg.DefaultTimeout
	}
	if cfg.HistorySize > 0 {
		s.cfg.HistorySize = cfg.HistorySize
		if len(s.history) > cfg.HistorySize {
			s.history = append([]HistoryItem(nil), s.history[len(s.history)-cfg.HistorySize:]...)
		}
	}
}

func (s *Service) DefaultTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DefaultTimeout
}

// Trigger hands a task to the executor. While idle the task starts before
// Trigger returns; otherwise it is queued behind earlier triggers.
// timeout <= 0 uses the default timeout.
func (s *Service) Trigger(name string, timeout time.Duration, source string) (*Ticket, error) {
	name = strings.TrimSpace(name)
	if !s.tasks.Has(name) {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownTask, name)
	}
	if source == "" {
		source = "manual"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	if s.stopped {
		return nil, ErrStopped
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	now := s.clock.Now()
	tk := newTicket(s.newID(now), name, source, timeout, now)

	if s.current == nil {
		s.queue.push(tk)
		s.startNextLocked(now)
		return tk, nil
	}

	s.queue.push(tk)
	s.log.Info("task queued",
		logx.String("task", name),
		logx.String("source", source),
		logx.String("running", s.current.ticket.Task),
		logx.Int("queue_len", s.queue.len()),
	)
	s.publish(eventbus.TaskQueued, now, TaskEvent{ID: tk.ID, Name: name, Source: source, Timeout: timeout, Status: StatusPending.String()})
	return tk, nil
}

// startNextLocked pops queued triggers until one starts or the queue is empty.
// now is the instant the executor became free; a trigger that never waited
// gets a zero queue delay.
func (s *Service) startNextLocked(now time.Time) {
	for s.current == nil && !s.stopped {
		tk, ok := s.queue.pop()
		if !ok {
			return
		}
		pending, err := s.tasks.Invoke(s.baseCtx, tk.Task)
		if err != nil {
			// Only reachable if the registry changed under us.
			out := Outcome{Status: StatusFailed, Started: now, QueueDelay: now.Sub(tk.Enqueued), Err: err}
			s.recordLocked(tk, out)
			tk.finish(out)
			s.log.Error("task invoke failed", logx.String("task", tk.Task), logx.Err(err))
			continue
		}

		s.gen++
		r := &run{gen: s.gen, ticket: tk, started: now, pending: pending}
		gen := r.gen
		r.timer = s.clock.AfterFunc(tk.Timeout, func() { s.onTimeout(gen) })
		s.current = r
		s.nStarted++

		queueDelay := now.Sub(tk.Enqueued)
		s.log.Info("task started",
			logx.String("task", tk.Task),
			logx.String("source", tk.Source),
			logx.Duration("timeout", tk.Timeout),
			logx.Duration("queue_delay", queueDelay),
		)
		s.publish(eventbus.TaskStarted, now, TaskEvent{ID: tk.ID, Name: tk.Task, Source: tk.Source, Started: now, QueueDelay: queueDelay, Timeout: tk.Timeout, Status: StatusPending.String()})
		go s.await(r)
	}
}

func (s *Service) await(r *run) {
	<-r.pending.Done()
	err := r.pending.Err()

	s.mu.Lock()
	now := s.clock.Now()
	dur := now.Sub(r.started)
	if s.current == nil || s.current.gen != r.gen {
		s.nLate++
		s.mu.Unlock()

		ev := TaskEvent{ID: r.ticket.ID, Name: r.ticket.Task, Source: r.ticket.Source, Started: r.started, Duration: dur, Timeout: r.ticket.Timeout, Status: StatusSucceeded.String()}
		if err != nil {
			ev.Status = StatusFailed.String()
			ev.Error = err.Error()
		}
		s.log.Info("abandoned task finished",
			logx.String("task", r.ticket.Task),
			logx.Duration("dur", dur),
			logx.String("status", ev.Status),
			logx.Any("err", err),
		)
		s.publish(eventbus.TaskLate, now, ev)
		return
	}

	r.timer.Stop()
	s.current = nil
	out := Outcome{Status: StatusSucceeded, Started: r.started, QueueDelay: r.started.Sub(r.ticket.Enqueued), Duration: dur}
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		s.nFailed++
	} else {
		s.nSucceed++
	}
	s.recordLocked(r.ticket, out)

	// Completion goes out before the next task.started.
	ev := TaskEvent{ID: r.ticket.ID, Name: r.ticket.Task, Source: r.ticket.Source, Started: r.started, QueueDelay: out.QueueDelay, Duration: dur, Timeout: r.ticket.Timeout, Status: out.Status.String()}
	if err != nil {
		ev.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", r.ticket.Task), logx.Any("err", err), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFailed, now, ev)
	} else {
		s.log.Info("task.completed", logx.String("task", r.ticket.Task), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFinished, now, ev)
	}
	s.startNextLocked(now)
	s.mu.Unlock()

	r.ticket.finish(out)
}

func (s *Service) onTimeout(gen uint64) {
	s.mu.Lock()
	r := s.current
	if r == nil || r.gen != gen {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.current = nil
	s.nTimedOut++
	out := Outcome{
		Status:     StatusTimedOut,
		Started:    r.started,
		QueueDelay: r.started.Sub(r.ticket.Enqueued),
		Duration:   now.Sub(r.started),
		Err:        fmt.Errorf("%w: %s after %s", task.ErrTaskTimeout, r.ticket.Task, r.ticket.Timeout),
	}
	s.recordLocked(r.ticket, out)
	s.log.Warn("task timed out",
		logx.String("task", r.ticket.Task),
		logx.Duration("timeout", r.ticket.Timeout),
		logx.String("note", "executor released; the task may still be running"),
	)
	s.publish(eventbus.TaskTimeout, now, TaskEvent{
		ID:         r.ticket.ID,
		Name:       r.ticket.Task,
		Source:     r.ticket.Source,
		Started:    r.started,
		QueueDelay: out.QueueDelay,
		Duration:   out.Duration,
		Timeout:    r.ticket.Timeout,
		Status:     StatusTimedOut.String(),
		Error:      out.Err.Error(),
	})
	s.startNextLocked(now)
	s.mu.Unlock()

	r.ticket.finish(out)
}

func (s *Service) recordLocked(tk *Ticket, out Outcome) {
	item := HistoryItem{
		ID:         tk.ID,
		Name:       tk.Task,
		Source:     tk.Source,
		Started:    out.Started,
		QueueDelay: out.QueueDelay,
		Duration:   out.Duration,
		Status:     out.Status,
	}
	if out.Err != nil {
		item.Error = out.Err.Error()
	}
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return StateRunning
	}
	return StateIdle
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:          StateIdle,
		DefaultTimeout: s.cfg.DefaultTimeout,
		Started:        s.nStarted,
		Succeeded:      s.nSucceed,
		Failed:         s.nFailed,
		TimedOut:       s.nTimedOut,
		Late:           s.nLate,
	}
	if s.current != nil {
		snap.State = StateRunning
		snap.Current = s.current.ticket.Task
		snap.CurrentStarted = s.current.started
		snap.CurrentTimeout = s.current.ticket.Timeout
	}
	for _, tk := range s.queue.snapshot() {
		snap.Queue = append(snap.Queue, QueuedItem{ID: tk.ID, Task: tk.Task, Source: tk.Source, Timeout: tk.Timeout, Enqueued: tk.Enqueued})
	}
	snap.History = make([]HistoryItem, len(s.history))
	copy(snap.History, s.history)
	return snap
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

func (s *Service) newID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("run-%x-%x", now.UnixNano(), seq)
}

// IsTimeout reports whether err marks an abandoned execution.
func IsTimeout(err error) bool { return errors.Is(err, task.ErrTaskTimeout) }
