package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rbaker/internal/admin"
	"rbaker/internal/eventbus"
	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/engine"
	"rbaker/internal/task/scheduler"
	logx "rbaker/pkg/logx"
)

var _ admin.API = (*App)(nil)

// live reports whether the cron layer is running in this process.
func (a *App) live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && !a.stopped && !a.opts.OneShot
}

// AddEntry validates e, persists it and, when the scheduler is running,
// registers its trigger immediately.
func (a *App) AddEntry(ctx context.Context, e task.Entry) error {
	e = e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	if !a.reg.Has(e.Task) {
		return fmt.Errorf("%w: %q", task.ErrUnknownTask, e.Task)
	}
	if _, err := scheduler.ParseSchedule(e.Interval); err != nil {
		return fmt.Errorf("%w: %w", task.ErrInvalidEntry, err)
	}
	if err := a.store.AddSchedule(ctx, e); err != nil {
		return err
	}
	if a.live() {
		if err := a.sched.Add(e); err != nil && !errors.Is(err, task.ErrDuplicateSchedule) {
			return fmt.Errorf("schedule stored but not registered: %w", err)
		}
	}
	a.log.Info("schedule added", logx.String("task", e.Task), logx.String("interval", e.Interval), logx.Int("timeout_s", e.TimeoutSeconds))
	a.bus.Publish(eventbus.Event{Type: eventbus.ScheduleAdded, Data: e})
	return nil
}

// RemoveEntry deletes every schedule for name. Unknown names remove nothing
// and are not an error.
func (a *App) RemoveEntry(ctx context.Context, name string) (int, error) {
	n, err := a.store.RemoveSchedules(ctx, name)
	if err != nil {
		return 0, err
	}
	if a.live() {
		if live := a.sched.RemoveTask(name); live > n {
			n = live
		}
	}
	if n > 0 {
		a.log.Info("schedule removed", logx.String("task", name), logx.Int("count", n))
		a.bus.Publish(eventbus.Event{Type: eventbus.ScheduleRemoved, Data: name})
	}
	return n, nil
}

// RunNow hands name to the executor as a manual trigger. timeout <= 0 uses
// the default timeout.
func (a *App) RunNow(name string, timeout time.Duration) (*engine.Ticket, error) {
	return a.engine.Trigger(name, timeout, "manual")
}

// ReloadSchedules replaces the live trigger set with the store contents.
// Rows naming unknown tasks or carrying a bad interval are skipped and
// logged. It returns the number of live triggers.
func (a *App) ReloadSchedules(ctx context.Context) (int, error) {
	n, err := a.loadSchedules(ctx)
	if err != nil {
		return 0, err
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: "schedules"})
	return n, nil
}

func (a *App) loadSchedules(ctx context.Context) (int, error) {
	rows, err := a.store.ListSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}
	valid := make([]task.Entry, 0, len(rows))
	for _, e := range rows {
		if !a.reg.Has(e.Task) {
			a.log.Error("schedule skipped: unknown task", logx.String("task", e.Task), logx.String("interval", e.Interval))
			continue
		}
		valid = append(valid, e)
	}
	if err := a.sched.Replace(valid); err != nil {
		a.log.Error("some schedules were rejected", logx.Err(err))
	}
	return len(a.sched.Entries()), nil
}

func (a *App) History(ctx context.Context, q storage.RunQuery) ([]storage.RunRecord, error) {
	return a.store.ListRuns(ctx, q)
}

// Schedules lists the persisted entries.
func (a *App) Schedules(ctx context.Context) ([]task.Entry, error) {
	return a.store.ListSchedules(ctx)
}

func (a *App) Status() admin.Status {
	a.mu.Lock()
	startedAt, sup := a.startedAt, a.sup
	a.mu.Unlock()

	st := admin.Status{
		Version:   a.opts.Version,
		StartedAt: startedAt,
		Tasks:     a.reg.Names(),
		Executor:  a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
	}
	if !startedAt.IsZero() {
		st.Uptime = time.Since(startedAt).Truncate(time.Second)
	}
	if sup != nil {
		st.Supervisor = sup.Snapshot()
	}
	return st
}
