package app

import (
	"context"
	"fmt"
	"time"

	"rbaker/internal/eventbus"
	"rbaker/internal/runtime/supervisor"
	"rbaker/internal/storage"
	"rbaker/internal/task/engine"
	logx "rbaker/pkg/logx"
)

// startEventLoop feeds executor events to metrics, the notifier and the run
// history.
func (a *App) startEventLoop(sup *supervisor.Supervisor) {
	events, unsub := a.bus.Subscribe(256)
	sup.Go("eventbus.observe", func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				a.drainEvents(events)
				return nil
			case ev := <-events:
				a.observe(ctx, ev)
			}
		}
	})
}

// drainEvents records what is already buffered so shutdown does not lose
// the last runs.
func (a *App) drainEvents(events <-chan eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-events:
			a.observe(ctx, ev)
		default:
			return
		}
	}
}

func (a *App) observe(ctx context.Context, ev eventbus.Event) {
	a.log.Debug("event", logx.String("type", ev.Type), logx.Time("time", ev.Time))
	a.metrics.Observe(ev)
	a.notif.HandleEvent(ctx, ev)

	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	var rec storage.RunRecord
	switch ev.Type {
	case eventbus.TaskFinished, eventbus.TaskFailed, eventbus.TaskTimeout:
		rec = runRecord(te, te.ID, te.Status)
	case eventbus.TaskLate:
		rec = runRecord(te, te.ID+"/late", "late_"+te.Status)
	default:
		return
	}
	if err := a.store.AppendRun(ctx, rec); err != nil {
		a.log.Warn("run history write failed", logx.String("task", te.Name), logx.Err(err))
	}
}

func runRecord(te engine.TaskEvent, id, status string) storage.RunRecord {
	return storage.RunRecord{
		ID:         id,
		Task:       te.Name,
		Source:     te.Source,
		Started:    te.Started,
		QueueDelay: te.QueueDelay,
		Duration:   te.Duration,
		Status:     status,
		Error:      te.Error,
	}
}

// startHeartbeat logs liveness and refreshes the systemd status line.
func (a *App) startHeartbeat(sup *supervisor.Supervisor) {
	every := heartbeatInterval(a.cfgm.Get())
	if wd := a.sd.WatchdogInterval(); wd > 0 && wd < every {
		every = wd
	}
	sup.Go("heartbeat", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				a.beat()
			}
		}
	})
}

func (a *App) beat() {
	snap := a.engine.Snapshot()
	a.log.Debug("scheduler alive",
		logx.String("state", snap.State.String()),
		logx.String("current", snap.Current),
		logx.Int("queue_len", len(snap.Queue)),
		logx.Uint64("dropped_events", a.bus.Dropped()),
	)
	a.sd.Status(statusLine(snap, time.Now()))
	a.sd.Watchdog()
}

func statusLine(snap engine.Snapshot, now time.Time) string {
	if snap.State != engine.StateRunning {
		return "idle"
	}
	line := fmt.Sprintf("running %s for %s", snap.Current, now.Sub(snap.CurrentStarted).Truncate(time.Second))
	if n := len(snap.Queue); n > 0 {
		line += fmt.Sprintf(", %d queued", n)
	}
	return line
}
