package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"rbaker/internal/eventbus"
	"rbaker/internal/task/engine"
)

func TestObserveTaskEvents(t *testing.T) {
	m := New(Gauges{})

	m.Observe(eventbus.Event{Type: eventbus.TaskFinished, Data: engine.TaskEvent{Name: "sync", Status: "succeeded", Duration: 3 * time.Second}})
	m.Observe(eventbus.Event{Type: eventbus.TaskFailed, Data: engine.TaskEvent{Name: "sync", Status: "failed"}})
	m.Observe(eventbus.Event{Type: eventbus.TaskTimeout, Data: engine.TaskEvent{Name: "dump", Status: "timed_out", Duration: time.Hour}})
	m.Observe(eventbus.Event{Type: eventbus.TaskLate, Data: engine.TaskEvent{Name: "dump", Status: "succeeded"}})
	m.Observe(eventbus.Event{Type: eventbus.ScheduleAdded, Data: "ignored"})

	if got := testutil.ToFloat64(m.runs.WithLabelValues("sync", "succeeded")); got != 1 {
		t.Fatalf("sync succeeded=%v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("sync", "failed")); got != 1 {
		t.Fatalf("sync failed=%v", got)
	}
	if got := testutil.ToFloat64(m.timeouts.WithLabelValues("dump")); got != 1 {
		t.Fatalf("dump timeouts=%v", got)
	}
	if got := testutil.ToFloat64(m.late.WithLabelValues("dump", "succeeded")); got != 1 {
		t.Fatalf("dump late=%v", got)
	}
}

func TestGaugesReadAtScrape(t *testing.T) {
	snap := engine.Snapshot{State: engine.StateRunning, Queue: []engine.QueuedItem{{Task: "a"}, {Task: "b"}}}
	m := New(Gauges{
		Executor:  func() engine.Snapshot { return snap },
		Schedules: func() int { return 4 },
		Dropped:   func() uint64 { return 0 },
	})

	expected := `
# HELP rbaker_executor_queue_length Triggers waiting for the executor.
# TYPE rbaker_executor_queue_length gauge
rbaker_executor_queue_length 2
# HELP rbaker_executor_running 1 while a task holds the executor.
# TYPE rbaker_executor_running gauge
rbaker_executor_running 1
# HELP rbaker_schedules Live cron triggers.
# TYPE rbaker_schedules gauge
rbaker_schedules 4
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"rbaker_executor_queue_length", "rbaker_executor_running", "rbaker_schedules"); err != nil {
		t.Fatal(err)
	}
}
