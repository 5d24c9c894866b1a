package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rbaker/internal/eventbus"
	"rbaker/internal/task"
	"rbaker/internal/task/registry"
	logx "rbaker/pkg/logx"
)

func newTestService(t *testing.T, tasks ...task.Task) (*Service, eventbus.Bus) {
	t.Helper()
	reg, err := registry.New(tasks...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	bus := eventbus.New()
	s := New(Config{}, reg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

// gate is a task body that signals when it starts and blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) run(context.Context) error {
	g.started <- struct{}{}
	<-g.release
	return nil
}

func waitDone(t *testing.T, tk *Ticket) Outcome {
	t.Helper()
	select {
	case <-tk.Done():
		return tk.Outcome()
	case <-time.After(5 * time.Second):
		t.Fatalf("ticket %s (%s) not done", tk.ID, tk.Task)
		return Outcome{}
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestTriggerWhileIdleStartsImmediately(t *testing.T) {
	t.Parallel()

	g := newGate()
	s, _ := newTestService(t, task.Func("sync", g.run))

	tk, err := s.Trigger("sync", time.Hour, "cron")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if s.State() != StateRunning {
		t.Fatalf("state=%s want running", s.State())
	}
	snap := s.Snapshot()
	if snap.Current != "sync" || len(snap.Queue) != 0 {
		t.Fatalf("snapshot current=%q queue=%d", snap.Current, len(snap.Queue))
	}
	waitSignal(t, g.started, "sync start")
	close(g.release)

	out := waitDone(t, tk)
	if out.Status != StatusSucceeded {
		t.Fatalf("status=%s", out.Status)
	}
	if out.QueueDelay != 0 {
		t.Fatalf("queue delay=%s want 0", out.QueueDelay)
	}
	if !out.Started.Equal(tk.Enqueued) {
		t.Fatalf("started=%s enqueued=%s", out.Started, tk.Enqueued)
	}
	if s.State() != StateIdle {
		t.Fatalf("state=%s want idle", s.State())
	}
}

func TestTriggerUnknownTask(t *testing.T) {
	t.Parallel()

	s, _ := newTestService(t)
	_, err := s.Trigger("nope", time.Second, "cron")
	if !errors.Is(err, task.ErrUnknownTask) {
		t.Fatalf("err=%v want ErrUnknownTask", err)
	}
	if s.State() != StateIdle {
		t.Fatalf("state changed on unknown task")
	}
}

func TestQueuedTriggersRunInArrivalOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var order []string
	rec := func(name string) task.Task {
		return task.Func(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}
	hold := newGate()
	s, _ := newTestService(t, task.Func("hold", hold.run), rec("A"), rec("B"), rec("C"))

	if _, err := s.Trigger("hold", time.Hour, "cron"); err != nil {
		t.Fatalf("Trigger hold: %v", err)
	}
	waitSignal(t, hold.started, "hold start")

	var tickets []*Ticket
	for _, n := range []string{"A", "B", "C"} {
		tk, err := s.Trigger(n, time.Hour, "cron")
		if err != nil {
			t.Fatalf("Trigger %s: %v", n, err)
		}
		tickets = append(tickets, tk)
	}
	if got := len(s.Snapshot().Queue); got != 3 {
		t.Fatalf("queue len=%d want 3", got)
	}

	close(hold.release)
	for _, tk := range tickets {
		waitDone(t, tk)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "A" || order[1] != "B" || order[2] != "C" {
		t.Fatalf("order=%v want [A B C]", order)
	}
}

func TestSameTaskQueuedTwiceRunsTwice(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	hold := newGate()
	s, _ := newTestService(t,
		task.Func("hold", hold.run),
		task.Func("dump", func(context.Context) error { runs.Add(1); return nil }),
	)

	_, _ = s.Trigger("hold", time.Hour, "cron")
	waitSignal(t, hold.started, "hold start")
	a, _ := s.Trigger("dump", time.Hour, "cron")
	b, _ := s.Trigger("dump", time.Hour, "cron")
	close(hold.release)
	waitDone(t, a)
	waitDone(t, b)
	if runs.Load() != 2 {
		t.Fatalf("runs=%d want 2", runs.Load())
	}
}

func TestNoOverlapUnderConcurrentTriggers(t *testing.T) {
	t.Parallel()

	var running, maxRunning atomic.Int32
	work := task.Func("work", func(context.Context) error {
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		running.Add(-1)
		return nil
	})
	s, _ := newTestService(t, work)

	const n = 40
	tickets := make(chan *Ticket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tk, err := s.Trigger("work", time.Hour, "cron")
			if err != nil {
				t.Errorf("Trigger: %v", err)
				return
			}
			tickets <- tk
		}()
	}
	wg.Wait()
	close(tickets)
	for tk := range tickets {
		waitDone(t, tk)
	}
	if maxRunning.Load() != 1 {
		t.Fatalf("max concurrent runs=%d want 1", maxRunning.Load())
	}
	if got := s.Snapshot().Succeeded; got != n {
		t.Fatalf("succeeded=%d want %d", got, n)
	}
}

func TestFailureReleasesAndDrains(t *testing.T) {
	t.Parallel()

	boom := errors.New("rclone exited 1")
	hold := newGate()
	s, bus := newTestService(t,
		task.Func("hold", hold.run),
		task.Func("bad", func(context.Context) error { return boom }),
		task.Func("good", func(context.Context) error { return nil }),
	)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	_, _ = s.Trigger("hold", time.Hour, "cron")
	waitSignal(t, hold.started, "hold start")
	bad, _ := s.Trigger("bad", time.Hour, "cron")
	good, _ := s.Trigger("good", time.Hour, "cron")
	close(hold.release)

	out := waitDone(t, bad)
	if out.Status != StatusFailed || !errors.Is(out.Err, boom) {
		t.Fatalf("bad outcome=%+v", out)
	}
	var ee *task.ExecutionError
	if !errors.As(out.Err, &ee) || ee.Task != "bad" {
		t.Fatalf("err=%v want ExecutionError for bad", out.Err)
	}
	if out := waitDone(t, good); out.Status != StatusSucceeded {
		t.Fatalf("good outcome=%+v", out)
	}

	sawFailed := false
	deadline := time.After(time.Second)
	for !sawFailed {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TaskFailed && ev.Data.(TaskEvent).Name == "bad" {
				sawFailed = true
			}
		case <-deadline:
			t.Fatalf("task.failed not published")
		}
	}
}

// sync runs past its timeout while dump arrives halfway through; dump must
// start exactly when sync is abandoned and sync's late completion must not
// disturb dump.
func TestTimeoutAbandonsAndStartsNextQueued(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC)
	fc := newFakeClock(t0)

	syncGate := newGate()
	dumpGate := newGate()
	var dumpStartedAt atomic.Value
	syncCtxErr := make(chan error, 1)

	reg, _ := registry.New(
		task.Func("sync", func(ctx context.Context) error {
			syncGate.started <- struct{}{}
			<-syncGate.release
			syncCtxErr <- ctx.Err()
			return nil
		}),
		task.Func("dump", func(ctx context.Context) error {
			dumpStartedAt.Store(fc.Now())
			return dumpGate.run(ctx)
		}),
	)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s := New(Config{}, reg, logx.Nop(), bus)
	s.clock = fc
	s.Start(context.Background())
	defer s.Stop(context.Background())

	syncTk, err := s.Trigger("sync", 3600*time.Second, "cron")
	if err != nil {
		t.Fatalf("Trigger sync: %v", err)
	}
	waitSignal(t, syncGate.started, "sync start")

	fc.Advance(1800 * time.Second)
	dumpTk, err := s.Trigger("dump", 3600*time.Second, "cron")
	if err != nil {
		t.Fatalf("Trigger dump: %v", err)
	}
	if q := s.Snapshot().Queue; len(q) != 1 || q[0].Task != "dump" {
		t.Fatalf("queue=%v want [dump]", q)
	}

	fc.Advance(1799 * time.Second)
	select {
	case <-dumpGate.started:
		t.Fatalf("dump started before sync was abandoned")
	case <-time.After(20 * time.Millisecond):
	}
	if s.Snapshot().Current != "sync" {
		t.Fatalf("current=%q want sync", s.Snapshot().Current)
	}

	fc.Advance(time.Second)
	out := waitDone(t, syncTk)
	if out.Status != StatusTimedOut || !IsTimeout(out.Err) {
		t.Fatalf("sync outcome=%+v", out)
	}
	waitSignal(t, dumpGate.started, "dump start")
	if got := dumpStartedAt.Load().(time.Time); !got.Equal(t0.Add(3600 * time.Second)) {
		t.Fatalf("dump started at %s want %s", got, t0.Add(3600*time.Second))
	}
	if snap := s.Snapshot(); snap.Current != "dump" || snap.TimedOut != 1 {
		t.Fatalf("snapshot current=%q timed_out=%d", snap.Current, snap.TimedOut)
	}

	// sync keeps going after abandonment and its context was never cancelled.
	fc.Advance(1400 * time.Second)
	close(syncGate.release)
	if err := <-syncCtxErr; err != nil {
		t.Fatalf("sync context cancelled on abandonment: %v", err)
	}

	sawLate := false
	deadline := time.After(2 * time.Second)
	for !sawLate {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TaskLate && ev.Data.(TaskEvent).Name == "sync" {
				sawLate = true
			}
		case <-deadline:
			t.Fatalf("task.late not published")
		}
	}
	if snap := s.Snapshot(); snap.Current != "dump" || snap.Late != 1 {
		t.Fatalf("late completion changed state: current=%q late=%d", snap.Current, snap.Late)
	}

	close(dumpGate.release)
	if out := waitDone(t, dumpTk); out.Status != StatusSucceeded {
		t.Fatalf("dump outcome=%+v", out)
	}
	if out := waitDone(t, dumpTk); !out.Started.Equal(t0.Add(3600 * time.Second)) {
		t.Fatalf("dump outcome started=%s", out.Started)
	}
}

func TestZeroTimeoutUsesDefault(t *testing.T) {
	t.Parallel()

	g := newGate()
	reg, _ := registry.New(task.Func("sync", g.run))
	s := New(Config{DefaultTimeout: 90 * time.Minute}, reg, logx.Nop(), nil)
	s.Start(context.Background())
	defer func() {
		close(g.release)
		s.Stop(context.Background())
	}()

	tk, err := s.Trigger("sync", 0, "")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if tk.Timeout != 90*time.Minute {
		t.Fatalf("timeout=%s want 90m", tk.Timeout)
	}
	if tk.Source != "manual" {
		t.Fatalf("source=%q want manual", tk.Source)
	}
}

func TestTriggerBeforeStartAndAfterStop(t *testing.T) {
	t.Parallel()

	reg, _ := registry.New(task.Func("sync", func(context.Context) error { return nil }))
	s := New(Config{}, reg, logx.Nop(), nil)
	if _, err := s.Trigger("sync", time.Second, "cron"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("err=%v want ErrNotStarted", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if _, err := s.Trigger("sync", time.Second, "cron"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v want ErrStopped", err)
	}
}

func TestStopDropsQueuedAndCancelsTaskContext(t *testing.T) {
	t.Parallel()

	reg, _ := registry.New(
		task.Func("hold", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		task.Func("next", func(context.Context) error { return nil }),
	)
	s := New(Config{}, reg, logx.Nop(), nil)
	s.Start(context.Background())

	hold, _ := s.Trigger("hold", time.Hour, "cron")
	next, _ := s.Trigger("next", time.Hour, "cron")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	if out := waitDone(t, next); out.Status != StatusDropped || !errors.Is(out.Err, ErrStopped) {
		t.Fatalf("next outcome=%+v", out)
	}
	if out := waitDone(t, hold); out.Status != StatusFailed || !errors.Is(out.Err, context.Canceled) {
		t.Fatalf("hold outcome=%+v", out)
	}
}

func TestHistoryBounded(t *testing.T) {
	t.Parallel()

	reg, _ := registry.New(task.Func("quick", func(context.Context) error { return nil }))
	s := New(Config{HistorySize: 3}, reg, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 5; i++ {
		tk, err := s.Trigger("quick", time.Minute, "cron")
		if err != nil {
			t.Fatalf("Trigger: %v", err)
		}
		waitDone(t, tk)
	}
	if got := len(s.Snapshot().History); got != 3 {
		t.Fatalf("history len=%d want 3", got)
	}
}

func TestApplyChangesDefaultTimeoutAndTrimsHistory(t *testing.T) {
	t.Parallel()

	reg, _ := registry.New(task.Func("quick", func(context.Context) error { return nil }))
	s := New(Config{HistorySize: 5}, reg, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 4; i++ {
		tk, _ := s.Trigger("quick", time.Minute, "cron")
		waitDone(t, tk)
	}
	s.Apply(Config{DefaultTimeout: 2 * time.Hour, HistorySize: 2})

	if got := s.DefaultTimeout(); got != 2*time.Hour {
		t.Fatalf("default timeout=%s", got)
	}
	if got := len(s.Snapshot().History); got != 2 {
		t.Fatalf("history len=%d want 2", got)
	}
	tk, _ := s.Trigger("quick", 0, "")
	if tk.Timeout != 2*time.Hour {
		t.Fatalf("timeout=%s want 2h", tk.Timeout)
	}
	waitDone(t, tk)
}

func TestCompletionPublishedBeforeNextStart(t *testing.T) {
	t.Parallel()

	hold := newGate()
	s, bus := newTestService(t, task.Func("hold", hold.run), task.Func("next", func(context.Context) error { return nil }))
	events, unsub := bus.Subscribe(32)
	defer unsub()

	if _, err := s.Trigger("hold", time.Hour, "cron"); err != nil {
		t.Fatalf("Trigger hold: %v", err)
	}
	waitSignal(t, hold.started, "hold start")
	next, err := s.Trigger("next", time.Hour, "cron")
	if err != nil {
		t.Fatalf("Trigger next: %v", err)
	}
	close(hold.release)
	waitDone(t, next)

	var seq []string
	deadline := time.After(2 * time.Second)
	for len(seq) < 4 {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TaskQueued {
				continue
			}
			seq = append(seq, ev.Type+":"+ev.Data.(TaskEvent).Name)
		case <-deadline:
			t.Fatalf("events so far: %v", seq)
		}
	}
	want := []string{"task.started:hold", "task.finished:hold", "task.started:next", "task.finished:next"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("events=%v want %v", seq, want)
		}
	}
}
