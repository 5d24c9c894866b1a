package admin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbaker/internal/eventbus"
	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/engine"
	"rbaker/internal/task/registry"
	"rbaker/internal/task/scheduler"
	logx "rbaker/pkg/logx"
)

type fakeAPI struct {
	mu      sync.Mutex
	exec    *engine.Service
	entries []task.Entry
	runs    []storage.RunRecord
	lastQ   storage.RunQuery
	reloads int
}

func newFakeAPI(t *testing.T, tasks ...task.Task) *fakeAPI {
	t.Helper()
	reg, err := registry.New(tasks...)
	require.NoError(t, err)
	exec := engine.New(engine.Config{DefaultTimeout: time.Minute}, reg, logx.Nop(), eventbus.New())
	exec.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		exec.Stop(ctx)
	})
	return &fakeAPI{exec: exec}
}

func (f *fakeAPI) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Status{Version: "test", Executor: f.exec.Snapshot()}
	for _, e := range f.entries {
		st.Scheduler.Schedules = append(st.Scheduler.Schedules, scheduler.ScheduleInfo{Task: e.Task, Interval: e.Interval, Timeout: e.Timeout()})
	}
	return st
}

func (f *fakeAPI) AddEntry(_ context.Context, e task.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.Task != "backupMySQL" && e.Task != "slow" {
		return task.ErrUnknownTask
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, x := range f.entries {
		if x.Same(e) {
			return task.ErrDuplicateSchedule
		}
	}
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAPI) RemoveEntry(_ context.Context, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.entries[:0]
	n := 0
	for _, e := range f.entries {
		if e.Task == name {
			n++
			continue
		}
		kept = append(kept, e)
	}
	f.entries = kept
	return n, nil
}

func (f *fakeAPI) ReloadSchedules(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return len(f.entries), nil
}

func (f *fakeAPI) RunNow(name string, timeout time.Duration) (*engine.Ticket, error) {
	return f.exec.Trigger(name, timeout, "manual")
}

func (f *fakeAPI) History(_ context.Context, q storage.RunQuery) ([]storage.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	return f.runs, nil
}

func newTestClient(t *testing.T, api API, token string) *Client {
	t.Helper()
	srv := httptest.NewServer(NewServer(api, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("rbaker_up 1\n"))
	}), token, logx.Nop()))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, token)
}

func TestHealthzIsPublic(t *testing.T) {
	api := newFakeAPI(t)
	srv := httptest.NewServer(NewServer(api, nil, "secret", logx.Nop()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRejectsWrongToken(t *testing.T) {
	api := newFakeAPI(t)
	srv := httptest.NewServer(NewServer(api, nil, "secret", logx.Nop()))
	defer srv.Close()

	_, err := NewClient(srv.URL, "nope").Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	st, err := NewClient(srv.URL, "secret").Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, engine.StateIdle, st.Executor.State)
}

func TestMetricsBehindAuth(t *testing.T) {
	api := newFakeAPI(t)
	srv := httptest.NewServer(NewServer(api, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("rbaker_up 1\n"))
	}), "secret", logx.Nop()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestScheduleLifecycle(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(t, api, "")
	ctx := context.Background()

	e := task.Entry{Task: "backupMySQL", Interval: "01:00", TimeoutSeconds: 3600}
	require.NoError(t, c.AddSchedule(ctx, e))

	err := c.AddSchedule(ctx, e)
	assert.ErrorIs(t, err, task.ErrDuplicateSchedule)

	err = c.AddSchedule(ctx, task.Entry{Task: "nope", Interval: "01:00", TimeoutSeconds: 60})
	assert.ErrorIs(t, err, task.ErrUnknownTask)

	err = c.AddSchedule(ctx, task.Entry{Task: "backupMySQL", Interval: "01:00"})
	assert.ErrorIs(t, err, task.ErrInvalidEntry)

	list, err := c.Schedules(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "01:00", list[0].Interval)
	assert.Equal(t, time.Hour, list[0].Timeout)

	n, err := c.ReloadSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.RemoveSchedule(ctx, "backupMySQL")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.RemoveSchedule(ctx, "backupMySQL")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAddScheduleRejectsUnknownFields(t *testing.T) {
	api := newFakeAPI(t)
	srv := httptest.NewServer(NewServer(api, nil, "", logx.Nop()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/schedules", "application/json", strings.NewReader(`{"task":"backupMySQL","interval":"01:00","timeout":60,"extra":1}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunWait(t *testing.T) {
	api := newFakeAPI(t,
		task.Func("backupMySQL", func(context.Context) error { return nil }),
		task.Func("broken", func(context.Context) error { return errors.New("disk full") }),
	)
	c := newTestClient(t, api, "")
	ctx := context.Background()

	out, err := c.Run(ctx, "backupMySQL", 90*time.Second, true)
	require.NoError(t, err)
	assert.True(t, out.Finished)
	assert.Equal(t, engine.StatusSucceeded, out.Status)
	assert.Equal(t, 90*time.Second, out.Timeout)

	out, err = c.Run(ctx, "broken", 0, true)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusFailed, out.Status)
	assert.Contains(t, out.Error, "disk full")
	assert.Equal(t, time.Minute, out.Timeout)

	_, err = c.Run(ctx, "missing", 0, false)
	assert.ErrorIs(t, err, task.ErrUnknownTask)
}

func TestRunQueuesBehindRunningTask(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	api := newFakeAPI(t, task.Func("slow", func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}))
	defer close(release)
	c := newTestClient(t, api, "")
	ctx := context.Background()

	first, err := c.Run(ctx, "slow", 0, false)
	require.NoError(t, err)
	assert.False(t, first.Queued)
	assert.False(t, first.Finished)
	<-started

	second, err := c.Run(ctx, "slow", 0, false)
	require.NoError(t, err)
	assert.True(t, second.Queued)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.StateRunning, st.Executor.State)
	assert.Equal(t, "slow", st.Executor.Current)
	require.Len(t, st.Executor.Queue, 1)
	assert.Equal(t, second.ID, st.Executor.Queue[0].ID)
}

func TestRunRejectsBadTimeout(t *testing.T) {
	api := newFakeAPI(t, task.Func("backupMySQL", func(context.Context) error { return nil }))
	srv := httptest.NewServer(NewServer(api, nil, "", logx.Nop()))
	defer srv.Close()

	for _, raw := range []string{"-5", "0", "soon"} {
		resp, err := http.Post(srv.URL+"/tasks/backupMySQL/run?timeout="+raw, "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, raw)
	}
}

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("3600")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = parseTimeout("90s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}

func TestHistoryQuery(t *testing.T) {
	api := newFakeAPI(t)
	api.runs = []storage.RunRecord{{ID: "r1", Task: "backupMySQL", Status: "succeeded"}}
	c := newTestClient(t, api, "")

	runs, err := c.History(context.Background(), storage.RunQuery{Task: "backupMySQL", Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)
	assert.Equal(t, storage.RunQuery{Task: "backupMySQL", Limit: 5}, api.lastQ)

	srv := httptest.NewServer(NewServer(api, nil, "", logx.Nop()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/history?limit=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServiceServesOnLoopback(t *testing.T) {
	api := newFakeAPI(t)
	svc := NewService(Config{Enabled: true, Addr: "127.0.0.1:0"}, NewServer(api, nil, "", logx.Nop()), logx.Nop())
	svc.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	}()

	select {
	case <-svc.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("admin server not ready")
	}
	require.NoError(t, NewClient(svc.Addr(), "").Health(context.Background()))
}

func TestServiceRefusesPublicBindWithoutToken(t *testing.T) {
	api := newFakeAPI(t)
	svc := NewService(Config{Enabled: true, Addr: "0.0.0.0:0"}, NewServer(api, nil, "", logx.Nop()), logx.Nop())
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	select {
	case <-svc.Ready():
		t.Fatal("server bound a public address without a token")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, svc.Addr())
}
