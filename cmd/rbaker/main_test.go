package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbaker/internal/admin"
	"rbaker/internal/task"
	"rbaker/internal/task/engine"
)

func TestParseTimeout(t *testing.T) {
	d, err := parseTimeout("3600")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	d, err = parseTimeout("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	d, err = parseTimeout("")
	require.NoError(t, err)
	assert.Zero(t, d)

	for _, bad := range []string{"0", "-5", "soon", "-1m"} {
		_, err := parseTimeout(bad)
		assert.Error(t, err, bad)
	}
}

func TestOfflineInfoComputesNextRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 30, 0, 0, time.UTC)
	rows := offlineInfo([]task.Entry{
		{Task: "backupMySQL", Interval: "0 1 * * *", TimeoutSeconds: 3600},
		{Task: "moveMedia", Interval: "not a schedule", TimeoutSeconds: 60},
	}, time.UTC, now)

	require.Len(t, rows, 2)
	assert.Equal(t, time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC), rows[0].Next)
	assert.Equal(t, time.Hour, rows[0].Timeout)
	assert.True(t, rows[1].Next.IsZero())
}

func TestReport(t *testing.T) {
	assert.NoError(t, report("x", engine.StatusSucceeded, time.Second, time.Minute, nil))

	boom := errors.New("boom")
	err := report("x", engine.StatusFailed, time.Second, time.Minute, boom)
	assert.ErrorIs(t, err, boom)

	assert.ErrorContains(t, report("x", engine.StatusTimedOut, 0, time.Minute, nil), "stopped waiting")
	assert.ErrorContains(t, report("x", engine.StatusDropped, 0, time.Minute, nil), "dropped")
}

func TestRootCommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{
		"scheduler", "add-task", "remove-task", "list", "history", "run-task",
		"backup-directories", "backup-mysql", "move-media", "backup-websites", "prune",
		"tasks", "setup", "config", "version",
	} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	mysql, _, err := root.Find([]string{"backup-mysql"})
	require.NoError(t, err)
	assert.NotNil(t, mysql.Flags().ShorthandLookup("u"))
	assert.NotNil(t, mysql.Flags().ShorthandLookup("p"))
}

func TestAddAndRemoveTaskOffline(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	exec := runCLI

	assert.ErrorIs(t, exec("add-task", "nope", "01:00", "60"), task.ErrUnknownTask)
	assert.ErrorIs(t, exec("add-task", "backupMySQL", "61 * * * *", "60"), task.ErrInvalidEntry)

	require.NoError(t, exec("add-task", "backupMySQL", "01:00", "3600"))
	assert.ErrorIs(t, exec("add-task", "backupMySQL", "01:00", "1h"), task.ErrDuplicateSchedule)
	require.NoError(t, exec("list"))
	require.NoError(t, exec("remove-task", "backupMySQL"))
}

// fakeScheduler answers the admin routes the CLI uses and records requests.
type fakeScheduler struct {
	mu   sync.Mutex
	hits []string
}

func (f *fakeScheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits = append(f.hits, r.Method+" "+r.URL.RequestURI())
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.URL.Path == "/healthz":
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/tasks/"):
		name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/run")
		_ = json.NewEncoder(w).Encode(admin.RunResponse{ID: "run-1", Task: name, Timeout: time.Hour, Finished: true, Status: engine.StatusSucceeded, Duration: time.Second})
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/schedules/"):
		_ = json.NewEncoder(w).Encode(admin.RemoveResponse{Removed: 1})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeScheduler) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hits...)
}

// writeAdminConfig writes a config enabling the admin API at addr and
// returns its path.
func writeAdminConfig(t *testing.T, addr string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	path := filepath.Join(dir, "rbaker.yaml")
	body := "admin:\n  enabled: true\n  addr: " + addr + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCLI(args ...string) error {
	root := rootCmd()
	root.SetArgs(args)
	return root.Execute()
}

func TestRunTaskQueuesOnConfiguredScheduler(t *testing.T) {
	fake := &fakeScheduler{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfgPath := writeAdminConfig(t, srv.Listener.Addr().String())

	require.NoError(t, runCLI("--config", cfgPath, "run-task", "backupMySQL", "--timeout", "90m"))
	require.NoError(t, runCLI("--config", cfgPath, "prune"))
	require.NoError(t, runCLI("--config", cfgPath, "remove-task", "backupMySQL"))

	reqs := fake.requests()
	assert.Contains(t, reqs, "POST /tasks/backupMySQL/run?timeout=1h30m0s&wait=1")
	assert.Contains(t, reqs, "POST /tasks/pruneBackups/run?wait=1")
	assert.Contains(t, reqs, "DELETE /schedules/backupMySQL")
}

func TestBackupMySQLCredentialsNeedLocalRun(t *testing.T) {
	fake := &fakeScheduler{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	cfgPath := writeAdminConfig(t, srv.Listener.Addr().String())

	err := runCLI("--config", cfgPath, "backup-mysql", "-u", "root")
	assert.ErrorContains(t, err, "--pause-service or --local")
	for _, r := range fake.requests() {
		assert.NotContains(t, r, "/tasks/")
	}
}

func TestRunTaskRefusesWithoutScheduler(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	cfgPath := writeAdminConfig(t, addr)

	err := runCLI("--config", cfgPath, "run-task", "backupMySQL")
	assert.ErrorIs(t, err, errNoScheduler)
	err = runCLI("--config", cfgPath, "move-media")
	assert.ErrorIs(t, err, errNoScheduler)
}
