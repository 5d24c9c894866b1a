// Package app wires the scheduling core to its collaborators: the schedule
// store, the backup tasks, the cron trigger layer, notifications, metrics,
// the admin API and systemd.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rbaker/internal/admin"
	"rbaker/internal/backup"
	"rbaker/internal/config"
	"rbaker/internal/eventbus"
	"rbaker/internal/metrics"
	"rbaker/internal/notifier"
	"rbaker/internal/runtime/supervisor"
	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/engine"
	"rbaker/internal/task/registry"
	"rbaker/internal/task/scheduler"
	logx "rbaker/pkg/logx"
	"rbaker/pkg/systemdmanager"
)

// Options configure New. Zero values mean production defaults.
type Options struct {
	ConfigPath string
	// Config, when set, is used instead of reading ConfigPath.
	Config *config.Config
	// Tasks replaces the backup tasks.
	Tasks []task.Task
	// Runner executes external commands for the backup tasks.
	Runner backup.Runner
	// Sender overrides the Telegram sender.
	Sender notifier.Sender
	// Logger skips the log service and logs here instead.
	Logger  logx.Logger
	Version string
	// OneShot starts only the executor and its observers: no cron, admin
	// server, heartbeat, config watch or sd_notify. Used by CLI commands
	// that run a task in the foreground.
	OneShot bool
}

type App struct {
	opts Options

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	bus     *eventbus.MemBus
	store   storage.Store
	reg     *registry.Registry
	backup  *backup.Service
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	metrics *metrics.Metrics
	admin   *admin.Service
	sd      *systemdmanager.Notifier

	mu        sync.Mutex
	sup       *supervisor.Supervisor
	started   bool
	stopped   bool
	startedAt time.Time
}

func New(opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg := opts.Config
	if cfg == nil {
		loaded, _, err := cfgm.LoadOrDefault()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		cfgm.Commit(cfg)
	}

	a := &App{opts: opts, cfgm: cfgm}

	if opts.Logger.IsZero() {
		a.logs, a.log = logx.New(cfg.Logging.LogxConfig())
	} else {
		a.log = opts.Logger
	}
	log := a.log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	a.backup = backup.New(func() config.BackupConfig { return a.cfgm.Get().Backup }, opts.Runner, a.log.With(logx.String("comp", "backup")))
	tasks := opts.Tasks
	if tasks == nil {
		tasks = a.backup.Tasks()
	}
	reg, err := registry.New(tasks...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.reg = reg

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.engine = engine.New(ecfg, reg, a.log.With(logx.String("comp", "executor")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, a.log.With(logx.String("comp", "scheduler")))

	sender := opts.Sender
	if sender == nil && cfg.Telegram.Enabled {
		ts, err := notifier.NewTelegramSender(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.ThreadID)
		if err != nil {
			log.Warn("telegram sender unavailable; notifications off", logx.Err(err))
		} else {
			sender = ts
		}
	}
	a.notif = notifier.New(mapNotifierConfig(cfg), sender, a.log.With(logx.String("comp", "notifier")))

	a.metrics = metrics.New(metrics.Gauges{
		Executor:  a.engine.Snapshot,
		Schedules: func() int { return len(a.sched.Entries()) },
		Dropped:   a.bus.Dropped,
	})
	srv := admin.NewServer(a, a.metrics.Handler(), cfg.Admin.Token, a.log.With(logx.String("comp", "admin")))
	a.admin = admin.NewService(mapAdminConfig(cfg), srv, a.log)
	a.sd = systemdmanager.NewNotifier(cfg.Systemd.Notify && !opts.OneShot, a.log.With(logx.String("comp", "systemd")))

	return a, nil
}

// Config returns the active config.
func (a *App) Config() *config.Config { return a.cfgm.Get() }

func (a *App) Store() storage.Store { return a.store }

// TaskNames lists registered tasks, sorted.
func (a *App) TaskNames() []string { return a.reg.Names() }

// AdminAddr is the admin server's bound address, or "" when it is not listening.
func (a *App) AdminAddr() string { return a.admin.Addr() }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start opens the runtime: executor, observers and, unless OneShot, every
// persisted schedule, the cron layer, the admin server and the config watch.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	sup := a.sup
	a.mu.Unlock()

	a.engine.Start(sup.Context())
	a.startEventLoop(sup)
	if a.notif.Enabled() {
		a.notif.Start(sup.Context())
	}
	if a.opts.OneShot {
		return nil
	}

	n, err := a.loadSchedules(sup.Context())
	if err != nil {
		return err
	}
	a.sched.Start(sup.Context())
	if a.admin.Enabled() {
		a.admin.Start(sup.Context())
	}
	a.startHeartbeat(sup)
	a.startConfigReload(sup)

	a.sd.Ready()
	a.sd.Status(fmt.Sprintf("idle, %d schedules", n))
	a.log.Info("scheduler started", logx.Int("schedules", n), logx.Strings("tasks", a.reg.Names()))
	return nil
}

// Run starts the app, blocks until ctx ends or a fatal error occurs, then
// stops it. SIGHUP reloads schedules from the store.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop(context.Background(), StopFatalError)
		return err
	}
	a.watchSIGHUP(a.sup)

	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = StopFatalError
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Stop(stopCtx, reason)
	return a.Err()
}

// Stop shuts components down in dependency order. Each step is bounded so a
// stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	sup := a.sup
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, a.sched.Stop)
	step("admin", 2*time.Second, a.admin.Stop)
	// In-flight backups get a grace period to return after cancellation.
	step("executor", 10*time.Second, a.engine.Stop)
	step("notifier", 3*time.Second, a.notif.Stop)
	if sup != nil {
		sup.Cancel()
		step("supervisor", 2*time.Second, func(c context.Context) { _ = sup.Wait(c) })
	}
	step("storage", time.Second, func(context.Context) {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
