package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"rbaker/internal/admin"
	"rbaker/internal/app"
	"rbaker/internal/backup"
	"rbaker/internal/config"
	"rbaker/internal/task/engine"
	logx "rbaker/pkg/logx"
	"rbaker/pkg/systemdmanager"
)

// errNoScheduler is returned when a run would bypass the scheduler's queue.
var errNoScheduler = errors.New("no scheduler reachable")

type runOptions struct {
	timeout string
	wait    bool
	pause   bool
	local   bool
	// mutate adjusts the loaded config for this run only.
	mutate func(*config.Config)
	// localOnly reports flags that only a run in this process can honour.
	localOnly func() bool
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.timeout, "timeout", "", "stop waiting after this long (seconds or duration; default scheduler.default_timeout)")
	f.BoolVar(&o.wait, "wait", true, "when queued on the scheduler, wait for the run to finish")
	f.BoolVar(&o.pause, "pause-service", false, "stop the scheduler's systemd unit, run in this process, start the unit again")
	f.BoolVar(&o.local, "local", false, "run in this process even if a scheduler may be running a task")
}

func runTaskCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run-task <task>",
		Short: "Run one task now and wait for it",
		Long: "The task is queued on the running scheduler (--addr, or admin.addr when the admin API is\n" +
			"enabled) behind whatever is already executing. When no scheduler answers, pass\n" +
			"--pause-service to stop its systemd unit for the run, or --local to run here anyway.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, args[0], o)
		},
	}
	o.bind(cmd)
	return cmd
}

// taskShortcutCmds are one-shot commands for each backup task.
func taskShortcutCmds() []*cobra.Command {
	shortcut := func(use, name, short string) (*cobra.Command, *runOptions) {
		o := &runOptions{}
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runTask(cmd, name, o)
			},
		}
		o.bind(cmd)
		return cmd, o
	}

	dirs, _ := shortcut("backup-directories", backup.TaskDirectories, "Sync the configured directories to the remote")
	media, _ := shortcut("move-media", backup.TaskMedia, "Move media files to the remote and clear empty folders")
	sites, _ := shortcut("backup-websites", backup.TaskWebsites, "Archive each website and copy it to the remote")
	prune, _ := shortcut("prune", backup.TaskPrune, "Delete expired local dumps and old remote archives")

	mysql, mo := shortcut("backup-mysql", backup.TaskMySQL, "Dump every MySQL database and copy the dumps to the remote")
	var user, password string
	mysql.Flags().StringVarP(&user, "user", "u", "", "MySQL user (overrides backup.mysql.user)")
	mysql.Flags().StringVarP(&password, "password", "p", "", "MySQL password (overrides backup.mysql.password)")
	mo.localOnly = func() bool { return user != "" || password != "" }
	mo.mutate = func(c *config.Config) {
		if user != "" {
			c.Backup.MySQL.User = user
		}
		if password != "" {
			c.Backup.MySQL.Password = password
		}
	}

	return []*cobra.Command{dirs, mysql, media, sites, prune}
}

func runTask(cmd *cobra.Command, name string, o *runOptions) error {
	timeout, err := parseTimeout(o.timeout)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if o.pause && explicitAddr(cmd) != "" {
		return errors.New("--pause-service stops the scheduler; it cannot be combined with --addr")
	}
	if !o.pause && !o.local {
		c := adminClient(cmd, cfg)
		switch {
		case c != nil && o.localOnly != nil && o.localOnly():
			return errors.New("a scheduler is running; -u/-p only apply with --pause-service or --local")
		case c != nil:
			return runRemote(cmd.Context(), c, name, timeout, o.wait)
		default:
			return fmt.Errorf("%w (admin.enabled=%t, admin.addr=%s): pass --pause-service to stop the scheduler unit for this run, or --local to run alongside it",
				errNoScheduler, cfg.Admin.Enabled, cfg.Admin.Addr)
		}
	}

	if o.mutate != nil {
		o.mutate(cfg)
	}
	log := logx.NewConsole(cfg.Logging.Level)
	a, err := app.New(app.Options{Config: cfg, Logger: log, Version: version, OneShot: true})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	run := func(ctx context.Context) error {
		if err := a.Start(ctx); err != nil {
			a.Stop(context.Background(), app.StopFatalError)
			return err
		}
		defer a.Stop(context.Background(), app.StopOneShot)

		t, err := a.RunNow(name, timeout)
		if err != nil {
			return err
		}
		out, err := t.Wait(ctx)
		if err != nil {
			return fmt.Errorf("%s interrupted: %w", name, err)
		}
		return report(name, out.Status, out.Duration, t.Timeout, out.Err)
	}

	if !o.pause {
		return run(ctx)
	}
	m := systemdmanager.New(ctx, log)
	defer func() { _ = m.Close() }()
	return systemdmanager.PauseDuring(ctx, m, cfg.Systemd.Unit, log, run)
}

func runRemote(ctx context.Context, c *admin.Client, name string, timeout time.Duration, wait bool) error {
	resp, err := c.Run(ctx, name, timeout, wait)
	if err != nil {
		return err
	}
	if !resp.Finished {
		state := "started"
		if resp.Queued {
			state = "queued"
		}
		fmt.Printf("%s %s (id %s, timeout %s)\n", resp.Task, state, resp.ID, resp.Timeout)
		return nil
	}
	var runErr error
	if resp.Error != "" {
		runErr = errors.New(resp.Error)
	}
	return report(resp.Task, resp.Status, resp.Duration, resp.Timeout, runErr)
}

func report(name string, st engine.Status, took, timeout time.Duration, runErr error) error {
	switch st {
	case engine.StatusSucceeded:
		fmt.Printf("%s succeeded in %s\n", name, took.Truncate(time.Second))
		return nil
	case engine.StatusTimedOut:
		return fmt.Errorf("%s still running after %s; stopped waiting", name, timeout)
	case engine.StatusDropped:
		return fmt.Errorf("%s dropped before it started", name)
	default:
		if runErr == nil {
			runErr = errors.New(st.String())
		}
		return fmt.Errorf("%s failed after %s: %w", name, took.Truncate(time.Second), runErr)
	}
}
