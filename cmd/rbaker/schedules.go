package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rbaker/internal/app"
	"rbaker/internal/storage"
	"rbaker/internal/task"
	"rbaker/internal/task/scheduler"
	logx "rbaker/pkg/logx"
)

// openOffline builds an app that is never started: it edits the store and
// validates task names without running anything.
func openOffline(cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(app.Options{Config: cfg, Logger: logx.NewConsole("warn"), Version: version})
}

func closeOffline(a *app.App) { a.Stop(context.Background(), app.StopOneShot) }

func addTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-task <task> <interval> <timeout>",
		Short: "Store a schedule: run <task> on <interval>, stop waiting after <timeout>",
		Long: "interval is a 5-field cron expression, a descriptor such as @daily or HH:MM for a daily run.\n" +
			"timeout is whole seconds or a duration such as 90m.",
		Example: `  rbaker add-task backupMySQL 01:00 3600
  rbaker add-task backupDirectories "0 */6 * * *" 2h`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, err := parseTimeout(args[2])
			if err != nil {
				return err
			}
			e := task.Entry{Task: args[0], Interval: args[1], TimeoutSeconds: int(timeout / time.Second)}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if c := adminClient(cmd, cfg); c != nil {
				if err := c.AddSchedule(cmd.Context(), e); err != nil {
					return err
				}
				fmt.Printf("added %s (live)\n", e)
				return nil
			}

			a, err := openOffline(cmd)
			if err != nil {
				return err
			}
			defer closeOffline(a)
			if err := a.AddEntry(cmd.Context(), e); err != nil {
				return err
			}
			fmt.Printf("added %s (a running scheduler picks it up on SIGHUP or restart)\n", e)
			return nil
		},
	}
}

func removeTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-task <task>",
		Short: "Remove every schedule of <task>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var n int
			live := false
			if c := adminClient(cmd, cfg); c != nil {
				live = true
				n, err = c.RemoveSchedule(cmd.Context(), args[0])
			} else {
				a, oerr := openOffline(cmd)
				if oerr != nil {
					return oerr
				}
				defer closeOffline(a)
				n, err = a.RemoveEntry(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Printf("no schedules for %s\n", args[0])
				return nil
			}
			if live {
				fmt.Printf("removed %d schedule(s) for %s (live)\n", n, args[0])
				return nil
			}
			fmt.Printf("removed %d schedule(s) for %s from the store\n", n, args[0])
			fmt.Fprintln(os.Stderr, "no scheduler reachable: a running one keeps firing these triggers until SIGHUP or restart")
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules with their next fire time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var rows []scheduler.ScheduleInfo
			if c := adminClient(cmd, cfg); c != nil {
				if rows, err = c.Schedules(cmd.Context()); err != nil {
					return err
				}
			} else {
				a, err := openOffline(cmd)
				if err != nil {
					return err
				}
				defer closeOffline(a)
				entries, err := a.Schedules(cmd.Context())
				if err != nil {
					return err
				}
				loc := time.Local
				if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
					if l, err := time.LoadLocation(tz); err == nil {
						loc = l
					}
				}
				rows = offlineInfo(entries, loc, time.Now())
			}
			if len(rows) == 0 {
				fmt.Println("no schedules")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tINTERVAL\tTIMEOUT\tNEXT")
			for _, r := range rows {
				next := "-"
				if !r.Next.IsZero() {
					next = r.Next.Format("2006-01-02 15:04 MST")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Task, r.Interval, r.Timeout, next)
			}
			return tw.Flush()
		},
	}
}

func offlineInfo(entries []task.Entry, loc *time.Location, now time.Time) []scheduler.ScheduleInfo {
	out := make([]scheduler.ScheduleInfo, 0, len(entries))
	for _, e := range entries {
		info := scheduler.ScheduleInfo{Task: e.Task, Interval: e.Interval, Timeout: e.Timeout()}
		if ps, err := scheduler.ParseSchedule(e.Interval); err == nil {
			info.Spec = ps.Cron
			if runs, err := scheduler.NextRuns(ps.Cron, loc, now, 1); err == nil && len(runs) == 1 {
				info.Next = runs[0]
			}
		}
		out = append(out, info)
	}
	return out
}

func historyCmd() *cobra.Command {
	var (
		taskName string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent task runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			q := storage.RunQuery{Task: taskName, Limit: limit}
			var runs []storage.RunRecord
			if c := adminClient(cmd, cfg); c != nil {
				runs, err = c.History(cmd.Context(), q)
			} else {
				a, oerr := openOffline(cmd)
				if oerr != nil {
					return oerr
				}
				defer closeOffline(a)
				runs, err = a.History(cmd.Context(), q)
			}
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tTASK\tSOURCE\tSTATUS\tDURATION\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.Started.Local().Format("2006-01-02 15:04:05"), r.Task, r.Source, r.Status,
					r.Duration.Truncate(time.Second), oneLine(r.Error, 60))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&taskName, "task", "", "only runs of this task")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	return cmd
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
