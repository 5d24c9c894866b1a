//go:build unix

package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"rbaker/internal/runtime/supervisor"
	logx "rbaker/pkg/logx"
)

func (a *App) watchSIGHUP(sup *supervisor.Supervisor) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	sup.Go("signal.sighup", func(ctx context.Context) error {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ch:
				a.sd.Reloading()
				n, err := a.ReloadSchedules(ctx)
				if err != nil {
					a.log.Error("schedule reload failed", logx.Err(err))
				} else {
					a.log.Info("schedules reloaded on SIGHUP", logx.Int("schedules", n))
				}
				a.sd.Ready()
			}
		}
	})
}
