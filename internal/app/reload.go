package app

import (
	"context"
	"slices"
	"strings"

	"rbaker/internal/config"
	"rbaker/internal/eventbus"
	"rbaker/internal/runtime/supervisor"
	logx "rbaker/pkg/logx"
)

// startConfigReload watches the config file and applies what can change
// live: logging, scheduler timezone and timeouts, notifications. Backup
// tasks read the config on every run so their settings need no action here.
func (a *App) startConfigReload(sup *supervisor.Supervisor) {
	if strings.TrimSpace(a.opts.ConfigPath) == "" || a.opts.Config != nil {
		return
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	sub := a.cfgm.Subscribe(4)
	sup.Go("config.reload", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-ctx.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(ctx, last, next)
				last = next
			}
		}
	})
	sup.Go("config.watch", a.cfgm.Watch)
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if a.logs != nil {
		a.logs.Apply(next.Logging.LogxConfig())
	}
	if slices.Contains(sections, "scheduler") {
		if ecfg, err := mapEngineConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ecfg)
		}
		a.sched.Apply(mapSchedulerConfig(next))
	}
	if slices.Contains(sections, "telegram") {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(mapNotifierConfig(next))
		switch {
		case wasEnabled && !a.notif.Enabled():
			a.notif.Stop(ctx)
		case !wasEnabled && a.notif.Enabled():
			a.notif.Start(ctx)
		}
		if prev.Telegram.Token != next.Telegram.Token || prev.Telegram.ChatID != next.Telegram.ChatID {
			a.log.Warn("telegram credentials changed; restart required for them to take effect")
		}
	}
	for _, s := range []string{"storage", "admin", "systemd"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}
