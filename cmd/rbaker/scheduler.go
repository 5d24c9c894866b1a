package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rbaker/internal/app"
)

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "scheduler",
		Aliases: []string{"start"},
		Short:   "Run the scheduler until interrupted",
		Long: "Loads every stored schedule, fires tasks on their cron intervals one at a time and serves the\n" +
			"admin API when enabled. SIGHUP reloads schedules from the store.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(app.Options{ConfigPath: configPath(cmd), Version: version})
			if err != nil {
				return err
			}
			return a.Run(ctx)
		},
	}
}
