package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rbaker/internal/backup"
	"rbaker/internal/config"
	"rbaker/internal/setup"
	"rbaker/internal/task/registry"
	logx "rbaker/pkg/logx"
)

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively create or update the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := configPath(cmd)
			if _, err := setup.Run(cmd.Context(), path); err != nil {
				return err
			}
			fmt.Printf("configuration written to %s\n", path)
			fmt.Println("next: rbaker add-task <task> <interval> <timeout>, then rbaker scheduler")
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.NewManager(path).Load()
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (store %s at %s, admin enabled=%t)\n", path, cfg.Storage.Driver, cfg.Storage.Path, cfg.Admin.Enabled)
			return nil
		},
	})
	return cmd
}

func tasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List task names accepted by add-task and run-task",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			svc := backup.New(func() config.BackupConfig { return config.BackupConfig{} }, nil, logx.Nop())
			reg, err := registry.New(svc.Tasks()...)
			if err != nil {
				return err
			}
			fmt.Println(strings.Join(reg.Names(), "\n"))
			return nil
		},
	}
}
