// Package main is the entry point for the rbaker CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rbaker/internal/admin"
	"rbaker/internal/config"
)

// Set by release ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rbaker",
		Short:         "Scheduled backups of directories, MySQL databases, media and websites via rclone",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "path to configuration file (default "+config.DefaultPath()+")")
	pf.String("addr", "", "admin address of a running scheduler (default: admin.addr when admin.enabled)")
	pf.String("token", "", "admin token (default: admin.token from config or $RBAKER_ADMIN_TOKEN)")

	root.AddCommand(
		versionCmd(),
		schedulerCmd(),
		addTaskCmd(),
		removeTaskCmd(),
		listCmd(),
		historyCmd(),
		runTaskCmd(),
		tasksCmd(),
		setupCmd(),
		configCmd(),
	)
	root.AddCommand(taskShortcutCmds()...)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("rbaker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	if strings.TrimSpace(p) == "" {
		return config.DefaultPath()
	}
	return p
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist yet.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, _, err := config.NewManager(configPath(cmd)).LoadOrDefault()
	return cfg, err
}

// probeTimeout bounds the health check against admin.addr.
var probeTimeout = 2 * time.Second

// adminClient returns a client for a running scheduler: the --addr target, or
// admin.addr from the config when the admin API is enabled and answers. It
// returns nil when no scheduler is reachable.
func adminClient(cmd *cobra.Command, cfg *config.Config) *admin.Client {
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("RBAKER_ADMIN_TOKEN")
	}
	if token == "" && cfg != nil {
		token = cfg.Admin.Token
	}

	if addr := explicitAddr(cmd); addr != "" {
		return admin.NewClient(addr, token)
	}
	if cfg == nil || !cfg.Admin.Enabled || strings.TrimSpace(cfg.Admin.Addr) == "" {
		return nil
	}
	c := admin.NewClient(cfg.Admin.Addr, token)
	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()
	if err := c.Health(ctx); err != nil {
		return nil
	}
	return c
}

func explicitAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	return strings.TrimSpace(addr)
}

// parseTimeout accepts whole seconds ("3600") or a duration ("1h").
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("timeout must be positive, got %d", n)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("timeout %q: want seconds or a positive duration like 90m", raw)
	}
	return d, nil
}
