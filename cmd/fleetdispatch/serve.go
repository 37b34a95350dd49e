package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/fleetdispatch/internal/app"
	"github.com/loykin/fleetdispatch/internal/config"
	"github.com/loykin/fleetdispatch/internal/logger"
	"github.com/spf13/cobra"
)

func createServeCommand(global *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Run the daemon",
		Long: `Run the API server, the device websocket hub and the periodic
reconciler and scheduler. Settings come from the config file and
FLEETDISPATCH_* environment variables.

Examples:
  fleetdispatch serve fleetdispatch.toml
  fleetdispatch serve --config fleetdispatch.toml --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, path, *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Watch, "watch", false, "reload runtime settings when the config file changes")
	return cmd
}

func runServe(ctx context.Context, path string, flags ServeFlags) error {
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	a, err := app.New(ctx, *cfg, log)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if flags.Watch {
		loader.Watch(log, a.Reload)
	}
	log.Info("fleetdispatch starting", "config", path, "store", cfg.Store.DSN, "presence", cfg.Presence.Backend)
	return a.Run(ctx)
}
