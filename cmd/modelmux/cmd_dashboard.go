package main

import (
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Run the long-lived daemon: scheduler, health probes, shadow bench and HTTP dashboard",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.Info("daemon starting",
				zap.Int("port", cfg.Dashboard.Port),
				zap.String("dataDir", cfg.DataDir))
			color.Cyan("modelmux daemon listening on :%d (Ctrl-C to stop)", cfg.Dashboard.Port)
			err := app.runDaemon(ctx, flagConfig)
			logger.Info("daemon stopped", zap.Error(err))
			return err
		},
	}
}
