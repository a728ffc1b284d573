// Command modelmux routes tasks across heterogeneous AI execution
// backends: subscription CLI agents, a paid API and a local model
// server. Run "modelmux route" for one-shot routing or
// "modelmux dashboard" for the long-running daemon.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"modelmux/internal/config"
	"modelmux/internal/logging"
)

var (
	flagConfig  string
	flagDataDir string
	flagDebug   bool

	cfg    *config.Config
	app    *App
	logger *zap.Logger
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "modelmux.yaml"
	}
	return filepath.Join(home, ".modelmux", "modelmux.yaml")
}

var rootCmd = &cobra.Command{
	Use:   "modelmux",
	Short: "Task router for heterogeneous AI execution backends",
	Long: `modelmux decides where each task should run: a subscription CLI
agent, the paid API or a local model server. It tracks budgets, rate
windows and backend health, and shadow-benchmarks cheaper models in
the background.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		zapCfg := zap.NewProductionConfig()
		if flagDebug {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagDataDir != "" {
			cfg.DataDir = flagDataDir
		}
		if flagDebug {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.DataDir, logging.Settings{
			DebugMode:  cfg.Logging.DebugMode,
			Categories: cfg.Logging.Categories,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		}); err != nil {
			return err
		}
		app, err = buildApp(cfg)
		return err
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if app != nil {
			app.Close()
		}
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfigPath(), "configuration file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the state directory")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newRouteCmd(),
		newPlanCmd(),
		newEstimateCmd(),
		newStatusCmd(),
		newQueueCmd(),
		newHistoryCmd(),
		newDashboardCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
