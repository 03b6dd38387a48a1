package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-watchdog/internal/config"
	"github.com/miradorstack/mirador-watchdog/internal/utils"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode maps a broken ledger chain to 2 so scripts can tell it apart from
// ordinary failures.
func exitCode(err error) int {
	if utils.OpOf(err) == "ledger.verify" {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "watchdog",
		Short:         "Predictive service watchdog with audited self-healing",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is fine; real deployments use the environment.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default $WATCHDOG_CONFIG)")

	root.AddCommand(newServeCmd(), newLedgerCmd(), newStatusCmd())
	return root
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON), nil
}
