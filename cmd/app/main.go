package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"FinAgent/internal/di"
	"FinAgent/pkg/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "finagent",
	Short:         "Regime-aware reinforcement learning trading agent",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Train the agents and trade live once every stage is done",
	Long: `Load the configuration, wire every dependency and run the phased
training loop. Once the last stage finishes the agent switches to live
signalling. SIGINT/SIGTERM stores a checkpoint and exits.

Examples:
  finagent run
  finagent run --config config/prod.yaml`,
	RunE: runApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config/config.yaml", "config file path")
	rootCmd.AddCommand(runCmd)
}

func runApp(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	app, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("app initialization failed: %w", err)
	}
	return app.Run()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
