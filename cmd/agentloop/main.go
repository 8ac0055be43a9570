package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/codefionn/agentloop/internal/config"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agentloop",
	Short: "Run tool-using LLM agents",
	Long: `agentloop drives a language model through a bounded loop of tool calls.

- run:     run one agent task in the terminal
- serve:   start the web UI and run API
- reports: browse the history of finished runs
- tools:   list the tools agents can call

Use 'agentloop help <command>' for more information on a specific command.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := logger.Global().Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", err)
		}
	},
}

func main() {
	code := 0
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		code = 1
	}
	// Wipe API keys and other guarded buffers before exiting
	memguard.Purge()
	os.Exit(code)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON), defaults to "+config.GetConfigPath())
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error, none)")

	rootCmd.AddCommand(runCmd, serveCmd, reportsCmd, toolsCmd, profilesCmd)
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

func setup(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	cfg = loaded

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Debug("config loaded from %s", configPath())
	return nil
}
