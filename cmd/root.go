package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dayuer/nanobot-hub/internal/config"
	"github.com/dayuer/nanobot-hub/internal/logging"
)

// Version is set at build time.
var Version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "nanobot-hub",
	Short: "nanobot-hub — chat platform hub for slow agent pipelines",
	Long: `nanobot-hub receives messages from chat platforms, queues them per
conversation for an external agent pipeline, and delivers the results back
through streams, synchronous webhook replies, or platform push APIs. It also
fires scheduled triggers into the same pipeline.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.nanobot-hub/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace|debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: pretty|json")
}

// loadConfig loads the config file and applies the logging flags.
// Flags win over the environment, which wins over the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if err := logging.Setup(cfg.Log.Level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	return cfg, nil
}
