package main

import (
	"fmt"
	"os"

	"github.com/guardapi/guard/internal/config"
	"github.com/guardapi/guard/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:           "guard",
		Short:         "Guard API admission and quota service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (defaults are embedded)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(newKeysCmd())
}

// loadConfig reads configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(&cfg.Logging, cfg.Server.Env)
	return cfg, nil
}
