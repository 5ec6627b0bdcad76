package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "triniteam",
	Short: "Multi-agent project scheduler",
	Long: `TriniTeam turns a free-text project description into a dependency-ordered
graph of tasks and drives a coordinator and a team of workers through it
until the project is reviewed.

Use "serve" for the HTTP and WebSocket API, "run" for a single project
from the command line and "watch" to follow a server's events over NATS.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./config/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
