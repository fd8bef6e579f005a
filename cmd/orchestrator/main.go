// Package main is the entry point for the change orchestrator: the
// per-item queue, lock/cooldown, run engine, and validation rendezvous
// substrate described in SPEC_FULL.md, fronted by a cobra CLI mirroring
// internal/infrastructure/migrations/cli.go's command-tree assembly.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orchestrator-io/change-orchestrator/cmd/orchestrator/commands"
	"github.com/orchestrator-io/change-orchestrator/internal/config"
)

const (
	serviceName    = "change-orchestrator"
	serviceVersion = "1.0.0"
)

var cfgFile string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Change orchestrator: per-item queue, lock/cooldown, run engine, validation rendezvous",
		Version: serviceVersion,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (defaults to env vars / ./config.yaml)")

	loadConfig := func() (*config.Config, error) {
		if cfgFile != "" {
			return config.LoadConfig(cfgFile)
		}
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		if _, err := os.Stat("config.yaml"); err == nil {
			return config.LoadConfig("config.yaml")
		}
		return config.LoadConfigFromEnv()
	}

	root.AddCommand(commands.NewServeCommand(loadConfig, logger))
	root.AddCommand(commands.NewMigrateCommand(logger))
	root.AddCommand(commands.NewSweepCommand(loadConfig, logger))
	root.AddCommand(commands.NewReactivationsCommand(loadConfig, logger))
	root.AddCommand(commands.NewCancelCommand(loadConfig, logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
