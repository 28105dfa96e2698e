package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "capsulewatch",
	Short:         "Capsule drift detection and evolution analysis",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	rootCmd.AddCommand(monitorCmd, serveCmd, diffCmd, reportCmd)
}

// loadConfig reads --config, or the defaults plus env overrides when none
// is given.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.FromEnv()
	}
	return config.Load(configPath)
}

func newLogger(cfg *config.Config) *slog.Logger {
	logger := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)
	return logger
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
