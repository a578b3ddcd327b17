// Package cli implements the bloodloss command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/surgilog/bloodloss/internal/logger"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "bloodloss",
	Short: "Asynchronous blood-loss calculator",
	Long: `bloodloss estimates intra-operative blood loss off the request path.

Requests are accepted over HTTP, computed in the background and the result
is posted back to the main service.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Log format (console, json)")
}

// setup loads .env and configures logging before any command runs.
func setup(cmd *cobra.Command, args []string) error {
	envErr := godotenv.Load()
	if err := logger.Init(logLevel, logFormat, os.Stderr); err != nil {
		return err
	}
	if envErr != nil && !os.IsNotExist(envErr) {
		log := logger.Get()
		log.Warn().Err(envErr).Msg("failed to load .env")
	}
	return nil
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
