package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/surgilog/bloodloss/internal/daemon"
	"github.com/surgilog/bloodloss/internal/logger"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the blood-loss API server",
	Long:  `Start the HTTP API on 0.0.0.0:8000 (configurable) and process calculations until interrupted.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if !cmd.Flags().Changed("log-level") {
		logLevel = cfg.Logging.Level
	}
	if !cmd.Flags().Changed("log-format") {
		logFormat = cfg.Logging.Format
	}
	if err := logger.Init(logLevel, logFormat, os.Stderr); err != nil {
		return err
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.Serve(ctx)
}
