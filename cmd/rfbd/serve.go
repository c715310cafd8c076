package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/rfbd"
	"github.com/coder/rfbd/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func serveCmd(v *viper.Viper, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server (default)",
		Long: `Run the RFB server until SIGINT or SIGTERM.

The server takes one capture before it listens; if that fails it
exits with an error. A frame source that fails later closes the
affected sessions, marks /readyz as not ready and refuses new
clients until restarted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, *configFile)
		},
	}
}

func runServe(ctx context.Context, v *viper.Viper, configFile string) error {
	cfg, err := loadConfig(v, configFile)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := rfbd.New(*cfg)
	if err != nil {
		return err
	}
	logger.Info("starting rfbd", "listen", cfg.Listen, "engine", cfg.Engine, "source", cfg.Capture.Source)
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	logger.Info("rfbd stopped")
	return nil
}
