// Package main is the entry point for the query coordinator binary.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"qcoord/internal/app"
	"qcoord/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	rootCmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Distributed query coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")

	rootCmd.AddCommand(newServeCmd(), newExplainCmd(), newRunCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the frontend gRPC service and the admin HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.Logger.Info("coordinator starting",
				"listen_addr", a.Cfg.ListenAddr,
				"advertise_addr", a.Cfg.AdvertiseAddr,
				"admin_addr", a.Cfg.AdminAddr,
				"workers", len(a.Cfg.Workers))
			return a.ListenAndServe(cmd.Context())
		},
	}
}

// newApp loads the configuration, builds the process logger and wires the
// application. Configuration warnings are logged once.
func newApp(logOut io.Writer) (*app.App, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger := cfg.NewLogger(logOut)
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn("config", "warning", w)
	}
	return app.New(app.Deps{Cfg: cfg, Logger: logger})
}

// serveInBackground runs a's servers until the returned stop function is
// called. The admin HTTP API is not started.
func serveInBackground(ctx context.Context, a *app.App) (stop func() error, err error) {
	lis, err := listen(a.Cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, lis, nil) }()
	return func() error {
		cancel()
		return <-done
	}, nil
}
