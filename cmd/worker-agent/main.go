// Package main is the entry point for the simulated worker binary. The
// agent accepts fragment instances from coordinators over gRPC, produces
// synthetic rows for their scan ranges and reports status back.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"qcoord/internal/agent"
	"qcoord/internal/compute"
	"qcoord/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile   string
		backendID int64
		listen    string
		httpAddr  string
	)
	cmd := &cobra.Command{
		Use:           "worker-agent",
		Short:         "Simulated query worker",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(envFile); err != nil {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if cmd.Flags().Changed("backend-id") {
				cfg.Agent.BackendID = backendID
			}
			if cmd.Flags().Changed("listen") {
				cfg.Agent.ListenAddr = listen
			}
			if cmd.Flags().Changed("http") {
				cfg.Agent.HTTPAddr = httpAddr
			}
			if cfg.Agent.BackendID <= 0 {
				return errors.New("a positive backend id is required (--backend-id or AGENT_BACKEND_ID)")
			}
			logger := cfg.NewLogger(cmd.ErrOrStderr()).With("backend_id", cfg.Agent.BackendID)
			slog.SetDefault(logger)
			return run(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	cmd.Flags().Int64Var(&backendID, "backend-id", 0, "id the coordinator knows this worker by")
	cmd.Flags().StringVar(&listen, "listen", "", "gRPC listen address")
	cmd.Flags().StringVar(&httpAddr, "http", "", "status HTTP listen address (empty disables it)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	conns := compute.NewConnCache()
	defer func() { _ = conns.Close() }()

	srv := agent.NewServer(agent.Config{
		BackendID:    cfg.Agent.BackendID,
		AuthToken:    cfg.ClusterToken,
		RowsPerRange: cfg.Agent.RowsPerRange,
		ExecDelay:    cfg.Agent.ExecDelay,
		Frontend: compute.NewGRPCFrontendClient(conns, compute.DialOptions{
			AuthToken: cfg.ClusterToken,
			Timeout:   cfg.RPCTimeout,
		}),
		Logger: logger,
	})
	defer srv.Close()

	grpcServer := grpc.NewServer()
	srv.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.Agent.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Agent.ListenAddr, err)
	}

	var httpServer *http.Server
	if cfg.Agent.HTTPAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.Agent.HTTPAddr,
			Handler:           agent.NewHandler(srv),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("worker agent listening", "addr", lis.Addr().String())
		return grpcServer.Serve(lis)
	})
	if httpServer != nil {
		g.Go(func() error {
			logger.Info("worker status page listening", "addr", httpServer.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down worker agent")
		if httpServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}
