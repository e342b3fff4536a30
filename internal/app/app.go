// Package app wires the long-lived components of a coordinator process and
// runs queries through them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"qcoord/internal/admission"
	"qcoord/internal/api"
	"qcoord/internal/compute"
	"qcoord/internal/config"
	"qcoord/internal/coordinator"
	"qcoord/internal/domain"
	"qcoord/internal/frontend"
	"qcoord/internal/loadmgr"
	"qcoord/internal/metrics"
	"qcoord/internal/middleware"
	"qcoord/internal/profile"
	"qcoord/internal/worker"
)

const (
	loadProgressRetention = time.Hour
	shutdownTimeout       = 10 * time.Second
)

// Deps holds what main() must provide.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger
}

// App holds the fully-wired coordinator process.
type App struct {
	Cfg    *config.Config
	Logger *slog.Logger

	Metrics     *metrics.Metrics
	Conns       *compute.ConnCache
	Backend     *compute.GRPCBackendClient
	Workers     *worker.Registry
	Blocklist   *worker.Blocklist
	Heartbeat   *worker.HeartbeatChecker
	Queries     *coordinator.Registry
	Monitor     *coordinator.Monitor
	Profiles    *profile.Store
	ProfilePool *ants.Pool
	Queue       *admission.QueryQueueManager // nil when QUERY_QUEUE_SLOTS is 0
	Loads       *loadmgr.Tracker
	Frontend    *frontend.Service

	grpcServer *grpc.Server
	httpServer *http.Server
	closeOnce  sync.Once
}

// New wires every component from deps. Nothing listens until Serve.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	conns := compute.NewConnCache()
	backend := compute.NewGRPCBackendClient(conns, compute.DialOptions{
		AuthToken: cfg.ClusterToken,
		Timeout:   cfg.RPCTimeout,
	})

	workers := worker.NewRegistry(cfg.Workers, logger.With("component", "workers"))
	queries := coordinator.NewRegistry()
	monitor := coordinator.NewMonitor(queries, coordinator.MonitorOptions{
		Metrics: m,
		Logger:  logger.With("component", "monitor"),
	})
	heartbeat := worker.NewHeartbeatChecker(workers, backend, worker.HeartbeatOptions{
		Interval:         cfg.HeartbeatInterval,
		FailureThreshold: cfg.HeartbeatFailureThreshold,
		Logger:           logger.With("component", "heartbeat"),
	})
	heartbeat.OnDead(func(id int64) { monitor.AddDeadBackend(id) })

	profiles, err := profile.NewStore(cfg.ProfileReservedNum, logger)
	if err != nil {
		return nil, fmt.Errorf("create profile store: %w", err)
	}
	// A full pool must not block a report: the coordinator falls back to
	// collecting the profile synchronously.
	pool, err := ants.NewPool(max(cfg.AsyncProfileWorkers, 1), ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("create profile pool: %w", err)
	}

	var queue *admission.QueryQueueManager
	if cfg.QueryQueueSlots > 0 {
		slots := admission.NewSlotProvider(cfg.QueryQueueSlots, logger.With("component", "admission"))
		queue = admission.NewQueryQueueManager(slots, cfg.QueryQueueTimeout)
		m.RegisterGauge("admission_slots_in_use", "Number of admission slots currently allocated",
			func() float64 { return float64(slots.InUse()) })
	}

	a := &App{
		Cfg:         cfg,
		Logger:      logger,
		Metrics:     m,
		Conns:       conns,
		Backend:     backend,
		Workers:     workers,
		Blocklist:   worker.NewBlocklist(cfg.BlocklistTTL),
		Heartbeat:   heartbeat,
		Queries:     queries,
		Monitor:     monitor,
		Profiles:    profiles,
		ProfilePool: pool,
		Queue:       queue,
		Loads:       loadmgr.NewTracker(loadProgressRetention, logger.With("component", "loadmgr")),
		Frontend:    frontend.NewService(queries, frontend.Config{AuthToken: cfg.ClusterToken, Logger: logger}),
	}

	m.RegisterGauge("running_queries", "Number of queries registered on this coordinator",
		func() float64 { return float64(queries.Len()) })
	m.RegisterGauge("stored_profiles", "Number of finished query profiles kept in memory",
		func() float64 { return float64(profiles.Len()) })
	m.RegisterGauge("worker_connections", "Number of cached gRPC connections to workers",
		func() float64 { return float64(conns.Len()) })
	m.RegisterGauge("profile_pool_running", "Number of async profile listeners running",
		func() float64 { return float64(pool.Running()) })

	a.grpcServer = grpc.NewServer()
	a.Frontend.Register(a.grpcServer)
	a.httpServer = &http.Server{
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Router returns the admin HTTP handler.
func (a *App) Router() http.Handler {
	return api.NewRouter(api.Deps{
		Queries:    a.Queries,
		Profiles:   a.Profiles,
		Workers:    a.Workers,
		Blocklist:  a.Blocklist,
		Loads:      a.Loads,
		Metrics:    a.Metrics,
		AdminToken: a.Cfg.ClusterToken,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.Cfg.RateLimitRPS,
			Burst:             a.Cfg.RateLimitBurst,
		},
		Logger: a.Logger.With("component", "api"),
	})
}

// Start launches the background loops: dead-backend monitor and heartbeat.
func (a *App) Start() error {
	a.Monitor.Start()
	if err := a.Heartbeat.Start(); err != nil {
		a.Monitor.Stop()
		return err
	}
	return nil
}

// Serve starts the background loops and serves gRPC on grpcLis and HTTP on
// httpLis until ctx is done. httpLis may be nil.
func (a *App) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	if err := a.Start(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("frontend gRPC listening", "addr", grpcLis.Addr().String())
		if err := a.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("serve grpc: %w", err)
		}
		return nil
	})
	if httpLis != nil {
		g.Go(func() error {
			a.Logger.Info("admin HTTP listening", "addr", httpLis.Addr().String())
			if err := a.httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve http: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		a.Close()
		return nil
	})
	return g.Wait()
}

// ListenAndServe listens on the configured addresses and calls Serve.
func (a *App) ListenAndServe(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", a.Cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.Cfg.ListenAddr, err)
	}
	httpLis, err := net.Listen("tcp", a.Cfg.AdminAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen %s: %w", a.Cfg.AdminAddr, err)
	}
	return a.Serve(ctx, grpcLis, httpLis)
}

// Close stops servers and background loops, cancels every running query
// and releases connections. Safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	for _, q := range a.Queries.List() {
		q.Cancel(domain.CancelInternalError, "coordinator shutting down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	stopped := make(chan struct{})
	go func() {
		a.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		a.grpcServer.Stop()
	}
	a.Heartbeat.Stop()
	a.Monitor.Stop()
	a.ProfilePool.Release()
	if err := a.Conns.Close(); err != nil {
		a.Logger.Warn("close worker connections", "error", err)
	}
}
