package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"qcoord/internal/compute"
	"qcoord/internal/domain"
)

// Default heartbeat settings.
const (
	DefaultHeartbeatInterval         = 5 * time.Second
	DefaultHeartbeatFailureThreshold = 3
)

// DeadWorkerFunc is called once each time a worker transitions to dead.
type DeadWorkerFunc func(workerID int64)

// HeartbeatChecker pings every registered worker on a cron schedule and
// marks a worker dead after consecutive failures.
type HeartbeatChecker struct {
	cron      *cron.Cron
	registry  *Registry
	backend   compute.BackendClient
	interval  time.Duration
	threshold int
	timeout   time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	failures map[int64]int
	onDead   []DeadWorkerFunc
}

// HeartbeatOptions configures a HeartbeatChecker.
type HeartbeatOptions struct {
	Interval         time.Duration
	FailureThreshold int
	Logger           *slog.Logger
}

// NewHeartbeatChecker creates a checker for the workers in reg.
func NewHeartbeatChecker(reg *Registry, backend compute.BackendClient, opts HeartbeatOptions) *HeartbeatChecker {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultHeartbeatFailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &HeartbeatChecker{
		cron:      cron.New(),
		registry:  reg,
		backend:   backend,
		interval:  opts.Interval,
		threshold: opts.FailureThreshold,
		timeout:   opts.Interval,
		logger:    opts.Logger,
		failures:  make(map[int64]int),
	}
}

// OnDead registers fn to be told about dead workers.
func (h *HeartbeatChecker) OnDead(fn DeadWorkerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDead = append(h.onDead, fn)
}

// Start schedules the checks.
func (h *HeartbeatChecker) Start() error {
	spec := fmt.Sprintf("@every %s", h.interval)
	if _, err := h.cron.AddFunc(spec, func() { h.CheckOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule heartbeat %q: %w", spec, err)
	}
	h.cron.Start()
	h.logger.Info("heartbeat checker started", "interval", h.interval.String(), "threshold", h.threshold)
	return nil
}

// Stop stops scheduling and waits for a running check to finish.
func (h *HeartbeatChecker) Stop() {
	<-h.cron.Stop().Done()
	h.logger.Info("heartbeat checker stopped")
}

// CheckOnce pings every worker concurrently and updates liveness.
func (h *HeartbeatChecker) CheckOnce(ctx context.Context) {
	var g errgroup.Group
	for _, n := range h.registry.All() {
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			_, err := h.backend.Health(pingCtx, n.Address())
			h.record(n, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (h *HeartbeatChecker) record(n *domain.ComputeNode, err error) {
	if err == nil {
		h.mu.Lock()
		delete(h.failures, n.ID)
		h.mu.Unlock()
		h.registry.MarkAlive(n.ID)
		return
	}

	h.mu.Lock()
	h.failures[n.ID]++
	count := h.failures[n.ID]
	listeners := append([]DeadWorkerFunc(nil), h.onDead...)
	h.mu.Unlock()

	h.logger.Debug("heartbeat failed", "backend_id", n.ID, "failures", count, "error", err)
	if count < h.threshold {
		return
	}
	if !h.registry.MarkDead(n.ID) {
		return
	}
	for _, fn := range listeners {
		fn(n.ID)
	}
}
