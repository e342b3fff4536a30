package coordinator

import (
	"log/slog"
	"sync"

	"qcoord/internal/domain"
	"qcoord/internal/metrics"
)

const defaultDeadBackendQueueSize = 1024

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	QueueSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Monitor cancels the queries that use a worker once that worker is known
// to be dead.
type Monitor struct {
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	dead     chan int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func NewMonitor(reg *Registry, opts MonitorOptions) *Monitor {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultDeadBackendQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		registry: reg,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		dead:     make(chan int64, opts.QueueSize),
		stop:     make(chan struct{}),
	}
}

// AddDeadBackend queues workerID for processing. It returns false if the
// queue is full.
func (m *Monitor) AddDeadBackend(workerID int64) bool {
	select {
	case m.dead <- workerID:
		m.metrics.DeadBackend()
		return true
	default:
		m.logger.Warn("dead backend queue is full", "backend_id", workerID)
		return false
	}
}

// Start launches the processing loop.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run()
		m.logger.Info("coordinator monitor started")
	})
}

// Stop ends the loop and waits for it. Queued workers are dropped.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stop:
			return
		case id := <-m.dead:
			m.cancelQueriesUsing(id)
		}
	}
}

func (m *Monitor) cancelQueriesUsing(workerID int64) {
	cancelled := 0
	for _, h := range m.registry.List() {
		if !h.IsUsingBackend(workerID) {
			continue
		}
		m.logger.Warn("cancel query using dead backend",
			"query_id", h.QueryID().String(),
			"backend_id", workerID)
		h.Cancel(domain.CancelInternalError, domain.BackendNodeNotFoundError)
		m.metrics.MonitorCancel()
		cancelled++
	}
	if cancelled > 0 {
		m.logger.Info("dead backend handled", "backend_id", workerID, "cancelled_queries", cancelled)
	}
}
