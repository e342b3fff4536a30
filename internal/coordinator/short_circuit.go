package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"qcoord/internal/compute"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
	"qcoord/internal/session"
	"qcoord/internal/worker"
)

// ShortCircuitExecutor runs a query without building an execution DAG.
type ShortCircuitExecutor interface {
	Exec(ctx context.Context) error
	GetNext(ctx context.Context) (*RowBatch, error)
	// Profile is nil until Exec returned.
	Profile() *domain.RuntimeProfile
}

// ShortCircuitPlanner decides whether a job may bypass the DAG.
type ShortCircuitPlanner func(js *jobspec.JobSpec, vars session.Variables) bool

// IsShortCircuitEligible accepts single-fragment queries that return rows
// from one point-lookup scan.
var IsShortCircuitEligible ShortCircuitPlanner = func(js *jobspec.JobSpec, vars session.Variables) bool {
	if !vars.EnableShortCircuit || js.IsLoadType() {
		return false
	}
	fragments := js.Fragments()
	if len(fragments) != 1 || !fragments[0].IsResultSink() {
		return false
	}
	ids := fragments[0].ScanNodeIDs
	if len(ids) != 1 {
		return false
	}
	n := js.ScanNode(ids[0])
	return n != nil && n.PointLookup
}

// PointLookupExecutor sends a point lookup to one replica of the scanned
// ranges and buffers the rows it returns.
type PointLookupExecutor struct {
	js       *jobspec.JobSpec
	provider *worker.Provider
	backend  compute.BackendClient
	logger   *slog.Logger

	mu      sync.Mutex
	columns []string
	rows    [][]string
	sent    bool
	profile *domain.RuntimeProfile
}

// NewPointLookupExecutor returns an executor for a short-circuit eligible
// job.
func NewPointLookupExecutor(js *jobspec.JobSpec, provider *worker.Provider, backend compute.BackendClient, logger *slog.Logger) *PointLookupExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &PointLookupExecutor{js: js, provider: provider, backend: backend, logger: logger}
}

func (p *PointLookupExecutor) pickWorker(ranges []jobspec.ScanRange) (*domain.ComputeNode, error) {
	for _, r := range ranges {
		for _, id := range r.Replicas {
			if w, ok := p.provider.GetWorkerByID(id); ok && p.provider.IsAvailable(id) {
				return w, nil
			}
		}
	}
	if workers := p.provider.AvailableWorkers(); len(workers) > 0 {
		return workers[0], nil
	}
	return nil, domain.NewExecError(domain.KindNodeNotAlive, domain.CodeServiceUnavailable,
		"no alive backend for point lookup of query %s", p.js.QueryID())
}

func (p *PointLookupExecutor) Exec(ctx context.Context) error {
	n := p.js.ScanNode(p.js.RootFragment().ScanNodeIDs[0])
	w, err := p.pickWorker(n.Ranges)
	if err != nil {
		return err
	}
	if err := p.provider.SelectWorker(w.ID); err != nil {
		return err
	}
	req := &computeproto.ExecShortCircuitRequest{
		QueryId:    p.js.QueryID(),
		Table:      n.Table,
		Limit:      p.js.RootFragment().PlanRoot.Limit,
		NeedReport: p.js.IsNeedReport(),
	}
	for _, r := range n.Ranges {
		req.ScanRanges = append(req.ScanRanges, &computeproto.ScanRange{
			Id:       r.ID,
			TabletId: r.TabletID,
			Path:     r.Path,
			Bytes:    r.Bytes,
			Replicas: r.Replicas,
		})
	}
	resp, err := p.backend.ExecShortCircuit(ctx, w.Address(), req)
	if err != nil {
		p.logger.Warn("point lookup failed", "backend_id", w.ID, "error", err)
		return &domain.ExecError{
			Kind:    domain.KindRPC,
			Code:    domain.CodeRPCError,
			Message: err.Error(),
			Host:    w.Host,
			Err:     err,
		}
	}
	if !resp.Status.OK() {
		return domain.NewExecError(domain.KindInternal, resp.Status.Code, "%s", resp.Status.Message)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.columns = resp.Columns
	for _, row := range resp.Rows {
		p.rows = append(p.rows, row.Values)
	}
	p.profile = resp.Profile
	return nil
}

// GetNext returns every row in one batch, then EOS.
func (p *PointLookupExecutor) GetNext(context.Context) (*RowBatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sent {
		return &RowBatch{Columns: p.columns, EOS: true}, nil
	}
	p.sent = true
	return &RowBatch{Columns: p.columns, Rows: p.rows}, nil
}

func (p *PointLookupExecutor) Profile() *domain.RuntimeProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profile
}
