// Package agent is a simulated worker. It accepts fragment instances from a
// coordinator, pretends to run them, reports their progress back and serves
// the rows of result instances. It is used by integration tests and by
// cmd/worker-agent for local clusters.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"qcoord/internal/compute"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
)

// Defaults for Config fields left zero.
const (
	DefaultRowsPerRange   = 10
	DefaultReportInterval = time.Second
	DefaultFetchBatchRows = 1024
	reportTimeout         = 10 * time.Second
)

// Config configures a Server.
type Config struct {
	BackendID int64
	AuthToken string
	StartTime time.Time
	// RowsPerRange is the number of rows each scan range produces.
	RowsPerRange int
	// ExecDelay is how long an instance runs before it finishes.
	ExecDelay      time.Duration
	ReportInterval time.Duration
	FetchBatchRows int
	// Frontend is used to report to coordinators. Reports are always sent
	// from the instance goroutine, never from an RPC handler.
	Frontend compute.FrontendClient
	Logger   *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RowsPerRange <= 0 {
		c.RowsPerRange = DefaultRowsPerRange
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.FetchBatchRows <= 0 {
		c.FetchBatchRows = DefaultFetchBatchRows
	}
	if c.StartTime.IsZero() {
		c.StartTime = time.Now()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server implements BackendService.
type Server struct {
	computeproto.UnimplementedBackendServiceServer

	cfg    Config
	logger *slog.Logger

	running atomic.Int64

	mu        sync.Mutex
	instances map[domain.UniqueID]*instance
	closed    bool
	wg        sync.WaitGroup
}

var _ computeproto.BackendServiceServer = (*Server)(nil)

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("backend_id", cfg.BackendID),
		instances: make(map[domain.UniqueID]*instance),
	}
}

// Register installs the server on srv.
func (s *Server) Register(srv grpc.ServiceRegistrar) {
	compute.EnsureGRPCJSONCodec()
	computeproto.RegisterBackendServiceServer(srv, s)
}

// Close cancels every running instance and waits for their goroutines.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	for _, inst := range s.instances {
		inst.cancel("agent shutting down")
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) ExecPlanFragment(ctx context.Context, req *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	if err := compute.Authorize(ctx, s.cfg.AuthToken); err != nil {
		return nil, err
	}
	if req == nil || req.Fragment == nil {
		return nil, status.Error(codes.InvalidArgument, "fragment is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, status.Error(codes.Unavailable, "agent is shutting down")
	}
	if inst, ok := s.instances[req.FragmentInstanceId]; ok {
		if !req.IsIncrementalScanRanges {
			return &computeproto.ExecPlanFragmentResponse{
				Status: domain.InternalError(fmt.Sprintf("fragment instance %s already exists", req.FragmentInstanceId)),
			}, nil
		}
		inst.addScanRanges(req)
		return &computeproto.ExecPlanFragmentResponse{Status: domain.StatusOK}, nil
	}

	inst := newInstance(s, req)
	s.instances[req.FragmentInstanceId] = inst
	s.running.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Add(-1)
		inst.run()
	}()
	s.logger.Debug("fragment instance started",
		"query_id", req.QueryId.String(),
		"instance_id", req.FragmentInstanceId.String(),
		"fragment_id", req.Fragment.FragmentId)
	return &computeproto.ExecPlanFragmentResponse{Status: domain.StatusOK}, nil
}

func (s *Server) CancelPlanFragment(ctx context.Context, req *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	if err := compute.Authorize(ctx, s.cfg.AuthToken); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	s.mu.Lock()
	inst, ok := s.instances[req.FragmentInstanceId]
	s.mu.Unlock()
	if ok {
		inst.cancel(domain.ParseCancelReason(req.Reason).Message())
	}
	return &computeproto.CancelResponse{Status: domain.StatusOK}, nil
}

func (s *Server) CancelQueryContext(ctx context.Context, req *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	if err := compute.Authorize(ctx, s.cfg.AuthToken); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	msg := domain.ParseCancelReason(req.Reason).Message()
	s.mu.Lock()
	for _, inst := range s.instances {
		if inst.queryID == req.QueryId {
			inst.cancel(msg)
		}
	}
	s.mu.Unlock()
	return &computeproto.CancelResponse{Status: domain.StatusOK}, nil
}

// FetchData waits until the instance produced its rows, then returns them
// batch by batch.
func (s *Server) FetchData(ctx context.Context, req *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	if err := compute.Authorize(ctx, s.cfg.AuthToken); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	s.mu.Lock()
	inst, ok := s.instances[req.FragmentInstanceId]
	s.mu.Unlock()
	if !ok {
		return &computeproto.FetchDataResponse{
			Status:    domain.InternalError(fmt.Sprintf("fragment instance %s not found", req.FragmentInstanceId)),
			PacketSeq: req.PacketSeq,
		}, nil
	}

	select {
	case <-inst.produced:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	batch, st := inst.fetch(req.PacketSeq, s.cfg.FetchBatchRows)
	if !st.OK() {
		return &computeproto.FetchDataResponse{Status: st, PacketSeq: req.PacketSeq}, nil
	}
	return batch, nil
}

// ExecShortCircuit answers a point lookup directly, one row per range.
func (s *Server) ExecShortCircuit(ctx context.Context, req *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	if err := compute.Authorize(ctx, s.cfg.AuthToken); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	resp := &computeproto.ExecShortCircuitResponse{
		Status:  domain.StatusOK,
		Columns: []string{"tablet_id", "table"},
	}
	for _, r := range req.ScanRanges {
		if req.Limit > 0 && int64(len(resp.Rows)) >= req.Limit {
			break
		}
		resp.Rows = append(resp.Rows, &computeproto.ResultRow{Values: []string{fmt.Sprint(r.TabletId), req.Table}})
	}
	if req.NeedReport {
		p := domain.NewRuntimeProfile("Short Circuit Executor")
		p.SetCounter("RowsReturned", domain.UnitUnit, int64(len(resp.Rows)))
		p.AddInfoString("BackendId", fmt.Sprint(s.cfg.BackendID))
		resp.Profile = p
	}
	return resp, nil
}

func (s *Server) Health(ctx context.Context, _ *computeproto.HealthRequest) (*computeproto.HealthResponse, error) {
	if err := compute.Authorize(ctx, s.cfg.AuthToken); err != nil {
		return nil, err
	}
	return s.health(), nil
}

func (s *Server) health() *computeproto.HealthResponse {
	return &computeproto.HealthResponse{
		Status:           "ok",
		BackendId:        s.cfg.BackendID,
		UptimeSeconds:    int(time.Since(s.cfg.StartTime).Seconds()),
		RunningInstances: s.running.Load(),
	}
}

// InstanceView describes one instance for the HTTP status page.
type InstanceView struct {
	QueryID    string `json:"query_id"`
	InstanceID string `json:"instance_id"`
	FragmentID int    `json:"fragment_id"`
	State      string `json:"state"`
	ReportSeq  int64  `json:"report_seq"`
	Rows       int    `json:"rows"`
}

// Instances lists the known instances ordered by query and instance id.
func (s *Server) Instances() []InstanceView {
	s.mu.Lock()
	out := make([]InstanceView, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.view())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueryID != out[j].QueryID {
			return out[i].QueryID < out[j].QueryID
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// Forget drops every instance of queryID that has finished.
func (s *Server) Forget(queryID domain.UniqueID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, inst := range s.instances {
		if inst.queryID == queryID && inst.isDone() {
			delete(s.instances, id)
			n++
		}
	}
	return n
}

func (s *Server) report(req *computeproto.ReportExecStatusRequest, coordAddress string) {
	if s.cfg.Frontend == nil || coordAddress == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	resp, err := s.cfg.Frontend.ReportExecStatus(ctx, coordAddress, req)
	if err != nil {
		s.logger.Warn("report exec status failed",
			"query_id", req.QueryId.String(),
			"instance_id", req.FragmentInstanceId.String(),
			"error", err)
		return
	}
	if !resp.Status.OK() {
		s.logger.Debug("coordinator rejected report",
			"instance_id", req.FragmentInstanceId.String(),
			"status", resp.Status.String())
	}
}
