package compute

import (
	"context"

	computeproto "qcoord/internal/compute/proto"
)

// BackendClient issues RPCs to workers by address.
type BackendClient interface {
	ExecPlanFragment(ctx context.Context, address string, req *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error)
	CancelPlanFragment(ctx context.Context, address string, req *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error)
	CancelQueryContext(ctx context.Context, address string, req *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error)
	FetchData(ctx context.Context, address string, req *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error)
	ExecShortCircuit(ctx context.Context, address string, req *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error)
	Health(ctx context.Context, address string) (*computeproto.HealthResponse, error)
}

var _ BackendClient = (*GRPCBackendClient)(nil)

// GRPCBackendClient is the BackendClient used in production. Connections
// are cached per worker address.
type GRPCBackendClient struct {
	conns *ConnCache
	opts  DialOptions
}

// NewGRPCBackendClient returns a client that shares conns.
func NewGRPCBackendClient(conns *ConnCache, opts DialOptions) *GRPCBackendClient {
	if conns == nil {
		conns = NewConnCache()
	}
	return &GRPCBackendClient{conns: conns, opts: opts}
}

func (c *GRPCBackendClient) client(address string) (computeproto.BackendServiceClient, error) {
	conn, err := c.conns.GetOrCreate(address)
	if err != nil {
		return nil, err
	}
	return computeproto.NewBackendServiceClient(conn), nil
}

func (c *GRPCBackendClient) ExecPlanFragment(ctx context.Context, address string, req *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.ExecPlanFragment(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCBackendClient) CancelPlanFragment(ctx context.Context, address string, req *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.CancelPlanFragment(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCBackendClient) CancelQueryContext(ctx context.Context, address string, req *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.CancelQueryContext(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCBackendClient) FetchData(ctx context.Context, address string, req *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.FetchData(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCBackendClient) ExecShortCircuit(ctx context.Context, address string, req *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.ExecShortCircuit(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCBackendClient) Health(ctx context.Context, address string) (*computeproto.HealthResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.Health(c.opts.withMetadata(ctx, ""), &computeproto.HealthRequest{})
}

// FrontendClient is used by workers to report back to a coordinator.
type FrontendClient interface {
	ReportExecStatus(ctx context.Context, address string, req *computeproto.ReportExecStatusRequest) (*computeproto.ReportExecStatusResponse, error)
	ReportAuditStatistics(ctx context.Context, address string, req *computeproto.ReportAuditStatisticsRequest) (*computeproto.ReportAuditStatisticsResponse, error)
	ScheduleNextTurn(ctx context.Context, address string, req *computeproto.ScheduleNextTurnRequest) (*computeproto.ScheduleNextTurnResponse, error)
}

var _ FrontendClient = (*GRPCFrontendClient)(nil)

// GRPCFrontendClient reports to coordinators over gRPC.
type GRPCFrontendClient struct {
	conns *ConnCache
	opts  DialOptions
}

// NewGRPCFrontendClient returns a client that shares conns.
func NewGRPCFrontendClient(conns *ConnCache, opts DialOptions) *GRPCFrontendClient {
	if conns == nil {
		conns = NewConnCache()
	}
	return &GRPCFrontendClient{conns: conns, opts: opts}
}

func (c *GRPCFrontendClient) client(address string) (computeproto.FrontendServiceClient, error) {
	conn, err := c.conns.GetOrCreate(address)
	if err != nil {
		return nil, err
	}
	return computeproto.NewFrontendServiceClient(conn), nil
}

func (c *GRPCFrontendClient) ReportExecStatus(ctx context.Context, address string, req *computeproto.ReportExecStatusRequest) (*computeproto.ReportExecStatusResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.ReportExecStatus(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCFrontendClient) ReportAuditStatistics(ctx context.Context, address string, req *computeproto.ReportAuditStatisticsRequest) (*computeproto.ReportAuditStatisticsResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.ReportAuditStatistics(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}

func (c *GRPCFrontendClient) ScheduleNextTurn(ctx context.Context, address string, req *computeproto.ScheduleNextTurnRequest) (*computeproto.ScheduleNextTurnResponse, error) {
	cl, err := c.client(address)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.opts.withTimeout(ctx)
	defer cancel()
	return cl.ScheduleNextTurn(c.opts.withMetadata(ctx, req.QueryId.String()), req)
}
