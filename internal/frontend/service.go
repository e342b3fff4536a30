// Package frontend serves the RPCs workers send back to coordinators.
package frontend

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"qcoord/internal/compute"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/coordinator"
	"qcoord/internal/domain"
)

// Config configures a Service.
type Config struct {
	// AuthToken, when set, must be presented by every caller.
	AuthToken string
	Logger    *slog.Logger
}

// Service routes worker reports to the coordinator of their query.
type Service struct {
	computeproto.UnimplementedFrontendServiceServer

	registry *coordinator.Registry
	token    string
	logger   *slog.Logger
}

var _ computeproto.FrontendServiceServer = (*Service)(nil)

func NewService(reg *coordinator.Registry, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: reg, token: cfg.AuthToken, logger: logger}
}

// Register installs the service on s.
func (s *Service) Register(srv grpc.ServiceRegistrar) {
	compute.EnsureGRPCJSONCodec()
	computeproto.RegisterFrontendServiceServer(srv, s)
}

func notFound(queryID domain.UniqueID) domain.Status {
	return domain.InternalError(fmt.Sprintf("query %s not found", queryID))
}

func (s *Service) ReportExecStatus(ctx context.Context, req *computeproto.ReportExecStatusRequest) (*computeproto.ReportExecStatusResponse, error) {
	if err := compute.Authorize(ctx, s.token); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	h, ok := s.registry.Get(req.QueryId)
	if !ok {
		// the query may already be unregistered when late reports arrive
		s.logger.Info("exec status report for unknown query",
			"query_id", req.QueryId.String(),
			"instance_id", req.FragmentInstanceId.String(),
			"done", req.Done)
		return &computeproto.ReportExecStatusResponse{Status: notFound(req.QueryId)}, nil
	}
	h.UpdateFragmentExecStatus(req)
	return &computeproto.ReportExecStatusResponse{Status: domain.StatusOK}, nil
}

func (s *Service) ReportAuditStatistics(ctx context.Context, req *computeproto.ReportAuditStatisticsRequest) (*computeproto.ReportAuditStatisticsResponse, error) {
	if err := compute.Authorize(ctx, s.token); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	h, ok := s.registry.Get(req.QueryId)
	if !ok {
		return &computeproto.ReportAuditStatisticsResponse{Status: notFound(req.QueryId)}, nil
	}
	h.UpdateAuditStatistics(req)
	return &computeproto.ReportAuditStatisticsResponse{Status: domain.StatusOK}, nil
}

func (s *Service) ScheduleNextTurn(ctx context.Context, req *computeproto.ScheduleNextTurnRequest) (*computeproto.ScheduleNextTurnResponse, error) {
	if err := compute.Authorize(ctx, s.token); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	h, ok := s.registry.Get(req.QueryId)
	if !ok {
		return &computeproto.ScheduleNextTurnResponse{Status: notFound(req.QueryId)}, nil
	}
	st := h.ScheduleNextTurn(ctx, req.FragmentInstanceId)
	if !st.OK() {
		s.logger.Warn("schedule next turn failed",
			"query_id", req.QueryId.String(),
			"instance_id", req.FragmentInstanceId.String(),
			"status", st.String())
	}
	return &computeproto.ScheduleNextTurnResponse{Status: st}, nil
}
