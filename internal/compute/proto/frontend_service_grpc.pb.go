package computeproto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	FrontendService_ReportExecStatus_FullMethodName      = "/qcoord.frontend.v1.FrontendService/ReportExecStatus"
	FrontendService_ReportAuditStatistics_FullMethodName = "/qcoord.frontend.v1.FrontendService/ReportAuditStatistics"
	FrontendService_ScheduleNextTurn_FullMethodName      = "/qcoord.frontend.v1.FrontendService/ScheduleNextTurn"
)

type FrontendServiceClient interface {
	ReportExecStatus(ctx context.Context, in *ReportExecStatusRequest, opts ...grpc.CallOption) (*ReportExecStatusResponse, error)
	ReportAuditStatistics(ctx context.Context, in *ReportAuditStatisticsRequest, opts ...grpc.CallOption) (*ReportAuditStatisticsResponse, error)
	ScheduleNextTurn(ctx context.Context, in *ScheduleNextTurnRequest, opts ...grpc.CallOption) (*ScheduleNextTurnResponse, error)
}

type frontendServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFrontendServiceClient(cc grpc.ClientConnInterface) FrontendServiceClient {
	return &frontendServiceClient{cc: cc}
}

func (c *frontendServiceClient) ReportExecStatus(ctx context.Context, in *ReportExecStatusRequest, opts ...grpc.CallOption) (*ReportExecStatusResponse, error) {
	out := new(ReportExecStatusResponse)
	if err := c.cc.Invoke(ctx, FrontendService_ReportExecStatus_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *frontendServiceClient) ReportAuditStatistics(ctx context.Context, in *ReportAuditStatisticsRequest, opts ...grpc.CallOption) (*ReportAuditStatisticsResponse, error) {
	out := new(ReportAuditStatisticsResponse)
	if err := c.cc.Invoke(ctx, FrontendService_ReportAuditStatistics_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *frontendServiceClient) ScheduleNextTurn(ctx context.Context, in *ScheduleNextTurnRequest, opts ...grpc.CallOption) (*ScheduleNextTurnResponse, error) {
	out := new(ScheduleNextTurnResponse)
	if err := c.cc.Invoke(ctx, FrontendService_ScheduleNextTurn_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// FrontendServiceServer is implemented by services registered with RegisterFrontendServiceServer.
type FrontendServiceServer interface {
	ReportExecStatus(context.Context, *ReportExecStatusRequest) (*ReportExecStatusResponse, error)
	ReportAuditStatistics(context.Context, *ReportAuditStatisticsRequest) (*ReportAuditStatisticsResponse, error)
	ScheduleNextTurn(context.Context, *ScheduleNextTurnRequest) (*ScheduleNextTurnResponse, error)
}

// UnimplementedFrontendServiceServer can be embedded to satisfy FrontendServiceServer.
type UnimplementedFrontendServiceServer struct{}

func (UnimplementedFrontendServiceServer) ReportExecStatus(context.Context, *ReportExecStatusRequest) (*ReportExecStatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ReportExecStatus not implemented")
}

func (UnimplementedFrontendServiceServer) ReportAuditStatistics(context.Context, *ReportAuditStatisticsRequest) (*ReportAuditStatisticsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ReportAuditStatistics not implemented")
}

func (UnimplementedFrontendServiceServer) ScheduleNextTurn(context.Context, *ScheduleNextTurnRequest) (*ScheduleNextTurnResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ScheduleNextTurn not implemented")
}

// RegisterFrontendServiceServer registers srv on registrar.
func RegisterFrontendServiceServer(registrar grpc.ServiceRegistrar, srv FrontendServiceServer) {
	registrar.RegisterService(&FrontendService_ServiceDesc, srv)
}

var FrontendService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qcoord.frontend.v1.FrontendService",
	HandlerType: (*FrontendServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReportExecStatus", Handler: _FrontendService_ReportExecStatus_Handler},
		{MethodName: "ReportAuditStatistics", Handler: _FrontendService_ReportAuditStatistics_Handler},
		{MethodName: "ScheduleNextTurn", Handler: _FrontendService_ScheduleNextTurn_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/compute/proto/frontend_service.proto",
}

func _FrontendService_ReportExecStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportExecStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrontendServiceServer).ReportExecStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FrontendService_ReportExecStatus_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FrontendServiceServer).ReportExecStatus(ctx, req.(*ReportExecStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _FrontendService_ReportAuditStatistics_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReportAuditStatisticsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrontendServiceServer).ReportAuditStatistics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FrontendService_ReportAuditStatistics_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FrontendServiceServer).ReportAuditStatistics(ctx, req.(*ReportAuditStatisticsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _FrontendService_ScheduleNextTurn_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ScheduleNextTurnRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrontendServiceServer).ScheduleNextTurn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FrontendService_ScheduleNextTurn_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(FrontendServiceServer).ScheduleNextTurn(ctx, req.(*ScheduleNextTurnRequest))
	}
	return interceptor(ctx, in, info, handler)
}
