package computeproto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	BackendService_ExecPlanFragment_FullMethodName   = "/qcoord.backend.v1.BackendService/ExecPlanFragment"
	BackendService_CancelPlanFragment_FullMethodName = "/qcoord.backend.v1.BackendService/CancelPlanFragment"
	BackendService_CancelQueryContext_FullMethodName = "/qcoord.backend.v1.BackendService/CancelQueryContext"
	BackendService_FetchData_FullMethodName          = "/qcoord.backend.v1.BackendService/FetchData"
	BackendService_ExecShortCircuit_FullMethodName   = "/qcoord.backend.v1.BackendService/ExecShortCircuit"
	BackendService_Health_FullMethodName             = "/qcoord.backend.v1.BackendService/Health"
)

type BackendServiceClient interface {
	ExecPlanFragment(ctx context.Context, in *ExecPlanFragmentRequest, opts ...grpc.CallOption) (*ExecPlanFragmentResponse, error)
	CancelPlanFragment(ctx context.Context, in *CancelPlanFragmentRequest, opts ...grpc.CallOption) (*CancelResponse, error)
	CancelQueryContext(ctx context.Context, in *CancelQueryContextRequest, opts ...grpc.CallOption) (*CancelResponse, error)
	FetchData(ctx context.Context, in *FetchDataRequest, opts ...grpc.CallOption) (*FetchDataResponse, error)
	ExecShortCircuit(ctx context.Context, in *ExecShortCircuitRequest, opts ...grpc.CallOption) (*ExecShortCircuitResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
}

type backendServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBackendServiceClient(cc grpc.ClientConnInterface) BackendServiceClient {
	return &backendServiceClient{cc: cc}
}

func (c *backendServiceClient) ExecPlanFragment(ctx context.Context, in *ExecPlanFragmentRequest, opts ...grpc.CallOption) (*ExecPlanFragmentResponse, error) {
	out := new(ExecPlanFragmentResponse)
	if err := c.cc.Invoke(ctx, BackendService_ExecPlanFragment_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendServiceClient) CancelPlanFragment(ctx context.Context, in *CancelPlanFragmentRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, BackendService_CancelPlanFragment_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendServiceClient) CancelQueryContext(ctx context.Context, in *CancelQueryContextRequest, opts ...grpc.CallOption) (*CancelResponse, error) {
	out := new(CancelResponse)
	if err := c.cc.Invoke(ctx, BackendService_CancelQueryContext_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendServiceClient) FetchData(ctx context.Context, in *FetchDataRequest, opts ...grpc.CallOption) (*FetchDataResponse, error) {
	out := new(FetchDataResponse)
	if err := c.cc.Invoke(ctx, BackendService_FetchData_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendServiceClient) ExecShortCircuit(ctx context.Context, in *ExecShortCircuitRequest, opts ...grpc.CallOption) (*ExecShortCircuitResponse, error) {
	out := new(ExecShortCircuitResponse)
	if err := c.cc.Invoke(ctx, BackendService_ExecShortCircuit_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *backendServiceClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	out := new(HealthResponse)
	if err := c.cc.Invoke(ctx, BackendService_Health_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// BackendServiceServer is implemented by services registered with RegisterBackendServiceServer.
type BackendServiceServer interface {
	ExecPlanFragment(context.Context, *ExecPlanFragmentRequest) (*ExecPlanFragmentResponse, error)
	CancelPlanFragment(context.Context, *CancelPlanFragmentRequest) (*CancelResponse, error)
	CancelQueryContext(context.Context, *CancelQueryContextRequest) (*CancelResponse, error)
	FetchData(context.Context, *FetchDataRequest) (*FetchDataResponse, error)
	ExecShortCircuit(context.Context, *ExecShortCircuitRequest) (*ExecShortCircuitResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
}

// UnimplementedBackendServiceServer can be embedded to satisfy BackendServiceServer.
type UnimplementedBackendServiceServer struct{}

func (UnimplementedBackendServiceServer) ExecPlanFragment(context.Context, *ExecPlanFragmentRequest) (*ExecPlanFragmentResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ExecPlanFragment not implemented")
}

func (UnimplementedBackendServiceServer) CancelPlanFragment(context.Context, *CancelPlanFragmentRequest) (*CancelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CancelPlanFragment not implemented")
}

func (UnimplementedBackendServiceServer) CancelQueryContext(context.Context, *CancelQueryContextRequest) (*CancelResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method CancelQueryContext not implemented")
}

func (UnimplementedBackendServiceServer) FetchData(context.Context, *FetchDataRequest) (*FetchDataResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method FetchData not implemented")
}

func (UnimplementedBackendServiceServer) ExecShortCircuit(context.Context, *ExecShortCircuitRequest) (*ExecShortCircuitResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method ExecShortCircuit not implemented")
}

func (UnimplementedBackendServiceServer) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "method Health not implemented")
}

// RegisterBackendServiceServer registers srv on registrar.
func RegisterBackendServiceServer(registrar grpc.ServiceRegistrar, srv BackendServiceServer) {
	registrar.RegisterService(&BackendService_ServiceDesc, srv)
}

var BackendService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qcoord.backend.v1.BackendService",
	HandlerType: (*BackendServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecPlanFragment", Handler: _BackendService_ExecPlanFragment_Handler},
		{MethodName: "CancelPlanFragment", Handler: _BackendService_CancelPlanFragment_Handler},
		{MethodName: "CancelQueryContext", Handler: _BackendService_CancelQueryContext_Handler},
		{MethodName: "FetchData", Handler: _BackendService_FetchData_Handler},
		{MethodName: "ExecShortCircuit", Handler: _BackendService_ExecShortCircuit_Handler},
		{MethodName: "Health", Handler: _BackendService_Health_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/compute/proto/backend_service.proto",
}

func _BackendService_ExecPlanFragment_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecPlanFragmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServiceServer).ExecPlanFragment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BackendService_ExecPlanFragment_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BackendServiceServer).ExecPlanFragment(ctx, req.(*ExecPlanFragmentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BackendService_CancelPlanFragment_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelPlanFragmentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServiceServer).CancelPlanFragment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BackendService_CancelPlanFragment_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BackendServiceServer).CancelPlanFragment(ctx, req.(*CancelPlanFragmentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BackendService_CancelQueryContext_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CancelQueryContextRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServiceServer).CancelQueryContext(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BackendService_CancelQueryContext_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BackendServiceServer).CancelQueryContext(ctx, req.(*CancelQueryContextRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BackendService_FetchData_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchDataRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServiceServer).FetchData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BackendService_FetchData_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BackendServiceServer).FetchData(ctx, req.(*FetchDataRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BackendService_ExecShortCircuit_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecShortCircuitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServiceServer).ExecShortCircuit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BackendService_ExecShortCircuit_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BackendServiceServer).ExecShortCircuit(ctx, req.(*ExecShortCircuitRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _BackendService_Health_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HealthRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BackendServiceServer).Health(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BackendService_Health_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BackendServiceServer).Health(ctx, req.(*HealthRequest))
	}
	return interceptor(ctx, in, info, handler)
}
