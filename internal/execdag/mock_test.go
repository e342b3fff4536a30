package execdag

import (
	"context"
	"sync"

	computeproto "qcoord/internal/compute/proto"
)

type mockBackend struct {
	mu             sync.Mutex
	cancelCalls    []*computeproto.CancelPlanFragmentRequest
	CancelFragment func(ctx context.Context, address string, req *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error)
}

func (m *mockBackend) ExecPlanFragment(context.Context, string, *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	panic("ExecPlanFragment not implemented")
}

func (m *mockBackend) CancelPlanFragment(ctx context.Context, address string, req *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	m.mu.Lock()
	m.cancelCalls = append(m.cancelCalls, req)
	m.mu.Unlock()
	if m.CancelFragment != nil {
		return m.CancelFragment(ctx, address, req)
	}
	return &computeproto.CancelResponse{}, nil
}

func (m *mockBackend) CancelQueryContext(context.Context, string, *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	panic("CancelQueryContext not implemented")
}

func (m *mockBackend) FetchData(context.Context, string, *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	panic("FetchData not implemented")
}

func (m *mockBackend) ExecShortCircuit(context.Context, string, *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	panic("ExecShortCircuit not implemented")
}

func (m *mockBackend) Health(context.Context, string) (*computeproto.HealthResponse, error) {
	panic("Health not implemented")
}

func (m *mockBackend) cancels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancelCalls)
}

type aliveSet map[int64]bool

func (a aliveSet) IsWorkerAlive(id int64) bool { return a[id] }
