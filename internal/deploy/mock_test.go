package deploy

import (
	"context"
	"errors"
	"sync"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
)

var errUnexpectedCall = errors.New("unexpected call")

// recordingBackend records deploy requests and fails the addresses in fail.
type recordingBackend struct {
	mu    sync.Mutex
	calls []*computeproto.ExecPlanFragmentRequest
	addrs []string
	fail  map[string]error
	// reject answers with a non-OK status instead of an error.
	reject map[string]bool
}

func (b *recordingBackend) ExecPlanFragment(_ context.Context, address string, req *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, req)
	b.addrs = append(b.addrs, address)
	if err := b.fail[address]; err != nil {
		return nil, err
	}
	if b.reject[address] {
		return &computeproto.ExecPlanFragmentResponse{Status: domain.InternalError("rejected")}, nil
	}
	return &computeproto.ExecPlanFragmentResponse{}, nil
}

func (b *recordingBackend) CancelPlanFragment(context.Context, string, *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	return nil, errUnexpectedCall
}

func (b *recordingBackend) CancelQueryContext(context.Context, string, *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	return nil, errUnexpectedCall
}

func (b *recordingBackend) FetchData(context.Context, string, *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	return nil, errUnexpectedCall
}

func (b *recordingBackend) ExecShortCircuit(context.Context, string, *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	return nil, errUnexpectedCall
}

func (b *recordingBackend) Health(context.Context, string) (*computeproto.HealthResponse, error) {
	return nil, errUnexpectedCall
}

func (b *recordingBackend) requests() []*computeproto.ExecPlanFragmentRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*computeproto.ExecPlanFragmentRequest(nil), b.calls...)
}
