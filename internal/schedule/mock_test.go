package schedule

import (
	"context"
	"errors"
	"sync"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/deploy"
	"qcoord/internal/domain"
)

var errUnexpectedCall = errors.New("unexpected call")

type countingBackend struct {
	mu          sync.Mutex
	order       []domain.UniqueID
	deploys     map[domain.UniqueID]int
	incremental int
	onDeploy    func(req *computeproto.ExecPlanFragmentRequest)
}

func newCountingBackend() *countingBackend {
	return &countingBackend{deploys: make(map[domain.UniqueID]int)}
}

func (b *countingBackend) ExecPlanFragment(_ context.Context, _ string, req *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	b.mu.Lock()
	if req.IsIncrementalScanRanges {
		b.incremental++
	} else {
		b.deploys[req.FragmentInstanceId]++
		b.order = append(b.order, req.FragmentInstanceId)
	}
	fn := b.onDeploy
	b.mu.Unlock()
	if fn != nil {
		fn(req)
	}
	return &computeproto.ExecPlanFragmentResponse{}, nil
}

func (b *countingBackend) CancelPlanFragment(context.Context, string, *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	return nil, errUnexpectedCall
}

func (b *countingBackend) CancelQueryContext(context.Context, string, *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	return nil, errUnexpectedCall
}

func (b *countingBackend) FetchData(context.Context, string, *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	return nil, errUnexpectedCall
}

func (b *countingBackend) ExecShortCircuit(context.Context, string, *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	return nil, errUnexpectedCall
}

func (b *countingBackend) Health(context.Context, string) (*computeproto.HealthResponse, error) {
	return nil, errUnexpectedCall
}

func (b *countingBackend) snapshot() (map[domain.UniqueID]int, []domain.UniqueID, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[domain.UniqueID]int, len(b.deploys))
	for k, v := range b.deploys {
		counts[k] = v
	}
	return counts, append([]domain.UniqueID(nil), b.order...), b.incremental
}

// fakeCoordinator hands out incremental deployments for the first rounds
// calls, then reports that no fragment has more ranges.
type fakeCoordinator struct {
	mu     sync.Mutex
	rounds int
	calls  int
}

func (c *fakeCoordinator) AssignIncrementalScanRangesToDeployStates(_ context.Context, d *deploy.Deployer, states []*deploy.DeployState) ([]*deploy.DeployState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls > c.rounds {
		return nil, nil
	}
	out := make([]*deploy.DeployState, 0, len(states))
	for _, s := range states {
		out = append(out, d.IncrementalState(s.Executions()))
	}
	return out, nil
}
