package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
)

func nodes(ids ...int64) []*domain.ComputeNode {
	out := make([]*domain.ComputeNode, 0, len(ids))
	for _, id := range ids {
		out = append(out, &domain.ComputeNode{ID: id, Host: "127.0.0.1", RPCPort: 9000 + int(id), Alive: true})
	}
	return out
}

func TestRegistryLiveness(t *testing.T) {
	reg := NewRegistry(nodes(1, 2), nil)

	assert.True(t, reg.IsWorkerAlive(1))
	assert.True(t, reg.MarkDead(1))
	assert.False(t, reg.MarkDead(1), "already dead")
	assert.False(t, reg.IsWorkerAlive(1))
	assert.True(t, reg.MarkAlive(1))
	assert.False(t, reg.MarkAlive(1))
	assert.False(t, reg.IsWorkerAlive(42))

	n, ok := reg.Get(2)
	require.True(t, ok)
	n.Alive = false
	assert.True(t, reg.IsWorkerAlive(2), "Get returns a copy")
}

func TestBlocklist(t *testing.T) {
	b := NewBlocklist(time.Minute)
	b.Add(3, "rpc failed")
	b.Add(1, "rpc failed")

	assert.True(t, b.Contains(3))
	assert.False(t, b.Contains(2))
	assert.Equal(t, "rpc failed", b.Reason(3))
	assert.Equal(t, []int64{1, 3}, b.IDs())

	b.Remove(3)
	assert.False(t, b.Contains(3))

	var nilList *Blocklist
	assert.False(t, nilList.Contains(1))
}

func TestProviderSnapshot(t *testing.T) {
	reg := NewRegistry(nodes(1, 2, 3), nil)
	reg.MarkDead(2)
	block := NewBlocklist(time.Minute)
	block.Add(3, "rpc failed")

	p, err := NewProvider(reg, block)
	require.NoError(t, err)

	require.Len(t, p.AvailableWorkers(), 1)
	_, ok := p.GetWorkerByID(1)
	assert.True(t, ok)
	_, ok = p.GetWorkerByID(3)
	assert.False(t, ok)

	assert.False(t, p.IsWorkerSelected(1))
	require.NoError(t, p.SelectWorker(1))
	assert.True(t, p.IsWorkerSelected(1))
	assert.Equal(t, []int64{1}, p.SelectedWorkerIDs())

	var nf *domain.NotFoundError
	require.ErrorAs(t, p.SelectWorker(2), &nf)

	reg.MarkDead(1)
	assert.False(t, p.IsWorkerAlive(1), "liveness is read from the registry")
	assert.True(t, p.IsAvailable(1), "snapshot is unchanged")
}

func TestProviderNoWorkers(t *testing.T) {
	reg := NewRegistry(nodes(1), nil)
	reg.MarkDead(1)

	_, err := NewProvider(reg, nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindNodeNotAlive, domain.KindOf(err))
}

func TestLeastAssignedSelector(t *testing.T) {
	s := NewLeastAssignedSelector()
	cands := nodes(1, 2)

	first, err := s.Select(context.Background(), cands)
	require.NoError(t, err)
	second, err := s.Select(context.Background(), cands)
	require.NoError(t, err)
	third, err := s.Select(context.Background(), cands)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.Equal(t, int64(1), third.ID)
	assert.Equal(t, 2, s.Assigned(1))

	_, err = s.Select(context.Background(), nil)
	require.Error(t, err)
}

type healthBackend struct {
	mu   sync.Mutex
	down map[string]bool
}

func (h *healthBackend) setDown(addr string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down[addr] = down
}

func (h *healthBackend) ExecPlanFragment(context.Context, string, *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	return nil, errors.New("unexpected")
}

func (h *healthBackend) CancelPlanFragment(context.Context, string, *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	return nil, errors.New("unexpected")
}

func (h *healthBackend) CancelQueryContext(context.Context, string, *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	return nil, errors.New("unexpected")
}

func (h *healthBackend) FetchData(context.Context, string, *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	return nil, errors.New("unexpected")
}

func (h *healthBackend) ExecShortCircuit(context.Context, string, *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	return nil, errors.New("unexpected")
}

func (h *healthBackend) Health(_ context.Context, addr string) (*computeproto.HealthResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down[addr] {
		return nil, errors.New("connection refused")
	}
	return &computeproto.HealthResponse{Status: "ok"}, nil
}

func TestHeartbeatMarksDeadAfterThreshold(t *testing.T) {
	reg := NewRegistry(nodes(1, 2), nil)
	backend := &healthBackend{down: map[string]bool{}}
	h := NewHeartbeatChecker(reg, backend, HeartbeatOptions{FailureThreshold: 2})

	var mu sync.Mutex
	var dead []int64
	h.OnDead(func(id int64) {
		mu.Lock()
		defer mu.Unlock()
		dead = append(dead, id)
	})

	w1, _ := reg.Get(1)
	backend.setDown(w1.Address(), true)

	h.CheckOnce(context.Background())
	assert.True(t, reg.IsWorkerAlive(1), "below threshold")

	h.CheckOnce(context.Background())
	assert.False(t, reg.IsWorkerAlive(1))
	assert.True(t, reg.IsWorkerAlive(2))

	h.CheckOnce(context.Background())
	mu.Lock()
	assert.Equal(t, []int64{1}, dead, "listeners fire once per transition")
	mu.Unlock()

	backend.setDown(w1.Address(), false)
	h.CheckOnce(context.Background())
	assert.True(t, reg.IsWorkerAlive(1))
}

func TestHeartbeatStartStopNoLeak(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("github.com/patrickmn/go-cache.(*janitor).Run"))

	reg := NewRegistry(nodes(1), nil)
	h := NewHeartbeatChecker(reg, &healthBackend{down: map[string]bool{}}, HeartbeatOptions{Interval: 10 * time.Millisecond})
	require.NoError(t, h.Start())
	time.Sleep(30 * time.Millisecond)
	h.Stop()
}
