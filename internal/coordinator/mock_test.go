package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
	"qcoord/internal/session"
	"qcoord/internal/worker"
)

type cancelCall struct {
	instanceID domain.UniqueID
	reason     string
}

// fakeBackend records every RPC. Deploys to workers listed in deployErr
// fail with that error; fetches replay batches in order.
type fakeBackend struct {
	mu            sync.Mutex
	deploys       map[domain.UniqueID]int
	deployErr     map[string]error
	cancels       []cancelCall
	queryCancels  map[string]string
	batches       []*computeproto.FetchDataResponse
	fetches       int
	shortCircuits int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		deploys:      make(map[domain.UniqueID]int),
		deployErr:    make(map[string]error),
		queryCancels: make(map[string]string),
	}
}

func (b *fakeBackend) ExecPlanFragment(_ context.Context, address string, req *computeproto.ExecPlanFragmentRequest) (*computeproto.ExecPlanFragmentResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.deployErr[address]; err != nil {
		return nil, err
	}
	if !req.IsIncrementalScanRanges {
		b.deploys[req.FragmentInstanceId]++
	}
	return &computeproto.ExecPlanFragmentResponse{}, nil
}

func (b *fakeBackend) CancelPlanFragment(_ context.Context, _ string, req *computeproto.CancelPlanFragmentRequest) (*computeproto.CancelResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels = append(b.cancels, cancelCall{instanceID: req.FragmentInstanceId, reason: req.Reason})
	return &computeproto.CancelResponse{}, nil
}

func (b *fakeBackend) CancelQueryContext(_ context.Context, address string, req *computeproto.CancelQueryContextRequest) (*computeproto.CancelResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryCancels[address] = req.Reason
	return &computeproto.CancelResponse{}, nil
}

func (b *fakeBackend) FetchData(_ context.Context, _ string, req *computeproto.FetchDataRequest) (*computeproto.FetchDataResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	if len(b.batches) == 0 {
		return &computeproto.FetchDataResponse{PacketSeq: req.PacketSeq, Eos: true}, nil
	}
	resp := b.batches[0]
	b.batches = b.batches[1:]
	resp.PacketSeq = req.PacketSeq
	return resp, nil
}

func (b *fakeBackend) ExecShortCircuit(context.Context, string, *computeproto.ExecShortCircuitRequest) (*computeproto.ExecShortCircuitResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shortCircuits++
	return &computeproto.ExecShortCircuitResponse{
		Columns: []string{"k", "v"},
		Rows:    []*computeproto.ResultRow{{Values: []string{"1", "one"}}},
	}, nil
}

func (b *fakeBackend) Health(context.Context, string) (*computeproto.HealthResponse, error) {
	return &computeproto.HealthResponse{Status: "ok"}, nil
}

func (b *fakeBackend) deployCounts() map[domain.UniqueID]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[domain.UniqueID]int, len(b.deploys))
	for k, v := range b.deploys {
		out[k] = v
	}
	return out
}

func (b *fakeBackend) cancelCalls() []cancelCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]cancelCall(nil), b.cancels...)
}

func (b *fakeBackend) queryCancelCalls() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.queryCancels))
	for k, v := range b.queryCancels {
		out[k] = v
	}
	return out
}

func testNode(id int64) *domain.ComputeNode {
	return &domain.ComputeNode{ID: id, Host: "127.0.0.1", RPCPort: 9000 + int(id), Alive: true}
}

type fixture struct {
	registry  *worker.Registry
	provider  *worker.Provider
	blocklist *worker.Blocklist
	backend   *fakeBackend
	sess      *session.Context
}

func newFixture(t *testing.T, workerIDs ...int64) *fixture {
	t.Helper()
	var nodes []*domain.ComputeNode
	for _, id := range workerIDs {
		nodes = append(nodes, testNode(id))
	}
	reg := worker.NewRegistry(nodes, nil)
	bl := worker.NewBlocklist(time.Minute)
	p, err := worker.NewProvider(reg, bl)
	require.NoError(t, err)
	return &fixture{
		registry:  reg,
		provider:  p,
		blocklist: bl,
		backend:   newFakeBackend(),
		sess:      session.New("alice", session.DefaultVariables()),
	}
}

func (f *fixture) options() Options {
	return Options{
		Session:      f.sess,
		Workers:      f.provider,
		Backend:      f.backend,
		Blocklist:    f.blocklist,
		CoordAddress: "127.0.0.1:9020",
	}
}

type jobOpt func(*jobspec.Params)

func withLimit(n int64) jobOpt {
	return func(p *jobspec.Params) { p.Fragments[0].PlanRoot.Limit = n }
}

func asLoad(p *jobspec.Params) {
	p.QueryType = jobspec.QueryTypeLoad
	p.LoadJobID = 42
	p.LoadJobType = domain.LoadJobBroker
	p.IsBrokerLoad = true
	p.EnablePipeline = false
	p.Fragments[0].Sink = jobspec.Sink{Type: jobspec.SinkOlapTable, Table: "t"}
}

// newScanJob builds F0 (result) <- F1 (scan over four ranges on workers 1
// and 2): one root instance and two scan instances.
func newScanJob(t *testing.T, opts ...jobOpt) *jobspec.JobSpec {
	t.Helper()
	var ranges []jobspec.ScanRange
	for i := 0; i < 4; i++ {
		ranges = append(ranges, jobspec.ScanRange{ID: int64(i + 1), TabletID: int64(100 + i), Replicas: []int64{int64(i%2 + 1)}})
	}
	p := jobspec.Params{
		QueryID:        domain.UniqueID{Hi: 7, Lo: 70},
		EnablePipeline: true,
		NeedReport:     true,
		StartTime:      time.Now(),
		Fragments: []*jobspec.PlanFragment{
			{ID: 0, Sink: jobspec.Sink{Type: jobspec.SinkResult}},
			{ID: 1, Sink: jobspec.Sink{Type: jobspec.SinkDataStream, DestFragment: 0}, ScanNodeIDs: []int{5}},
		},
		ScanNodes: []*jobspec.ScanNode{{ID: 5, Table: "orders", Kind: "OLAP_SCAN", Ranges: ranges}},
	}
	for _, o := range opts {
		o(&p)
	}
	js, err := jobspec.New(p)
	require.NoError(t, err)
	return js
}

func newCoordinator(t *testing.T, f *fixture, js *jobspec.JobSpec, mutate ...func(*Options)) *Coordinator {
	t.Helper()
	opts := f.options()
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(js, opts)
	require.NoError(t, err)
	return c
}

func report(e *execdag.ExecState, seq int64, st domain.Status, done bool) *computeproto.ReportExecStatusRequest {
	return &computeproto.ReportExecStatusRequest{
		QueryId:            e.Request().QueryId,
		FragmentInstanceId: e.InstanceID(),
		BackendNum:         e.IndexInJob(),
		BackendId:          e.WorkerID(),
		ReportSeq:          seq,
		Status:             st,
		Done:               done,
	}
}

func finishAll(c *Coordinator) {
	for _, e := range c.DAG().Executions() {
		c.UpdateFragmentExecStatus(report(e, e.LastReportSeq()+1, domain.StatusOK, true))
	}
}

// fakeHandle is a registry entry for monitor tests.
type fakeHandle struct {
	Handle

	id      domain.UniqueID
	workers map[int64]bool

	mu      sync.Mutex
	cancels []string
}

func newFakeHandle(lo int64, workers ...int64) *fakeHandle {
	h := &fakeHandle{id: domain.UniqueID{Hi: 1, Lo: lo}, workers: make(map[int64]bool)}
	for _, w := range workers {
		h.workers[w] = true
	}
	return h
}

func (h *fakeHandle) QueryID() domain.UniqueID { return h.id }
func (h *fakeHandle) StartTime() time.Time { return time.Unix(h.id.Lo, 0) }
func (h *fakeHandle) IsUsingBackend(workerID int64) bool { return h.workers[workerID] }

func (h *fakeHandle) Cancel(reason domain.CancelReason, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels = append(h.cancels, reason.String()+": "+message)
}

func (h *fakeHandle) cancelCalls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cancels...)
}
