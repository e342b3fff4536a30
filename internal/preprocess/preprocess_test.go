package preprocess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
	"qcoord/internal/worker"
)

func newProvider(t *testing.T, ids ...int64) *worker.Provider {
	t.Helper()
	var nodes []*domain.ComputeNode
	for _, id := range ids {
		nodes = append(nodes, &domain.ComputeNode{ID: id, Host: "127.0.0.1", RPCPort: 9000 + int(id), Alive: true})
	}
	p, err := worker.NewProvider(worker.NewRegistry(nodes, nil), nil)
	require.NoError(t, err)
	return p
}

func ranges(n int, replicas ...int64) []jobspec.ScanRange {
	out := make([]jobspec.ScanRange, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, jobspec.ScanRange{ID: int64(i + 1), TabletID: int64(100 + i), Replicas: []int64{replicas[i%len(replicas)]}})
	}
	return out
}

type jobOpt func(*jobspec.Params)

func newJob(t *testing.T, scan *jobspec.ScanNode, opts ...jobOpt) *jobspec.JobSpec {
	t.Helper()
	p := jobspec.Params{
		QueryID:        domain.UniqueID{Hi: 1, Lo: 1},
		EnablePipeline: true,
		Fragments: []*jobspec.PlanFragment{
			{
				ID:                  0,
				Sink:                jobspec.Sink{Type: jobspec.SinkResult},
				ProbeRuntimeFilters: []*jobspec.RuntimeFilterDescription{{FilterID: 5, IsBroadcastJoin: true, HasRemoteTargets: true}},
			},
			{ID: 1, Sink: jobspec.Sink{Type: jobspec.SinkDataStream, DestFragment: 2}, ScanNodeIDs: []int{scan.ID}},
			{
				ID:                  2,
				Sink:                jobspec.Sink{Type: jobspec.SinkDataStream, DestFragment: 0},
				BuildRuntimeFilters: []*jobspec.RuntimeFilterDescription{{FilterID: 5, IsBroadcastJoin: true, HasRemoteTargets: true}, {FilterID: 6, HasRemoteTargets: true, IsBroadcastJoinInSkew: true, SkewShuffleFilterID: 9}},
			},
		},
		ScanNodes: []*jobspec.ScanNode{scan},
	}
	for _, o := range opts {
		o(&p)
	}
	js, err := jobspec.New(p)
	require.NoError(t, err)
	return js
}

func TestPrepareExecAssignsByReplica(t *testing.T) {
	provider := newProvider(t, 1, 2, 3)
	js := newJob(t, &jobspec.ScanNode{ID: 7, Table: "t", Ranges: ranges(4, 1, 2)})
	p := New(js, provider, Options{})

	require.NoError(t, p.PrepareExec(context.Background()))
	dag := p.DAG()

	scan := dag.Fragment(1)
	require.Equal(t, 2, scan.NumInstances())
	assert.Equal(t, []int64{1, 2}, scan.WorkerIDs())
	for _, inst := range scan.Instances() {
		assert.Equal(t, 2, inst.NumScanRanges())
	}

	// one exchange instance per worker that feeds it
	assert.Equal(t, []int64{1, 2}, dag.Fragment(2).WorkerIDs())
	assert.Equal(t, 1, dag.RootFragment().NumInstances(), "result sink gathers")

	assert.Equal(t, []int64{1, 2}, provider.SelectedWorkerIDs())
	assert.False(t, provider.IsWorkerSelected(3))
	assert.Equal(t, 1, scan.PipelineDOP())
	assert.Equal(t, 5, dag.NumInstances())
}

func TestPrepareExecInstancesPerWorker(t *testing.T) {
	provider := newProvider(t, 1)
	js := newJob(t, &jobspec.ScanNode{ID: 7, Ranges: ranges(5, 1)}, func(p *jobspec.Params) {
		p.Fragments[1].InstancesPerWorker = 3
		p.Options.PipelineDOP = 8
	})
	p := New(js, provider, Options{})
	require.NoError(t, p.PrepareExec(context.Background()))

	scan := p.DAG().Fragment(1)
	require.Equal(t, 3, scan.NumInstances())
	counts := []int{}
	for _, inst := range scan.Instances() {
		counts = append(counts, inst.NumScanRanges())
	}
	assert.Equal(t, []int{2, 2, 1}, counts)
	assert.Equal(t, 8, scan.PipelineDOP())
	require.Error(t, p.PrepareExec(context.Background()), "prepared twice")
}

func TestPrepareExecDeadReplicaFallsBack(t *testing.T) {
	provider := newProvider(t, 2)
	js := newJob(t, &jobspec.ScanNode{ID: 7, Ranges: ranges(2, 1)})
	p := New(js, provider, Options{})
	require.NoError(t, p.PrepareExec(context.Background()))
	assert.Equal(t, []int64{2}, p.DAG().Fragment(1).WorkerIDs())
}

func TestPrepareExecEmptyScan(t *testing.T) {
	provider := newProvider(t, 4, 5)
	js := newJob(t, &jobspec.ScanNode{ID: 7})
	p := New(js, provider, Options{})
	require.NoError(t, p.PrepareExec(context.Background()))
	assert.Equal(t, []int64{4}, p.DAG().Fragment(1).WorkerIDs())
}

func TestIncrementalScanRanges(t *testing.T) {
	provider := newProvider(t, 1, 2)
	scan := &jobspec.ScanNode{ID: 7}
	scan.SetScanRangeSource(jobspec.NewStaticScanRangeSource([][]jobspec.ScanRange{
		ranges(2, 1, 2),
		ranges(2, 2),
	}))
	js := newJob(t, scan)
	js.SetIncrementalScanRanges(true)
	p := New(js, provider, Options{})
	require.NoError(t, p.PrepareExec(context.Background()))

	f := p.DAG().Fragment(1)
	require.Equal(t, 2, f.NumInstances())
	assert.True(t, f.HasIncrementalScanRanges())

	touched, err := p.AssignIncrementalScanRanges(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, touched, 1)
	assert.Equal(t, int64(2), touched[0].WorkerID())
	assert.Equal(t, 3, touched[0].NumScanRanges())
	assert.False(t, f.HasIncrementalScanRanges())

	touched, err = p.AssignIncrementalScanRanges(context.Background(), f)
	require.NoError(t, err)
	assert.Empty(t, touched)
}

func TestIncrementalDisabledDrainsSource(t *testing.T) {
	provider := newProvider(t, 1)
	scan := &jobspec.ScanNode{ID: 7}
	scan.SetScanRangeSource(jobspec.NewStaticScanRangeSource([][]jobspec.ScanRange{ranges(1, 1), ranges(2, 1)}))
	p := New(newJob(t, scan), provider, Options{})
	require.NoError(t, p.PrepareExec(context.Background()))

	assert.Equal(t, 3, p.DAG().Fragment(1).Instances()[0].NumScanRanges())
	assert.False(t, scan.HasMoreScanRanges())
}

func TestPrepareRuntimeFilters(t *testing.T) {
	provider := newProvider(t, 1, 2, 3, 4)
	js := newJob(t, &jobspec.ScanNode{ID: 7, Ranges: ranges(4, 1, 2, 3, 4)})
	p := New(js, provider, Options{})
	require.NoError(t, p.PrepareExec(context.Background()))
	p.PrepareRuntimeFilters(1 << 20)

	dag := p.DAG()
	root := dag.RootFragment()
	merge := p.MergeAddress()
	assert.Equal(t, root.Instances()[0].Address(), merge)

	params := root.RuntimeFilterParams()
	require.NotNil(t, params)
	assert.Equal(t, 1, params.BuilderNum[5], "broadcast join waits for one copy")
	assert.Equal(t, 4, params.BuilderNum[6], "shuffle join waits for every builder")
	assert.Equal(t, 9, params.SkewJoinRuntimeFilters[6])
	assert.Empty(t, params.ProberParams[5], "broadcast probers travel with the senders")
	assert.Equal(t, int64(1<<20), params.MaxSize)

	routings := dag.Fragment(2).RuntimeFilterRoutings()
	require.Len(t, routings, 2)
	bcast := routings[0]
	assert.Equal(t, 5, bcast.FilterID)
	assert.Equal(t, merge, bcast.MergeAddress)
	assert.Len(t, bcast.BroadcastSenders, 3, "capped sender count")
	require.Len(t, bcast.BroadcastDestinations, 1)
	assert.Equal(t, merge, bcast.BroadcastDestinations[0].Address)
}

func TestPrepareRuntimeFiltersWithoutPipeline(t *testing.T) {
	provider := newProvider(t, 1, 2)
	js := newJob(t, &jobspec.ScanNode{ID: 7, Ranges: ranges(2, 1, 2)}, func(p *jobspec.Params) { p.EnablePipeline = false })
	p := New(js, provider, Options{BroadcastRFSenders: 1})
	require.NoError(t, p.PrepareExec(context.Background()))
	p.PrepareRuntimeFilters(0)

	bcast := p.DAG().Fragment(2).RuntimeFilterRoutings()[0]
	require.NotNil(t, bcast.SenderInstance)
	assert.Equal(t, p.DAG().Fragment(2).Instances()[0].InstanceID(), *bcast.SenderInstance)
	assert.Empty(t, bcast.BroadcastSenders)
	assert.Len(t, p.DAG().RootFragment().RuntimeFilterParams().ProberParams[5], 1)
}

func TestPickInstancesOnDifferentHosts(t *testing.T) {
	js := newJob(t, &jobspec.ScanNode{ID: 7})
	dag := execdag.New(js)
	w1 := &domain.ComputeNode{ID: 1, Host: "a", RPCPort: 1}
	w2 := &domain.ComputeNode{ID: 2, Host: "b", RPCPort: 1}
	f := dag.Fragment(1)
	a0 := dag.AddInstance(f, w1, nil)
	a1 := dag.AddInstance(f, w1, nil)
	b0 := dag.AddInstance(f, w2, nil)
	dag.AddInstance(f, w1, nil)

	got := PickInstancesOnDifferentHosts(f.Instances(), 3)
	assert.Equal(t, []*execdag.FragmentInstance{a0, b0, a1}, got)
	assert.Len(t, PickInstancesOnDifferentHosts(f.Instances(), 10), 4)
	assert.Nil(t, PickInstancesOnDifferentHosts(nil, 3))
}
