package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
)

var (
	w1 = &domain.ComputeNode{ID: 1, Host: "127.0.0.1", RPCPort: 9001, Alive: true}
	w2 = &domain.ComputeNode{ID: 2, Host: "127.0.0.1", RPCPort: 9002, Alive: true}
)

// newDAG builds root F0 on w1 fed by F1 with instances on w1, w2, w1.
func newDAG(t *testing.T) *execdag.ExecutionDAG {
	t.Helper()
	js, err := jobspec.New(jobspec.Params{
		QueryID: domain.UniqueID{Hi: 7, Lo: 70},
		Fragments: []*jobspec.PlanFragment{
			{ID: 0, Sink: jobspec.Sink{Type: jobspec.SinkResult}, PlanRoot: jobspec.PlanNode{Kind: "EXCHANGE", Limit: 10}},
			{ID: 1, Sink: jobspec.Sink{Type: jobspec.SinkDataStream, DestFragment: 0}, ScanNodeIDs: []int{4}},
		},
		ScanNodes: []*jobspec.ScanNode{{ID: 4, Table: "lineitem", Kind: "OLAP_SCAN"}},
		DescTable: &jobspec.DescriptorTable{Tables: []jobspec.TableDescriptor{{ID: 1, Name: "lineitem"}}},
	})
	require.NoError(t, err)

	d := execdag.New(js)
	d.AddInstance(d.Fragment(1), w1, map[int][]jobspec.ScanRange{4: {{ID: 1, TabletID: 11}}})
	d.AddInstance(d.Fragment(1), w2, map[int][]jobspec.ScanRange{4: {{ID: 2, TabletID: 12}}})
	d.AddInstance(d.Fragment(1), w1, nil)
	d.AddInstance(d.RootFragment(), w1, nil)

	params := execdag.NewRuntimeFilterParams()
	params.BuilderNum[5] = 1
	params.SkewJoinRuntimeFilters[5] = 9
	d.RootFragment().SetRuntimeFilterParams(params)
	d.Fragment(1).SetRuntimeFilterRouting(&execdag.RuntimeFilterRouting{FilterID: 5, MergeAddress: w1.Address()})
	return d
}

func instanceIDs(deps []*Deployment) []domain.UniqueID {
	out := make([]domain.UniqueID, 0, len(deps))
	for _, dep := range deps {
		out = append(out, dep.Exec.InstanceID())
	}
	return out
}

func TestCreateFragmentExecStates_Stages(t *testing.T) {
	dag := newDAG(t)
	d := New(dag, Options{CoordAddress: "127.0.0.1:9020", DoDeploy: true})

	state, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)
	require.Len(t, state.Stages, 2)

	// root on w1 and the first F1 instance on w2 carry the descriptor table
	root := dag.RootFragment().Instances()[0]
	f1 := dag.Fragment(1).Instances()
	assert.Equal(t, []domain.UniqueID{root.InstanceID(), f1[1].InstanceID()}, instanceIDs(state.Stages[0]))
	assert.Equal(t, []domain.UniqueID{f1[0].InstanceID(), f1[2].InstanceID()}, instanceIDs(state.Stages[1]))
	for _, dep := range state.Stages[0] {
		assert.True(t, dep.Request.IsFirstOnWorker)
		assert.Contains(t, string(dep.Request.DescTable), "lineitem")
	}
	for _, dep := range state.Stages[1] {
		assert.False(t, dep.Request.IsFirstOnWorker)
		assert.Empty(t, dep.Request.DescTable)
	}

	assert.Len(t, dag.Executions(), 4)
	assert.Equal(t, []jobspec.FragmentID{0, 1}, state.FragmentIDs())
	assert.False(t, state.IsEmpty())
}

func TestCreateFragmentExecStates_RequestContents(t *testing.T) {
	dag := newDAG(t)
	d := New(dag, Options{CoordAddress: "127.0.0.1:9020"})
	_, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)

	root := dag.RootFragment().Instances()[0].Execution().Request()
	assert.Equal(t, 3, root.NumSenders)
	assert.Empty(t, root.Destinations)
	require.NotNil(t, root.RuntimeFilterParams)
	assert.Equal(t, map[int]int{5: 1}, root.RuntimeFilterParams.RuntimeFilterBuilderNum)
	assert.Equal(t, map[int]int{5: 9}, root.RuntimeFilterParams.SkewJoinRuntimeFilters)
	assert.Equal(t, int64(10), root.Fragment.Limit)
	assert.Equal(t, "RESULT", root.Fragment.SinkType)
	assert.Equal(t, "127.0.0.1:9020", root.CoordAddress)
	assert.Equal(t, jobspec.DefaultResourceGroupName, root.ResourceGroup)

	scan := dag.Fragment(1).Instances()[1].Execution().Request()
	assert.Equal(t, 1, scan.SenderId)
	assert.Equal(t, 1, scan.BackendNum)
	assert.Equal(t, int64(2), scan.BackendId)
	require.Len(t, scan.Destinations, 1)
	assert.Equal(t, dag.RootFragment().Instances()[0].InstanceID(), scan.Destinations[0].FragmentInstanceId)
	assert.Equal(t, w1.Address(), scan.Destinations[0].Address)
	require.Len(t, scan.RuntimeFilterRoutings, 1)
	assert.Equal(t, w1.Address(), scan.RuntimeFilterRoutings[0].MergeAddress)
	assert.Nil(t, scan.RuntimeFilterParams)
	require.Len(t, scan.ScanRanges[4], 1)
	assert.Equal(t, int64(12), scan.ScanRanges[4][0].TabletId)
	assert.False(t, scan.HasMoreScanRanges)
}

func TestCreateFragmentExecStates_RejectsRebinding(t *testing.T) {
	dag := newDAG(t)
	d := New(dag, Options{})
	_, err := d.CreateFragmentExecStates([]*execdag.ExecutionFragment{dag.RootFragment()})
	require.NoError(t, err)
	_, err = d.CreateFragmentExecStates([]*execdag.ExecutionFragment{dag.RootFragment()})
	require.Error(t, err)
}

func TestDeployFragments_AllStages(t *testing.T) {
	dag := newDAG(t)
	backend := &recordingBackend{}
	var stages []int
	d := New(dag, Options{
		Backend:    backend,
		DoDeploy:   true,
		OnDeployed: func(stage int, _ time.Duration) { stages = append(stages, stage) },
	})
	state, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)

	require.NoError(t, d.DeployFragments(context.Background(), state))

	reqs := backend.requests()
	require.Len(t, reqs, 4)
	first := []domain.UniqueID{reqs[0].FragmentInstanceId, reqs[1].FragmentInstanceId}
	assert.ElementsMatch(t, instanceIDs(state.Stages[0]), first)
	assert.Equal(t, []int{0, 1}, stages)
	for _, e := range dag.Executions() {
		assert.Equal(t, execdag.StateRunning, e.State())
		assert.True(t, e.HasBeenDeployed())
	}
}

func TestDeployFragments_ExplainOnly(t *testing.T) {
	dag := newDAG(t)
	backend := &recordingBackend{}
	d := New(dag, Options{Backend: backend, DoDeploy: false})
	state, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)

	require.NoError(t, d.DeployFragments(context.Background(), state))
	assert.Empty(t, backend.requests())
	for _, e := range dag.Executions() {
		assert.Equal(t, execdag.StateNotDeployed, e.State())
	}
}

func TestDeployFragments_FailureHandler(t *testing.T) {
	dag := newDAG(t)
	backend := &recordingBackend{fail: map[string]error{w2.Address(): errors.New("connection refused")}}

	var handled []*execdag.ExecState
	var handledStatus domain.Status
	stop := errors.New("stop")
	d := New(dag, Options{
		Backend:  backend,
		DoDeploy: true,
		OnFailure: func(st domain.Status, exec *execdag.ExecState, err error) error {
			handled = append(handled, exec)
			handledStatus = st
			assert.Error(t, err)
			return stop
		},
	})
	state, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)

	err = d.DeployFragments(context.Background(), state)
	require.ErrorIs(t, err, stop)

	require.Len(t, handled, 1)
	assert.Equal(t, int64(2), handled[0].WorkerID())
	assert.True(t, handledStatus.IsRPCError())
	assert.Equal(t, execdag.StateFailed, handled[0].State())
	assert.True(t, handled[0].IsFinished())

	// the second stage is never sent
	assert.Len(t, backend.requests(), 2)
	for _, dep := range state.Stages[1] {
		assert.Equal(t, execdag.StateNotDeployed, dep.Exec.State())
	}
}

func TestDeployFragments_IgnoredFailureContinues(t *testing.T) {
	dag := newDAG(t)
	backend := &recordingBackend{reject: map[string]bool{w2.Address(): true}}
	calls := 0
	d := New(dag, Options{
		Backend:  backend,
		DoDeploy: true,
		OnFailure: func(st domain.Status, _ *execdag.ExecState, err error) error {
			calls++
			assert.NoError(t, err)
			assert.Equal(t, "rejected", st.Message)
			return nil
		},
	})
	state, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)

	require.NoError(t, d.DeployFragments(context.Background(), state))
	assert.Equal(t, 1, calls)
	assert.Len(t, backend.requests(), 4)
}

func TestIncrementalState(t *testing.T) {
	dag := newDAG(t)
	backend := &recordingBackend{}
	d := New(dag, Options{Backend: backend, DoDeploy: true})
	state, err := d.CreateFragmentExecStates(dag.Fragments())
	require.NoError(t, err)
	require.NoError(t, d.DeployFragments(context.Background(), state))

	inst := dag.Fragment(1).Instances()[0]
	inst.AddScanRanges(4, []jobspec.ScanRange{{ID: 9, TabletID: 19}})

	inc := d.IncrementalState([]*execdag.ExecState{inst.Execution()})
	require.Len(t, inc.Stages, 1)
	req := inc.Stages[0][0].Request
	assert.True(t, req.IsIncrementalScanRanges)
	require.Len(t, req.ScanRanges[4], 1)
	assert.Equal(t, int64(19), req.ScanRanges[4][0].TabletId)

	require.NoError(t, d.DeployFragments(context.Background(), inc))
	assert.Len(t, backend.requests(), 5)
	assert.Equal(t, execdag.StateRunning, inst.Execution().State())

	// pending ranges were handed out once
	again := d.CreateIncrementalScanRangesRequest(inst)
	assert.Empty(t, again.ScanRanges)
}
