// Package execdag holds the scheduling graph of a job: execution fragments,
// their fragment instances and the execution state of each deployed
// instance.
package execdag

import (
	"sort"
	"sync"

	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
)

// ExecutionDAG is the materialized graph of one job. Fragment and instance
// membership only grows; ResetExecutions is the one way to drop execution
// states.
type ExecutionDAG struct {
	js        *jobspec.JobSpec
	fragments []*ExecutionFragment
	byID      map[jobspec.FragmentID]*ExecutionFragment

	mu           sync.RWMutex
	instances    []*FragmentInstance
	byInstanceID map[domain.UniqueID]*FragmentInstance
	executions   []*ExecState
	needCheck    []*ExecState
}

// New builds the fragment graph of js. Instances are added later by
// AddInstance.
func New(js *jobspec.JobSpec) *ExecutionDAG {
	d := &ExecutionDAG{
		js:           js,
		byID:         make(map[jobspec.FragmentID]*ExecutionFragment, len(js.Fragments())),
		byInstanceID: make(map[domain.UniqueID]*FragmentInstance),
	}
	for _, pf := range js.Fragments() {
		f := &ExecutionFragment{plan: pf, pipelineDOP: pf.PipelineDOP}
		for _, id := range pf.ScanNodeIDs {
			f.scanNodes = append(f.scanNodes, js.ScanNode(id))
		}
		d.fragments = append(d.fragments, f)
		d.byID[pf.ID] = f
	}
	for _, f := range d.fragments {
		if f.plan.Sink.Type != jobspec.SinkDataStream {
			continue
		}
		dest := d.byID[f.plan.Sink.DestFragment]
		f.dest = dest
		dest.children = append(dest.children, f)
	}
	return d
}

func (d *ExecutionDAG) JobSpec() *jobspec.JobSpec { return d.js }

// RootFragment is the fragment that produces the job's output.
func (d *ExecutionDAG) RootFragment() *ExecutionFragment { return d.fragments[0] }

// Fragment returns the fragment with id, or nil.
func (d *ExecutionDAG) Fragment(id jobspec.FragmentID) *ExecutionFragment { return d.byID[id] }

// Fragments returns every fragment in preorder from the root, so a parent
// is always visited before the fragments that feed it. Fragments that are
// not reachable from the root come last, in plan order.
func (d *ExecutionDAG) Fragments() []*ExecutionFragment {
	out := make([]*ExecutionFragment, 0, len(d.fragments))
	visited := make(map[jobspec.FragmentID]bool, len(d.fragments))
	var walk func(f *ExecutionFragment)
	walk = func(f *ExecutionFragment) {
		if visited[f.ID()] {
			return
		}
		visited[f.ID()] = true
		out = append(out, f)
		for _, c := range f.children {
			walk(c)
		}
	}
	walk(d.RootFragment())
	for _, f := range d.fragments {
		walk(f)
	}
	return out
}

// AddInstance creates an instance of f on worker with the given ranges and
// assigns it the next dense job index.
func (d *ExecutionDAG) AddInstance(f *ExecutionFragment, worker *domain.ComputeNode, ranges map[int][]jobspec.ScanRange) *FragmentInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := len(d.instances)
	inst := &FragmentInstance{
		fragment:   f,
		indexInJob: idx,
		instanceID: d.js.QueryID().InstanceID(idx),
		worker:     worker,
		scanRanges: make(map[int][]jobspec.ScanRange),
	}
	for id, r := range ranges {
		inst.scanRanges[id] = append([]jobspec.ScanRange(nil), r...)
	}
	f.addInstance(inst)
	d.instances = append(d.instances, inst)
	d.byInstanceID[inst.instanceID] = inst
	return inst
}

// Instances returns every instance ordered by job index.
func (d *ExecutionDAG) Instances() []*FragmentInstance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*FragmentInstance(nil), d.instances...)
}

func (d *ExecutionDAG) NumInstances() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.instances)
}

// Instance returns the instance with the given job index, or nil.
func (d *ExecutionDAG) Instance(indexInJob int) *FragmentInstance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if indexInJob < 0 || indexInJob >= len(d.instances) {
		return nil
	}
	return d.instances[indexInJob]
}

// InstanceByID returns the instance with id, or nil.
func (d *ExecutionDAG) InstanceByID(id domain.UniqueID) *FragmentInstance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.byInstanceID[id]
}

// Execution returns the execution state of the instance with the given
// job index, or nil if it is unknown or not deployed.
func (d *ExecutionDAG) Execution(indexInJob int) *ExecState {
	inst := d.Instance(indexInJob)
	if inst == nil {
		return nil
	}
	return inst.Execution()
}

// BindExecution attaches e to its instance. An instance can be bound once
// until ResetExecutions.
func (d *ExecutionDAG) BindExecution(e *ExecState) error {
	if err := e.instance.bind(e); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executions = append(d.executions, e)
	d.needCheck = append(d.needCheck, e)
	return nil
}

// Executions returns the execution states in the order they were bound.
func (d *ExecutionDAG) Executions() []*ExecState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*ExecState(nil), d.executions...)
}

// NeedCheckExecutions are the executions whose worker must stay alive for
// the job to make progress.
func (d *ExecutionDAG) NeedCheckExecutions() []*ExecState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*ExecState(nil), d.needCheck...)
}

// ResetExecutions drops every execution state. Fragments and instances are
// kept so the job can be deployed again.
func (d *ExecutionDAG) ResetExecutions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range d.instances {
		inst.unbind()
	}
	d.executions = nil
	d.needCheck = nil
}

// WorkerIDs returns the distinct workers used by any instance, sorted.
func (d *ExecutionDAG) WorkerIDs() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, inst := range d.instances {
		if _, ok := seen[inst.WorkerID()]; ok {
			continue
		}
		seen[inst.WorkerID()] = struct{}{}
		ids = append(ids, inst.WorkerID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsUsingWorker reports whether any instance runs on workerID.
func (d *ExecutionDAG) IsUsingWorker(workerID int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, inst := range d.instances {
		if inst.WorkerID() == workerID {
			return true
		}
	}
	return false
}
