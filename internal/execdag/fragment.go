package execdag

import (
	"sort"
	"sync"

	"qcoord/internal/jobspec"
)

// ExecutionFragment is the scheduling node of one plan fragment.
type ExecutionFragment struct {
	plan      *jobspec.PlanFragment
	scanNodes []*jobspec.ScanNode
	children  []*ExecutionFragment
	dest      *ExecutionFragment

	mu          sync.Mutex
	instances   []*FragmentInstance
	pipelineDOP int
	rfRoutings  map[int]*RuntimeFilterRouting
	rfParams    *RuntimeFilterParams
}

func (f *ExecutionFragment) ID() jobspec.FragmentID { return f.plan.ID }
func (f *ExecutionFragment) PlanFragment() *jobspec.PlanFragment { return f.plan }
func (f *ExecutionFragment) ScanNodes() []*jobspec.ScanNode { return f.scanNodes }
func (f *ExecutionFragment) Children() []*ExecutionFragment { return f.children }

// Destination is the fragment this one streams into, nil for the root.
func (f *ExecutionFragment) Destination() *ExecutionFragment { return f.dest }

// IsLeaf reports whether no other fragment feeds this one.
func (f *ExecutionFragment) IsLeaf() bool { return len(f.children) == 0 }

// Instances returns the instances in creation order.
func (f *ExecutionFragment) Instances() []*FragmentInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FragmentInstance(nil), f.instances...)
}

func (f *ExecutionFragment) NumInstances() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// PipelineDOP is the per-instance degree of parallelism.
func (f *ExecutionFragment) PipelineDOP() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipelineDOP
}

func (f *ExecutionFragment) SetPipelineDOP(dop int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pipelineDOP = dop
}

// LimitPipelineDOP caps the degree of parallelism at max.
func (f *ExecutionFragment) LimitPipelineDOP(max int) {
	if max <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pipelineDOP > max {
		f.pipelineDOP = max
	}
}

// HasIncrementalScanRanges reports whether any scan node of the fragment
// still has ranges to hand out.
func (f *ExecutionFragment) HasIncrementalScanRanges() bool {
	for _, n := range f.scanNodes {
		if n.HasMoreScanRanges() {
			return true
		}
	}
	return false
}

// WorkerIDs returns the distinct workers hosting the fragment, sorted.
func (f *ExecutionFragment) WorkerIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, inst := range f.instances {
		if _, ok := seen[inst.WorkerID()]; ok {
			continue
		}
		seen[inst.WorkerID()] = struct{}{}
		ids = append(ids, inst.WorkerID())
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SetRuntimeFilterRouting records how the filter built here is published.
func (f *ExecutionFragment) SetRuntimeFilterRouting(r *RuntimeFilterRouting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rfRoutings == nil {
		f.rfRoutings = make(map[int]*RuntimeFilterRouting)
	}
	f.rfRoutings[r.FilterID] = r
}

// RuntimeFilterRoutings returns the routings ordered by filter id.
func (f *ExecutionFragment) RuntimeFilterRoutings() []*RuntimeFilterRouting {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*RuntimeFilterRouting, 0, len(f.rfRoutings))
	for _, r := range f.rfRoutings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilterID < out[j].FilterID })
	return out
}

// RuntimeFilterParams returns the merge parameters, set on the root only.
func (f *ExecutionFragment) RuntimeFilterParams() *RuntimeFilterParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rfParams
}

func (f *ExecutionFragment) SetRuntimeFilterParams(p *RuntimeFilterParams) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rfParams = p
}

func (f *ExecutionFragment) addInstance(inst *FragmentInstance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst.indexInFragment = len(f.instances)
	f.instances = append(f.instances, inst)
}
