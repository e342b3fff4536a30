package execdag

import (
	"fmt"
	"sort"
	"sync"

	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
)

// FragmentInstance is one parallel copy of a fragment bound to exactly one
// worker. Its execution state is absent until the instance is deployed.
type FragmentInstance struct {
	fragment        *ExecutionFragment
	indexInFragment int
	indexInJob      int
	instanceID      domain.UniqueID
	worker          *domain.ComputeNode

	mu sync.Mutex
	// scanRanges is keyed by scan node id.
	scanRanges   map[int][]jobspec.ScanRange
	pendingRange map[int][]jobspec.ScanRange
	exec         *ExecState
}

func (i *FragmentInstance) Fragment() *ExecutionFragment { return i.fragment }
func (i *FragmentInstance) FragmentID() jobspec.FragmentID { return i.fragment.ID() }
func (i *FragmentInstance) IndexInFragment() int { return i.indexInFragment }
func (i *FragmentInstance) IndexInJob() int { return i.indexInJob }
func (i *FragmentInstance) InstanceID() domain.UniqueID { return i.instanceID }
func (i *FragmentInstance) Worker() *domain.ComputeNode { return i.worker }
func (i *FragmentInstance) WorkerID() int64 { return i.worker.ID }
func (i *FragmentInstance) Address() string { return i.worker.Address() }

// ScanRanges returns a copy of the ranges assigned so far.
func (i *FragmentInstance) ScanRanges() map[int][]jobspec.ScanRange {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[int][]jobspec.ScanRange, len(i.scanRanges))
	for id, r := range i.scanRanges {
		out[id] = append([]jobspec.ScanRange(nil), r...)
	}
	return out
}

// NumScanRanges counts the ranges assigned so far.
func (i *FragmentInstance) NumScanRanges() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, r := range i.scanRanges {
		n += len(r)
	}
	return n
}

// AddScanRanges assigns more ranges of scan node nodeID to the instance.
// Ranges added after deployment are queued until TakePendingScanRanges.
func (i *FragmentInstance) AddScanRanges(nodeID int, ranges []jobspec.ScanRange) {
	if len(ranges) == 0 {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.scanRanges == nil {
		i.scanRanges = make(map[int][]jobspec.ScanRange)
	}
	i.scanRanges[nodeID] = append(i.scanRanges[nodeID], ranges...)
	if i.exec != nil {
		if i.pendingRange == nil {
			i.pendingRange = make(map[int][]jobspec.ScanRange)
		}
		i.pendingRange[nodeID] = append(i.pendingRange[nodeID], ranges...)
	}
}

// TakePendingScanRanges returns and clears the ranges added since the
// instance was deployed.
func (i *FragmentInstance) TakePendingScanRanges() map[int][]jobspec.ScanRange {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := i.pendingRange
	i.pendingRange = nil
	return out
}

// Execution returns the execution state, or nil if not deployed.
func (i *FragmentInstance) Execution() *ExecState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exec
}

func (i *FragmentInstance) bind(e *ExecState) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exec != nil {
		return fmt.Errorf("instance %s already has an execution", i.instanceID)
	}
	i.exec = e
	return nil
}

func (i *FragmentInstance) unbind() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.exec = nil
	i.pendingRange = nil
}

func sortedNodeIDs(m map[int][]jobspec.ScanRange) []int {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
