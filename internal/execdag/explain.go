package execdag

import (
	"fmt"
	"strings"
	"time"

	"qcoord/internal/jobspec"
)

// Explain renders the assignment of instances to workers, one block per
// fragment in preorder.
func (d *ExecutionDAG) Explain() string {
	var parts []string
	for _, f := range d.Fragments() {
		parts = append(parts, f.Explain())
	}
	return strings.Join(parts, "\n")
}

// Explain renders the fragment's instances and their scan ranges.
func (f *ExecutionFragment) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "PLAN FRAGMENT %d(F%02d)\n", f.ID(), f.ID())
	fmt.Fprintf(&b, "  DOP: %d\n", f.PipelineDOP())
	if f.dest != nil {
		fmt.Fprintf(&b, "  DESTINATION: F%02d\n", f.dest.ID())
	}
	instances := f.Instances()
	if len(instances) == 0 {
		return b.String()
	}
	b.WriteString("  INSTANCES\n")
	for _, inst := range instances {
		fmt.Fprintf(&b, "    INSTANCE(%d-F%02d#%d)\n", inst.IndexInJob(), f.ID(), inst.IndexInFragment())
		fmt.Fprintf(&b, "      BE: %d\n", inst.WorkerID())
		ranges := inst.ScanRanges()
		if len(ranges) == 0 {
			continue
		}
		b.WriteString("      SCAN RANGES\n")
		for _, id := range sortedNodeIDs(ranges) {
			fmt.Fprintf(&b, "        %d:%s\n", id, scanNodeLabel(f, id))
			for i, r := range ranges[id] {
				fmt.Fprintf(&b, "          %d. %s\n", i+1, describeRange(r))
			}
		}
	}
	return b.String()
}

func scanNodeLabel(f *ExecutionFragment, id int) string {
	for _, n := range f.scanNodes {
		if n.ID == id {
			if n.Kind != "" {
				return n.Kind
			}
			return n.Table
		}
	}
	return "SCAN"
}

func describeRange(r jobspec.ScanRange) string {
	if r.Path != "" {
		return fmt.Sprintf("path=%s", r.Path)
	}
	return fmt.Sprintf("tablet=%d", r.TabletID)
}

// InstanceInfo is a point-in-time view of one instance for listings.
type InstanceInfo struct {
	InstanceID string        `json:"instance_id"`
	FragmentID int           `json:"fragment_id"`
	BackendID  int64         `json:"backend_id"`
	Address    string        `json:"address"`
	State      string        `json:"state"`
	Status     string        `json:"status"`
	Elapsed    time.Duration `json:"elapsed"`
}

// InstanceInfos returns one entry per instance, ordered by job index.
func (d *ExecutionDAG) InstanceInfos() []InstanceInfo {
	instances := d.Instances()
	out := make([]InstanceInfo, 0, len(instances))
	for _, inst := range instances {
		info := InstanceInfo{
			InstanceID: inst.InstanceID().String(),
			FragmentID: int(inst.FragmentID()),
			BackendID:  inst.WorkerID(),
			Address:    inst.Address(),
			State:      StateNotDeployed.String(),
			Status:     "OK",
		}
		if e := inst.Execution(); e != nil {
			info.State = e.State().String()
			info.Status = e.Status().String()
			info.Elapsed = e.Elapsed()
		}
		out = append(out, info)
	}
	return out
}
