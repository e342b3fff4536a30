package jobspec

import (
	"fmt"
	"strings"
	"sync"
)

// FragmentID identifies a plan fragment within a job.
type FragmentID int

// SinkType is where a fragment sends its output.
type SinkType int

const (
	SinkResult SinkType = iota
	SinkDataStream
	SinkOlapTable
	SinkExport
	SinkTableFunction
)

var sinkTypeNames = []string{"RESULT", "DATA_STREAM", "OLAP_TABLE", "EXPORT", "TABLE_FUNCTION"}

func (t SinkType) String() string {
	if int(t) < len(sinkTypeNames) {
		return sinkTypeNames[t]
	}
	return fmt.Sprintf("SinkType(%d)", int(t))
}

// UnmarshalText lets plan files name sink types.
func (t *SinkType) UnmarshalText(b []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(b)))
	for i, n := range sinkTypeNames {
		if n == name {
			*t = SinkType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown sink type %q", string(b))
}

// Sink describes a fragment's output.
type Sink struct {
	Type         SinkType   `yaml:"type" json:"type"`
	DestFragment FragmentID `yaml:"dest_fragment" json:"dest_fragment,omitempty"`
	Table        string     `yaml:"table" json:"table,omitempty"`
	OutputFile   bool       `yaml:"output_file" json:"output_file,omitempty"`
	BrokerName   string     `yaml:"broker" json:"broker,omitempty"`
}

// PlanNode is the root operator of a fragment.
type PlanNode struct {
	ID    int    `yaml:"id" json:"id"`
	Kind  string `yaml:"kind" json:"kind"`
	Limit int64  `yaml:"limit" json:"limit,omitempty"`
}

// RuntimeFilterDescription describes a runtime filter built or probed by a
// fragment.
type RuntimeFilterDescription struct {
	FilterID              int  `yaml:"filter_id" json:"filter_id"`
	BuildPlanNodeID       int  `yaml:"build_plan_node_id" json:"build_plan_node_id"`
	IsBroadcastJoin       bool `yaml:"broadcast_join" json:"broadcast_join"`
	HasRemoteTargets      bool `yaml:"has_remote_targets" json:"has_remote_targets"`
	IsBroadcastJoinInSkew bool `yaml:"broadcast_join_in_skew" json:"broadcast_join_in_skew"`
	SkewShuffleFilterID   int  `yaml:"skew_shuffle_filter_id" json:"skew_shuffle_filter_id,omitempty"`
}

// PlanFragment is a unit of the physical plan executed by one or more
// fragment instances.
type PlanFragment struct {
	ID       FragmentID `yaml:"id" json:"id"`
	PlanRoot PlanNode   `yaml:"root" json:"root"`
	Sink     Sink       `yaml:"sink" json:"sink"`
	// ScanNodeIDs lists the scan nodes that read data in this fragment.
	ScanNodeIDs []int `yaml:"scan_nodes" json:"scan_nodes,omitempty"`
	// Parallelism is the instance count for fragments without scan nodes.
	// Zero means one instance per worker used by the child fragments.
	Parallelism int `yaml:"parallelism" json:"parallelism,omitempty"`
	// InstancesPerWorker splits a worker's scan ranges across instances.
	InstancesPerWorker  int                         `yaml:"instances_per_worker" json:"instances_per_worker,omitempty"`
	PipelineDOP         int                         `yaml:"pipeline_dop" json:"pipeline_dop,omitempty"`
	Gather              bool                        `yaml:"gather" json:"gather,omitempty"`
	BuildRuntimeFilters []*RuntimeFilterDescription `yaml:"build_runtime_filters" json:"build_runtime_filters,omitempty"`
	ProbeRuntimeFilters []*RuntimeFilterDescription `yaml:"probe_runtime_filters" json:"probe_runtime_filters,omitempty"`
}

// IsResultSink reports whether this fragment returns rows to the client.
func (f *PlanFragment) IsResultSink() bool { return f.Sink.Type == SinkResult }

// ScanRange is a unit of scan work, typically one tablet or file split.
type ScanRange struct {
	ID       int64   `yaml:"id" json:"id"`
	TabletID int64   `yaml:"tablet_id" json:"tablet_id,omitempty"`
	Path     string  `yaml:"path" json:"path,omitempty"`
	Bytes    int64   `yaml:"bytes" json:"bytes,omitempty"`
	Replicas []int64 `yaml:"replicas" json:"replicas,omitempty"`
}

// ScanRangeSource hands out scan ranges lazily for connectors that discover
// splits while the query runs.
type ScanRangeSource interface {
	HasMore() bool
	Next(max int) []ScanRange
}

// ScanNode reads a table.
type ScanNode struct {
	ID          int         `yaml:"id" json:"id"`
	Table       string      `yaml:"table" json:"table"`
	Kind        string      `yaml:"kind" json:"kind"`
	Ranges      []ScanRange `yaml:"ranges" json:"ranges,omitempty"`
	PointLookup bool        `yaml:"point_lookup" json:"point_lookup,omitempty"`

	source ScanRangeSource
}

// SetScanRangeSource attaches an incremental scan-range source.
func (n *ScanNode) SetScanRangeSource(src ScanRangeSource) { n.source = src }

// IsIncremental reports whether ranges arrive through a ScanRangeSource.
func (n *ScanNode) IsIncremental() bool { return n.source != nil }

// HasMoreScanRanges reports whether the source still holds ranges.
func (n *ScanNode) HasMoreScanRanges() bool {
	return n.source != nil && n.source.HasMore()
}

// NextScanRanges takes up to max ranges from the source.
func (n *ScanNode) NextScanRanges(max int) []ScanRange {
	if n.source == nil {
		return nil
	}
	return n.source.Next(max)
}

// StaticScanRangeSource yields pre-computed batches one call at a time.
type StaticScanRangeSource struct {
	mu      sync.Mutex
	batches [][]ScanRange
}

// NewStaticScanRangeSource returns a source that yields batches in order.
func NewStaticScanRangeSource(batches [][]ScanRange) *StaticScanRangeSource {
	return &StaticScanRangeSource{batches: batches}
}

func (s *StaticScanRangeSource) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches) > 0
}

// Next returns the next batch, truncated to max when max > 0.
func (s *StaticScanRangeSource) Next(max int) []ScanRange {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	batch := s.batches[0]
	if max > 0 && len(batch) > max {
		s.batches[0] = batch[max:]
		return batch[:max]
	}
	s.batches = s.batches[1:]
	return batch
}

// TableDescriptor describes a table referenced by the plan.
type TableDescriptor struct {
	ID      int64    `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Columns []string `yaml:"columns" json:"columns,omitempty"`
}

// DescriptorTable is shipped with the first instance deployed to each worker.
type DescriptorTable struct {
	Tables []TableDescriptor `yaml:"tables" json:"tables"`
}

// ResourceGroup is the workload group a query is classified into.
type ResourceGroup struct {
	ID        int64  `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	CPUWeight int    `yaml:"cpu_weight" json:"cpu_weight,omitempty"`
}

// DefaultResourceGroupName is reported when a query has no resource group.
const DefaultResourceGroupName = "default_wg"
