// Package jobspec describes what a coordinator executes: the plan fragments,
// scan nodes, descriptor table and query options of one job.
package jobspec

import (
	"fmt"
	"sync"
	"time"

	"qcoord/internal/domain"
)

// QueryType distinguishes read queries from loads.
type QueryType int

const (
	QueryTypeSelect QueryType = iota
	QueryTypeLoad
	QueryTypeExternal
)

func (t QueryType) String() string {
	switch t {
	case QueryTypeLoad:
		return "LOAD"
	case QueryTypeExternal:
		return "EXTERNAL"
	default:
		return "SELECT"
	}
}

// QueryOptions are shipped to every fragment instance.
type QueryOptions struct {
	QueryTimeoutS                 int   `yaml:"query_timeout_s" json:"query_timeout_s"`
	PipelineDOP                   int   `yaml:"pipeline_dop" json:"pipeline_dop,omitempty"`
	EnableProfile                 bool  `yaml:"enable_profile" json:"enable_profile,omitempty"`
	BigQueryProfileThresholdMs    int64 `yaml:"big_query_profile_threshold_ms" json:"big_query_profile_threshold_ms,omitempty"`
	RuntimeProfileReportIntervalS int   `yaml:"runtime_profile_report_interval_s" json:"runtime_profile_report_interval_s,omitempty"`
	MemLimit                      int64 `yaml:"mem_limit" json:"mem_limit,omitempty"`
	LoadMemLimit                  int64 `yaml:"load_mem_limit" json:"load_mem_limit,omitempty"`
}

// Params are the construction inputs of a JobSpec.
type Params struct {
	QueryID        domain.UniqueID
	LoadJobID      int64
	LoadJobType    domain.LoadJobType
	QueryType      QueryType
	Fragments      []*PlanFragment
	ScanNodes      []*ScanNode
	DescTable      *DescriptorTable
	Options        QueryOptions
	ResourceGroup  *ResourceGroup
	WarehouseID    int64
	StartTime      time.Time
	IsBlockQuery   bool
	EnablePipeline bool
	NeedReport     bool
	IsBrokerLoad   bool
	PlanProtocol   string
}

// JobSpec is the immutable description of a job. Only the query id, load
// job id and type, timeout, incremental scan flag and query options may
// be adjusted after construction, through the setters below.
type JobSpec struct {
	mu sync.RWMutex

	queryID               domain.UniqueID
	loadJobID             int64
	loadJobType           domain.LoadJobType
	options               QueryOptions
	incrementalScanRanges bool

	queryType      QueryType
	fragments      []*PlanFragment
	scanNodes      []*ScanNode
	scanNodeByID   map[int]*ScanNode
	fragmentByID   map[FragmentID]*PlanFragment
	descTable      *DescriptorTable
	resourceGroup  *ResourceGroup
	warehouseID    int64
	startTime      time.Time
	isBlockQuery   bool
	enablePipeline bool
	needReport     bool
	isBrokerLoad   bool
	planProtocol   string
}

// New validates p and returns a JobSpec. The first fragment is the root.
func New(p Params) (*JobSpec, error) {
	if len(p.Fragments) == 0 {
		return nil, domain.ErrValidation("job has no plan fragments")
	}
	if p.QueryID.IsZero() {
		p.QueryID = domain.NewUniqueID()
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now()
	}
	if p.DescTable == nil {
		p.DescTable = &DescriptorTable{}
	}
	if p.Options.QueryTimeoutS <= 0 {
		p.Options.QueryTimeoutS = 300
	}

	js := &JobSpec{
		queryID:        p.QueryID,
		loadJobID:      p.LoadJobID,
		loadJobType:    p.LoadJobType,
		options:        p.Options,
		queryType:      p.QueryType,
		fragments:      p.Fragments,
		scanNodes:      p.ScanNodes,
		scanNodeByID:   make(map[int]*ScanNode, len(p.ScanNodes)),
		fragmentByID:   make(map[FragmentID]*PlanFragment, len(p.Fragments)),
		descTable:      p.DescTable,
		resourceGroup:  p.ResourceGroup,
		warehouseID:    p.WarehouseID,
		startTime:      p.StartTime,
		isBlockQuery:   p.IsBlockQuery,
		enablePipeline: p.EnablePipeline,
		needReport:     p.NeedReport,
		isBrokerLoad:   p.IsBrokerLoad,
		planProtocol:   p.PlanProtocol,
	}
	for _, n := range p.ScanNodes {
		if _, dup := js.scanNodeByID[n.ID]; dup {
			return nil, domain.ErrValidation("duplicate scan node id %d", n.ID)
		}
		js.scanNodeByID[n.ID] = n
	}
	for _, f := range p.Fragments {
		if _, dup := js.fragmentByID[f.ID]; dup {
			return nil, domain.ErrValidation("duplicate fragment id %d", f.ID)
		}
		js.fragmentByID[f.ID] = f
	}
	for i, f := range p.Fragments {
		if err := js.validateFragment(i, f); err != nil {
			return nil, err
		}
	}
	return js, nil
}

func (js *JobSpec) validateFragment(i int, f *PlanFragment) error {
	if i == 0 && f.Sink.Type == SinkDataStream {
		return domain.ErrValidation("root fragment %d cannot send to another fragment", f.ID)
	}
	if i > 0 && f.Sink.Type == SinkResult {
		return domain.ErrValidation("fragment %d: only the root fragment may have a result sink", f.ID)
	}
	if f.Sink.Type == SinkDataStream {
		if _, ok := js.fragmentByID[f.Sink.DestFragment]; !ok {
			return domain.ErrValidation("fragment %d sends to unknown fragment %d", f.ID, f.Sink.DestFragment)
		}
		if f.Sink.DestFragment == f.ID {
			return domain.ErrValidation("fragment %d sends to itself", f.ID)
		}
	}
	for _, id := range f.ScanNodeIDs {
		if _, ok := js.scanNodeByID[id]; !ok {
			return domain.ErrValidation("fragment %d references unknown scan node %d", f.ID, id)
		}
	}
	return nil
}

func (js *JobSpec) QueryID() domain.UniqueID {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.queryID
}

// SetQueryID rebinds the query id, used when a statement is retried.
func (js *JobSpec) SetQueryID(id domain.UniqueID) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.queryID = id
}

func (js *JobSpec) LoadJobID() int64 {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.loadJobID
}

func (js *JobSpec) SetLoadJobID(id int64) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.loadJobID = id
}

func (js *JobSpec) LoadJobType() domain.LoadJobType {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.loadJobType
}

func (js *JobSpec) SetLoadJobType(t domain.LoadJobType) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.loadJobType = t
}

// QueryOptions returns a copy of the current options.
func (js *JobSpec) QueryOptions() QueryOptions {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.options
}

// UpdateQueryOptions applies fn to the options under the spec's lock.
func (js *JobSpec) UpdateQueryOptions(fn func(*QueryOptions)) {
	js.mu.Lock()
	defer js.mu.Unlock()
	fn(&js.options)
}

// SetQueryTimeout overrides the timeout in seconds.
func (js *JobSpec) SetQueryTimeout(seconds int) {
	js.UpdateQueryOptions(func(o *QueryOptions) { o.QueryTimeoutS = seconds })
}

func (js *JobSpec) IsIncrementalScanRanges() bool {
	js.mu.RLock()
	defer js.mu.RUnlock()
	return js.incrementalScanRanges
}

func (js *JobSpec) SetIncrementalScanRanges(v bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.incrementalScanRanges = v
}

func (js *JobSpec) QueryType() QueryType { return js.queryType }
func (js *JobSpec) Fragments() []*PlanFragment { return js.fragments }
func (js *JobSpec) RootFragment() *PlanFragment { return js.fragments[0] }
func (js *JobSpec) ScanNodes() []*ScanNode { return js.scanNodes }
func (js *JobSpec) DescTable() *DescriptorTable { return js.descTable }
func (js *JobSpec) ResourceGroup() *ResourceGroup { return js.resourceGroup }
func (js *JobSpec) WarehouseID() int64 { return js.warehouseID }
func (js *JobSpec) StartTime() time.Time { return js.startTime }
func (js *JobSpec) IsBlockQuery() bool { return js.isBlockQuery }
func (js *JobSpec) IsEnablePipeline() bool { return js.enablePipeline }
func (js *JobSpec) IsNeedReport() bool { return js.needReport }
func (js *JobSpec) IsBrokerLoad() bool { return js.isBrokerLoad }
func (js *JobSpec) PlanProtocol() string { return js.planProtocol }
func (js *JobSpec) IsLoadType() bool { return js.queryType == QueryTypeLoad }
func (js *JobSpec) Fragment(id FragmentID) *PlanFragment { return js.fragmentByID[id] }
func (js *JobSpec) ScanNode(id int) *ScanNode { return js.scanNodeByID[id] }

// ResourceGroupName returns the group name or the default group's name.
func (js *JobSpec) ResourceGroupName() string {
	if js.resourceGroup == nil {
		return DefaultResourceGroupName
	}
	return js.resourceGroup.Name
}

// ChildFragments returns the fragments whose data stream sinks feed f.
func (js *JobSpec) ChildFragments(id FragmentID) []*PlanFragment {
	var out []*PlanFragment
	for _, f := range js.fragments {
		if f.Sink.Type == SinkDataStream && f.Sink.DestFragment == id {
			out = append(out, f)
		}
	}
	return out
}

func (js *JobSpec) String() string {
	return fmt.Sprintf("job(query_id=%s, type=%s, fragments=%d, scan_nodes=%d)",
		js.QueryID(), js.queryType, len(js.fragments), len(js.scanNodes))
}
