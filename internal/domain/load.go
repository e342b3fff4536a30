package domain

// LoadJobType identifies the kind of load a job performs.
type LoadJobType int

const (
	LoadJobUnset LoadJobType = iota
	LoadJobBroker
	LoadJobSpark
	LoadJobInsertQuery
	LoadJobInsertValues
	LoadJobStreamLoad
	LoadJobRoutineLoad
)

func (t LoadJobType) String() string {
	switch t {
	case LoadJobBroker:
		return "BROKER"
	case LoadJobSpark:
		return "SPARK"
	case LoadJobInsertQuery:
		return "INSERT_QUERY"
	case LoadJobInsertValues:
		return "INSERT_VALUES"
	case LoadJobStreamLoad:
		return "STREAM_LOAD"
	case LoadJobRoutineLoad:
		return "ROUTINE_LOAD"
	default:
		return "UNSET"
	}
}

// TracksProgress reports whether per-instance progress reports of this load
// type feed the load manager.
func (t LoadJobType) TracksProgress() bool {
	switch t {
	case LoadJobUnset, LoadJobBroker, LoadJobInsertQuery, LoadJobInsertValues:
		return true
	default:
		return false
	}
}

// TabletCommitInfo records a tablet written by a load instance.
type TabletCommitInfo struct {
	TabletID  int64 `json:"tablet_id"`
	BackendID int64 `json:"backend_id"`
}

// TabletFailInfo records a tablet a load instance failed to write.
type TabletFailInfo struct {
	TabletID  int64 `json:"tablet_id"`
	BackendID int64 `json:"backend_id"`
}

// SinkCommitInfo is an opaque commit record produced by an external table sink.
type SinkCommitInfo struct {
	Table string `json:"table"`
	Path  string `json:"path"`
	Rows  int64  `json:"rows"`
}

// AuditStatistics aggregates resource usage reported by workers.
type AuditStatistics struct {
	ScanRows     int64 `json:"scan_rows"`
	ScanBytes    int64 `json:"scan_bytes"`
	ReturnedRows int64 `json:"returned_rows"`
	CPUCostNs    int64 `json:"cpu_cost_ns"`
	MemCostBytes int64 `json:"mem_cost_bytes"`
	SpillBytes   int64 `json:"spill_bytes"`
}

// Merge adds other into s. Memory cost keeps the peak.
func (s *AuditStatistics) Merge(other *AuditStatistics) {
	if other == nil {
		return
	}
	s.ScanRows += other.ScanRows
	s.ScanBytes += other.ScanBytes
	s.ReturnedRows += other.ReturnedRows
	s.CPUCostNs += other.CPUCostNs
	s.SpillBytes += other.SpillBytes
	if other.MemCostBytes > s.MemCostBytes {
		s.MemCostBytes = other.MemCostBytes
	}
}
