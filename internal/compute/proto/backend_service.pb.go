package computeproto

import (
	"encoding/json"

	"qcoord/internal/domain"
)

// QueryOptions mirrors the job's query options on the wire.
type QueryOptions struct {
	QueryTimeoutS                 int   `json:"query_timeout_s,omitempty"`
	PipelineDOP                   int   `json:"pipeline_dop,omitempty"`
	EnableProfile                 bool  `json:"enable_profile,omitempty"`
	BigQueryProfileThresholdMs    int64 `json:"big_query_profile_threshold_ms,omitempty"`
	RuntimeProfileReportIntervalS int   `json:"runtime_profile_report_interval_s,omitempty"`
	MemLimit                      int64 `json:"mem_limit,omitempty"`
	LoadMemLimit                  int64 `json:"load_mem_limit,omitempty"`
}

type FragmentPlan struct {
	FragmentId  int    `json:"fragment_id"`
	RootKind    string `json:"root_kind,omitempty"`
	Limit       int64  `json:"limit,omitempty"`
	SinkType    string `json:"sink_type,omitempty"`
	SinkTable   string `json:"sink_table,omitempty"`
	PipelineDop int    `json:"pipeline_dop,omitempty"`
}

type ScanRange struct {
	Id       int64   `json:"id"`
	TabletId int64   `json:"tablet_id,omitempty"`
	Path     string  `json:"path,omitempty"`
	Bytes    int64   `json:"bytes,omitempty"`
	Replicas []int64 `json:"replicas,omitempty"`
}

type Destination struct {
	FragmentInstanceId domain.UniqueID `json:"fragment_instance_id"`
	Address            string          `json:"address"`
}

type RuntimeFilterDestination struct {
	Address             string            `json:"address"`
	FragmentInstanceIds []domain.UniqueID `json:"fragment_instance_ids"`
}

// RuntimeFilterRouting tells a builder instance where its filter goes.
type RuntimeFilterRouting struct {
	FilterId              int                         `json:"filter_id"`
	MergeAddress          string                      `json:"merge_address,omitempty"`
	BroadcastSenders      []domain.UniqueID           `json:"broadcast_senders,omitempty"`
	BroadcastDestinations []*RuntimeFilterDestination `json:"broadcast_destinations,omitempty"`
	SenderInstanceId      *domain.UniqueID            `json:"sender_instance_id,omitempty"`
}

type RuntimeFilterProberParams struct {
	FragmentInstanceId domain.UniqueID `json:"fragment_instance_id"`
	Address            string          `json:"address"`
}

// RuntimeFilterParams is the merge-side configuration carried by the root
// fragment's instances.
type RuntimeFilterParams struct {
	IdToProberParams        map[int][]*RuntimeFilterProberParams `json:"id_to_prober_params,omitempty"`
	RuntimeFilterBuilderNum map[int]int                          `json:"runtime_filter_builder_number,omitempty"`
	SkewJoinRuntimeFilters  map[int]int                          `json:"skew_join_runtime_filters,omitempty"`
	RuntimeFilterMaxSize    int64                                `json:"runtime_filter_max_size,omitempty"`
}

type ExecPlanFragmentRequest struct {
	QueryId            domain.UniqueID `json:"query_id"`
	FragmentInstanceId domain.UniqueID `json:"fragment_instance_id"`
	BackendNum         int             `json:"backend_num"`
	BackendId          int64           `json:"backend_id"`
	SenderId           int             `json:"sender_id"`
	NumSenders         int             `json:"num_senders,omitempty"`
	CoordAddress       string          `json:"coord_address"`
	IsFirstOnWorker    bool            `json:"is_first_on_worker,omitempty"`
	DescTable          json.RawMessage `json:"desc_tbl,omitempty"`
	Fragment           *FragmentPlan   `json:"fragment,omitempty"`
	Options            *QueryOptions   `json:"query_options,omitempty"`
	// ScanRanges is keyed by scan node id.
	ScanRanges              map[int][]*ScanRange    `json:"per_node_scan_ranges,omitempty"`
	HasMoreScanRanges       bool                    `json:"has_more_scan_ranges,omitempty"`
	IsIncrementalScanRanges bool                    `json:"is_incremental_scan_ranges,omitempty"`
	Destinations            []*Destination          `json:"destinations,omitempty"`
	RuntimeFilterRoutings   []*RuntimeFilterRouting `json:"runtime_filter_routings,omitempty"`
	RuntimeFilterParams     *RuntimeFilterParams    `json:"runtime_filter_params,omitempty"`
	LoadJobType             domain.LoadJobType      `json:"load_job_type,omitempty"`
	ResourceGroup           string                  `json:"resource_group,omitempty"`
	NeedReport              bool                    `json:"need_report,omitempty"`
	EnablePhasedSchedule    bool                    `json:"enable_phased_schedule,omitempty"`
}

type ExecPlanFragmentResponse struct {
	Status domain.Status `json:"status"`
}

type CancelPlanFragmentRequest struct {
	QueryId            domain.UniqueID `json:"query_id"`
	FragmentInstanceId domain.UniqueID `json:"fragment_instance_id"`
	Reason             string          `json:"cancel_reason"`
}

type CancelQueryContextRequest struct {
	QueryId domain.UniqueID `json:"query_id"`
	Reason  string          `json:"cancel_reason"`
}

type CancelResponse struct {
	Status domain.Status `json:"status"`
}

type FetchDataRequest struct {
	QueryId            domain.UniqueID `json:"query_id"`
	FragmentInstanceId domain.UniqueID `json:"fragment_instance_id"`
	PacketSeq          int64           `json:"packet_seq"`
}

type FetchDataResponse struct {
	Status    domain.Status `json:"status"`
	PacketSeq int64         `json:"packet_seq"`
	Eos       bool          `json:"eos,omitempty"`
	Columns   []string      `json:"columns,omitempty"`
	Rows      []*ResultRow  `json:"rows,omitempty"`
}

type ResultRow struct {
	Values []string `json:"values,omitempty"`
}

type ExecShortCircuitRequest struct {
	QueryId    domain.UniqueID `json:"query_id"`
	Table      string          `json:"table"`
	ScanRanges []*ScanRange    `json:"scan_ranges,omitempty"`
	Limit      int64           `json:"limit,omitempty"`
	NeedReport bool            `json:"need_report,omitempty"`
}

type ExecShortCircuitResponse struct {
	Status  domain.Status          `json:"status"`
	Columns []string               `json:"columns,omitempty"`
	Rows    []*ResultRow           `json:"rows,omitempty"`
	Profile *domain.RuntimeProfile `json:"profile,omitempty"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status           string `json:"status,omitempty"`
	BackendId        int64  `json:"backend_id,omitempty"`
	UptimeSeconds    int    `json:"uptime_seconds,omitempty"`
	RunningInstances int64  `json:"running_instances,omitempty"`
}
