package computeproto

import "qcoord/internal/domain"

// ReportExecStatusRequest is sent by a worker for each fragment instance,
// periodically while it runs and once more when it is done. ReportSeq
// increases with every report of the same instance.
type ReportExecStatusRequest struct {
	QueryId            domain.UniqueID        `json:"query_id"`
	FragmentInstanceId domain.UniqueID        `json:"fragment_instance_id"`
	BackendNum         int                    `json:"backend_num"`
	BackendId          int64                  `json:"backend_id"`
	ReportSeq          int64                  `json:"report_seq"`
	Status             domain.Status          `json:"status"`
	Done               bool                   `json:"done,omitempty"`
	Profile            *domain.RuntimeProfile `json:"profile,omitempty"`
	LoadChannelProfile *domain.RuntimeProfile `json:"load_channel_profile,omitempty"`

	LoadType        domain.LoadJobType `json:"load_type,omitempty"`
	SinkLoadBytes   *int64             `json:"sink_load_bytes,omitempty"`
	SourceLoadRows  *int64             `json:"source_load_rows,omitempty"`
	SourceLoadBytes *int64             `json:"source_load_bytes,omitempty"`

	LoadCounters       map[string]string         `json:"load_counters,omitempty"`
	DeltaUrls          []string                  `json:"delta_urls,omitempty"`
	TrackingUrl        string                    `json:"tracking_url,omitempty"`
	RejectedRecordPath string                    `json:"rejected_record_path,omitempty"`
	ExportFiles        []string                  `json:"export_files,omitempty"`
	CommitInfos        []domain.TabletCommitInfo `json:"commit_infos,omitempty"`
	FailInfos          []domain.TabletFailInfo   `json:"fail_infos,omitempty"`
	SinkCommitInfos    []domain.SinkCommitInfo   `json:"sink_commit_infos,omitempty"`
}

type ReportExecStatusResponse struct {
	Status domain.Status `json:"status"`
}

type ReportAuditStatisticsRequest struct {
	QueryId            domain.UniqueID         `json:"query_id"`
	FragmentInstanceId domain.UniqueID         `json:"fragment_instance_id"`
	Statistics         *domain.AuditStatistics `json:"audit_statistics,omitempty"`
}

type ReportAuditStatisticsResponse struct {
	Status domain.Status `json:"status"`
}

// ScheduleNextTurnRequest asks a phased coordinator to continue scheduling
// once an instance has drained its current scan ranges.
type ScheduleNextTurnRequest struct {
	QueryId            domain.UniqueID `json:"query_id"`
	FragmentInstanceId domain.UniqueID `json:"fragment_instance_id"`
}

type ScheduleNextTurnResponse struct {
	Status domain.Status `json:"status"`
}
