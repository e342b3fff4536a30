// Package loadmgr tracks the progress of load jobs as their fragment
// instances report.
package loadmgr

import (
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"qcoord/internal/domain"
)

// DefaultRetention is how long the progress of a job is kept after its
// last update.
const DefaultRetention = time.Hour

// InstanceProgress is the latest progress reported by one instance.
type InstanceProgress struct {
	SinkLoadBytes   int64 `json:"sink_load_bytes"`
	SourceLoadRows  int64 `json:"source_load_rows"`
	SourceLoadBytes int64 `json:"source_load_bytes"`
}

// JobProgress is the progress of one load job summed over its instances.
type JobProgress struct {
	LoadJobID       int64     `json:"load_job_id"`
	QueryID         string    `json:"query_id"`
	Instances       int       `json:"instances"`
	Reported        int       `json:"reported"`
	SinkLoadBytes   int64     `json:"sink_load_bytes"`
	SourceLoadRows  int64     `json:"source_load_rows"`
	SourceLoadBytes int64     `json:"source_load_bytes"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type jobEntry struct {
	mu        sync.Mutex
	queryID   domain.UniqueID
	instances map[domain.UniqueID]*InstanceProgress
	updatedAt time.Time
}

// Tracker keeps load progress in memory. Jobs are forgotten once they
// have not been updated for the retention period.
type Tracker struct {
	jobs   *cache.Cache
	logger *slog.Logger
}

// NewTracker returns an empty tracker.
func NewTracker(retention time.Duration, logger *slog.Logger) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{jobs: cache.New(retention, retention/2), logger: logger}
}

func jobKey(id int64) string { return strconv.FormatInt(id, 10) }

// InitJobProgress registers the instances of a load job, replacing any
// progress from an earlier attempt of the same job.
func (t *Tracker) InitJobProgress(loadJobID int64, queryID domain.UniqueID, instanceIDs []domain.UniqueID) {
	e := &jobEntry{
		queryID:   queryID,
		instances: make(map[domain.UniqueID]*InstanceProgress, len(instanceIDs)),
		updatedAt: time.Now(),
	}
	for _, id := range instanceIDs {
		e.instances[id] = nil
	}
	t.jobs.Set(jobKey(loadJobID), e, cache.DefaultExpiration)
	t.logger.Debug("load job progress initialized",
		"load_job_id", loadJobID, "query_id", queryID.String(), "instances", len(instanceIDs))
}

// UpdateJobProgress records the latest counters of one instance. Reports
// for jobs that were never initialized are dropped.
func (t *Tracker) UpdateJobProgress(loadJobID int64, instanceID domain.UniqueID, p InstanceProgress) {
	v, ok := t.jobs.Get(jobKey(loadJobID))
	if !ok {
		t.logger.Debug("progress for unknown load job", "load_job_id", loadJobID)
		return
	}
	e := v.(*jobEntry)
	e.mu.Lock()
	cp := p
	e.instances[instanceID] = &cp
	e.updatedAt = time.Now()
	e.mu.Unlock()
	// refresh expiry
	t.jobs.Set(jobKey(loadJobID), e, cache.DefaultExpiration)
}

// Progress returns the summed progress of a job.
func (t *Tracker) Progress(loadJobID int64) (JobProgress, bool) {
	v, ok := t.jobs.Get(jobKey(loadJobID))
	if !ok {
		return JobProgress{}, false
	}
	return summarize(loadJobID, v.(*jobEntry)), true
}

// List returns every tracked job ordered by load job id.
func (t *Tracker) List() []JobProgress {
	items := t.jobs.Items()
	out := make([]JobProgress, 0, len(items))
	for k, item := range items {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, summarize(id, item.Object.(*jobEntry)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadJobID < out[j].LoadJobID })
	return out
}

// Remove forgets a job.
func (t *Tracker) Remove(loadJobID int64) {
	t.jobs.Delete(jobKey(loadJobID))
}

func summarize(id int64, e *jobEntry) JobProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := JobProgress{
		LoadJobID: id,
		QueryID:   e.queryID.String(),
		Instances: len(e.instances),
		UpdatedAt: e.updatedAt,
	}
	for _, ip := range e.instances {
		if ip == nil {
			continue
		}
		p.Reported++
		p.SinkLoadBytes += ip.SinkLoadBytes
		p.SourceLoadRows += ip.SourceLoadRows
		p.SourceLoadBytes += ip.SourceLoadBytes
	}
	return p
}
