package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// Handle is what the registry exposes of a running query.
type Handle interface {
	QueryID() domain.UniqueID
	StartTime() time.Time
	IsUsingBackend(workerID int64) bool
	Cancel(reason domain.CancelReason, message string)
	GetExecStatus() domain.Status
	GetSchedulerExplain() string
	FragmentInstanceInfos() []execdag.InstanceInfo
	UpdateFragmentExecStatus(report *computeproto.ReportExecStatusRequest)
	UpdateAuditStatistics(req *computeproto.ReportAuditStatisticsRequest)
	ScheduleNextTurn(ctx context.Context, instanceID domain.UniqueID) domain.Status
}

var _ Handle = (*Coordinator)(nil)

// Registry tracks the queries running in this process. It is created by
// the server and handed to everything that looks queries up.
type Registry struct {
	mu      sync.RWMutex
	queries map[domain.UniqueID]Handle
}

func NewRegistry() *Registry {
	return &Registry{queries: make(map[domain.UniqueID]Handle)}
}

// Register adds h. A query id can be registered once.
func (r *Registry) Register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := h.QueryID()
	if _, ok := r.queries[id]; ok {
		return domain.ErrValidation("query %s is already registered", id)
	}
	r.queries[id] = h
	return nil
}

func (r *Registry) Unregister(id domain.UniqueID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queries, id)
}

func (r *Registry) Get(id domain.UniqueID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.queries[id]
	return h, ok
}

// List returns every registered query, oldest first.
func (r *Registry) List() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.queries))
	for _, h := range r.queries {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime().Equal(out[j].StartTime()) {
			return out[i].StartTime().Before(out[j].StartTime())
		}
		return out[i].QueryID().String() < out[j].QueryID().String()
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queries)
}
