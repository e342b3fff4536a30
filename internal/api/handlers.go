package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qcoord/internal/coordinator"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/loadmgr"
	"qcoord/internal/middleware"
	"qcoord/internal/profile"
)

// CoordinatorSummary is one running query in the coordinator listing.
type CoordinatorSummary struct {
	QueryID   string    `json:"query_id"`
	StartTime time.Time `json:"start_time"`
	Status    string    `json:"status"`
	Instances int       `json:"instances"`
}

// CoordinatorDetail adds the per-instance view to a summary.
type CoordinatorDetail struct {
	CoordinatorSummary
	FragmentInstances []execdag.InstanceInfo `json:"fragment_instances"`
}

// ProfileSummary is the header of one stored profile.
type ProfileSummary map[string]string

// WorkerView is one worker of the cluster.
type WorkerView struct {
	*domain.ComputeNode
	Blocklisted     bool   `json:"blocklisted"`
	BlocklistReason string `json:"blocklist_reason,omitempty"`
}

func summarize(h coordinator.Handle, infos []execdag.InstanceInfo) CoordinatorSummary {
	return CoordinatorSummary{
		QueryID:   h.QueryID().String(),
		StartTime: h.StartTime(),
		Status:    h.GetExecStatus().String(),
		Instances: len(infos),
	}
}

func (h *Handler) lookup(r *http.Request) (coordinator.Handle, error) {
	raw := chi.URLParam(r, "queryID")
	id, err := domain.ParseUniqueID(raw)
	if err != nil {
		return nil, domain.ErrValidation("invalid query id %q", raw)
	}
	c, ok := h.deps.Queries.Get(id)
	if !ok {
		return nil, domain.ErrNotFound("query %s is not running", id)
	}
	return c, nil
}

// ListCoordinators implements GET /api/v1/coordinators.
func (h *Handler) ListCoordinators(w http.ResponseWriter, _ *http.Request) {
	list := h.deps.Queries.List()
	out := make([]CoordinatorSummary, 0, len(list))
	for _, c := range list {
		out = append(out, summarize(c, c.FragmentInstanceInfos()))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCoordinator implements GET /api/v1/coordinators/{queryID}.
func (h *Handler) GetCoordinator(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	infos := c.FragmentInstanceInfos()
	writeJSON(w, http.StatusOK, CoordinatorDetail{
		CoordinatorSummary: summarize(c, infos),
		FragmentInstances:  infos,
	})
}

// ExplainCoordinator implements GET /api/v1/coordinators/{queryID}/explain.
func (h *Handler) ExplainCoordinator(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(c.GetSchedulerExplain()))
}

// CancelCoordinator implements DELETE /api/v1/coordinators/{queryID}.
func (h *Handler) CancelCoordinator(w http.ResponseWriter, r *http.Request) {
	c, err := h.lookup(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("cancel requested over admin api",
		"query_id", c.QueryID().String(),
		"request_id", middleware.RequestIDFromContext(r.Context()))
	c.Cancel(domain.CancelUserCancel, "")
	w.WriteHeader(http.StatusAccepted)
}

// ListProfiles implements GET /api/v1/profiles, newest first.
func (h *Handler) ListProfiles(w http.ResponseWriter, _ *http.Request) {
	list := h.deps.Profiles.List()
	out := make([]ProfileSummary, 0, len(list))
	for _, e := range list {
		out = append(out, ProfileSummary(e.Info))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetProfile implements GET /api/v1/profiles/{queryID}.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "queryID")
	text, err := h.deps.Profiles.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if e, ok := h.deps.Profiles.Element(id); ok {
		w.Header().Set("X-Query-State", e.Info[profile.InfoQueryState])
	}
	_, _ = w.Write([]byte(text))
}

// ClearProfiles implements DELETE /api/v1/profiles.
func (h *Handler) ClearProfiles(w http.ResponseWriter, _ *http.Request) {
	h.deps.Profiles.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// ListWorkers implements GET /api/v1/workers.
func (h *Handler) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	nodes := h.deps.Workers.All()
	out := make([]WorkerView, 0, len(nodes))
	for _, n := range nodes {
		v := WorkerView{ComputeNode: n}
		if b := h.deps.Blocklist; b != nil && b.Contains(n.ID) {
			v.Blocklisted = true
			v.BlocklistReason = b.Reason(n.ID)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListLoads implements GET /api/v1/loads.
func (h *Handler) ListLoads(w http.ResponseWriter, _ *http.Request) {
	if h.deps.Loads == nil {
		writeJSON(w, http.StatusOK, []loadmgr.JobProgress{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Loads.List())
}
