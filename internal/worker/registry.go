// Package worker tracks the compute nodes that run fragment instances:
// which are alive, which are temporarily blocklisted, and which a query
// has selected.
package worker

import (
	"log/slog"
	"sort"
	"sync"

	"qcoord/internal/domain"
)

// Registry is the cluster-wide view of workers.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[int64]*domain.ComputeNode
	logger *slog.Logger
}

// NewRegistry returns a registry seeded with nodes.
func NewRegistry(nodes []*domain.ComputeNode, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{nodes: make(map[int64]*domain.ComputeNode, len(nodes)), logger: logger}
	for _, n := range nodes {
		cp := *n
		r.nodes[n.ID] = &cp
	}
	return r
}

// Add registers or replaces a worker.
func (r *Registry) Add(n *domain.ComputeNode) {
	cp := *n
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.ID] = &cp
}

// Remove forgets a worker.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, id)
}

// Get returns a copy of the worker with id.
func (r *Registry) Get(id int64) (*domain.ComputeNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	cp := *n
	return &cp, true
}

// All returns copies of every worker ordered by id.
func (r *Registry) All() []*domain.ComputeNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.ComputeNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsWorkerAlive reports whether id is registered and alive.
func (r *Registry) IsWorkerAlive(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	return ok && n.Alive
}

// MarkDead flags a worker as down. It returns true if the worker was alive.
func (r *Registry) MarkDead(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok || !n.Alive {
		return false
	}
	n.Alive = false
	r.logger.Warn("worker marked dead", "backend_id", id, "address", n.Address())
	return true
}

// MarkAlive flags a worker as up. It returns true if the worker was dead.
func (r *Registry) MarkAlive(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok || n.Alive {
		return false
	}
	n.Alive = true
	r.logger.Info("worker back alive", "backend_id", id, "address", n.Address())
	return true
}
