package worker

import (
	"sort"
	"sync"

	"qcoord/internal/domain"
)

// Provider is the set of workers one query may use. The snapshot of
// available workers is fixed at construction; selection grows as
// instances are assigned.
type Provider struct {
	available map[int64]*domain.ComputeNode
	ids       []int64
	registry  *Registry

	mu       sync.Mutex
	selected map[int64]struct{}
}

// NewProvider snapshots the alive, non-blocklisted workers of reg.
func NewProvider(reg *Registry, blocklist *Blocklist) (*Provider, error) {
	p := &Provider{
		available: make(map[int64]*domain.ComputeNode),
		registry:  reg,
		selected:  make(map[int64]struct{}),
	}
	for _, n := range reg.All() {
		if !n.Alive || blocklist.Contains(n.ID) {
			continue
		}
		p.available[n.ID] = n
		p.ids = append(p.ids, n.ID)
	}
	if len(p.ids) == 0 {
		return nil, domain.NewExecError(domain.KindNodeNotAlive, domain.CodeServiceUnavailable,
			"%s", domain.BackendNodeNotFoundError)
	}
	return p, nil
}

// GetWorkerByID returns an available worker.
func (p *Provider) GetWorkerByID(id int64) (*domain.ComputeNode, bool) {
	n, ok := p.available[id]
	return n, ok
}

// AvailableWorkers returns the snapshot ordered by id.
func (p *Provider) AvailableWorkers() []*domain.ComputeNode {
	out := make([]*domain.ComputeNode, 0, len(p.ids))
	for _, id := range p.ids {
		out = append(out, p.available[id])
	}
	return out
}

// IsAvailable reports whether id is in the snapshot.
func (p *Provider) IsAvailable(id int64) bool {
	_, ok := p.available[id]
	return ok
}

// SelectWorker records that the query uses id.
func (p *Provider) SelectWorker(id int64) error {
	if _, ok := p.available[id]; !ok {
		return domain.ErrNotFound("worker %d is not available", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected[id] = struct{}{}
	return nil
}

func (p *Provider) IsWorkerSelected(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.selected[id]
	return ok
}

// SelectedWorkerIDs returns the selected workers, sorted.
func (p *Provider) SelectedWorkerIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, 0, len(p.selected))
	for id := range p.selected {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsWorkerAlive consults the live registry rather than the snapshot.
func (p *Provider) IsWorkerAlive(id int64) bool {
	return p.registry.IsWorkerAlive(id)
}
