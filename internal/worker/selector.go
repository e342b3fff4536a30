package worker

import (
	"context"

	"qcoord/internal/domain"
)

// ReplicaSelector chooses which worker reads a scan range from the workers
// holding a replica of it.
type ReplicaSelector interface {
	Select(ctx context.Context, candidates []*domain.ComputeNode) (*domain.ComputeNode, error)
}

// LeastAssignedSelector picks the candidate with the fewest ranges assigned
// so far, breaking ties by position. It is not safe for concurrent use.
type LeastAssignedSelector struct {
	assigned map[int64]int
}

// NewLeastAssignedSelector returns a selector with no assignments.
func NewLeastAssignedSelector() *LeastAssignedSelector {
	return &LeastAssignedSelector{assigned: make(map[int64]int)}
}

// Select returns the least loaded candidate and counts the assignment.
func (s *LeastAssignedSelector) Select(_ context.Context, candidates []*domain.ComputeNode) (*domain.ComputeNode, error) {
	if len(candidates) == 0 {
		return nil, domain.NewExecError(domain.KindNodeNotAlive, domain.CodeServiceUnavailable,
			"no alive replica: %s", domain.BackendNodeNotFoundError)
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if s.assigned[c.ID] < s.assigned[best.ID] {
			best = c
		}
	}
	s.assigned[best.ID]++
	return best, nil
}

// Assigned returns how many ranges id received.
func (s *LeastAssignedSelector) Assigned(id int64) int { return s.assigned[id] }
