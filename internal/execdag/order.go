package execdag

import (
	"sort"

	"qcoord/internal/domain"
)

// LevelsFromRoot groups fragments by their distance from the root: the
// root alone, then the fragments sending to it, and so on. Fragments not
// reachable from the root form a trailing level.
func (d *ExecutionDAG) LevelsFromRoot() [][]*ExecutionFragment {
	var levels [][]*ExecutionFragment
	seen := make(map[*ExecutionFragment]bool, len(d.fragments))
	queue := []*ExecutionFragment{d.RootFragment()}
	seen[d.RootFragment()] = true
	for len(queue) > 0 {
		levels = append(levels, queue)
		var next []*ExecutionFragment
		for _, f := range queue {
			for _, c := range f.children {
				if !seen[c] {
					seen[c] = true
					next = append(next, c)
				}
			}
		}
		queue = next
	}
	var rest []*ExecutionFragment
	for _, f := range d.fragments {
		if !seen[f] {
			rest = append(rest, f)
		}
	}
	if len(rest) > 0 {
		levels = append(levels, rest)
	}
	return levels
}

// LevelsFromLeaves orders fragments so that every fragment comes after the
// fragments that feed it. Each level can be deployed in parallel. It fails
// when the sink edges form a cycle.
func (d *ExecutionDAG) LevelsFromLeaves() ([][]*ExecutionFragment, error) {
	inDegree := make(map[*ExecutionFragment]int, len(d.fragments))
	for _, f := range d.fragments {
		inDegree[f] = len(f.children)
	}

	var queue []*ExecutionFragment
	for _, f := range d.fragments {
		if inDegree[f] == 0 {
			queue = append(queue, f)
		}
	}

	var levels [][]*ExecutionFragment
	processed := 0
	for len(queue) > 0 {
		sort.Slice(queue, func(i, j int) bool { return queue[i].ID() < queue[j].ID() })
		levels = append(levels, queue)
		processed += len(queue)

		var next []*ExecutionFragment
		for _, f := range queue {
			if f.dest == nil {
				continue
			}
			inDegree[f.dest]--
			if inDegree[f.dest] == 0 {
				next = append(next, f.dest)
			}
		}
		queue = next
	}

	if processed != len(d.fragments) {
		return nil, domain.ErrValidation("cycle detected in fragment sinks of query %s", d.js.QueryID())
	}
	return levels, nil
}
