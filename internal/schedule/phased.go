package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"qcoord/internal/deploy"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
)

// DefaultMaxConcurrency is the fragments per phased turn when unset.
const DefaultMaxConcurrency = 2

// Phased deploys fragments in turns, producers before consumers. A turn
// starts only after every deploy RPC of the previous turn was acknowledged.
type Phased struct {
	maxConcurrency int
	logger         *slog.Logger

	coord    Coordinator
	deployer *deploy.Deployer
	dag      *execdag.ExecutionDAG

	cancelled atomic.Bool

	mu        sync.Mutex
	turns     [][]*execdag.ExecutionFragment
	next      int
	scheduled map[jobspec.FragmentID]bool
}

// NewPhased returns an unprepared Phased schedule.
func NewPhased(opts Options) *Phased {
	n := opts.MaxConcurrency
	if n <= 0 {
		n = DefaultMaxConcurrency
	}
	return &Phased{maxConcurrency: n, logger: opts.Logger, scheduled: make(map[jobspec.FragmentID]bool)}
}

func (s *Phased) PrepareSchedule(c Coordinator, d *deploy.Deployer, dag *execdag.ExecutionDAG) error {
	levels, err := dag.LevelsFromLeaves()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coord = c
	s.deployer = d
	s.dag = dag
	s.turns = s.turns[:0]
	for _, level := range levels {
		for start := 0; start < len(level); start += s.maxConcurrency {
			end := min(start+s.maxConcurrency, len(level))
			s.turns = append(s.turns, level[start:end])
		}
	}
	return nil
}

// Turns returns the fragment ids of each turn.
func (s *Phased) Turns() [][]jobspec.FragmentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]jobspec.FragmentID, 0, len(s.turns))
	for _, turn := range s.turns {
		ids := make([]jobspec.FragmentID, 0, len(turn))
		for _, f := range turn {
			ids = append(ids, f.ID())
		}
		out = append(out, ids)
	}
	return out
}

func (s *Phased) Schedule(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.next < len(s.turns) {
		if s.cancelled.Load() {
			return nil
		}
		turn := s.turns[s.next]
		s.next++
		for _, f := range turn {
			if s.scheduled[f.ID()] {
				return domain.NewExecError(domain.KindInternal, domain.CodeInternalError,
					"fragment %d was already scheduled", f.ID())
			}
			s.scheduled[f.ID()] = true
		}
		state, err := s.deployer.CreateFragmentExecStates(turn)
		if err != nil {
			return err
		}
		if err := s.deployer.DeployFragments(ctx, state); err != nil {
			return err
		}
		s.logger.Debug("phased turn deployed",
			"query_id", s.dag.JobSpec().QueryID().String(),
			"turn", s.next,
			"fragments", len(turn),
		)
	}
	return nil
}

// TryScheduleNextTurn sends the next batch of incremental scan ranges to
// the fragment of instanceID.
func (s *Phased) TryScheduleNextTurn(ctx context.Context, instanceID domain.UniqueID) error {
	if s.cancelled.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dag == nil {
		return domain.NewExecError(domain.KindInternal, domain.CodeInternalError, "schedule is not prepared")
	}
	inst := s.dag.InstanceByID(instanceID)
	if inst == nil {
		return domain.ErrNotFound("fragment instance %s not found", instanceID)
	}
	f := inst.Fragment()
	if !s.scheduled[f.ID()] {
		return domain.NewExecError(domain.KindInternal, domain.CodeInternalError,
			"fragment %d of instance %s is not scheduled yet", f.ID(), instanceID)
	}

	var execs []*execdag.ExecState
	for _, fi := range f.Instances() {
		if e := fi.Execution(); e != nil {
			execs = append(execs, e)
		}
	}
	states, err := s.coord.AssignIncrementalScanRangesToDeployStates(ctx, s.deployer,
		[]*deploy.DeployState{deploy.NewDeployState(execs)})
	if err != nil {
		return err
	}
	for _, state := range states {
		if s.cancelled.Load() {
			return nil
		}
		if err := s.deployer.DeployFragments(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

func (s *Phased) Cancel() { s.cancelled.Store(true) }
