package schedule

import (
	"context"
	"log/slog"
	"sync/atomic"

	"qcoord/internal/deploy"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// AllAtOnce deploys every fragment in one pass, consumers before
// producers, then keeps feeding incremental scan ranges until no fragment
// has more.
type AllAtOnce struct {
	logger *slog.Logger

	coord    Coordinator
	deployer *deploy.Deployer
	dag      *execdag.ExecutionDAG

	cancelled atomic.Bool
}

// NewAllAtOnce returns an unprepared AllAtOnce schedule.
func NewAllAtOnce(opts Options) *AllAtOnce {
	return &AllAtOnce{logger: opts.Logger}
}

func (s *AllAtOnce) PrepareSchedule(c Coordinator, d *deploy.Deployer, dag *execdag.ExecutionDAG) error {
	s.coord = c
	s.deployer = d
	s.dag = dag
	return nil
}

func (s *AllAtOnce) Schedule(ctx context.Context) error {
	var states []*deploy.DeployState
	for _, level := range s.dag.LevelsFromRoot() {
		if s.cancelled.Load() {
			return nil
		}
		state, err := s.deployer.CreateFragmentExecStates(level)
		if err != nil {
			return err
		}
		if err := s.deployer.DeployFragments(ctx, state); err != nil {
			return err
		}
		states = append(states, state)
	}

	if !s.deployer.DoDeploy() {
		return nil
	}
	for !s.cancelled.Load() && len(states) > 0 {
		var err error
		states, err = s.coord.AssignIncrementalScanRangesToDeployStates(ctx, s.deployer, states)
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
	}
	return nil
}

// TryScheduleNextTurn is a no-op: every turn was deployed by Schedule.
func (s *AllAtOnce) TryScheduleNextTurn(context.Context, domain.UniqueID) error { return nil }

func (s *AllAtOnce) Cancel() { s.cancelled.Store(true) }
