// Package schedule decides in which order the fragments of a job are
// deployed.
package schedule

import (
	"context"
	"log/slog"

	"qcoord/internal/deploy"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// Coordinator is the part of the coordinator a schedule calls back into.
// Implementations must not take locks held while Schedule runs.
type Coordinator interface {
	// AssignIncrementalScanRangesToDeployStates hands newly discovered scan
	// ranges to the fragments of states and returns the deployments that
	// carry them. An empty result means no fragment has more ranges.
	AssignIncrementalScanRangesToDeployStates(ctx context.Context, d *deploy.Deployer, states []*deploy.DeployState) ([]*deploy.DeployState, error)
}

// Schedule deploys the fragments of one DAG.
type Schedule interface {
	PrepareSchedule(c Coordinator, d *deploy.Deployer, dag *execdag.ExecutionDAG) error
	Schedule(ctx context.Context) error
	// TryScheduleNextTurn continues scheduling on behalf of instanceID,
	// which has drained the scan ranges it was given.
	TryScheduleNextTurn(ctx context.Context, instanceID domain.UniqueID) error
	// Cancel stops further deployment. In-flight RPCs are not interrupted.
	Cancel()
}

// Kind selects a Schedule implementation.
type Kind int

const (
	KindAllAtOnce Kind = iota
	KindPhased
)

func (k Kind) String() string {
	if k == KindPhased {
		return "phased"
	}
	return "all_at_once"
}

// Options configure a Schedule.
type Options struct {
	// MaxConcurrency is the number of fragments a phased turn deploys.
	MaxConcurrency int
	Logger         *slog.Logger
}

// New returns the schedule of kind.
func New(kind Kind, opts Options) Schedule {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if kind == KindPhased {
		return NewPhased(opts)
	}
	return NewAllAtOnce(opts)
}
