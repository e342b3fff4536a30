// Package deploy turns fragment instances into deploy requests and sends
// them to workers.
package deploy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"qcoord/internal/compute"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
)

// DefaultMaxConcurrentRPCs bounds in-flight deploy RPCs of one stage.
const DefaultMaxConcurrentRPCs = 64

// FailureHandler is called for each deployment that failed, with the
// failure status, the execution and the transport error if any. A non-nil
// return stops the deployment.
type FailureHandler func(st domain.Status, exec *execdag.ExecState, err error) error

// Deployment is one request to send. Incremental deployments carry more
// scan ranges to an instance that is already running.
type Deployment struct {
	Exec        *execdag.ExecState
	Request     *computeproto.ExecPlanFragmentRequest
	Incremental bool
}

// DeployState is one scheduling step. Stages are sent one after another;
// deployments within a stage are sent concurrently.
type DeployState struct {
	Stages [][]*Deployment
}

// Executions returns every execution of the state in stage order.
func (s *DeployState) Executions() []*execdag.ExecState {
	var out []*execdag.ExecState
	for _, stage := range s.Stages {
		for _, dep := range stage {
			out = append(out, dep.Exec)
		}
	}
	return out
}

// FragmentIDs returns the distinct fragments of the state, sorted.
func (s *DeployState) FragmentIDs() []jobspec.FragmentID {
	seen := make(map[jobspec.FragmentID]bool)
	var out []jobspec.FragmentID
	for _, e := range s.Executions() {
		if !seen[e.FragmentID()] {
			seen[e.FragmentID()] = true
			out = append(out, e.FragmentID())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsEmpty reports whether the state has nothing to send.
func (s *DeployState) IsEmpty() bool {
	for _, stage := range s.Stages {
		if len(stage) > 0 {
			return false
		}
	}
	return true
}

// Options configure a Deployer.
type Options struct {
	Backend      compute.BackendClient
	Health       execdag.BackendHealth
	CoordAddress string
	// DoDeploy false builds execution states without sending anything,
	// for explain.
	DoDeploy             bool
	EnablePhasedSchedule bool
	MaxConcurrentRPCs    int
	OnFailure            FailureHandler
	// OnDeployed observes the latency of every stage that was sent.
	OnDeployed func(stage int, elapsed time.Duration)
	Logger     *slog.Logger
}

// Deployer creates the execution states of a DAG and deploys them.
type Deployer struct {
	js     *jobspec.JobSpec
	dag    *execdag.ExecutionDAG
	opts   Options
	logger *slog.Logger

	descOnce sync.Once
	desc     json.RawMessage
	descErr  error

	mu              sync.Mutex
	workersWithDesc map[int64]bool
}

// New returns a Deployer for dag.
func New(dag *execdag.ExecutionDAG, opts Options) *Deployer {
	if opts.MaxConcurrentRPCs <= 0 {
		opts.MaxConcurrentRPCs = DefaultMaxConcurrentRPCs
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{
		js:              dag.JobSpec(),
		dag:             dag,
		opts:            opts,
		logger:          logger,
		workersWithDesc: make(map[int64]bool),
	}
}

func (d *Deployer) DoDeploy() bool { return d.opts.DoDeploy }

// CreateFragmentExecStates binds a new execution to every instance of
// fragments. The first instance sent to each worker carries the
// descriptor table and goes out in the first stage.
func (d *Deployer) CreateFragmentExecStates(fragments []*execdag.ExecutionFragment) (*DeployState, error) {
	state := &DeployState{Stages: make([][]*Deployment, 2)}
	for _, f := range fragments {
		for _, inst := range f.Instances() {
			first := d.claimDescTable(inst.WorkerID())
			req, err := d.buildRequest(inst, first)
			if err != nil {
				return nil, err
			}
			exec := execdag.NewExecState(inst, req, execdag.ExecStateOptions{
				Backend: d.opts.Backend,
				Health:  d.opts.Health,
				Logger:  d.logger,
			})
			if err := d.dag.BindExecution(exec); err != nil {
				return nil, err
			}
			stage := 1
			if first {
				stage = 0
			}
			state.Stages[stage] = append(state.Stages[stage], &Deployment{Exec: exec, Request: req})
		}
	}
	return state, nil
}

func (d *Deployer) claimDescTable(workerID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.workersWithDesc[workerID] {
		return false
	}
	d.workersWithDesc[workerID] = true
	return true
}

type deployResult struct {
	dep    *Deployment
	status domain.Status
	err    error
}

// DeployFragments sends every deployment of state, stage by stage. Failed
// deployments are reported to the failure handler in submission order;
// the first handler error aborts the remaining stages.
func (d *Deployer) DeployFragments(ctx context.Context, state *DeployState) error {
	if !d.opts.DoDeploy || state == nil {
		return nil
	}
	for i, stage := range state.Stages {
		if len(stage) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		start := time.Now()
		results, err := d.sendStage(ctx, stage)
		if err != nil {
			return err
		}
		if d.opts.OnDeployed != nil {
			d.opts.OnDeployed(i, time.Since(start))
		}
		for _, r := range results {
			if r.status.OK() {
				continue
			}
			d.logger.Warn("deploy fragment instance failed",
				"query_id", d.js.QueryID().String(),
				"instance_id", r.dep.Exec.InstanceID().String(),
				"backend_id", r.dep.Exec.WorkerID(),
				"incremental", r.dep.Incremental,
				"status", r.status.String(),
			)
			if d.opts.OnFailure == nil {
				return domain.NewExecError(domain.KindInternal, r.status.Code, "%s", r.status.Message)
			}
			if err := d.opts.OnFailure(r.status, r.dep.Exec, r.err); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Deployer) sendStage(ctx context.Context, stage []*Deployment) ([]deployResult, error) {
	for _, dep := range stage {
		if dep.Incremental {
			continue
		}
		if err := dep.Exec.MarkDeploying(); err != nil {
			return nil, err
		}
	}

	results := make([]deployResult, len(stage))
	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrentRPCs)
	for i, dep := range stage {
		g.Go(func() error {
			st, err := d.send(ctx, dep)
			results[i] = deployResult{dep: dep, status: st, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		if r.dep.Incremental && r.status.OK() {
			continue
		}
		r.dep.Exec.MarkDeployed(r.status)
	}
	return results, nil
}

func (d *Deployer) send(ctx context.Context, dep *Deployment) (domain.Status, error) {
	if d.opts.Backend == nil {
		return domain.InternalError("no backend client configured"), nil
	}
	resp, err := d.opts.Backend.ExecPlanFragment(ctx, dep.Exec.Address(), dep.Request)
	if err != nil {
		return compute.StatusFromError(err), err
	}
	if resp == nil {
		return domain.StatusOK, nil
	}
	return resp.Status, nil
}

// IncrementalState returns a state that sends the queued scan ranges of
// every instance of execs.
func (d *Deployer) IncrementalState(execs []*execdag.ExecState) *DeployState {
	state := &DeployState{Stages: make([][]*Deployment, 1)}
	for _, e := range execs {
		state.Stages[0] = append(state.Stages[0], &Deployment{
			Exec:        e,
			Request:     d.CreateIncrementalScanRangesRequest(e.Instance()),
			Incremental: true,
		})
	}
	return state
}

// NewDeployState wraps execs, whose requests were already built, into a
// single-stage state.
func NewDeployState(execs []*execdag.ExecState) *DeployState {
	state := &DeployState{Stages: make([][]*Deployment, 1)}
	for _, e := range execs {
		state.Stages[0] = append(state.Stages[0], &Deployment{Exec: e, Request: e.Request()})
	}
	return state
}
