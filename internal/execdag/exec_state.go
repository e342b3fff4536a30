package execdag

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qcoord/internal/compute"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
)

// State is the lifecycle state of one fragment instance.
type State int

const (
	StateNotDeployed State = iota
	StateDeploying
	StateRunning
	StateFinished
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateNotDeployed:
		return "NOT_DEPLOYED"
	case StateDeploying:
		return "DEPLOYING"
	case StateRunning:
		return "RUNNING"
	case StateFinished:
		return "FINISHED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// BackendHealth answers whether a worker is still alive.
type BackendHealth interface {
	IsWorkerAlive(workerID int64) bool
}

// cancelRPCTimeout bounds a single cancel RPC.
const cancelRPCTimeout = 5 * time.Second

// ExecState is the mutable runtime state of one deployed fragment instance.
type ExecState struct {
	instance *FragmentInstance
	request  *computeproto.ExecPlanFragmentRequest
	backend  compute.BackendClient
	health   BackendHealth
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	status     domain.Status
	deployed   bool
	done       bool
	lastSeq    int64
	deployedAt time.Time
	finishedAt time.Time
}

// ExecStateOptions are the collaborators of an ExecState.
type ExecStateOptions struct {
	Backend compute.BackendClient
	Health  BackendHealth
	Logger  *slog.Logger
}

// NewExecState returns the state for inst, which will be deployed with req.
func NewExecState(inst *FragmentInstance, req *computeproto.ExecPlanFragmentRequest, opts ExecStateOptions) *ExecState {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecState{
		instance: inst,
		request:  req,
		backend:  opts.Backend,
		health:   opts.Health,
		logger:   logger,
	}
}

func (e *ExecState) Instance() *FragmentInstance { return e.instance }
func (e *ExecState) InstanceID() domain.UniqueID { return e.instance.instanceID }
func (e *ExecState) IndexInJob() int { return e.instance.indexInJob }
func (e *ExecState) FragmentID() jobspec.FragmentID { return e.instance.FragmentID() }
func (e *ExecState) Worker() *domain.ComputeNode { return e.instance.worker }
func (e *ExecState) WorkerID() int64 { return e.instance.worker.ID }
func (e *ExecState) Address() string { return e.instance.worker.Address() }
func (e *ExecState) Request() *computeproto.ExecPlanFragmentRequest { return e.request }

func (e *ExecState) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the last status reported for the instance.
func (e *ExecState) Status() domain.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// HasBeenDeployed reports whether the deploy RPC was acknowledged.
func (e *ExecState) HasBeenDeployed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deployed
}

// IsFinished reports whether the instance will not report again, either
// because it sent its final report or because it could not be reached.
func (e *ExecState) IsFinished() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// LastReportSeq returns the sequence of the last accepted report.
func (e *ExecState) LastReportSeq() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

// MarkDeploying moves the instance out of NOT_DEPLOYED. It fails if the
// instance was already handed to a worker.
func (e *ExecState) MarkDeploying() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateNotDeployed {
		return domain.NewExecError(domain.KindInternal, domain.CodeInternalError,
			"instance %s is %s, cannot deploy again", e.instance.instanceID, e.state)
	}
	e.state = StateDeploying
	return nil
}

// MarkDeployed records the deploy RPC outcome.
func (e *ExecState) MarkDeployed(st domain.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !st.OK() {
		if e.status.OK() {
			e.status = st
		}
		if e.state == StateDeploying {
			e.state = StateFailed
		}
		e.done = true
		e.finishedAt = time.Now()
		return
	}
	e.deployed = true
	e.deployedAt = time.Now()
	if e.state == StateDeploying {
		e.state = StateRunning
	}
}

// UpdateExecStatus applies a worker report. It returns false for reports
// that are stale or arrive after the instance already finished.
func (e *ExecState) UpdateExecStatus(report *computeproto.ReportExecStatusRequest) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	if report.ReportSeq > 0 {
		if report.ReportSeq <= e.lastSeq {
			return false
		}
		e.lastSeq = report.ReportSeq
	}
	if e.status.OK() && !report.Status.OK() {
		e.status = report.Status
	}
	if e.state == StateDeploying {
		e.state = StateRunning
	}
	if report.Done {
		e.done = true
		e.finishedAt = time.Now()
		if e.state != StateCancelled {
			if report.Status.OK() {
				e.state = StateFinished
			} else {
				e.state = StateFailed
			}
		}
	}
	return true
}

// CancelFragmentInstance asks the worker to cancel the instance. It returns
// false if the instance was never deployed, has already finished, or the
// RPC failed; in the last case the instance is marked finished locally since
// the worker cannot be relied on to report again.
func (e *ExecState) CancelFragmentInstance(ctx context.Context, reason domain.CancelReason) bool {
	e.mu.Lock()
	if !e.deployed || e.done {
		e.mu.Unlock()
		return false
	}
	if e.state == StateCancelled {
		e.mu.Unlock()
		return true
	}
	e.state = StateCancelled
	e.mu.Unlock()

	if e.backend == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, cancelRPCTimeout)
	defer cancel()
	_, err := e.backend.CancelPlanFragment(ctx, e.Address(), &computeproto.CancelPlanFragmentRequest{
		QueryId:            e.request.QueryId,
		FragmentInstanceId: e.instance.instanceID,
		Reason:             reason.String(),
	})
	if err != nil {
		e.logger.Warn("cancel fragment instance failed",
			"instance_id", e.instance.instanceID.String(),
			"backend_id", e.WorkerID(),
			"error", err,
		)
		e.mu.Lock()
		if !e.done {
			e.done = true
			e.finishedAt = time.Now()
			if e.status.OK() {
				e.status = compute.StatusFromError(err)
			}
		}
		e.mu.Unlock()
		return false
	}
	return true
}

// IsBackendStateHealthy reports whether the hosting worker is still alive.
func (e *ExecState) IsBackendStateHealthy() bool {
	if e.health == nil {
		return true
	}
	return e.health.IsWorkerAlive(e.WorkerID())
}

// Elapsed is the time since deployment, or the run time once finished.
func (e *ExecState) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deployedAt.IsZero() {
		return 0
	}
	if !e.finishedAt.IsZero() {
		return e.finishedAt.Sub(e.deployedAt)
	}
	return time.Since(e.deployedAt)
}
