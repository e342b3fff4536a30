// Package coordinator drives one query from a JobSpec to a terminal status:
// it prepares the execution DAG, deploys it through a schedule, consumes
// worker reports, returns results and cancels remote work.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"qcoord/internal/admission"
	"qcoord/internal/compute"
	"qcoord/internal/deploy"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
	"qcoord/internal/loadmgr"
	"qcoord/internal/metrics"
	"qcoord/internal/preprocess"
	"qcoord/internal/profile"
	"qcoord/internal/schedule"
	"qcoord/internal/session"
	"qcoord/internal/worker"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultBigLoadProfileThreshold = 30 * time.Second
	DefaultMinLoadReportIntervalS  = 30
	DefaultProfileTimeout          = 2 * time.Second
	DefaultCancelConcurrency       = 32
)

const (
	joinRound                  = 5 * time.Second
	cancelRPCTimeout           = 5 * time.Second
	duplicateReportLogInterval = 10 * time.Second
	defaultResultFetchTimeout  = 300 * time.Second
)

// LoadManager receives per-instance progress of load jobs.
type LoadManager interface {
	InitJobProgress(loadJobID int64, queryID domain.UniqueID, instanceIDs []domain.UniqueID)
	UpdateJobProgress(loadJobID int64, instanceID domain.UniqueID, p loadmgr.InstanceProgress)
}

// ScheduleOption controls one StartScheduling call.
type ScheduleOption struct {
	// DoDeploy false prepares and plans the job without contacting any
	// worker. Used by explain.
	DoDeploy bool
}

// Config holds process-wide tunables.
type Config struct {
	BroadcastRFSenders        int
	DefaultPipelineDOP        int
	IncrementalBatchSize      int
	MaxConcurrentDeployRPCs   int
	CancelConcurrency         int
	EnableQueryCostPrediction bool
	// BigLoadProfileThreshold replaces an unset big-query profile threshold
	// of broker loads.
	BigLoadProfileThreshold time.Duration
	// MinLoadReportIntervalS is the lowest profile report interval a load
	// job may use.
	MinLoadReportIntervalS int
	DefaultProfileTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.BroadcastRFSenders <= 0 {
		c.BroadcastRFSenders = preprocess.DefaultBroadcastRFSenders
	}
	if c.CancelConcurrency <= 0 {
		c.CancelConcurrency = DefaultCancelConcurrency
	}
	if c.BigLoadProfileThreshold <= 0 {
		c.BigLoadProfileThreshold = DefaultBigLoadProfileThreshold
	}
	if c.MinLoadReportIntervalS <= 0 {
		c.MinLoadReportIntervalS = DefaultMinLoadReportIntervalS
	}
	if c.DefaultProfileTimeout <= 0 {
		c.DefaultProfileTimeout = DefaultProfileTimeout
	}
	return c
}

// Options are the collaborators of a Coordinator. Workers and Backend are
// required.
type Options struct {
	Session   *session.Context
	Workers   *worker.Provider
	Backend   compute.BackendClient
	Blocklist *worker.Blocklist
	// Queue gates StartScheduling on admission control. Nil admits at once.
	Queue       *admission.QueryQueueManager
	LoadManager LoadManager
	// ProfilePool runs async profile listeners.
	ProfilePool *ants.Pool
	// ShortCircuit overrides the executor used for point lookups.
	ShortCircuit ShortCircuitExecutor
	// CoordAddress is where workers send their reports.
	CoordAddress string
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Config       Config
}

// Coordinator owns every piece of state of one query.
type Coordinator struct {
	js        *jobspec.JobSpec
	sess      *session.Context
	provider  *worker.Provider
	pre       *preprocess.Preprocessor
	dag       *execdag.ExecutionDAG
	profile   *profile.QueryRuntimeProfile
	backend   compute.BackendClient
	blocklist *worker.Blocklist
	queue     *admission.QueryQueueManager
	loadMgr   LoadManager
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	coordAddr string

	scheduleKind   schedule.Kind
	shortCircuit   ShortCircuitExecutor
	isShortCircuit bool
	dupLog         rate.Sometimes
	joinRound      time.Duration

	returnedAllResults atomic.Bool
	predictedCost      atomic.Int64
	slot               atomic.Pointer[admission.LogicalSlot]
	failedHost         atomic.Pointer[string] // worker whose RPC failure failed the query

	// mu guards the fields below, the deploy step and cancellation.
	mu              sync.Mutex
	queryStatus     domain.Status
	schedule        schedule.Schedule
	deployer        *deploy.Deployer
	receiver        *ResultReceiver
	prepared        bool
	numReceivedRows int64
}

// New builds a coordinator for js. Nothing is contacted until
// StartScheduling.
func New(js *jobspec.JobSpec, opts Options) (*Coordinator, error) {
	if js == nil {
		return nil, domain.ErrValidation("coordinator needs a job spec")
	}
	if opts.Workers == nil {
		return nil, domain.ErrValidation("coordinator for query %s needs a worker provider", js.QueryID())
	}
	if opts.Backend == nil {
		return nil, domain.ErrValidation("coordinator for query %s needs a backend client", js.QueryID())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("query_id", js.QueryID().String())
	sess := opts.Session
	if sess == nil {
		sess = session.New("", session.DefaultVariables())
	}
	cfg := opts.Config.withDefaults()
	vars := sess.Variables()

	pre := preprocess.New(js, opts.Workers, preprocess.Options{
		BroadcastRFSenders:   cfg.BroadcastRFSenders,
		DefaultPipelineDOP:   cfg.DefaultPipelineDOP,
		IncrementalBatchSize: cfg.IncrementalBatchSize,
		Logger:               logger,
	})

	kind := schedule.KindAllAtOnce
	if vars.EnablePhasedScheduler {
		kind = schedule.KindPhased
	}

	c := &Coordinator{
		js:           js,
		sess:         sess,
		provider:     opts.Workers,
		pre:          pre,
		dag:          pre.DAG(),
		profile:      profile.New(js, profile.Options{Pool: opts.ProfilePool, Logger: logger}),
		backend:      opts.Backend,
		blocklist:    opts.Blocklist,
		queue:        opts.Queue,
		loadMgr:      opts.LoadManager,
		metrics:      opts.Metrics,
		logger:       logger,
		cfg:          cfg,
		coordAddr:    opts.CoordAddress,
		scheduleKind: kind,
		dupLog:       rate.Sometimes{First: 1, Interval: duplicateReportLogInterval},
		joinRound:    joinRound,
	}
	c.schedule = c.newSchedule()
	if opts.Queue != nil {
		c.slot.Store(admission.NewLogicalSlot(js.QueryID(), js.ResourceGroupName(), 1))
	}
	if IsShortCircuitEligible(js, vars) {
		c.shortCircuit = opts.ShortCircuit
		if c.shortCircuit == nil {
			c.shortCircuit = NewPointLookupExecutor(js, opts.Workers, opts.Backend, logger)
		}
		c.isShortCircuit = true
	}
	return c, nil
}

func (c *Coordinator) newSchedule() schedule.Schedule {
	return schedule.New(c.scheduleKind, schedule.Options{
		MaxConcurrency: c.sess.Variables().PhasedSchedulerMaxConcurrency,
		Logger:         c.logger,
	})
}

func (c *Coordinator) QueryID() domain.UniqueID { return c.js.QueryID() }
func (c *Coordinator) JobSpec() *jobspec.JobSpec { return c.js }
func (c *Coordinator) DAG() *execdag.ExecutionDAG { return c.dag }
func (c *Coordinator) Session() *session.Context { return c.sess }
func (c *Coordinator) Slot() *admission.LogicalSlot { return c.slot.Load() }
func (c *Coordinator) StartTime() time.Time { return c.js.StartTime() }
func (c *Coordinator) ScheduleKind() schedule.Kind { return c.scheduleKind }
func (c *Coordinator) IsShortCircuit() bool { return c.isShortCircuit }
func (c *Coordinator) RuntimeProfile() *profile.QueryRuntimeProfile { return c.profile }

// Load side-channel artifacts collected from worker reports.
func (c *Coordinator) CommitInfos() []domain.TabletCommitInfo { return c.profile.CommitInfos() }
func (c *Coordinator) FailInfos() []domain.TabletFailInfo { return c.profile.FailInfos() }
func (c *Coordinator) SinkCommitInfos() []domain.SinkCommitInfo { return c.profile.SinkCommitInfos() }
func (c *Coordinator) DeltaURLs() []string { return c.profile.DeltaURLs() }
func (c *Coordinator) LoadCounters() map[string]string { return c.profile.LoadCounters() }
func (c *Coordinator) TrackingURL() string { return c.profile.TrackingURL() }
func (c *Coordinator) RejectedRecordPaths() []string { return c.profile.RejectedRecordPaths() }

func (c *Coordinator) ResourceGroupName() string { return c.js.ResourceGroupName() }
func (c *Coordinator) WarehouseName() string { return c.sess.Variables().WarehouseName }

// SetPredictedCost records the planner's memory estimate shown by explain.
func (c *Coordinator) SetPredictedCost(bytes int64) { c.predictedCost.Store(bytes) }

// SetTimeoutSecond overrides the query timeout shipped to workers.
func (c *Coordinator) SetTimeoutSecond(seconds int) { c.js.SetQueryTimeout(seconds) }

// GetExecStatus returns a copy of the query status.
func (c *Coordinator) GetExecStatus() domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryStatus
}

// IsDone reports whether every instance has finished.
func (c *Coordinator) IsDone() bool { return c.profile.IsFinished() }

// IsUsingBackend reports whether the query placed work on workerID.
func (c *Coordinator) IsUsingBackend(workerID int64) bool {
	return c.provider.IsWorkerSelected(workerID)
}

// FragmentInstanceInfos lists the instances of the query and where they run.
func (c *Coordinator) FragmentInstanceInfos() []execdag.InstanceInfo {
	return c.dag.InstanceInfos()
}

// StartScheduling admits, prepares and deploys the query.
func (c *Coordinator) StartScheduling(ctx context.Context, opt ScheduleOption) error {
	start := time.Now()
	if err := c.queue.MaybeWait(ctx, c.sess.Variables().EnableQueryQueue, c.slot.Load()); err != nil {
		return err
	}
	c.metrics.SchedulePhase("pending", time.Since(start))

	if c.isShortCircuit {
		return c.execShortCircuit(ctx)
	}

	start = time.Now()
	if err := c.PrepareExec(ctx); err != nil {
		return err
	}
	c.metrics.SchedulePhase("prepare", time.Since(start))

	start = time.Now()
	if err := c.deliverExecFragments(ctx, opt); err != nil {
		return err
	}
	c.metrics.SchedulePhase("deploy", time.Since(start))

	if !opt.DoDeploy {
		c.profile.FinishAllInstances(domain.StatusOK)
	}
	return nil
}

func (c *Coordinator) execShortCircuit(ctx context.Context) error {
	err := c.shortCircuit.Exec(ctx)
	if err != nil {
		st := domain.InternalError(err.Error())
		var ee *domain.ExecError
		if errors.As(err, &ee) {
			st = domain.Status{Code: ee.Code, Message: ee.Message}
		}
		c.updateStatus(st, nil)
	}
	c.profile.FinishAllInstances(domain.StatusOK)
	return err
}

// PrepareExec builds the execution DAG and everything derived from it:
// runtime filter routing, the result receiver and the profile skeleton.
// Calling it again after ClearExportStatus reuses the existing DAG.
func (c *Coordinator) PrepareExec(ctx context.Context) error {
	vars := c.sess.Variables()
	if vars.EnableIncrementalScanRanges {
		c.js.SetIncrementalScanRanges(true)
	}
	c.mu.Lock()
	prepared := c.prepared
	c.mu.Unlock()
	if !prepared {
		if err := c.pre.PrepareExec(ctx); err != nil {
			return err
		}
		if slot := c.slot.Load(); slot != nil && slot.MaxDOP > 0 && slot.MaxDOP != c.js.QueryOptions().PipelineDOP {
			for _, f := range c.dag.Fragments() {
				f.LimitPipelineDOP(slot.MaxDOP)
			}
		}
		c.pre.PrepareRuntimeFilters(vars.GlobalRuntimeFilterBuildMaxSize)
		c.mu.Lock()
		c.prepared = true
		c.mu.Unlock()
	}
	c.prepareResultSink()
	c.prepareProfile()
	return nil
}

func (c *Coordinator) prepareResultSink() {
	root := c.dag.RootFragment()
	if !root.PlanFragment().IsResultSink() {
		return
	}
	instances := root.Instances()
	if len(instances) == 0 {
		return
	}
	timeout := time.Duration(c.js.QueryOptions().QueryTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultResultFetchTimeout
	}
	c.mu.Lock()
	c.receiver = NewResultReceiver(c.backend, c.js.QueryID(), instances[0], timeout)
	c.mu.Unlock()
}

func (c *Coordinator) prepareProfile() {
	c.profile.InitFragmentProfiles(c.dag.Fragments())

	instances := c.dag.Instances()
	ids := make([]domain.UniqueID, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.InstanceID())
	}

	if !c.dag.RootFragment().PlanFragment().IsResultSink() {
		enablePipeline := c.js.IsEnablePipeline()
		brokerLoad := c.js.IsBrokerLoad()
		c.js.UpdateQueryOptions(func(o *jobspec.QueryOptions) {
			if !enablePipeline {
				o.EnableProfile = true
			}
			if brokerLoad && o.BigQueryProfileThresholdMs == 0 {
				o.BigQueryProfileThresholdMs = c.cfg.BigLoadProfileThreshold.Milliseconds()
			}
			if o.RuntimeProfileReportIntervalS < c.cfg.MinLoadReportIntervalS {
				o.RuntimeProfileReportIntervalS = c.cfg.MinLoadReportIntervalS
			}
		})
		if c.loadMgr != nil {
			c.loadMgr.InitJobProgress(c.js.LoadJobID(), c.js.QueryID(), ids)
		}
		c.logger.Info("dispatch load job",
			"load_job_id", c.js.LoadJobID(),
			"load_type", c.js.LoadJobType().String(),
			"instances", len(ids))
	}
	c.profile.AttachInstances(ids)
}

func (c *Coordinator) deliverExecFragments(ctx context.Context, opt ScheduleOption) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.queryStatus.OK() {
		return c.dealStatusToTryRetry(c.queryStatus)
	}
	c.deployer = deploy.New(c.dag, deploy.Options{
		Backend:              c.backend,
		Health:               c.provider,
		CoordAddress:         c.coordAddr,
		DoDeploy:             opt.DoDeploy,
		EnablePhasedSchedule: c.scheduleKind == schedule.KindPhased,
		MaxConcurrentRPCs:    c.cfg.MaxConcurrentDeployRPCs,
		OnFailure:            c.handleErrorExecution,
		OnDeployed: func(_ int, elapsed time.Duration) {
			c.metrics.DeployStage(elapsed)
		},
		Logger: c.logger,
	})
	if err := c.schedule.PrepareSchedule(c, c.deployer, c.dag); err != nil {
		return err
	}
	if err := c.schedule.Schedule(ctx); err != nil {
		return err
	}
	c.profile.AttachExecutionProfiles(c.dag.Executions())
	return nil
}

// AssignIncrementalScanRangesToDeployStates pulls more scan ranges for the
// fragments of states and returns deployments carrying them. It runs
// inside Schedule and must not take c.mu.
func (c *Coordinator) AssignIncrementalScanRangesToDeployStates(ctx context.Context, d *deploy.Deployer, states []*deploy.DeployState) ([]*deploy.DeployState, error) {
	if !c.js.IsIncrementalScanRanges() {
		return nil, nil
	}
	var out []*deploy.DeployState
	for _, st := range states {
		updated := make(map[jobspec.FragmentID]bool)
		for _, id := range st.FragmentIDs() {
			f := c.dag.Fragment(id)
			if f == nil || !f.HasIncrementalScanRanges() {
				continue
			}
			if _, err := c.pre.AssignIncrementalScanRanges(ctx, f); err != nil {
				return nil, err
			}
			updated[id] = true
		}
		if len(updated) == 0 {
			continue
		}
		var execs []*execdag.ExecState
		for _, e := range st.Executions() {
			if updated[e.FragmentID()] {
				execs = append(execs, e)
			}
		}
		out = append(out, d.IncrementalState(execs))
	}
	return out, nil
}

// ScheduleNextTurn continues a phased schedule on behalf of instanceID.
// Scheduling errors cancel the query and come back as an internal error.
func (c *Coordinator) ScheduleNextTurn(ctx context.Context, instanceID domain.UniqueID) domain.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deployer == nil {
		return domain.InternalError(fmt.Sprintf("query %s is not scheduled", c.js.QueryID()))
	}
	if err := c.schedule.TryScheduleNextTurn(ctx, instanceID); err != nil {
		c.logger.Warn("schedule next turn failed", "instance_id", instanceID.String(), "error", err)
		c.cancelLocked(domain.CancelInternalError, err.Error())
		return domain.InternalError(err.Error())
	}
	return domain.StatusOK
}

// GetSchedulerExplain renders the instance assignment of the query.
func (c *Coordinator) GetSchedulerExplain() string {
	var b strings.Builder
	if c.cfg.EnableQueryCostPrediction {
		fmt.Fprintf(&b, "predicted memory cost: %d\n", c.predictedCost.Load())
	}
	b.WriteString(c.dag.Explain())
	return b.String()
}

// Cancel stops the query with reason. A query already in error is left
// alone.
func (c *Coordinator) Cancel(reason domain.CancelReason, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(reason, message)
}

func (c *Coordinator) cancelLocked(reason domain.CancelReason, message string) {
	defer func() {
		if message == domain.BackendNodeNotFoundError {
			c.profile.FinishAllInstances(domain.StatusOK)
		}
	}()
	if !c.queryStatus.OK() {
		return
	}
	if message == "" {
		message = reason.String()
	}
	c.queryStatus = domain.Cancelled(message)
	c.logger.Info("cancel query", "reason", reason.String(), "message", message)
	c.cancelInternalLocked(reason)
}

func (c *Coordinator) cancelInternalLocked(reason domain.CancelReason) {
	c.releaseSlot()
	if !reason.IsInternal() && c.sess.ErrorMessage() == "" {
		c.sess.SetError(reason.String())
	}
	if c.receiver != nil {
		c.receiver.Cancel()
	}
	if c.scheduleKind == schedule.KindPhased {
		c.cancelRemoteQueryContext(reason)
	} else {
		c.cancelRemoteFragments(reason)
	}
	if !reason.IsInternal() && !c.sess.IsProfileEnabled() {
		c.profile.FinishAllInstances(domain.StatusOK)
	}
	c.metrics.Cancelled(reason.String())
}

func (c *Coordinator) releaseSlot() {
	slot := c.slot.Load()
	if c.queue == nil || slot == nil {
		return
	}
	p := c.queue.Provider()
	p.CancelSlotRequirement(slot)
	p.ReleaseSlot(slot)
}

// OnReleaseSlots returns the admission slot. Safe to call more than once.
func (c *Coordinator) OnReleaseSlots() { c.releaseSlot() }

// OnFinished releases everything the query holds once the caller is done
// with it.
func (c *Coordinator) OnFinished() {
	c.releaseSlot()
	c.profile.FinishAllInstances(domain.StatusOK)
	c.metrics.QueryFinished(c.GetExecStatus().ErrorCodeString())
}

// ClearExportStatus prepares the query to be deployed again.
func (c *Coordinator) ClearExportStatus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dag.ResetExecutions()
	c.queryStatus = domain.StatusOK
	c.failedHost.Store(nil)
	c.returnedAllResults.Store(false)
	c.profile.ClearExportStatus()
	c.schedule = c.newSchedule()
	c.deployer = nil
	// the previous slot is released or cancelled by now
	if c.queue != nil {
		c.slot.Store(admission.NewLogicalSlot(c.js.QueryID(), c.js.ResourceGroupName(), 1))
	}
}
