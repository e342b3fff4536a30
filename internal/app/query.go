package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"qcoord/internal/coordinator"
	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
	"qcoord/internal/session"
	"qcoord/internal/worker"
)

// Profile states recorded with a pushed profile.
const (
	StateFinished = "Finished"
	StateError    = "Error"
)

// QueryResult summarizes one executed query.
type QueryResult struct {
	QueryID domain.UniqueID
	Columns []string
	Rows    int64
	Status  domain.Status
	// Async is true when the profile is pushed once the last report arrives
	// instead of before Execute returned.
	Async bool
}

// NewCoordinator builds a coordinator for js bound to this process and
// registers it so worker reports can reach it. Callers must hand it to
// Finish once done.
func (a *App) NewCoordinator(js *jobspec.JobSpec, sess *session.Context) (*coordinator.Coordinator, error) {
	provider, err := worker.NewProvider(a.Workers, a.Blocklist)
	if err != nil {
		return nil, err
	}
	c, err := coordinator.New(js, coordinator.Options{
		Session:      sess,
		Workers:      provider,
		Backend:      a.Backend,
		Blocklist:    a.Blocklist,
		Queue:        a.Queue,
		LoadManager:  a.Loads,
		ProfilePool:  a.ProfilePool,
		CoordAddress: a.Cfg.AdvertiseAddr,
		Metrics:      a.Metrics,
		Logger:       a.Logger.With("query_id", js.QueryID().String()),
		Config: coordinator.Config{
			BroadcastRFSenders:        a.Cfg.BroadcastRFSenders,
			EnableQueryCostPrediction: a.Cfg.EnableQueryCostPrediction,
			BigLoadProfileThreshold:   a.Cfg.BigLoadProfileThreshold,
			MinLoadReportIntervalS:    int(a.Cfg.LoadProfileReportInterval.Seconds()),
			DefaultProfileTimeout:     a.Cfg.ProfileTimeout,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := a.Queries.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Finish stores the profile of c, asynchronously when the session allows
// it, then unregisters c and releases what it holds. It returns whether the
// profile push is still pending.
func (a *App) Finish(ctx context.Context, c *coordinator.Coordinator, statement string) bool {
	state := StateFinished
	if !c.GetExecStatus().OK() {
		state = StateError
	}
	var once sync.Once
	push := func(bool) {
		once.Do(func() {
			if _, err := c.PushProfile(a.Profiles, statement, state); err != nil {
				a.Logger.Warn("push profile failed", "query_id", c.QueryID().String(), "error", err)
			}
		})
	}
	async := c.TryProcessProfileAsync(ctx, push)
	if !async && c.Session().IsProfileEnabled() {
		push(false)
	}

	a.Queries.Unregister(c.QueryID())
	c.OnFinished()
	if c.JobSpec().IsLoadType() {
		a.Loads.Remove(c.JobSpec().LoadJobID())
	}
	return async
}

// Execute runs js to completion. Result rows are handed to onBatch; jobs
// without a result sink are joined instead.
func (a *App) Execute(ctx context.Context, js *jobspec.JobSpec, sess *session.Context, statement string, onBatch func(*coordinator.RowBatch) error) (*QueryResult, error) {
	c, err := a.NewCoordinator(js, sess)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{QueryID: js.QueryID()}
	defer func() {
		res.Status = c.GetExecStatus()
		res.Async = a.Finish(context.WithoutCancel(ctx), c, statement)
	}()

	if err := c.StartScheduling(ctx, coordinator.ScheduleOption{DoDeploy: true}); err != nil {
		return res, fmt.Errorf("start scheduling: %w", err)
	}

	if js.RootFragment().IsResultSink() || c.IsShortCircuit() {
		if err := a.drain(ctx, c, res, onBatch); err != nil {
			return res, err
		}
		return res, nil
	}

	timeoutS := js.QueryOptions().QueryTimeoutS
	if !c.Join(ctx, timeoutS) {
		c.Cancel(domain.CancelTimeout, "")
		return res, domain.NewExecError(domain.KindTimeout, domain.CodeTimeout,
			"query did not finish within %d seconds", timeoutS)
	}
	if st := c.GetExecStatus(); !st.OK() {
		return res, domain.NewExecError(domain.KindInternal, st.Code, "%s", st.Message)
	}
	return res, nil
}

func (a *App) drain(ctx context.Context, c *coordinator.Coordinator, res *QueryResult, onBatch func(*coordinator.RowBatch) error) error {
	for {
		b, err := c.GetNext(ctx)
		if err != nil {
			return err
		}
		if len(b.Columns) > 0 && res.Columns == nil {
			res.Columns = b.Columns
		}
		res.Rows += int64(b.NumRows())
		if onBatch != nil && (b.NumRows() > 0 || len(b.Columns) > 0) {
			if err := onBatch(b); err != nil {
				c.Cancel(domain.CancelUserCancel, "")
				return err
			}
		}
		if b.EOS {
			return nil
		}
	}
}

// ErrNoWorkers is returned by Explain when the cluster has no usable worker.
var ErrNoWorkers = errors.New("no alive workers")

// Explain plans js without contacting any worker and returns the schedule.
func (a *App) Explain(ctx context.Context, js *jobspec.JobSpec, sess *session.Context) (string, error) {
	provider, err := worker.NewProvider(a.Workers, a.Blocklist)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoWorkers, err)
	}
	c, err := coordinator.New(js, coordinator.Options{
		Session: sess,
		Workers: provider,
		Backend: a.Backend,
		Logger:  a.Logger,
		Config: coordinator.Config{
			BroadcastRFSenders:        a.Cfg.BroadcastRFSenders,
			EnableQueryCostPrediction: a.Cfg.EnableQueryCostPrediction,
		},
	})
	if err != nil {
		return "", err
	}
	if err := c.StartScheduling(ctx, coordinator.ScheduleOption{}); err != nil {
		return "", err
	}
	return c.GetSchedulerExplain(), nil
}
