package coordinator

import (
	"context"
	"fmt"
	"time"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/loadmgr"
	"qcoord/internal/metrics"
	"qcoord/internal/profile"
)

// UpdateFragmentExecStatus applies one worker report. Stale and duplicate
// reports are dropped. Each side effect of an accepted report runs on its
// own, so a failure merging the profile does not skip progress tracking.
func (c *Coordinator) UpdateFragmentExecStatus(report *computeproto.ReportExecStatusRequest) {
	e := c.dag.Execution(report.BackendNum)
	if e == nil {
		c.logger.Warn("status report for unknown backend number",
			"backend_num", report.BackendNum,
			"instance_id", report.FragmentInstanceId.String())
		c.metrics.StatusReport(metrics.ReportUnknown)
		return
	}
	if !e.UpdateExecStatus(report) {
		c.dupLog.Do(func() {
			c.logger.Info("duplicate status report",
				"instance_id", e.InstanceID().String(),
				"report_seq", report.ReportSeq,
				"done", report.Done)
		})
		c.metrics.StatusReport(metrics.ReportDuplicate)
		return
	}
	c.metrics.StatusReport(metrics.ReportAccepted)

	c.runStage("update runtime profile", func() { c.updateRuntimeProfile(e, report) })
	if report.Done && e.IsFinished() {
		c.runStage("update finish instance", func() { c.updateFinishInstance(e, report) })
	}
}

func (c *Coordinator) runStage(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("status report stage failed", "stage", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (c *Coordinator) updateRuntimeProfile(e *execdag.ExecState, report *computeproto.ReportExecStatusRequest) {
	c.runStage("update profile", func() { c.profile.UpdateProfile(e, report) })
	c.runStage("update load channel profile", func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.profile.UpdateLoadChannelProfile(report)
	})
	c.runStage("update job progress", func() { c.updateJobProgress(report) })

	st := report.Status
	if !(c.returnedAllResults.Load() && st.IsCancelled()) && !st.OK() {
		c.sess.SetErrorCodeOnce(st.ErrorCodeString())
		c.logger.Warn("instance reported failure",
			"instance_id", e.InstanceID().String(),
			"backend_id", e.WorkerID(),
			"status", st.String())
		if st.IsRPCError() {
			c.blocklistWorker(e.WorkerID(), st.Message)
			c.recordFailedHost(e.Worker().Host)
		}
		id := e.InstanceID()
		c.updateStatus(st, &id)
	}
}

func (c *Coordinator) updateFinishInstance(e *execdag.ExecState, report *computeproto.ReportExecStatusRequest) {
	if c.js.IsLoadType() && e.IsFinished() && c.profile.IsFinished() {
		panic(fmt.Sprintf("instance %s of load query %s finished after the query was finished",
			e.InstanceID(), c.js.QueryID()))
	}
	c.runStage("update load information", func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.profile.UpdateLoadInformation(e, report)
	})
	c.profile.FinishInstance(e.InstanceID())
}

func (c *Coordinator) updateJobProgress(report *computeproto.ReportExecStatusRequest) {
	if c.loadMgr == nil || !report.LoadType.TracksProgress() {
		return
	}
	if report.SinkLoadBytes == nil || report.SourceLoadRows == nil || report.SourceLoadBytes == nil {
		return
	}
	c.loadMgr.UpdateJobProgress(c.js.LoadJobID(), report.FragmentInstanceId, loadmgr.InstanceProgress{
		SinkLoadBytes:   *report.SinkLoadBytes,
		SourceLoadRows:  *report.SourceLoadRows,
		SourceLoadBytes: *report.SourceLoadBytes,
	})
}

// UpdateAuditStatistics merges resource usage reported by an instance.
func (c *Coordinator) UpdateAuditStatistics(req *computeproto.ReportAuditStatisticsRequest) {
	c.profile.UpdateAuditStatistics(req.Statistics)
}

// AuditStatistics returns the merged resource usage of the query.
func (c *Coordinator) AuditStatistics() domain.AuditStatistics {
	return c.profile.AuditStatistics()
}

// Join waits up to timeoutS seconds for every instance to finish. It wakes
// at least every few seconds to check the workers, and returns true early
// when one of them died; callers must then consult GetExecStatus.
func (c *Coordinator) Join(ctx context.Context, timeoutS int) bool {
	left := time.Duration(timeoutS) * time.Second
	for left > 0 {
		wait := min(left, c.joinRound)
		if c.profile.WaitForProfileFinished(ctx, wait) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if !c.CheckBackendState() {
			return true
		}
		left -= wait
	}
	c.logger.Warn("join timed out",
		"timeout_s", timeoutS,
		"pending_instances", c.profile.PendingInstances())
	return false
}

// CheckBackendState reports whether every worker the query waits on is
// alive. A dead worker fails the query.
func (c *Coordinator) CheckBackendState() bool {
	for _, e := range c.dag.NeedCheckExecutions() {
		if e.IsBackendStateHealthy() {
			continue
		}
		c.mu.Lock()
		if c.queryStatus.OK() {
			c.queryStatus = domain.InternalError(fmt.Sprintf("backend %d is down", e.WorkerID()))
		}
		c.mu.Unlock()
		c.logger.Warn("backend is down", "backend_id", e.WorkerID(), "instance_id", e.InstanceID().String())
		return false
	}
	return true
}

func (c *Coordinator) profileTimeout() time.Duration {
	if s := c.sess.Variables().ProfileTimeoutS; s > 0 {
		return time.Duration(s) * time.Second
	}
	return c.cfg.DefaultProfileTimeout
}

// CollectProfileSync waits briefly for the last reports and finalizes the
// profile. A timed out wait is logged, not returned.
func (c *Coordinator) CollectProfileSync(ctx context.Context) {
	if len(c.dag.Executions()) == 0 {
		return
	}
	if c.js.IsNeedReport() {
		timeout := c.profileTimeout()
		ok := c.profile.WaitForProfileFinished(ctx, timeout)
		if !ok {
			c.logger.Warn("profile collection timed out",
				"timeout", timeout,
				"pending_instances", c.profile.PendingInstances())
		}
		c.metrics.ProfileCollected("sync", ok)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profile.FinalizeProfile()
}

// TryProcessProfileAsync arranges for task to run once the profile is
// complete. It returns true when task will run asynchronously. Otherwise
// the profile is collected on the calling goroutine, task(false) has
// already run, and false is returned. Jobs that produce no profile return
// false without calling task.
func (c *Coordinator) TryProcessProfileAsync(ctx context.Context, task func(async bool)) bool {
	if len(c.dag.Executions()) == 0 && !c.isShortCircuit {
		return false
	}
	if !c.js.IsNeedReport() {
		return false
	}
	async := c.sess.Variables().EnableAsyncProfile
	if async && c.profile.AddListener(func() {
		c.mu.Lock()
		c.profile.FinalizeProfile()
		c.mu.Unlock()
		c.metrics.ProfileCollected("async", true)
		task(true)
	}) {
		return true
	}
	if async {
		c.logger.Info("profile listener pool is busy, collecting profile synchronously")
	}
	c.CollectProfileSync(ctx)
	task(false)
	return false
}

// QueryProfile returns the profile of the query, finalized if collection
// already happened.
func (c *Coordinator) QueryProfile() *domain.RuntimeProfile {
	if c.isShortCircuit {
		if p := c.shortCircuit.Profile(); p != nil {
			return p
		}
	}
	return c.profile.Profile()
}

// PushProfile stores the query profile under its id with the given
// statement and final state.
func (c *Coordinator) PushProfile(store *profile.Store, statement, state string) (string, error) {
	end := time.Now()
	start := c.js.StartTime()
	summary := map[string]string{
		profile.InfoQueryID:    c.js.QueryID().String(),
		profile.InfoUser:       c.sess.User,
		profile.InfoQueryType:  c.js.QueryType().String(),
		profile.InfoQueryState: state,
		profile.InfoStartTime:  start.Format(time.DateTime),
		profile.InfoEndTime:    end.Format(time.DateTime),
		profile.InfoTotalTime:  end.Sub(start).Round(time.Millisecond).String(),
		profile.InfoStatement:  statement,
		profile.InfoWarehouse:  c.WarehouseName(),
	}
	return store.Push(summary, c.QueryProfile())
}
