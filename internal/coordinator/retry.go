package coordinator

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// handleErrorExecution is the deploy failure handler. It runs with c.mu
// held, inside Schedule or ScheduleNextTurn.
func (c *Coordinator) handleErrorExecution(st domain.Status, e *execdag.ExecState, err error) error {
	if st.IsInternalCancel() {
		c.profile.FinishInstance(e.InstanceID())
		return nil
	}
	if c.queryStatus.OK() {
		c.queryStatus = st
	}
	c.cancelInternalLocked(domain.CancelInternalError)

	switch {
	case st.IsTimeout():
		c.metrics.ClassifiedError(domain.KindTimeout.String())
		return &domain.ExecError{
			Kind:    domain.KindTimeout,
			Code:    domain.CodeTimeout,
			Message: fmt.Sprintf("query timeout. backend id: %d", e.WorkerID()),
			Err:     err,
		}
	case st.IsRPCError():
		c.blocklistWorker(e.WorkerID(), st.Message)
		c.recordFailedHost(e.Worker().Host)
		c.metrics.ClassifiedError(domain.KindRPC.String())
		return &domain.ExecError{
			Kind:    domain.KindRPC,
			Code:    domain.CodeRPCError,
			Message: st.Message,
			Host:    e.Worker().Host,
			Err:     err,
		}
	default:
		return c.dealStatusToTryRetry(st)
	}
}

func (c *Coordinator) blocklistWorker(workerID int64, reason string) {
	if c.blocklist == nil {
		return
	}
	c.blocklist.Add(workerID, reason)
	c.metrics.WorkerBlocklisted()
	c.logger.Warn("blocklist worker after rpc failure", "backend_id", workerID, "reason", reason)
}

func (c *Coordinator) recordFailedHost(host string) {
	c.failedHost.CompareAndSwap(nil, &host)
}

// dealStatusToTryRetry turns a failed status into the error the caller
// sees. The error kind tells the caller whether a retry may help.
func (c *Coordinator) dealStatusToTryRetry(st domain.Status) error {
	if st.OK() {
		return nil
	}
	msg := st.Message
	if msg == "" {
		msg = st.Code.String()
	}

	var out *domain.ExecError
	switch {
	case st.IsRemoteFileNotFound():
		out = domain.NewExecError(domain.KindRemoteFileNotFound, st.Code, "%s", msg)
	case st.IsGlobalDictNotMatch():
		out = domain.NewExecError(domain.KindGlobalDictNotMatch, st.Code, "%s", msg)
	case st.IsRPCError():
		host := "unknown"
		if h := c.failedHost.Load(); h != nil {
			host = *h
		}
		out = &domain.ExecError{Kind: domain.KindRPC, Code: st.Code, Message: msg, Host: host}
	default:
		c.logger.Warn("query failed", "status", st.String())
		// worker messages may carry a host suffix that is not for users
		if i := strings.Index(msg, "host"); i > 0 {
			msg = strings.TrimSpace(msg[:i])
		}
		switch {
		case st.IsCancelled() && st.Message == domain.BackendNodeNotFoundError:
			out = domain.NewExecError(domain.KindNodeNotAlive, st.Code, "%s", msg)
		case st.IsTimeout():
			out = domain.NewExecError(domain.KindTimeout, st.Code,
				"Query reached its timeout of %d seconds, please increase the 'query_timeout' session variable and retry",
				c.js.QueryOptions().QueryTimeoutS)
		default:
			out = domain.NewExecError(domain.KindInternal, st.Code, "%s", msg)
		}
	}
	c.metrics.ClassifiedError(out.Kind.String())
	return out
}

// updateStatus records the first failure of the query and cancels the rest
// of it. Cancellations arriving after every row was returned are ignored.
func (c *Coordinator) updateStatus(st domain.Status, instanceID *domain.UniqueID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.returnedAllResults.Load() && st.IsCancelled() {
		return
	}
	if st.OK() {
		return
	}
	if !c.queryStatus.OK() {
		return
	}
	c.queryStatus = st
	attrs := []any{"status", st.String()}
	if instanceID != nil {
		attrs = append(attrs, "instance_id", instanceID.String())
	}
	c.logger.Warn("query status changed", attrs...)
	c.cancelInternalLocked(domain.CancelInternalError)
}

// cancelRemoteFragments cancels every instance individually. Instances that
// were never deployed, or whose worker cannot confirm, are finished locally.
func (c *Coordinator) cancelRemoteFragments(reason domain.CancelReason) {
	c.schedule.Cancel()

	var g errgroup.Group
	g.SetLimit(c.cfg.CancelConcurrency)
	for _, e := range c.dag.Executions() {
		g.Go(func() error {
			if !e.CancelFragmentInstance(context.Background(), reason) && (!e.HasBeenDeployed() || e.IsFinished()) {
				c.profile.FinishInstance(e.InstanceID())
			}
			return nil
		})
	}
	_ = g.Wait()
	c.finishUndeployedInstances()
}

// cancelRemoteQueryContext sends one query-level cancel to every worker and
// lets the worker cancel its own instances.
func (c *Coordinator) cancelRemoteQueryContext(reason domain.CancelReason) {
	c.schedule.Cancel()

	var g errgroup.Group
	g.SetLimit(c.cfg.CancelConcurrency)
	for _, id := range c.dag.WorkerIDs() {
		w, ok := c.provider.GetWorkerByID(id)
		if !ok {
			continue
		}
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), cancelRPCTimeout)
			defer cancel()
			_, err := c.backend.CancelQueryContext(ctx, w.Address(), &computeproto.CancelQueryContextRequest{
				QueryId: c.js.QueryID(),
				Reason:  reason.String(),
			})
			if err != nil {
				c.logger.Warn("cancel query context failed", "backend_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, e := range c.dag.Executions() {
		if !e.HasBeenDeployed() {
			c.profile.FinishInstance(e.InstanceID())
		}
	}
	c.finishUndeployedInstances()
}

func (c *Coordinator) finishUndeployedInstances() {
	for _, inst := range c.dag.Instances() {
		if inst.Execution() == nil {
			c.profile.FinishInstance(inst.InstanceID())
		}
	}
}
