package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"qcoord/internal/admission"
	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
	"qcoord/internal/loadmgr"
	"qcoord/internal/profile"
	"qcoord/internal/session"
)

var deployOpt = ScheduleOption{DoDeploy: true}

func setVars(s *session.Context, fn func(*session.Variables)) {
	v := s.Variables()
	fn(&v)
	s.SetVariables(v)
}

func TestStartScheduling_DeploysEveryInstanceOnce(t *testing.T) {
	for _, phased := range []bool{false, true} {
		t.Run(fmt.Sprintf("phased=%v", phased), func(t *testing.T) {
			f := newFixture(t, 1, 2)
			setVars(f.sess, func(v *session.Variables) { v.EnablePhasedScheduler = phased })
			c := newCoordinator(t, f, newScanJob(t))
			ctx := context.Background()

			require.NoError(t, c.StartScheduling(ctx, deployOpt))

			counts := f.backend.deployCounts()
			require.Equal(t, 3, c.DAG().NumInstances())
			require.Len(t, counts, 3)
			for _, inst := range c.DAG().Instances() {
				assert.Equal(t, 1, counts[inst.InstanceID()], "instance %s", inst.InstanceID())
			}
			assert.True(t, c.GetExecStatus().OK())
			assert.False(t, c.IsDone())
			assert.True(t, c.IsUsingBackend(1))
			assert.True(t, c.IsUsingBackend(2))

			finishAll(c)
			assert.True(t, c.IsDone())
			assert.True(t, c.Join(ctx, 1))
			assert.True(t, c.GetExecStatus().OK())
		})
	}
}

func TestStartScheduling_ExplainOnly(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t), func(o *Options) {
		o.Config.EnableQueryCostPrediction = true
	})
	c.SetPredictedCost(1024)

	require.NoError(t, c.StartScheduling(context.Background(), ScheduleOption{DoDeploy: false}))

	assert.Empty(t, f.backend.deployCounts())
	assert.True(t, c.IsDone())
	assert.Len(t, c.DAG().Executions(), 3)

	explain := c.GetSchedulerExplain()
	assert.True(t, strings.HasPrefix(explain, "predicted memory cost: 1024\n"), explain)
	assert.Contains(t, explain, "PLAN FRAGMENT 0(F00)")
	assert.Contains(t, explain, "PLAN FRAGMENT 1(F01)")
}

func TestCancel_ConcurrentCallsCancelOnce(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

	c.Cancel(domain.CancelUserCancel, "first")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Cancel(domain.CancelInternalError, fmt.Sprintf("cancel %d", i))
		}()
	}
	wg.Wait()

	st := c.GetExecStatus()
	assert.True(t, st.IsCancelled())
	assert.Equal(t, "first", st.Message)

	calls := f.backend.cancelCalls()
	require.Len(t, calls, 3)
	seen := make(map[domain.UniqueID]bool)
	for _, call := range calls {
		assert.False(t, seen[call.instanceID], "instance %s cancelled twice", call.instanceID)
		seen[call.instanceID] = true
		assert.Equal(t, "USER_CANCEL", call.reason)
	}
	assert.Equal(t, "USER_CANCEL", f.sess.ErrorMessage())
	// profile is disabled, so nobody waits for the cancelled instances
	assert.True(t, c.IsDone())
}

func TestCancel_BenignReasonsAreNotUserErrors(t *testing.T) {
	for _, reason := range []domain.CancelReason{domain.CancelLimitReach, domain.CancelQueryFinished} {
		t.Run(reason.String(), func(t *testing.T) {
			f := newFixture(t, 1, 2)
			c := newCoordinator(t, f, newScanJob(t))
			require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

			c.Cancel(reason, "")

			assert.Empty(t, f.sess.ErrorMessage())
			calls := f.backend.cancelCalls()
			require.Len(t, calls, 3)
			for _, call := range calls {
				assert.Equal(t, reason.String(), call.reason)
			}
			// waiters are left for the workers to confirm
			assert.False(t, c.IsDone())
			finishAll(c)
			assert.True(t, c.IsDone())
		})
	}
}

func TestCancel_BackendNotFoundFinishesProfile(t *testing.T) {
	f := newFixture(t, 1, 2)
	setVars(f.sess, func(v *session.Variables) { v.EnableProfile = true })
	c := newCoordinator(t, f, newScanJob(t))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

	c.Cancel(domain.CancelUserCancel, "stop")
	assert.False(t, c.IsDone())

	// a second cancel is ignored but still releases waiters when a worker is gone
	c.Cancel(domain.CancelInternalError, domain.BackendNodeNotFoundError)
	assert.Equal(t, "stop", c.GetExecStatus().Message)
	assert.True(t, c.IsDone())
}

func TestUpdateFragmentExecStatus_FirstFailureWins(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))
	execs := c.DAG().Executions()
	require.Len(t, execs, 3)

	c.UpdateFragmentExecStatus(report(execs[0], 1, domain.InternalError("disk broken"), true))
	st := c.GetExecStatus()
	assert.Equal(t, domain.CodeInternalError, st.Code)
	assert.Equal(t, "disk broken", st.Message)
	assert.Equal(t, "INTERNAL_ERROR", f.sess.ErrorCode())
	assert.Equal(t, "INTERNAL_ERROR", f.sess.ErrorMessage())

	// the remaining instances were cancelled, the failed one was not
	calls := f.backend.cancelCalls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.NotEqual(t, execs[0].InstanceID(), call.instanceID)
		assert.Equal(t, "INTERNAL_ERROR", call.reason)
	}

	c.UpdateFragmentExecStatus(report(execs[1], 1, domain.NewStatus(domain.CodeMemLimitExceeded, "oom"), true))
	assert.Equal(t, "disk broken", c.GetExecStatus().Message)
	assert.Equal(t, "INTERNAL_ERROR", f.sess.ErrorCode())

	_, err := c.GetNext(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Equal(t, "disk broken", err.Error())
}

func TestUpdateFragmentExecStatus_DropsStaleReports(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))
	e := c.DAG().Executions()[0]

	c.UpdateFragmentExecStatus(report(e, 2, domain.StatusOK, false))
	c.UpdateFragmentExecStatus(report(e, 1, domain.InternalError("stale"), false))
	assert.True(t, c.GetExecStatus().OK())
	assert.Equal(t, int64(2), e.LastReportSeq())

	c.UpdateFragmentExecStatus(report(e, 3, domain.StatusOK, true))
	c.UpdateFragmentExecStatus(report(e, 4, domain.InternalError("late"), true))
	assert.True(t, c.GetExecStatus().OK())
	assert.Equal(t, execdag.StateFinished, e.State())

	unknown := report(e, 5, domain.InternalError("who"), true)
	unknown.BackendNum = 99
	c.UpdateFragmentExecStatus(unknown)
	assert.True(t, c.GetExecStatus().OK())
}

func TestGetNext_EOSCancelsRemainingWork(t *testing.T) {
	tests := []struct {
		name   string
		limit  int64
		reason string
		msg    string
	}{
		{name: "query finished", reason: "QUERY_FINISHED", msg: domain.QueryFinishedError},
		{name: "limit reached", limit: 2, reason: "LIMIT_REACH", msg: domain.LimitReachError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1, 2)
			f.backend.batches = []*computeproto.FetchDataResponse{{
				Columns: []string{"id"},
				Rows:    []*computeproto.ResultRow{{Values: []string{"1"}}, {Values: []string{"2"}}},
			}}
			c := newCoordinator(t, f, newScanJob(t, withLimit(tt.limit)))
			ctx := context.Background()
			require.NoError(t, c.StartScheduling(ctx, deployOpt))

			b, err := c.GetNext(ctx)
			require.NoError(t, err)
			assert.False(t, b.EOS)
			assert.Equal(t, [][]string{{"1"}, {"2"}}, b.Rows)
			assert.Equal(t, []string{"id"}, b.Columns)

			b, err = c.GetNext(ctx)
			require.NoError(t, err)
			assert.True(t, b.EOS)

			calls := f.backend.cancelCalls()
			require.Len(t, calls, 3)
			for _, call := range calls {
				assert.Equal(t, tt.reason, call.reason)
			}
			assert.True(t, c.GetExecStatus().OK())
			assert.Empty(t, f.sess.ErrorMessage())

			// workers confirm with the benign cancel status
			for _, e := range c.DAG().Executions() {
				c.UpdateFragmentExecStatus(report(e, 1, domain.Cancelled(tt.msg), true))
			}
			assert.True(t, c.GetExecStatus().OK())
			assert.True(t, c.IsDone())
			assert.Empty(t, f.sess.ErrorCode())

			b, err = c.GetNext(ctx)
			require.NoError(t, err)
			assert.True(t, b.EOS)
		})
	}
}

func TestStartScheduling_DeployFailures(t *testing.T) {
	t.Run("rpc error blocklists the worker", func(t *testing.T) {
		f := newFixture(t, 1, 2)
		f.backend.deployErr[testNode(2).Address()] = errors.New("connection refused")
		c := newCoordinator(t, f, newScanJob(t))

		err := c.StartScheduling(context.Background(), deployOpt)
		require.Error(t, err)
		assert.True(t, domain.IsRPCError(err))
		assert.Contains(t, err.Error(), "rpc failed with 127.0.0.1")
		assert.True(t, f.blocklist.Contains(2))
		assert.False(t, f.blocklist.Contains(1))
		assert.False(t, c.GetExecStatus().OK())
	})

	t.Run("timeout does not blocklist", func(t *testing.T) {
		f := newFixture(t, 1, 2)
		f.backend.deployErr[testNode(2).Address()] = context.DeadlineExceeded
		c := newCoordinator(t, f, newScanJob(t))

		err := c.StartScheduling(context.Background(), deployOpt)
		require.Error(t, err)
		assert.True(t, domain.IsTimeout(err))
		assert.Equal(t, "query timeout. backend id: 2", err.Error())
		assert.False(t, f.blocklist.Contains(2))
	})
}

func TestDealStatusToTryRetry(t *testing.T) {
	f := newFixture(t, 1)
	c := newCoordinator(t, f, newScanJob(t))
	c.JobSpec().SetQueryTimeout(60)

	tests := []struct {
		name string
		st   domain.Status
		kind domain.ErrorKind
		msg  string
	}{
		{name: "rpc", st: domain.NewStatus(domain.CodeRPCError, "reset"), kind: domain.KindRPC, msg: "rpc failed with unknown: reset"},
		{name: "timeout", st: domain.NewStatus(domain.CodeTimeout, ""), kind: domain.KindTimeout,
			msg: "Query reached its timeout of 60 seconds, please increase the 'query_timeout' session variable and retry"},
		{name: "dead backend", st: domain.Cancelled(domain.BackendNodeNotFoundError), kind: domain.KindNodeNotAlive, msg: domain.BackendNodeNotFoundError},
		{name: "remote file", st: domain.NewStatus(domain.CodeRemoteFileNotFound, "gone"), kind: domain.KindRemoteFileNotFound, msg: "gone"},
		{name: "global dict", st: domain.NewStatus(domain.CodeGlobalDictNotMatch, ""), kind: domain.KindGlobalDictNotMatch, msg: "GLOBAL_DICT_NOT_MATCH"},
		{name: "host stripped", st: domain.InternalError("bad page host=10.0.0.1"), kind: domain.KindInternal, msg: "bad page"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.dealStatusToTryRetry(tt.st)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.Equal(t, tt.msg, err.Error())
		})
	}
	assert.NoError(t, c.dealStatusToTryRetry(domain.StatusOK))
}

func TestUpdateFragmentExecStatus_RPCErrorBlocklistsWorker(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

	var onTwo *execdag.ExecState
	for _, e := range c.DAG().Executions() {
		if e.WorkerID() == 2 {
			onTwo = e
			break
		}
	}
	require.NotNil(t, onTwo)

	c.UpdateFragmentExecStatus(report(onTwo, 1, domain.NewStatus(domain.CodeRPCError, "reset by peer"), true))
	assert.True(t, f.blocklist.Contains(2))
	assert.False(t, f.blocklist.Contains(1))

	_, err := c.GetNext(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsRPCError(err))
	assert.Equal(t, "rpc failed with 127.0.0.1: reset by peer", err.Error())
}

func TestStartScheduling_BenignDeployCancelFinishesInstance(t *testing.T) {
	f := newFixture(t, 1, 2)
	f.backend.deployErr[testNode(2).Address()] = grpcstatus.Error(codes.Canceled, domain.LimitReachError)
	c := newCoordinator(t, f, newScanJob(t))

	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))
	assert.True(t, c.GetExecStatus().OK())
	assert.False(t, f.blocklist.Contains(2))

	for _, e := range c.DAG().Executions() {
		if e.WorkerID() != 2 {
			c.UpdateFragmentExecStatus(report(e, 1, domain.StatusOK, true))
		}
	}
	assert.True(t, c.IsDone())
}

func TestScheduleNextTurn(t *testing.T) {
	f := newFixture(t, 1, 2)
	setVars(f.sess, func(v *session.Variables) { v.EnablePhasedScheduler = true })
	c := newCoordinator(t, f, newScanJob(t))
	ctx := context.Background()

	st := c.ScheduleNextTurn(ctx, domain.UniqueID{Hi: 1})
	assert.Equal(t, domain.CodeInternalError, st.Code)
	assert.True(t, c.GetExecStatus().OK())

	require.NoError(t, c.StartScheduling(ctx, deployOpt))
	root := c.DAG().RootFragment().Instances()[0]
	assert.True(t, c.ScheduleNextTurn(ctx, root.InstanceID()).OK())

	st = c.ScheduleNextTurn(ctx, domain.UniqueID{Hi: 99, Lo: 99})
	assert.Equal(t, domain.CodeInternalError, st.Code)
	assert.True(t, c.GetExecStatus().IsCancelled())

	// phased cancellation goes to the query context on every worker
	cancels := f.backend.queryCancelCalls()
	assert.Equal(t, map[string]string{
		testNode(1).Address(): "INTERNAL_ERROR",
		testNode(2).Address(): "INTERNAL_ERROR",
	}, cancels)
	assert.Empty(t, f.backend.cancelCalls())
}

func TestJoin(t *testing.T) {
	t.Run("dead backend ends the wait", func(t *testing.T) {
		f := newFixture(t, 1, 2)
		c := newCoordinator(t, f, newScanJob(t))
		c.joinRound = 20 * time.Millisecond
		require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

		f.registry.MarkDead(2)
		assert.True(t, c.Join(context.Background(), 10))
		st := c.GetExecStatus()
		assert.Equal(t, domain.CodeInternalError, st.Code)
		assert.Equal(t, "backend 2 is down", st.Message)
	})

	t.Run("times out", func(t *testing.T) {
		f := newFixture(t, 1, 2)
		c := newCoordinator(t, f, newScanJob(t))
		c.joinRound = 20 * time.Millisecond
		require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

		assert.False(t, c.Join(context.Background(), 1))
		assert.True(t, c.GetExecStatus().OK())
	})
}

func int64p(v int64) *int64 { return &v }

func TestLoadJob(t *testing.T) {
	f := newFixture(t, 1, 2)
	tracker := loadmgr.NewTracker(time.Hour, nil)
	c := newCoordinator(t, f, newScanJob(t, asLoad), func(o *Options) { o.LoadManager = tracker })
	ctx := context.Background()
	require.NoError(t, c.StartScheduling(ctx, deployOpt))

	opts := c.JobSpec().QueryOptions()
	assert.True(t, opts.EnableProfile)
	assert.Equal(t, DefaultMinLoadReportIntervalS, opts.RuntimeProfileReportIntervalS)
	assert.Equal(t, int64(30000), opts.BigQueryProfileThresholdMs)

	_, err := c.GetNext(ctx)
	require.Error(t, err)

	progress, ok := tracker.Progress(42)
	require.True(t, ok)
	assert.Equal(t, c.DAG().NumInstances(), progress.Instances)

	execs := c.DAG().Executions()
	r := report(execs[0], 1, domain.StatusOK, false)
	r.LoadType = domain.LoadJobBroker
	r.SinkLoadBytes = int64p(10)
	r.SourceLoadRows = int64p(3)
	r.SourceLoadBytes = int64p(30)
	c.UpdateFragmentExecStatus(r)

	progress, _ = tracker.Progress(42)
	assert.Equal(t, int64(3), progress.SourceLoadRows)
	assert.Equal(t, int64(10), progress.SinkLoadBytes)

	done := report(execs[0], 2, domain.StatusOK, true)
	done.LoadCounters = map[string]string{profile.LoadCounterNormalRows: "5"}
	done.CommitInfos = []domain.TabletCommitInfo{{TabletID: 100, BackendID: 1}}
	c.UpdateFragmentExecStatus(done)
	assert.Equal(t, "5", c.LoadCounters()[profile.LoadCounterNormalRows])

	// once the query is finished, a late final report must not commit again
	c.Cancel(domain.CancelUserCancel, "stop")
	require.True(t, c.IsDone())
	late := report(execs[1], 1, domain.StatusOK, true)
	late.LoadCounters = map[string]string{profile.LoadCounterNormalRows: "7"}
	assert.NotPanics(t, func() { c.UpdateFragmentExecStatus(late) })
	assert.Equal(t, "5", c.LoadCounters()[profile.LoadCounterNormalRows])
	assert.Len(t, c.CommitInfos(), 1)
}

func TestTryProcessProfileAsync(t *testing.T) {
	t.Run("async", func(t *testing.T) {
		pool, err := ants.NewPool(2, ants.WithNonblocking(true))
		require.NoError(t, err)
		defer pool.Release()

		f := newFixture(t, 1, 2)
		c := newCoordinator(t, f, newScanJob(t), func(o *Options) { o.ProfilePool = pool })
		require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

		got := make(chan bool, 1)
		assert.True(t, c.TryProcessProfileAsync(context.Background(), func(async bool) { got <- async }))
		finishAll(c)

		select {
		case async := <-got:
			assert.True(t, async)
		case <-time.After(5 * time.Second):
			t.Fatal("profile listener did not run")
		}
	})

	t.Run("sync fallback", func(t *testing.T) {
		f := newFixture(t, 1, 2)
		c := newCoordinator(t, f, newScanJob(t))
		require.NoError(t, c.StartScheduling(context.Background(), deployOpt))
		finishAll(c)

		var calls []bool
		assert.False(t, c.TryProcessProfileAsync(context.Background(), func(async bool) { calls = append(calls, async) }))
		assert.Equal(t, []bool{false}, calls)
		assert.Len(t, c.QueryProfile().Children, 2)
	})

	t.Run("nothing to report", func(t *testing.T) {
		f := newFixture(t, 1, 2)
		c := newCoordinator(t, f, newScanJob(t))
		called := false
		assert.False(t, c.TryProcessProfileAsync(context.Background(), func(bool) { called = true }))
		assert.False(t, called)
	})
}

func TestShortCircuit(t *testing.T) {
	f := newFixture(t, 1, 2)
	setVars(f.sess, func(v *session.Variables) { v.EnableShortCircuit = true })
	js, err := jobspec.New(jobspec.Params{
		QueryID: domain.UniqueID{Hi: 8, Lo: 80},
		Fragments: []*jobspec.PlanFragment{
			{ID: 0, Sink: jobspec.Sink{Type: jobspec.SinkResult}, ScanNodeIDs: []int{1}},
		},
		ScanNodes: []*jobspec.ScanNode{{
			ID: 1, Table: "users", PointLookup: true,
			Ranges: []jobspec.ScanRange{{ID: 1, TabletID: 10, Replicas: []int64{2}}},
		}},
	})
	require.NoError(t, err)
	c := newCoordinator(t, f, js)
	require.True(t, c.IsShortCircuit())
	ctx := context.Background()

	require.NoError(t, c.StartScheduling(ctx, deployOpt))
	assert.Empty(t, f.backend.deployCounts())
	assert.True(t, c.IsDone())
	assert.True(t, c.IsUsingBackend(2))

	b, err := c.GetNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "one"}}, b.Rows)
	b, err = c.GetNext(ctx)
	require.NoError(t, err)
	assert.True(t, b.EOS)
}

func TestClearExportStatus_AllowsRedeploy(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t))
	ctx := context.Background()
	require.NoError(t, c.StartScheduling(ctx, deployOpt))

	c.UpdateFragmentExecStatus(report(c.DAG().Executions()[0], 1, domain.InternalError("export failed"), true))
	require.False(t, c.GetExecStatus().OK())

	c.ClearExportStatus()
	assert.True(t, c.GetExecStatus().OK())
	assert.Empty(t, c.DAG().Executions())

	require.NoError(t, c.StartScheduling(ctx, deployOpt))
	assert.False(t, c.IsDone())
	for _, inst := range c.DAG().Instances() {
		assert.Equal(t, 2, f.backend.deployCounts()[inst.InstanceID()])
	}
	finishAll(c)
	assert.True(t, c.IsDone())
}

func TestClearExportStatus_TakesFreshSlot(t *testing.T) {
	f := newFixture(t, 1, 2)
	setVars(f.sess, func(v *session.Variables) { v.EnableQueryQueue = true })
	slots := admission.NewSlotProvider(1, nil)
	c := newCoordinator(t, f, newScanJob(t), func(o *Options) {
		o.Queue = admission.NewQueryQueueManager(slots, time.Second)
	})
	ctx := context.Background()
	require.NoError(t, c.StartScheduling(ctx, deployOpt))
	first := c.Slot()
	require.Equal(t, admission.SlotAllocated, slots.State(first))

	c.UpdateFragmentExecStatus(report(c.DAG().Executions()[0], 1, domain.InternalError("export failed"), true))
	require.Equal(t, admission.SlotReleased, slots.State(first))

	c.ClearExportStatus()
	second := c.Slot()
	require.NotSame(t, first, second)

	require.NoError(t, c.StartScheduling(ctx, deployOpt))
	assert.Equal(t, admission.SlotAllocated, slots.State(second))
	assert.Equal(t, int64(1), slots.InUse())

	c.OnFinished()
	assert.Equal(t, admission.SlotReleased, slots.State(second))
	assert.Zero(t, slots.InUse())
}

func TestLoadSideChannelGetters(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t, asLoad))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))

	e := c.DAG().Executions()[0]
	r := report(e, 1, domain.StatusOK, true)
	r.LoadCounters = map[string]string{profile.LoadCounterNormalRows: "4"}
	r.CommitInfos = []domain.TabletCommitInfo{{TabletID: 100, BackendID: e.WorkerID()}}
	r.FailInfos = []domain.TabletFailInfo{{TabletID: 101, BackendID: e.WorkerID()}}
	c.UpdateFragmentExecStatus(r)

	assert.Equal(t, "4", c.LoadCounters()[profile.LoadCounterNormalRows])
	assert.Equal(t, []domain.TabletCommitInfo{{TabletID: 100, BackendID: e.WorkerID()}}, c.CommitInfos())
	assert.Equal(t, []domain.TabletFailInfo{{TabletID: 101, BackendID: e.WorkerID()}}, c.FailInfos())
	assert.Empty(t, c.SinkCommitInfos())
	assert.Empty(t, c.DeltaURLs())
	assert.Empty(t, c.TrackingURL())
}

func TestPushProfile(t *testing.T) {
	f := newFixture(t, 1, 2)
	c := newCoordinator(t, f, newScanJob(t))
	require.NoError(t, c.StartScheduling(context.Background(), deployOpt))
	finishAll(c)
	c.CollectProfileSync(context.Background())

	store, err := profile.NewStore(4, nil)
	require.NoError(t, err)
	text, err := c.PushProfile(store, "select * from orders", "Finished")
	require.NoError(t, err)
	assert.Contains(t, text, "Fragment 1")

	e, ok := store.Element(c.QueryID().String())
	require.True(t, ok)
	assert.Equal(t, "alice", e.Info[profile.InfoUser])
	assert.Equal(t, "Finished", e.Info[profile.InfoQueryState])
}
