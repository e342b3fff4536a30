package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/jobspec"
	"qcoord/internal/profile"
)

const bytesPerRow = 64

var resultColumns = []string{"id", "fragment_id"}

// instance is one simulated fragment instance. All reports of an instance
// are sent from its run goroutine, in sequence order.
type instance struct {
	srv     *Server
	req     *computeproto.ExecPlanFragmentRequest
	queryID domain.UniqueID
	id      domain.UniqueID

	isResult bool
	isLoad   bool

	produced  chan struct{}
	cancelled chan struct{}
	more      chan struct{}

	produceOnce sync.Once
	cancelOnce  sync.Once

	mu        sync.Mutex
	state     string
	seq       int64
	tablets   []int64
	hasMore   bool
	cancelMsg string
	done      bool
	rows      [][]string
}

func newInstance(s *Server, req *computeproto.ExecPlanFragmentRequest) *instance {
	inst := &instance{
		srv:       s,
		req:       req,
		queryID:   req.QueryId,
		id:        req.FragmentInstanceId,
		isResult:  req.Fragment.SinkType == jobspec.SinkResult.String(),
		isLoad:    req.Fragment.SinkType == jobspec.SinkOlapTable.String(),
		produced:  make(chan struct{}),
		cancelled: make(chan struct{}),
		more:      make(chan struct{}, 1),
		state:     "RUNNING",
	}
	inst.addRangesLocked(req)
	return inst
}

func (i *instance) addRangesLocked(req *computeproto.ExecPlanFragmentRequest) {
	for _, ranges := range req.ScanRanges {
		for _, r := range ranges {
			i.tablets = append(i.tablets, r.TabletId)
		}
	}
	i.hasMore = req.HasMoreScanRanges
}

func (i *instance) addScanRanges(req *computeproto.ExecPlanFragmentRequest) {
	i.mu.Lock()
	i.addRangesLocked(req)
	i.mu.Unlock()
	select {
	case i.more <- struct{}{}:
	default:
	}
}

func (i *instance) cancel(msg string) {
	i.cancelOnce.Do(func() {
		i.mu.Lock()
		i.cancelMsg = msg
		i.mu.Unlock()
		close(i.cancelled)
	})
}

func (i *instance) isDone() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

func (i *instance) run() {
	cfg := i.srv.cfg
	ticker := time.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()
	timer := time.NewTimer(cfg.ExecDelay)
	defer timer.Stop()

	for {
		select {
		case <-i.cancelled:
			i.mu.Lock()
			msg := i.cancelMsg
			i.mu.Unlock()
			i.finish(domain.Cancelled(msg))
			return
		case <-ticker.C:
			i.sendReport(domain.StatusOK, false)
		case <-i.more:
			timer.Reset(cfg.ExecDelay)
		case <-timer.C:
			i.mu.Lock()
			hasMore := i.hasMore
			i.mu.Unlock()
			if !hasMore {
				i.produce()
				i.finish(domain.StatusOK)
				return
			}
			if st := i.scheduleNextTurn(); !st.OK() {
				i.finish(st)
				return
			}
		}
	}
}

// scheduleNextTurn asks the coordinator for more scan ranges. They arrive
// as an incremental ExecPlanFragment before the call returns.
func (i *instance) scheduleNextTurn() domain.Status {
	if i.srv.cfg.Frontend == nil {
		return domain.InternalError("no coordinator to ask for scan ranges")
	}
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	resp, err := i.srv.cfg.Frontend.ScheduleNextTurn(ctx, i.req.CoordAddress, &computeproto.ScheduleNextTurnRequest{
		QueryId:            i.queryID,
		FragmentInstanceId: i.id,
	})
	if err != nil {
		return domain.InternalError(fmt.Sprintf("schedule next turn: %v", err))
	}
	return resp.Status
}

func (i *instance) produce() {
	i.mu.Lock()
	n := i.srv.cfg.RowsPerRange * len(i.tablets)
	if i.isResult && n == 0 {
		n = i.srv.cfg.RowsPerRange
	}
	if limit := i.req.Fragment.Limit; limit > 0 && int64(n) > limit {
		n = int(limit)
	}
	i.rows = make([][]string, 0, n)
	for r := 0; r < n; r++ {
		i.rows = append(i.rows, []string{fmt.Sprint(r), fmt.Sprint(i.req.Fragment.FragmentId)})
	}
	i.mu.Unlock()
	i.produceOnce.Do(func() { close(i.produced) })
}

func (i *instance) finish(st domain.Status) {
	i.mu.Lock()
	if i.done {
		i.mu.Unlock()
		return
	}
	i.done = true
	switch {
	case st.OK():
		i.state = "FINISHED"
	case st.IsCancelled():
		i.state = "CANCELLED"
	default:
		i.state = "FAILED"
	}
	i.mu.Unlock()
	// fetches waiting on a cancelled instance see the cancel status
	i.produceOnce.Do(func() { close(i.produced) })

	i.sendReport(st, true)
	i.sendAuditStatistics()
}

func (i *instance) sendReport(st domain.Status, done bool) {
	i.mu.Lock()
	i.seq++
	rows := int64(len(i.rows))
	req := &computeproto.ReportExecStatusRequest{
		QueryId:            i.queryID,
		FragmentInstanceId: i.id,
		BackendNum:         i.req.BackendNum,
		BackendId:          i.srv.cfg.BackendID,
		ReportSeq:          i.seq,
		Status:             st,
		Done:               done,
		Profile:            i.profileLocked(),
	}
	if i.isLoad {
		req.LoadType = i.req.LoadJobType
		loaded := rows * bytesPerRow
		req.SinkLoadBytes = &loaded
		req.SourceLoadRows = &rows
		req.SourceLoadBytes = &loaded
		if done && st.OK() {
			req.LoadCounters = map[string]string{
				profile.LoadCounterNormalRows:  fmt.Sprint(rows),
				profile.LoadCounterLoadedBytes: fmt.Sprint(loaded),
			}
			for _, t := range i.tablets {
				req.CommitInfos = append(req.CommitInfos, domain.TabletCommitInfo{TabletID: t, BackendID: i.srv.cfg.BackendID})
			}
		}
	}
	i.mu.Unlock()
	i.srv.report(req, i.req.CoordAddress)
}

func (i *instance) profileLocked() *domain.RuntimeProfile {
	p := domain.NewRuntimeProfile(fmt.Sprintf("Instance %s", i.id))
	p.SetCounter("RowsReturned", domain.UnitUnit, int64(len(i.rows)))
	p.SetCounter("ScanRanges", domain.UnitUnit, int64(len(i.tablets)))
	p.AddInfoString("State", i.state)
	p.AddInfoString("BackendId", fmt.Sprint(i.srv.cfg.BackendID))
	return p
}

func (i *instance) sendAuditStatistics() {
	if i.srv.cfg.Frontend == nil || i.req.CoordAddress == "" {
		return
	}
	i.mu.Lock()
	rows := int64(len(i.rows))
	stats := &domain.AuditStatistics{
		ScanRows:     int64(len(i.tablets) * i.srv.cfg.RowsPerRange),
		ScanBytes:    int64(len(i.tablets)*i.srv.cfg.RowsPerRange) * bytesPerRow,
		MemCostBytes: rows * bytesPerRow,
	}
	if i.isResult {
		stats.ReturnedRows = rows
	}
	i.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if _, err := i.srv.cfg.Frontend.ReportAuditStatistics(ctx, i.req.CoordAddress, &computeproto.ReportAuditStatisticsRequest{
		QueryId:            i.queryID,
		FragmentInstanceId: i.id,
		Statistics:         stats,
	}); err != nil {
		i.srv.logger.Debug("report audit statistics failed", "instance_id", i.id.String(), "error", err)
	}
}

// fetch returns packet seq of the produced rows. Packets past the last row
// carry EOS.
func (i *instance) fetch(seq int64, batchRows int) (*computeproto.FetchDataResponse, domain.Status) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelMsg != "" && i.state != "FINISHED" {
		return nil, domain.Cancelled(i.cancelMsg)
	}
	resp := &computeproto.FetchDataResponse{Status: domain.StatusOK, PacketSeq: seq}
	start := int(seq) * batchRows
	if start >= len(i.rows) {
		resp.Eos = true
		return resp, domain.StatusOK
	}
	end := min(start+batchRows, len(i.rows))
	if seq == 0 {
		resp.Columns = resultColumns
	}
	for _, row := range i.rows[start:end] {
		resp.Rows = append(resp.Rows, &computeproto.ResultRow{Values: row})
	}
	return resp, domain.StatusOK
}

func (i *instance) view() InstanceView {
	i.mu.Lock()
	defer i.mu.Unlock()
	return InstanceView{
		QueryID:    i.queryID.String(),
		InstanceID: i.id.String(),
		FragmentID: i.req.Fragment.FragmentId,
		State:      i.state,
		ReportSeq:  i.seq,
		Rows:       len(i.rows),
	}
}
