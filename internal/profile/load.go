package profile

import (
	"strconv"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// Load counter keys summed across instances.
const (
	LoadCounterNormalRows   = "dpp.norm.ALL"
	LoadCounterAbnormalRows = "dpp.abnorm.ALL"
	LoadCounterUnselected   = "unselected.rows"
	LoadCounterLoadedBytes  = "loaded.bytes"
)

var summedLoadCounters = []string{
	LoadCounterNormalRows,
	LoadCounterAbnormalRows,
	LoadCounterUnselected,
	LoadCounterLoadedBytes,
}

// loadInfo is the side channel of load and export jobs.
type loadInfo struct {
	deltaURLs           []string
	loadCounters        map[string]string
	trackingURL         string
	rejectedRecordPaths []string
	exportFiles         []string
	commitInfos         []domain.TabletCommitInfo
	failInfos           []domain.TabletFailInfo
	sinkCommitInfos     []domain.SinkCommitInfo
}

func newLoadInfo() loadInfo {
	return loadInfo{loadCounters: make(map[string]string)}
}

// UpdateLoadInformation records the load results carried by a final report.
func (p *QueryRuntimeProfile) UpdateLoadInformation(e *execdag.ExecState, report *computeproto.ReportExecStatusRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := &p.load
	l.deltaURLs = append(l.deltaURLs, report.DeltaUrls...)
	for _, key := range summedLoadCounters {
		v, ok := report.LoadCounters[key]
		if !ok {
			continue
		}
		delta, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			p.logger.Warn("invalid load counter", "key", key, "value", v, "instance_id", e.InstanceID().String())
			continue
		}
		var cur int64
		if s, ok := l.loadCounters[key]; ok {
			cur, _ = strconv.ParseInt(s, 10, 64)
		}
		l.loadCounters[key] = strconv.FormatInt(cur+delta, 10)
	}
	if report.TrackingUrl != "" && l.trackingURL == "" {
		l.trackingURL = report.TrackingUrl
	}
	if report.RejectedRecordPath != "" {
		l.rejectedRecordPaths = append(l.rejectedRecordPaths, report.RejectedRecordPath)
	}
	l.exportFiles = append(l.exportFiles, report.ExportFiles...)
	l.commitInfos = append(l.commitInfos, report.CommitInfos...)
	l.failInfos = append(l.failInfos, report.FailInfos...)
	l.sinkCommitInfos = append(l.sinkCommitInfos, report.SinkCommitInfos...)
}

func (p *QueryRuntimeProfile) DeltaURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.load.deltaURLs...)
}

// LoadCounters returns a copy of the summed load counters.
func (p *QueryRuntimeProfile) LoadCounters() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.load.loadCounters))
	for k, v := range p.load.loadCounters {
		out[k] = v
	}
	return out
}

// TrackingURL is the first error-log URL reported by any instance.
func (p *QueryRuntimeProfile) TrackingURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load.trackingURL
}

func (p *QueryRuntimeProfile) RejectedRecordPaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.load.rejectedRecordPaths...)
}

func (p *QueryRuntimeProfile) ExportFiles() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.load.exportFiles...)
}

func (p *QueryRuntimeProfile) CommitInfos() []domain.TabletCommitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TabletCommitInfo(nil), p.load.commitInfos...)
}

func (p *QueryRuntimeProfile) FailInfos() []domain.TabletFailInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TabletFailInfo(nil), p.load.failInfos...)
}

func (p *QueryRuntimeProfile) SinkCommitInfos() []domain.SinkCommitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SinkCommitInfo(nil), p.load.sinkCommitInfos...)
}
