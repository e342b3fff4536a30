// Package profile aggregates the runtime telemetry of one query and keeps
// finished profiles for later inspection.
package profile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
)

// Profile tree names.
const (
	ExecutionProfileName   = "Execution"
	LoadChannelProfileName = "LoadChannel"
)

// Listener is run once when every instance has finished.
type Listener func()

// Options configures a QueryRuntimeProfile.
type Options struct {
	// Pool runs completion listeners and should be non-blocking. A nil
	// pool disables async listeners.
	Pool   *ants.Pool
	Logger *slog.Logger
}

// QueryRuntimeProfile merges the reports of every fragment instance into one
// profile tree and signals when all instances have finished. It has its own
// lock and can be updated concurrently by many reports.
type QueryRuntimeProfile struct {
	js     *jobspec.JobSpec
	pool   *ants.Pool
	logger *slog.Logger

	mu               sync.Mutex
	execution        *domain.RuntimeProfile
	fragmentProfiles map[jobspec.FragmentID]*domain.RuntimeProfile
	instanceProfiles map[domain.UniqueID]*domain.RuntimeProfile
	loadChannel      *domain.RuntimeProfile
	pending          map[domain.UniqueID]struct{}
	attached         bool
	finished         bool
	finishStatus     domain.Status
	done             chan struct{}
	listeners        []Listener
	finalized        *domain.RuntimeProfile
	load             loadInfo
	audit            *domain.AuditStatistics
}

// New returns an empty profile for js.
func New(js *jobspec.JobSpec, opts Options) *QueryRuntimeProfile {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryRuntimeProfile{
		js:               js,
		pool:             opts.Pool,
		logger:           logger,
		execution:        domain.NewRuntimeProfile(ExecutionProfileName),
		fragmentProfiles: make(map[jobspec.FragmentID]*domain.RuntimeProfile),
		instanceProfiles: make(map[domain.UniqueID]*domain.RuntimeProfile),
		pending:          make(map[domain.UniqueID]struct{}),
		done:             make(chan struct{}),
		load:             newLoadInfo(),
	}
}

func fragmentProfileName(id jobspec.FragmentID) string { return fmt.Sprintf("Fragment %d", id) }

// InitFragmentProfiles creates one subtree per fragment, in plan order.
func (p *QueryRuntimeProfile) InitFragmentProfiles(fragments []*execdag.ExecutionFragment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sorted := append([]*execdag.ExecutionFragment(nil), fragments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID() < sorted[j].ID() })
	for _, f := range sorted {
		if _, ok := p.fragmentProfiles[f.ID()]; ok {
			continue
		}
		fp := p.execution.GetOrAddChild(fragmentProfileName(f.ID()))
		p.fragmentProfiles[f.ID()] = fp
	}
}

// AttachInstances arms the completion latch with the given instances. With
// no instances the profile is finished immediately.
func (p *QueryRuntimeProfile) AttachInstances(ids []domain.UniqueID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = true
	for _, id := range ids {
		p.pending[id] = struct{}{}
	}
	if len(p.pending) == 0 {
		p.finishLocked(domain.StatusOK)
	}
}

// AttachExecutionProfiles adds an instance subtree under its fragment for
// every execution.
func (p *QueryRuntimeProfile) AttachExecutionProfiles(execs []*execdag.ExecState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range execs {
		if _, ok := p.instanceProfiles[e.InstanceID()]; ok {
			continue
		}
		fp, ok := p.fragmentProfiles[e.FragmentID()]
		if !ok {
			fp = p.execution.GetOrAddChild(fragmentProfileName(e.FragmentID()))
			p.fragmentProfiles[e.FragmentID()] = fp
		}
		ip := fp.GetOrAddChild(fmt.Sprintf("Instance %s (host=%s)", e.InstanceID(), e.Address()))
		ip.AddInfoString("BackendId", fmt.Sprint(e.WorkerID()))
		p.instanceProfiles[e.InstanceID()] = ip
	}
}

// UpdateProfile merges the report's counters into the instance subtree.
// Reports are cumulative, so applying one repeatedly is harmless.
func (p *QueryRuntimeProfile) UpdateProfile(e *execdag.ExecState, report *computeproto.ReportExecStatusRequest) {
	if report.Profile == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ip, ok := p.instanceProfiles[e.InstanceID()]
	if !ok {
		return
	}
	ip.Update(report.Profile)
}

// UpdateLoadChannelProfile merges a load channel subtree.
func (p *QueryRuntimeProfile) UpdateLoadChannelProfile(report *computeproto.ReportExecStatusRequest) {
	if report.LoadChannelProfile == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadChannel == nil {
		p.loadChannel = domain.NewRuntimeProfile(LoadChannelProfileName)
	}
	p.loadChannel.Update(report.LoadChannelProfile)
}

// FinishInstance marks one instance done. Finishing an instance twice, or
// one that was never attached, has no effect.
func (p *QueryRuntimeProfile) FinishInstance(id domain.UniqueID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return
	}
	delete(p.pending, id)
	if p.attached && len(p.pending) == 0 {
		p.finishLocked(domain.StatusOK)
	}
}

// FinishAllInstances releases the latch regardless of pending instances.
func (p *QueryRuntimeProfile) FinishAllInstances(st domain.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[domain.UniqueID]struct{})
	p.attached = true
	p.finishLocked(st)
}

func (p *QueryRuntimeProfile) finishLocked(st domain.Status) {
	if p.finished {
		return
	}
	p.finished = true
	p.finishStatus = st
	close(p.done)
	listeners := p.listeners
	p.listeners = nil
	for _, l := range listeners {
		p.runListener(l)
	}
}

func (p *QueryRuntimeProfile) runListener(l Listener) {
	if p.pool != nil {
		err := p.pool.Submit(l)
		if err == nil {
			return
		}
		p.logger.Warn("profile listener pool rejected task", "error", err)
	}
	go l()
}

// IsFinished reports whether the latch was released.
func (p *QueryRuntimeProfile) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// FinishStatus is the status passed when the latch was released.
func (p *QueryRuntimeProfile) FinishStatus() domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finishStatus
}

// PendingInstances returns how many attached instances have not finished.
func (p *QueryRuntimeProfile) PendingInstances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Done returns a channel closed when every instance has finished.
func (p *QueryRuntimeProfile) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// WaitForProfileFinished waits up to timeout for the latch. It returns false
// on timeout or when ctx ends.
func (p *QueryRuntimeProfile) WaitForProfileFinished(ctx context.Context, timeout time.Duration) bool {
	done := p.Done()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// AddListener registers l to run on the listener pool once the profile
// finishes. It returns false when async execution is unavailable, in which
// case the caller must do the work itself.
func (p *QueryRuntimeProfile) AddListener(l Listener) bool {
	if p.pool == nil || p.pool.IsClosed() || p.pool.Free() == 0 {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		p.runListener(l)
		return true
	}
	p.listeners = append(p.listeners, l)
	return true
}

// FinalizeProfile builds the reportable tree: a copy of the execution tree
// with per-fragment instance totals. The first call wins; later calls return
// the same tree.
func (p *QueryRuntimeProfile) FinalizeProfile() *domain.RuntimeProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized != nil {
		return p.finalized
	}
	out := p.execution.Clone()
	for _, fp := range out.Children {
		merged := domain.MergeProfiles("Instances", fp.Children)
		for name, c := range merged.Counters {
			fp.SetCounter(name, c.Unit, c.Value)
		}
		fp.AddInfoString("InstanceNum", fmt.Sprint(len(fp.Children)))
	}
	if p.loadChannel != nil {
		out.AddChild(p.loadChannel.Clone())
	}
	p.finalized = out
	return out
}

// Profile returns the finalized tree, or a snapshot of the live one.
func (p *QueryRuntimeProfile) Profile() *domain.RuntimeProfile {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized != nil {
		return p.finalized
	}
	return p.execution.Clone()
}

// UpdateAuditStatistics merges per-instance audit counters.
func (p *QueryRuntimeProfile) UpdateAuditStatistics(stats *domain.AuditStatistics) {
	if stats == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audit == nil {
		p.audit = &domain.AuditStatistics{}
	}
	p.audit.Merge(stats)
}

// AuditStatistics returns a copy of the merged audit counters.
func (p *QueryRuntimeProfile) AuditStatistics() domain.AuditStatistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audit == nil {
		return domain.AuditStatistics{}
	}
	return *p.audit
}

// ClearExportStatus resets load results and re-arms the latch so the job
// can be deployed again.
func (p *QueryRuntimeProfile) ClearExportStatus() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load = newLoadInfo()
	p.pending = make(map[domain.UniqueID]struct{})
	p.attached = false
	p.finalized = nil
	if p.finished {
		p.finished = false
		p.finishStatus = domain.StatusOK
		p.done = make(chan struct{})
	}
}
