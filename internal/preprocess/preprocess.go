// Package preprocess turns a JobSpec and a worker snapshot into an
// ExecutionDAG: it decides how many instances each fragment gets, where
// they run, which scan ranges they read and how runtime filters travel.
package preprocess

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"qcoord/internal/domain"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
	"qcoord/internal/worker"
)

// DefaultBroadcastRFSenders bounds how many instances publish one
// broadcast-join runtime filter.
const DefaultBroadcastRFSenders = 3

// WorkerProvider is the view of workers a query may use.
type WorkerProvider interface {
	AvailableWorkers() []*domain.ComputeNode
	GetWorkerByID(id int64) (*domain.ComputeNode, bool)
	SelectWorker(id int64) error
	IsWorkerSelected(id int64) bool
	SelectedWorkerIDs() []int64
}

// Options tune instance assignment.
type Options struct {
	BroadcastRFSenders int
	DefaultPipelineDOP int
	// IncrementalBatchSize caps the ranges pulled from a scan node per
	// incremental round. Zero takes a whole batch.
	IncrementalBatchSize int
	Logger               *slog.Logger
}

// Preprocessor builds and extends the ExecutionDAG of one job.
type Preprocessor struct {
	js       *jobspec.JobSpec
	provider WorkerProvider
	selector worker.ReplicaSelector
	opts     Options
	logger   *slog.Logger
	dag      *execdag.ExecutionDAG
}

// New returns a Preprocessor for js that places instances on provider's
// workers.
func New(js *jobspec.JobSpec, provider WorkerProvider, opts Options) *Preprocessor {
	if opts.BroadcastRFSenders <= 0 {
		opts.BroadcastRFSenders = DefaultBroadcastRFSenders
	}
	if opts.DefaultPipelineDOP <= 0 {
		opts.DefaultPipelineDOP = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Preprocessor{
		js:       js,
		provider: provider,
		selector: worker.NewLeastAssignedSelector(),
		opts:     opts,
		logger:   logger,
		dag:      execdag.New(js),
	}
}

func (p *Preprocessor) DAG() *execdag.ExecutionDAG { return p.dag }
func (p *Preprocessor) Provider() WorkerProvider { return p.provider }

// PrepareExec assigns instances to every fragment, children before their
// destination so exchange fragments can follow their inputs.
func (p *Preprocessor) PrepareExec(ctx context.Context) error {
	if len(p.provider.AvailableWorkers()) == 0 {
		return domain.NewExecError(domain.KindNodeNotAlive, domain.CodeServiceUnavailable,
			"%s", domain.BackendNodeNotFoundError)
	}
	if p.dag.NumInstances() > 0 {
		return fmt.Errorf("job %s is already prepared", p.js.QueryID())
	}

	order := p.dag.Fragments()
	for i := len(order) - 1; i >= 0; i-- {
		f := order[i]
		var err error
		if len(f.ScanNodes()) > 0 {
			err = p.assignScanFragment(ctx, f)
		} else {
			err = p.assignExchangeFragment(f)
		}
		if err != nil {
			return fmt.Errorf("assign fragment %d: %w", f.ID(), err)
		}
		p.setPipelineDOP(f)
	}

	for _, id := range p.dag.WorkerIDs() {
		if err := p.provider.SelectWorker(id); err != nil {
			return err
		}
	}
	p.logger.Debug("instances assigned",
		"query_id", p.js.QueryID().String(),
		"instances", p.dag.NumInstances(),
		"workers", len(p.provider.SelectedWorkerIDs()),
	)
	return nil
}

func (p *Preprocessor) setPipelineDOP(f *execdag.ExecutionFragment) {
	if f.PipelineDOP() > 0 {
		return
	}
	dop := p.js.QueryOptions().PipelineDOP
	if dop <= 0 {
		dop = p.opts.DefaultPipelineDOP
	}
	f.SetPipelineDOP(dop)
}

func (p *Preprocessor) assignScanFragment(ctx context.Context, f *execdag.ExecutionFragment) error {
	perWorker := make(map[int64]map[int][]jobspec.ScanRange)
	for _, n := range f.ScanNodes() {
		ranges := append([]jobspec.ScanRange(nil), n.Ranges...)
		if n.IsIncremental() {
			if p.js.IsIncrementalScanRanges() {
				ranges = append(ranges, n.NextScanRanges(p.opts.IncrementalBatchSize)...)
			} else {
				for n.HasMoreScanRanges() {
					ranges = append(ranges, n.NextScanRanges(0)...)
				}
			}
		}
		for _, r := range ranges {
			w, err := p.selector.Select(ctx, p.replicaCandidates(r, nil))
			if err != nil {
				return err
			}
			if perWorker[w.ID] == nil {
				perWorker[w.ID] = make(map[int][]jobspec.ScanRange)
			}
			perWorker[w.ID][n.ID] = append(perWorker[w.ID][n.ID], r)
		}
	}

	if len(perWorker) == 0 {
		w := p.provider.AvailableWorkers()[0]
		p.dag.AddInstance(f, w, nil)
		return nil
	}

	split := f.PlanFragment().InstancesPerWorker
	if split <= 0 {
		split = 1
	}
	for _, id := range sortedIDs(perWorker) {
		w, _ := p.provider.GetWorkerByID(id)
		for _, ranges := range splitRanges(perWorker[id], split) {
			p.dag.AddInstance(f, w, ranges)
		}
	}
	return nil
}

// replicaCandidates returns the available workers holding r. Ranges with
// no replica information, or whose replicas are all gone, may run
// anywhere in allowed (or anywhere at all when allowed is nil).
func (p *Preprocessor) replicaCandidates(r jobspec.ScanRange, allowed map[int64]bool) []*domain.ComputeNode {
	var out []*domain.ComputeNode
	for _, id := range r.Replicas {
		if allowed != nil && !allowed[id] {
			continue
		}
		if w, ok := p.provider.GetWorkerByID(id); ok {
			out = append(out, w)
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, w := range p.provider.AvailableWorkers() {
		if allowed == nil || allowed[w.ID] {
			out = append(out, w)
		}
	}
	return out
}

// splitRanges deals one worker's ranges round robin into at most n
// instances, never producing an empty one.
func splitRanges(byNode map[int][]jobspec.ScanRange, n int) []map[int][]jobspec.ScanRange {
	total := 0
	for _, r := range byNode {
		total += len(r)
	}
	if n > total {
		n = total
	}
	if n <= 1 {
		return []map[int][]jobspec.ScanRange{byNode}
	}
	out := make([]map[int][]jobspec.ScanRange, n)
	for i := range out {
		out[i] = make(map[int][]jobspec.ScanRange)
	}
	next := 0
	nodeIDs := make([]int, 0, len(byNode))
	for id := range byNode {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Ints(nodeIDs)
	for _, id := range nodeIDs {
		for _, r := range byNode[id] {
			out[next][id] = append(out[next][id], r)
			next = (next + 1) % n
		}
	}
	return out
}

func (p *Preprocessor) assignExchangeFragment(f *execdag.ExecutionFragment) error {
	var ids []int64
	seen := make(map[int64]bool)
	for _, c := range f.Children() {
		for _, id := range c.WorkerIDs() {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		for _, w := range p.provider.AvailableWorkers() {
			ids = append(ids, w.ID)
		}
	}

	plan := f.PlanFragment()
	count := len(ids)
	switch {
	case plan.Gather || (plan.Parallelism == 0 && plan.IsResultSink()):
		count = 1
	case plan.Parallelism > 0:
		count = plan.Parallelism
	}
	for i := 0; i < count; i++ {
		w, ok := p.provider.GetWorkerByID(ids[i%len(ids)])
		if !ok {
			return domain.ErrNotFound("worker %d is not available", ids[i%len(ids)])
		}
		p.dag.AddInstance(f, w, nil)
	}
	return nil
}

// AssignIncrementalScanRanges pulls the next batch from f's scan nodes and
// spreads it over f's existing instances. It returns the instances that
// received ranges, ordered by job index.
func (p *Preprocessor) AssignIncrementalScanRanges(ctx context.Context, f *execdag.ExecutionFragment) ([]*execdag.FragmentInstance, error) {
	instances := f.Instances()
	if len(instances) == 0 {
		return nil, nil
	}
	byWorker := make(map[int64][]*execdag.FragmentInstance)
	allowed := make(map[int64]bool)
	for _, inst := range instances {
		byWorker[inst.WorkerID()] = append(byWorker[inst.WorkerID()], inst)
		allowed[inst.WorkerID()] = true
	}

	touched := make(map[int]*execdag.FragmentInstance)
	for _, n := range f.ScanNodes() {
		if !n.HasMoreScanRanges() {
			continue
		}
		for _, r := range n.NextScanRanges(p.opts.IncrementalBatchSize) {
			w, err := p.selector.Select(ctx, p.replicaCandidates(r, allowed))
			if err != nil {
				return nil, err
			}
			inst := leastLoaded(byWorker[w.ID])
			if inst == nil {
				inst = leastLoaded(instances)
			}
			inst.AddScanRanges(n.ID, []jobspec.ScanRange{r})
			touched[inst.IndexInJob()] = inst
		}
	}

	out := make([]*execdag.FragmentInstance, 0, len(touched))
	for _, inst := range touched {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IndexInJob() < out[j].IndexInJob() })
	return out, nil
}

func leastLoaded(instances []*execdag.FragmentInstance) *execdag.FragmentInstance {
	var best *execdag.FragmentInstance
	for _, inst := range instances {
		if best == nil || inst.NumScanRanges() < best.NumScanRanges() {
			best = inst
		}
	}
	return best
}

// WorkerAddress returns the RPC address of a worker in the snapshot.
func (p *Preprocessor) WorkerAddress(id int64) string {
	w, ok := p.provider.GetWorkerByID(id)
	if !ok {
		return ""
	}
	return w.Address()
}

func sortedIDs[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
