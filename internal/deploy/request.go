package deploy

import (
	"encoding/json"
	"fmt"

	computeproto "qcoord/internal/compute/proto"
	"qcoord/internal/execdag"
	"qcoord/internal/jobspec"
)

// buildRequest assembles the deploy request of inst. The descriptor table
// is only attached when withDescTable is set.
func (d *Deployer) buildRequest(inst *execdag.FragmentInstance, withDescTable bool) (*computeproto.ExecPlanFragmentRequest, error) {
	f := inst.Fragment()
	pf := f.PlanFragment()
	opts := d.js.QueryOptions()

	req := &computeproto.ExecPlanFragmentRequest{
		QueryId:            d.js.QueryID(),
		FragmentInstanceId: inst.InstanceID(),
		BackendNum:         inst.IndexInJob(),
		BackendId:          inst.WorkerID(),
		SenderId:           inst.IndexInFragment(),
		NumSenders:         numSenders(f),
		CoordAddress:       d.opts.CoordAddress,
		IsFirstOnWorker:    withDescTable,
		Fragment: &computeproto.FragmentPlan{
			FragmentId:  int(pf.ID),
			RootKind:    pf.PlanRoot.Kind,
			Limit:       pf.PlanRoot.Limit,
			SinkType:    pf.Sink.Type.String(),
			SinkTable:   pf.Sink.Table,
			PipelineDop: f.PipelineDOP(),
		},
		Options: &computeproto.QueryOptions{
			QueryTimeoutS:                 opts.QueryTimeoutS,
			PipelineDOP:                   f.PipelineDOP(),
			EnableProfile:                 opts.EnableProfile,
			BigQueryProfileThresholdMs:    opts.BigQueryProfileThresholdMs,
			RuntimeProfileReportIntervalS: opts.RuntimeProfileReportIntervalS,
			MemLimit:                      opts.MemLimit,
			LoadMemLimit:                  opts.LoadMemLimit,
		},
		ScanRanges:           toWireRanges(inst.ScanRanges()),
		HasMoreScanRanges:    f.HasIncrementalScanRanges(),
		Destinations:         destinations(f),
		LoadJobType:          d.js.LoadJobType(),
		ResourceGroup:        d.js.ResourceGroupName(),
		NeedReport:           d.js.IsNeedReport(),
		EnablePhasedSchedule: d.opts.EnablePhasedSchedule,
	}
	for _, r := range f.RuntimeFilterRoutings() {
		req.RuntimeFilterRoutings = append(req.RuntimeFilterRoutings, toWireRouting(r))
	}
	// the merge point of global runtime filters is the root's first instance
	if f == d.dag.RootFragment() && inst.IndexInFragment() == 0 {
		if p := f.RuntimeFilterParams(); !p.IsEmpty() {
			req.RuntimeFilterParams = toWireParams(p)
		}
	}
	if withDescTable {
		desc, err := d.descTable()
		if err != nil {
			return nil, err
		}
		req.DescTable = desc
	}
	return req, nil
}

// CreateIncrementalScanRangesRequest builds a request that hands the scan
// ranges queued on an already deployed instance to its worker.
func (d *Deployer) CreateIncrementalScanRangesRequest(inst *execdag.FragmentInstance) *computeproto.ExecPlanFragmentRequest {
	return &computeproto.ExecPlanFragmentRequest{
		QueryId:                 d.js.QueryID(),
		FragmentInstanceId:      inst.InstanceID(),
		BackendNum:              inst.IndexInJob(),
		BackendId:               inst.WorkerID(),
		CoordAddress:            d.opts.CoordAddress,
		ScanRanges:              toWireRanges(inst.TakePendingScanRanges()),
		HasMoreScanRanges:       inst.Fragment().HasIncrementalScanRanges(),
		IsIncrementalScanRanges: true,
		EnablePhasedSchedule:    d.opts.EnablePhasedSchedule,
	}
}

func (d *Deployer) descTable() (json.RawMessage, error) {
	d.descOnce.Do(func() {
		d.desc, d.descErr = json.Marshal(d.js.DescTable())
	})
	if d.descErr != nil {
		return nil, fmt.Errorf("serialize descriptor table: %w", d.descErr)
	}
	return d.desc, nil
}

func numSenders(f *execdag.ExecutionFragment) int {
	n := 0
	for _, c := range f.Children() {
		n += c.NumInstances()
	}
	return n
}

func destinations(f *execdag.ExecutionFragment) []*computeproto.Destination {
	dest := f.Destination()
	if dest == nil {
		return nil
	}
	out := make([]*computeproto.Destination, 0, dest.NumInstances())
	for _, inst := range dest.Instances() {
		out = append(out, &computeproto.Destination{
			FragmentInstanceId: inst.InstanceID(),
			Address:            inst.Address(),
		})
	}
	return out
}

func toWireRanges(byNode map[int][]jobspec.ScanRange) map[int][]*computeproto.ScanRange {
	if len(byNode) == 0 {
		return nil
	}
	out := make(map[int][]*computeproto.ScanRange, len(byNode))
	for id, ranges := range byNode {
		wire := make([]*computeproto.ScanRange, 0, len(ranges))
		for _, r := range ranges {
			wire = append(wire, &computeproto.ScanRange{
				Id:       r.ID,
				TabletId: r.TabletID,
				Path:     r.Path,
				Bytes:    r.Bytes,
				Replicas: r.Replicas,
			})
		}
		out[id] = wire
	}
	return out
}

func toWireRouting(r *execdag.RuntimeFilterRouting) *computeproto.RuntimeFilterRouting {
	out := &computeproto.RuntimeFilterRouting{
		FilterId:         r.FilterID,
		MergeAddress:     r.MergeAddress,
		BroadcastSenders: r.BroadcastSenders,
		SenderInstanceId: r.SenderInstance,
	}
	for _, dst := range r.BroadcastDestinations {
		out.BroadcastDestinations = append(out.BroadcastDestinations, &computeproto.RuntimeFilterDestination{
			Address:             dst.Address,
			FragmentInstanceIds: dst.InstanceIDs,
		})
	}
	return out
}

func toWireParams(p *execdag.RuntimeFilterParams) *computeproto.RuntimeFilterParams {
	out := &computeproto.RuntimeFilterParams{
		IdToProberParams:        make(map[int][]*computeproto.RuntimeFilterProberParams, len(p.ProberParams)),
		RuntimeFilterBuilderNum: p.BuilderNum,
		SkewJoinRuntimeFilters:  p.SkewJoinRuntimeFilters,
		RuntimeFilterMaxSize:    p.MaxSize,
	}
	for id, probers := range p.ProberParams {
		for _, pr := range probers {
			out.IdToProberParams[id] = append(out.IdToProberParams[id], &computeproto.RuntimeFilterProberParams{
				FragmentInstanceId: pr.InstanceID,
				Address:            pr.Address,
			})
		}
	}
	return out
}
