package preprocess

import (
	"qcoord/internal/domain"
	"qcoord/internal/execdag"
)

// MergeAddress is where partial runtime filters are merged: the worker of
// the root fragment's first instance.
func (p *Preprocessor) MergeAddress() string {
	instances := p.dag.RootFragment().Instances()
	if len(instances) == 0 {
		return ""
	}
	return instances[0].Address()
}

// PrepareRuntimeFilters computes, for every filter in the job, who builds
// it, who probes it and where it is merged. Builder routings land on the
// building fragment and the merge parameters on the root fragment.
func (p *Preprocessor) PrepareRuntimeFilters(maxSize int64) {
	mergeAddr := p.MergeAddress()
	params := execdag.NewRuntimeFilterParams()
	broadcastProbers := make(map[int][]execdag.RuntimeFilterProber)
	var broadcast []*execdag.RuntimeFilterRouting

	for _, f := range p.dag.Fragments() {
		plan := f.PlanFragment()
		instances := f.Instances()

		for _, rf := range plan.ProbeRuntimeFilters {
			probers := make([]execdag.RuntimeFilterProber, 0, len(instances))
			for _, inst := range instances {
				probers = append(probers, execdag.RuntimeFilterProber{InstanceID: inst.InstanceID(), Address: inst.Address()})
			}
			if p.js.IsEnablePipeline() && rf.IsBroadcastJoin && rf.HasRemoteTargets {
				broadcastProbers[rf.FilterID] = append(broadcastProbers[rf.FilterID], probers...)
			} else {
				params.ProberParams[rf.FilterID] = append(params.ProberParams[rf.FilterID], probers...)
			}
		}

		var senders []domain.UniqueID
		for _, inst := range PickInstancesOnDifferentHosts(instances, p.opts.BroadcastRFSenders) {
			senders = append(senders, inst.InstanceID())
		}
		for _, rf := range plan.BuildRuntimeFilters {
			routing := &execdag.RuntimeFilterRouting{FilterID: rf.FilterID, MergeAddress: mergeAddr}
			if rf.HasRemoteTargets {
				if rf.IsBroadcastJoin {
					// the first copy to arrive wins
					params.BuilderNum[rf.FilterID] = 1
					if p.js.IsEnablePipeline() {
						routing.BroadcastSenders = senders
						broadcast = append(broadcast, routing)
					} else if len(instances) > 0 {
						id := instances[0].InstanceID()
						routing.SenderInstance = &id
					}
				} else {
					params.BuilderNum[rf.FilterID] = len(instances)
				}
			}
			if rf.IsBroadcastJoinInSkew {
				params.SkewJoinRuntimeFilters[rf.FilterID] = rf.SkewShuffleFilterID
			}
			f.SetRuntimeFilterRouting(routing)
		}
	}

	for _, routing := range broadcast {
		routing.BroadcastDestinations = mergeProbers(broadcastProbers[routing.FilterID])
	}
	params.MaxSize = maxSize
	p.dag.RootFragment().SetRuntimeFilterParams(params)
}

// PickInstancesOnDifferentHosts picks up to max instances, taking one
// instance per worker in turn so the picks spread across workers.
func PickInstancesOnDifferentHosts(instances []*execdag.FragmentInstance, max int) []*execdag.FragmentInstance {
	if max <= 0 || len(instances) == 0 {
		return nil
	}
	byHost := make(map[string][]*execdag.FragmentInstance)
	var hosts []string
	for _, inst := range instances {
		h := inst.Address()
		if _, ok := byHost[h]; !ok {
			hosts = append(hosts, h)
		}
		byHost[h] = append(byHost[h], inst)
	}

	var out []*execdag.FragmentInstance
	for round := 0; len(out) < max; round++ {
		picked := false
		for _, h := range hosts {
			if round < len(byHost[h]) {
				out = append(out, byHost[h][round])
				picked = true
				if len(out) == max {
					break
				}
			}
		}
		if !picked {
			break
		}
	}
	return out
}

// mergeProbers groups probers by address, keeping first-seen order.
func mergeProbers(probers []execdag.RuntimeFilterProber) []execdag.RuntimeFilterDestination {
	idx := make(map[string]int)
	var out []execdag.RuntimeFilterDestination
	for _, pr := range probers {
		i, ok := idx[pr.Address]
		if !ok {
			i = len(out)
			idx[pr.Address] = i
			out = append(out, execdag.RuntimeFilterDestination{Address: pr.Address})
		}
		out[i].InstanceIDs = append(out[i].InstanceIDs, pr.InstanceID)
	}
	return out
}
