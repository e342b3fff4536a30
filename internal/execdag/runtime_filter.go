package execdag

import "qcoord/internal/domain"

// RuntimeFilterRouting tells the instances that build a runtime filter
// where to send it.
type RuntimeFilterRouting struct {
	FilterID     int
	MergeAddress string
	// BroadcastSenders are the instances that publish a broadcast-join
	// filter. Only they send; the other builders drop their copy.
	BroadcastSenders      []domain.UniqueID
	BroadcastDestinations []RuntimeFilterDestination
	// SenderInstance is set when a single instance sends the filter.
	SenderInstance *domain.UniqueID
}

// RuntimeFilterDestination groups the probing instances on one worker.
type RuntimeFilterDestination struct {
	Address     string
	InstanceIDs []domain.UniqueID
}

// RuntimeFilterProber is one instance that consumes a filter.
type RuntimeFilterProber struct {
	InstanceID domain.UniqueID
	Address    string
}

// RuntimeFilterParams is carried by the merge instance: who probes each
// filter and how many partial filters to wait for.
type RuntimeFilterParams struct {
	ProberParams           map[int][]RuntimeFilterProber
	BuilderNum             map[int]int
	SkewJoinRuntimeFilters map[int]int
	MaxSize                int64
}

// NewRuntimeFilterParams returns empty params.
func NewRuntimeFilterParams() *RuntimeFilterParams {
	return &RuntimeFilterParams{
		ProberParams:           make(map[int][]RuntimeFilterProber),
		BuilderNum:             make(map[int]int),
		SkewJoinRuntimeFilters: make(map[int]int),
	}
}

// IsEmpty reports whether no filter was registered.
func (p *RuntimeFilterParams) IsEmpty() bool {
	return p == nil || (len(p.ProberParams) == 0 && len(p.BuilderNum) == 0 && len(p.SkewJoinRuntimeFilters) == 0)
}
