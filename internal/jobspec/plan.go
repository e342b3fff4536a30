package jobspec

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"qcoord/internal/domain"
)

// Plan is the on-disk form of a job, used by the CLI and by tests.
type Plan struct {
	QueryType     string            `yaml:"query_type"`
	LoadJobID     int64             `yaml:"load_job_id"`
	BlockQuery    bool              `yaml:"block_query"`
	Pipeline      *bool             `yaml:"pipeline"`
	NeedReport    *bool             `yaml:"need_report"`
	BrokerLoad    bool              `yaml:"broker_load"`
	Options       QueryOptions      `yaml:"options"`
	ResourceGroup *ResourceGroup    `yaml:"resource_group"`
	Tables        []TableDescriptor `yaml:"tables"`
	ScanNodes     []*planScanNode   `yaml:"scan_nodes"`
	Fragments     []*PlanFragment   `yaml:"fragments"`
}

type planScanNode struct {
	ScanNode           `yaml:",inline"`
	IncrementalBatches [][]ScanRange `yaml:"incremental_batches"`
}

// LoadPlanFile reads a YAML plan from path.
func LoadPlanFile(path string) (*Plan, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("open plan: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return LoadPlan(f)
}

// LoadPlan decodes a YAML plan.
func LoadPlan(r io.Reader) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &p, nil
}

// JobSpec builds a JobSpec for the given query id.
func (p *Plan) JobSpec(queryID domain.UniqueID) (*JobSpec, error) {
	var qt QueryType
	switch strings.ToUpper(p.QueryType) {
	case "", "SELECT":
		qt = QueryTypeSelect
	case "LOAD", "INSERT":
		qt = QueryTypeLoad
	case "EXTERNAL":
		qt = QueryTypeExternal
	default:
		return nil, domain.ErrValidation("unknown query type %q", p.QueryType)
	}

	scanNodes := make([]*ScanNode, 0, len(p.ScanNodes))
	for _, sn := range p.ScanNodes {
		n := sn.ScanNode
		if len(sn.IncrementalBatches) > 0 {
			n.SetScanRangeSource(NewStaticScanRangeSource(sn.IncrementalBatches))
		}
		scanNodes = append(scanNodes, &n)
	}

	params := Params{
		QueryID:        queryID,
		LoadJobID:      p.LoadJobID,
		QueryType:      qt,
		Fragments:      p.Fragments,
		ScanNodes:      scanNodes,
		DescTable:      &DescriptorTable{Tables: p.Tables},
		Options:        p.Options,
		ResourceGroup:  p.ResourceGroup,
		IsBlockQuery:   p.BlockQuery,
		EnablePipeline: boolOr(p.Pipeline, true),
		NeedReport:     boolOr(p.NeedReport, true),
		IsBrokerLoad:   p.BrokerLoad,
	}
	if qt == QueryTypeLoad {
		params.LoadJobType = domain.LoadJobInsertQuery
		if p.BrokerLoad {
			params.LoadJobType = domain.LoadJobBroker
		}
	}
	return New(params)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
