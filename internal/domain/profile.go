package domain

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Counter units.
const (
	UnitUnit      = "UNIT"
	UnitBytes     = "BYTES"
	UnitTimeNS    = "TIME_NS"
	UnitDoubleVal = "DOUBLE_VALUE"
)

// Counter is a named numeric metric inside a RuntimeProfile.
type Counter struct {
	Unit  string `json:"unit"`
	Value int64  `json:"value"`
}

// RuntimeProfile is a tree of counters and info strings. Workers report one
// per fragment instance and the coordinator merges them per fragment.
//
// A RuntimeProfile is not safe for concurrent use; owners serialize access.
type RuntimeProfile struct {
	Name        string              `json:"name"`
	Counters    map[string]*Counter `json:"counters,omitempty"`
	InfoStrings map[string]string   `json:"info_strings,omitempty"`
	Children    []*RuntimeProfile   `json:"children,omitempty"`

	infoOrder []string
}

// NewRuntimeProfile returns an empty profile named name.
func NewRuntimeProfile(name string) *RuntimeProfile {
	return &RuntimeProfile{
		Name:        name,
		Counters:    make(map[string]*Counter),
		InfoStrings: make(map[string]string),
	}
}

// AddChild appends child.
func (p *RuntimeProfile) AddChild(child *RuntimeProfile) {
	p.Children = append(p.Children, child)
}

// Child returns the direct child named name, or nil.
func (p *RuntimeProfile) Child(name string) *RuntimeProfile {
	for _, c := range p.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// GetOrAddChild returns the child named name, creating it if needed.
func (p *RuntimeProfile) GetOrAddChild(name string) *RuntimeProfile {
	if c := p.Child(name); c != nil {
		return c
	}
	c := NewRuntimeProfile(name)
	p.AddChild(c)
	return c
}

// RemoveChild drops the child named name.
func (p *RuntimeProfile) RemoveChild(name string) {
	out := p.Children[:0]
	for _, c := range p.Children {
		if c.Name != name {
			out = append(out, c)
		}
	}
	p.Children = out
}

// SetCounter sets counter name to value.
func (p *RuntimeProfile) SetCounter(name, unit string, value int64) {
	p.ensureMaps()
	if c, ok := p.Counters[name]; ok {
		c.Value = value
		return
	}
	p.Counters[name] = &Counter{Unit: unit, Value: value}
}

// AddCounter adds delta to counter name.
func (p *RuntimeProfile) AddCounter(name, unit string, delta int64) {
	p.ensureMaps()
	if c, ok := p.Counters[name]; ok {
		c.Value += delta
		return
	}
	p.Counters[name] = &Counter{Unit: unit, Value: delta}
}

// CounterValue returns the value of counter name and whether it exists.
func (p *RuntimeProfile) CounterValue(name string) (int64, bool) {
	c, ok := p.Counters[name]
	if !ok {
		return 0, false
	}
	return c.Value, true
}

// AddInfoString sets an info string, preserving first-insertion order.
func (p *RuntimeProfile) AddInfoString(key, value string) {
	p.ensureMaps()
	if _, ok := p.InfoStrings[key]; !ok {
		p.infoOrder = append(p.infoOrder, key)
	}
	p.InfoStrings[key] = value
}

// InfoString returns the info string for key.
func (p *RuntimeProfile) InfoString(key string) string {
	return p.InfoStrings[key]
}

// Update overwrites p with the newer cumulative values in other. Children
// are matched by name; unknown children are appended.
func (p *RuntimeProfile) Update(other *RuntimeProfile) {
	if other == nil {
		return
	}
	for name, c := range other.Counters {
		p.SetCounter(name, c.Unit, c.Value)
	}
	for _, key := range other.infoKeys() {
		p.AddInfoString(key, other.InfoStrings[key])
	}
	for _, oc := range other.Children {
		p.GetOrAddChild(oc.Name).Update(oc)
	}
}

// Clone returns a deep copy of p.
func (p *RuntimeProfile) Clone() *RuntimeProfile {
	if p == nil {
		return nil
	}
	out := NewRuntimeProfile(p.Name)
	out.Update(p)
	return out
}

// MergeProfiles sums counters of same-shaped profiles into a new profile
// named name. Info strings keep the first value seen.
func MergeProfiles(name string, profiles []*RuntimeProfile) *RuntimeProfile {
	out := NewRuntimeProfile(name)
	for _, p := range profiles {
		out.mergeFrom(p)
	}
	return out
}

func (p *RuntimeProfile) mergeFrom(other *RuntimeProfile) {
	if other == nil {
		return
	}
	for name, c := range other.Counters {
		p.AddCounter(name, c.Unit, c.Value)
	}
	for _, key := range other.infoKeys() {
		if _, ok := p.InfoStrings[key]; !ok {
			p.AddInfoString(key, other.InfoStrings[key])
		}
	}
	for _, oc := range other.Children {
		p.GetOrAddChild(oc.Name).mergeFrom(oc)
	}
}

// Format writes an indented, human readable rendering of p to w.
func (p *RuntimeProfile) Format(w io.Writer) error {
	return p.format(w, 0)
}

func (p *RuntimeProfile) String() string {
	var b strings.Builder
	_ = p.Format(&b)
	return b.String()
}

func (p *RuntimeProfile) format(w io.Writer, depth int) error {
	indent := strings.Repeat("  ", depth)
	if _, err := fmt.Fprintf(w, "%s%s:\n", indent, p.Name); err != nil {
		return err
	}
	for _, key := range p.infoKeys() {
		if _, err := fmt.Fprintf(w, "%s   - %s: %s\n", indent, key, p.InfoStrings[key]); err != nil {
			return err
		}
	}
	names := make([]string, 0, len(p.Counters))
	for name := range p.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := p.Counters[name]
		if _, err := fmt.Fprintf(w, "%s   - %s: %s\n", indent, name, formatCounter(c)); err != nil {
			return err
		}
	}
	for _, c := range p.Children {
		if err := c.format(w, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (p *RuntimeProfile) infoKeys() []string {
	if len(p.infoOrder) == len(p.InfoStrings) {
		return p.infoOrder
	}
	// Profiles decoded from the wire carry no insertion order.
	keys := make([]string, 0, len(p.InfoStrings))
	for k := range p.InfoStrings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *RuntimeProfile) ensureMaps() {
	if p.Counters == nil {
		p.Counters = make(map[string]*Counter)
	}
	if p.InfoStrings == nil {
		p.InfoStrings = make(map[string]string)
	}
}

func formatCounter(c *Counter) string {
	switch c.Unit {
	case UnitBytes:
		return formatBytes(c.Value)
	case UnitTimeNS:
		return formatNanos(c.Value)
	default:
		return fmt.Sprintf("%d", c.Value)
	}
}

func formatBytes(v int64) string {
	const unit = 1024
	if v < unit {
		return fmt.Sprintf("%d B", v)
	}
	div, exp := int64(unit), 0
	for n := v / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.3f %cB", float64(v)/float64(div), "KMGTPE"[exp])
}

func formatNanos(v int64) string {
	switch {
	case v >= 1_000_000_000:
		return fmt.Sprintf("%.3fs", float64(v)/1e9)
	case v >= 1_000_000:
		return fmt.Sprintf("%.3fms", float64(v)/1e6)
	case v >= 1_000:
		return fmt.Sprintf("%.3fus", float64(v)/1e3)
	default:
		return fmt.Sprintf("%dns", v)
	}
}
