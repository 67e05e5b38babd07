package vmcs

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Snapshot is a captured VMCS together with the capabilities of the
// processor it was taken on and any guest memory the rules need to read.
//
//	phys_addr_width: 39
//	features: [vmx, rtm]
//	msrs:
//	  ia32_vmx_basic: 0xda040000000004
//	  0x48d: 0x7f00000016
//	fields:
//	  guest_cr0: 0x80000031
//	memory:
//	  - addr: 0x5000
//	    qwords: [0x1, 0x0]
type Snapshot struct {
	PhysAddrWidth uint           `yaml:"phys_addr_width,omitempty"`
	Features      []string       `yaml:"features,omitempty"`
	MSRs          ValueMap       `yaml:"msrs"`
	Fields        ValueMap       `yaml:"fields"`
	Memory        []MemoryRegion `yaml:"memory,omitempty"`
}

// MemoryRegion is a run of little-endian quadwords starting at Addr.
type MemoryRegion struct {
	Addr   uint64   `yaml:"addr"`
	QWords []uint64 `yaml:"qwords"`
}

// ValueMap maps names (or numeric strings) to 64-bit values. Keys and values
// may be written in any base strconv understands.
type ValueMap map[string]uint64

func (m *ValueMap) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("vmcs: line %d: expected a mapping", n.Line)
	}
	out := make(ValueMap, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i], n.Content[i+1]
		val, err := strconv.ParseUint(strings.ReplaceAll(v.Value, "_", ""), 0, 64)
		if err != nil {
			return fmt.Errorf("vmcs: line %d: %s: invalid value %q", v.Line, k.Value, v.Value)
		}
		out[strings.ToLower(k.Value)] = val
	}
	*m = out
	return nil
}

func (m ValueMap) MarshalYAML() (any, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		n.Content = append(n.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("0x%x", m[k])},
		)
	}
	return n, nil
}

// LoadSnapshot reads a YAML snapshot from path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	snap, err := ParseSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	return snap, nil
}

// ParseSnapshot decodes a YAML snapshot.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Marshal encodes the snapshot as YAML.
func (s *Snapshot) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Capabilities builds the capability set described by the snapshot.
func (s *Snapshot) Capabilities() (*StaticCapabilities, error) {
	caps := NewStaticCapabilities()
	caps.Width = s.PhysAddrWidth

	for name, v := range s.MSRs {
		msr, err := ParseMSR(name)
		if err != nil {
			return nil, err
		}
		caps.SetMSR(msr, v)
	}
	for _, name := range s.Features {
		f, err := ParseFeature(name)
		if err != nil {
			return nil, err
		}
		caps.SetFeature(f, true)
	}
	return caps, nil
}

// Store builds a MapStore holding the snapshot's fields. Fields that do not
// exist under caps are a *LogicError.
func (s *Snapshot) Store(caps Capabilities) (*MapStore, error) {
	store := NewMapStore(caps)

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := LookupField(name)
		if err != nil {
			return nil, err
		}
		if err := store.Set(f, s.Fields[name]); err != nil {
			return nil, fmt.Errorf("failed to load field %s: %w", name, err)
		}
	}
	return store, nil
}

// MemoryMap builds a MemoryMap holding the snapshot's memory regions. Pages
// not covered by a region read as unmapped.
func (s *Snapshot) MemoryMap() (*MemoryMap, error) {
	mem := NewMemoryMap()
	for _, r := range s.Memory {
		for i, q := range r.QWords {
			addr := r.Addr + uint64(i)*8
			if err := mem.ensure(addr, 8); err != nil {
				return nil, err
			}
			if err := mem.WriteUint64(addr, q); err != nil {
				return nil, fmt.Errorf("failed to load memory at 0x%x: %w", addr, err)
			}
		}
	}
	return mem, nil
}

// Checker builds a Checker over the snapshot.
func (s *Snapshot) Checker(opts ...Option) (*Checker, error) {
	caps, err := s.Capabilities()
	if err != nil {
		return nil, err
	}
	store, err := s.Store(caps)
	if err != nil {
		return nil, err
	}
	mem, err := s.MemoryMap()
	if err != nil {
		return nil, err
	}
	return New(store, caps, mem, opts...), nil
}

// ensure maps zeroed pages under [phys, phys+size) that are not yet mapped.
func (m *MemoryMap) ensure(phys, size uint64) error {
	first := phys &^ pageMask
	last := (phys + size - 1) &^ pageMask
	for page := first; ; page += PageSize {
		m.mu.RLock()
		_, ok := m.pages[page/PageSize]
		m.mu.RUnlock()
		if !ok {
			if err := m.Map(make([]byte, PageSize), page); err != nil {
				return err
			}
		}
		if page == last {
			return nil
		}
	}
}
