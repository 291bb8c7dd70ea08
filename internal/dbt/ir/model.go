package ir

import "sort"

// RegisterDescriptor describes one named architectural register: its
// type, its byte offset within the register file, and whether it is
// cacheable (rarely written, so reads may be constant-folded at
// translation time with a write-triggered invalidation chain).
type RegisterDescriptor struct {
	Name      string
	Type      Type
	Offset    uint32
	Cacheable bool
}

// Model is the whole compiled architecture: functions, registers and the
// (conceptual) interned-string table they were deserialised against.
type Model struct {
	functions map[string]*Function
	registers map[string]RegisterDescriptor

	// sortedOffsets caches the registers map's descriptors sorted by
	// Offset, rebuilt lazily.
	sortedOffsets []RegisterDescriptor
	dirty         bool
}

// NewModel returns an empty Model.
func NewModel() *Model {
	return &Model{
		functions: make(map[string]*Function),
		registers: make(map[string]RegisterDescriptor),
	}
}

// AddFunction registers fn under its own name.
func (m *Model) AddFunction(fn *Function) { m.functions[fn.Name] = fn }

// Function looks up a function by name.
func (m *Model) Function(name string) (*Function, bool) {
	fn, ok := m.functions[name]
	return fn, ok
}

// Functions returns every function, unordered.
func (m *Model) Functions() map[string]*Function { return m.functions }

// AddRegister registers a descriptor under its own name.
func (m *Model) AddRegister(desc RegisterDescriptor) {
	m.registers[desc.Name] = desc
	m.dirty = true
}

// Register looks up a register descriptor by name.
func (m *Model) Register(name string) (RegisterDescriptor, bool) {
	d, ok := m.registers[name]
	return d, ok
}

// Registers returns every register descriptor, unordered.
func (m *Model) Registers() map[string]RegisterDescriptor { return m.registers }

func (m *Model) ensureSorted() {
	if !m.dirty && m.sortedOffsets != nil {
		return
	}
	m.sortedOffsets = m.sortedOffsets[:0]
	for _, d := range m.registers {
		m.sortedOffsets = append(m.sortedOffsets, d)
	}
	sort.Slice(m.sortedOffsets, func(i, j int) bool {
		return m.sortedOffsets[i].Offset < m.sortedOffsets[j].Offset
	})
	m.dirty = false
}

// RegisterFileSize returns max(offset + width_bytes) over every register,
// the length of the flat byte buffer the register file allocates.
func (m *Model) RegisterFileSize() uint32 {
	var max uint32
	for _, d := range m.registers {
		end := d.Offset + uint32(d.Type.WidthBytes())
		if end > max {
			max = end
		}
	}
	return max
}

// RegOffset returns the byte offset of the named register.
func (m *Model) RegOffset(name string) (uint32, bool) {
	d, ok := m.registers[name]
	return d.Offset, ok
}

// NearestRegisterAtOrBefore returns the descriptor whose offset is the
// greatest value <= offset, for tracing/debugging purposes.
func (m *Model) NearestRegisterAtOrBefore(offset uint32) (RegisterDescriptor, bool) {
	m.ensureSorted()
	// sortedOffsets is sorted ascending by Offset; find the last entry
	// with Offset <= offset.
	idx := sort.Search(len(m.sortedOffsets), func(i int) bool {
		return m.sortedOffsets[i].Offset > offset
	})
	if idx == 0 {
		return RegisterDescriptor{}, false
	}
	return m.sortedOffsets[idx-1], true
}

// SortedRegisterOffsets returns every register descriptor ordered by
// Offset ascending, the layout the register file's range validation
// binary-searches.
func (m *Model) SortedRegisterOffsets() []RegisterDescriptor {
	m.ensureSorted()
	out := make([]RegisterDescriptor, len(m.sortedOffsets))
	copy(out, m.sortedOffsets)
	return out
}
