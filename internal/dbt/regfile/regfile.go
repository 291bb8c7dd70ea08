// Package regfile implements the flat guest register file: a contiguous
// byte buffer laid out once per run from the model's register
// descriptors, with typed little-endian reads/writes and overflow
// checking into the next adjacent register. The range check only
// rejects an access that would cross into the next register; an access
// into the last register in the file has no next register to check
// against.
package regfile

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sort"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
)

// descriptor bundles a register's offset/size for fast lookup, mirroring
// the original's (offset, size) tuple.
type descriptor struct {
	offset uint32
	size   uint32
}

// RegisterFile is the contiguous byte buffer that holds all guest
// architectural state. A RegisterFile is owned by exactly one guest
// execution context and is mutated only by code running on that
// context's kernel thread; it is not internally synchronised.
type RegisterFile struct {
	buf     []byte
	byName  map[string]descriptor
	offsets []uint32 // sorted ascending, one per distinct register
}

// Init allocates a RegisterFile sized from model and populates its lookup
// tables. Callers drive the borealis_register_init -> feature-disable ->
// __InitSystem bring-up sequence via an interpreter (see
// internal/dbt/interp); DisableUnmodelledFeatures performs just the
// middle step.
func Init(model *ir.Model) *RegisterFile {
	rf := &RegisterFile{
		buf:    make([]byte, model.RegisterFileSize()),
		byName: make(map[string]descriptor),
	}
	offsetSet := make(map[uint32]bool)
	for name, desc := range model.Registers() {
		rf.byName[name] = descriptor{offset: desc.Offset, size: uint32(desc.Type.WidthBytes())}
		offsetSet[desc.Offset] = true
	}
	for off := range offsetSet {
		rf.offsets = append(rf.offsets, off)
	}
	sort.Slice(rf.offsets, func(i, j int) bool { return rf.offsets[i] < rf.offsets[j] })
	return rf
}

// featureDisableList is the fixed set of architectural features this core
// does not yet model, written to zero during register file bring-up.
var featureDisableList = []string{
	"FEAT_LSE2_IMPLEMENTED",
	"FEAT_TME_IMPLEMENTED",
	"FEAT_BTI_IMPLEMENTED",
	"FEAT_PAuth_IMPLEMENTED",
	"FEAT_PAuth2_IMPLEMENTED",
}

// DisableUnmodelledFeatures writes 0 to every register in
// featureDisableList, the step that runs between borealis_register_init
// and __InitSystem.
func (rf *RegisterFile) DisableUnmodelledFeatures() {
	for _, name := range featureDisableList {
		if _, ok := rf.byName[name]; ok {
			WriteNamed[uint8](rf, name, 0)
		}
	}
}

// RegisterValue is any Go type the register file can read or write
// little-endian, mirroring the original's RegisterValue trait.
type RegisterValue interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int16 | ~int32 | ~int64 | ~bool
}

func sizeOf[V RegisterValue]() int {
	var v V
	return int(reflect.TypeOf(v).Size())
}

// WriteNamed writes value at the named register's offset.
func WriteNamed[V RegisterValue](rf *RegisterFile, name string, value V) {
	d, ok := rf.byName[name]
	if !ok {
		panic(fmt.Sprintf("regfile: failed to find register with name %q", name))
	}
	sz := sizeOf[V]()
	if sz > int(d.size) {
		logrus.WithFields(logrus.Fields{"register": name, "expected": d.size, "got": sz}).
			Error("regfile: wrong size write")
	}
	WriteRaw(rf, d.offset, value)
}

// ReadNamed reads the named register's current value.
func ReadNamed[V RegisterValue](rf *RegisterFile, name string) V {
	d, ok := rf.byName[name]
	if !ok {
		panic(fmt.Sprintf("regfile: failed to find register with name %q", name))
	}
	sz := sizeOf[V]()
	if sz > int(d.size) {
		logrus.WithFields(logrus.Fields{"register": name, "expected": d.size, "got": sz}).
			Error("regfile: wrong size read")
	}
	return ReadRaw[V](rf, d.offset)
}

// WriteRaw writes value at a raw byte offset, little-endian.
func WriteRaw[V RegisterValue](rf *RegisterFile, offset uint32, value V) {
	sz := sizeOf[V]()
	rf.validateRange(offset, sz)
	putLittleEndian(rf.buf[offset:offset+uint32(sz)], value)
}

// ReadUnsigned reads widthBytes bytes at offset zero-extended to 64
// bits, for callers whose access width is only known at run time (the
// translator folding a cacheable register read).
func ReadUnsigned(rf *RegisterFile, offset, widthBytes uint32) uint64 {
	switch widthBytes {
	case 1:
		return uint64(ReadRaw[uint8](rf, offset))
	case 2:
		return uint64(ReadRaw[uint16](rf, offset))
	case 4:
		return uint64(ReadRaw[uint32](rf, offset))
	case 8:
		return ReadRaw[uint64](rf, offset)
	default:
		panic(fmt.Sprintf("regfile: unsupported access width %d", widthBytes))
	}
}

// WriteUnsigned is the run-time-width counterpart of WriteRaw.
func WriteUnsigned(rf *RegisterFile, offset, widthBytes uint32, value uint64) {
	switch widthBytes {
	case 1:
		WriteRaw(rf, offset, uint8(value))
	case 2:
		WriteRaw(rf, offset, uint16(value))
	case 4:
		WriteRaw(rf, offset, uint32(value))
	case 8:
		WriteRaw(rf, offset, value)
	default:
		panic(fmt.Sprintf("regfile: unsupported access width %d", widthBytes))
	}
}

// ReadRaw reads a value at a raw byte offset, little-endian.
func ReadRaw[V RegisterValue](rf *RegisterFile, offset uint32) V {
	sz := sizeOf[V]()
	rf.validateRange(offset, sz)
	return getLittleEndian[V](rf.buf[offset : offset+uint32(sz)])
}

// WellKnownRegister is a direct-pointer handle into the register file for
// hot-path access, bypassing name lookup.
type WellKnownRegister[V RegisterValue] struct {
	ptr *V
}

// WellKnown returns a WellKnownRegister for name, validating its range
// once up front.
func WellKnown[V RegisterValue](rf *RegisterFile, name string) WellKnownRegister[V] {
	d, ok := rf.byName[name]
	if !ok {
		panic(fmt.Sprintf("regfile: failed to find register with name %q", name))
	}
	sz := sizeOf[V]()
	if sz > int(d.size) {
		logrus.WithFields(logrus.Fields{"register": name, "expected": d.size, "got": sz}).
			Error("regfile: wrong size instantiation")
	}
	rf.validateRange(d.offset, sz)
	return WellKnownRegister[V]{ptr: (*V)(unsafe.Pointer(&rf.buf[d.offset]))}
}

func (w WellKnownRegister[V]) Read() V     { return *w.ptr }
func (w WellKnownRegister[V]) Write(v V)   { *w.ptr = v }

// AsPointer returns a raw pointer to the first byte of the buffer, for
// loading into the fixed base register the trampoline hands off to
// generated code.
func (rf *RegisterFile) AsPointer() uintptr {
	return uintptr(unsafe.Pointer(&rf.buf[0]))
}

// validateRange panics if an access of sz bytes at offset would cross
// into the next register's offset. An access into the last register in
// the file has no next register and passes through.
func (rf *RegisterFile) validateRange(offset uint32, sz int) {
	idx := sort.Search(len(rf.offsets), func(i int) bool { return rf.offsets[i] > offset })
	if idx >= len(rf.offsets) {
		return
	}
	next := rf.offsets[idx]
	if offset+uint32(sz) > next {
		panic(fmt.Sprintf("regfile: writing %d bytes at offset %#x goes past beginning of adjacent register at offset %#x", sz, offset, next))
	}
}

func putLittleEndian[V RegisterValue](dest []byte, value V) {
	switch v := any(value).(type) {
	case uint8:
		dest[0] = v
	case bool:
		if v {
			dest[0] = 1
		} else {
			dest[0] = 0
		}
	case uint16:
		binary.LittleEndian.PutUint16(dest, v)
	case uint32:
		binary.LittleEndian.PutUint32(dest, v)
	case uint64:
		binary.LittleEndian.PutUint64(dest, v)
	case int16:
		binary.LittleEndian.PutUint16(dest, uint16(v))
	case int32:
		binary.LittleEndian.PutUint32(dest, uint32(v))
	case int64:
		binary.LittleEndian.PutUint64(dest, uint64(v))
	default:
		panic("regfile: unsupported RegisterValue type")
	}
}

func getLittleEndian[V RegisterValue](src []byte) V {
	var zero V
	switch any(zero).(type) {
	case uint8:
		return any(src[0]).(V)
	case bool:
		return any(src[0] != 0).(V)
	case uint16:
		return any(binary.LittleEndian.Uint16(src)).(V)
	case uint32:
		return any(binary.LittleEndian.Uint32(src)).(V)
	case uint64:
		return any(binary.LittleEndian.Uint64(src)).(V)
	case int16:
		return any(int16(binary.LittleEndian.Uint16(src))).(V)
	case int32:
		return any(int32(binary.LittleEndian.Uint32(src))).(V)
	case int64:
		return any(int64(binary.LittleEndian.Uint64(src))).(V)
	default:
		panic("regfile: unsupported RegisterValue type")
	}
}
