package device

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// RegionKind tags what backs a region of the guest address space.
type RegionKind byte

const (
	RegionRAM RegionKind = iota + 1
	RegionIO
)

const ramPageSize = 4096

// ram is demand-paged guest memory: pages materialise zeroed on first
// touch.
type ram struct {
	pages map[uint64][]byte
}

func (r *ram) page(addr uint64) []byte {
	key := addr &^ (ramPageSize - 1)
	p, ok := r.pages[key]
	if !ok {
		p = make([]byte, ramPageSize)
		r.pages[key] = p
	}
	return p
}

func (r *ram) access(offset uint64, buf []byte, write bool) {
	for len(buf) > 0 {
		p := r.page(offset)
		at := offset & (ramPageSize - 1)
		n := ramPageSize - int(at)
		if n > len(buf) {
			n = len(buf)
		}
		if write {
			copy(p[at:], buf[:n])
		} else {
			copy(buf[:n], p[at:])
		}
		offset += uint64(n)
		buf = buf[n:]
	}
}

// Region is one mapped range of an address space: plain RAM or a
// memory-mapped device.
type Region struct {
	Name string
	Base uint64
	Size uint64
	Kind RegionKind

	dev MemoryMappedDevice
	ram *ram
}

// Contains reports whether addr falls inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

// AddressSpace is a sorted set of non-overlapping regions; reads and
// writes route to host memory for RAM and to the owning device for IO.
type AddressSpace struct {
	Name    string
	regions []*Region
}

// NewAddressSpace returns an empty AddressSpace.
func NewAddressSpace(name string) *AddressSpace {
	return &AddressSpace{Name: name}
}

func (a *AddressSpace) insert(r *Region) {
	a.regions = append(a.regions, r)
	sort.Slice(a.regions, func(i, j int) bool { return a.regions[i].Base < a.regions[j].Base })
}

// AddRAM maps [base, base+size) as demand-paged RAM.
func (a *AddressSpace) AddRAM(name string, base, size uint64) {
	a.insert(&Region{Name: name, Base: base, Size: size, Kind: RegionRAM, ram: &ram{pages: make(map[uint64][]byte)}})
}

// AddDevice maps dev's register window at base.
func (a *AddressSpace) AddDevice(name string, base uint64, dev MemoryMappedDevice) {
	a.insert(&Region{Name: name, Base: base, Size: dev.AddressSpaceSize(), Kind: RegionIO, dev: dev})
}

// RemoveDevice unmaps the region named name. Callers must invalidate
// any translations that baked in the region's addresses.
func (a *AddressSpace) RemoveDevice(name string) {
	for i, r := range a.regions {
		if r.Name == name {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

// FindRegion returns the region containing addr.
func (a *AddressSpace) FindRegion(addr uint64) (*Region, bool) {
	idx := sort.Search(len(a.regions), func(i int) bool { return a.regions[i].Base > addr })
	if idx == 0 {
		return nil, false
	}
	r := a.regions[idx-1]
	if !r.Contains(addr) {
		return nil, false
	}
	return r, true
}

// Read fills buf from addr. An unmapped address is a guest bug the
// dispatcher owns; a device access past the region end reads zeros.
func (a *AddressSpace) Read(addr uint64, buf []byte) {
	r, ok := a.FindRegion(addr)
	if !ok {
		panic(fmt.Sprintf("device: read of unmapped guest address %#x in %q", addr, a.Name))
	}
	off := addr - r.Base
	if r.Kind == RegionRAM {
		r.ram.access(off, buf, false)
		return
	}
	if off+uint64(len(buf)) > r.dev.AddressSpaceSize() {
		for i := range buf {
			buf[i] = 0
		}
		return
	}
	r.dev.Read(off, buf)
}

// Write stores buf at addr. Out-of-range device writes are logged and
// discarded; devices never abort the dispatcher.
func (a *AddressSpace) Write(addr uint64, buf []byte) {
	r, ok := a.FindRegion(addr)
	if !ok {
		panic(fmt.Sprintf("device: write of unmapped guest address %#x in %q", addr, a.Name))
	}
	off := addr - r.Base
	if r.Kind == RegionRAM {
		r.ram.access(off, buf, true)
		return
	}
	if off+uint64(len(buf)) > r.dev.AddressSpaceSize() {
		logrus.WithFields(logrus.Fields{"region": r.Name, "offset": off, "len": len(buf)}).
			Warn("device: out-of-range write dropped")
		return
	}
	r.dev.Write(off, buf)
}

// ReadMemory and WriteMemory are the width-oriented accessors the
// interpreter and dispatcher use.
func (a *AddressSpace) ReadMemory(addr uint64, width uint16) uint64 {
	var buf [8]byte
	n := int(width+7) / 8
	a.Read(addr, buf[:n])
	return binary.LittleEndian.Uint64(buf[:])
}

func (a *AddressSpace) WriteMemory(addr uint64, width uint16, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	a.Write(addr, buf[:int(width+7)/8])
}
