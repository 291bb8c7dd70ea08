package plugin

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// HeaderSection is the well-known section carrying a plugin's static
// header.
const HeaderSection = ".plugin_header"

// headerNameLen is the fixed name field size in the static header; the
// entrypoint offset follows it.
const headerNameLen = 64

const loadPageSize = 4096

// Plugin is one loaded, relocated plugin image.
type Plugin struct {
	Name  string
	mem   []byte
	entry uintptr
}

// Entry returns the relocated entrypoint address.
func (p *Plugin) Entry() uintptr { return p.entry }

// Close unmaps the plugin image.
func (p *Plugin) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}

// Load copies a relocatable ELF shared object into a page-aligned
// buffer, applies its relocations against the buffer base, marks the
// pages executable and reads the static header. The caller invokes the
// entrypoint with a Host afterwards.
func Load(image []byte) (*Plugin, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, fmt.Errorf("plugin: parsing image: %w", err)
	}
	defer f.Close()
	if f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("plugin: image is %v, want a shared object", f.Type)
	}

	var top uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if end := prog.Vaddr + prog.Memsz; end > top {
			top = end
		}
	}
	if top == 0 {
		return nil, fmt.Errorf("plugin: image has no loadable segments")
	}

	size := (int(top) + loadPageSize - 1) &^ (loadPageSize - 1)
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("plugin: mapping %d bytes: %w", size, err)
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if _, err := prog.ReadAt(mem[prog.Vaddr:prog.Vaddr+prog.Filesz], 0); err != nil {
			unix.Munmap(mem)
			return nil, fmt.Errorf("plugin: reading segment at %#x: %w", prog.Vaddr, err)
		}
	}

	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	if err := relocate(f, mem, base); err != nil {
		unix.Munmap(mem)
		return nil, err
	}

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("plugin: making image executable: %w", err)
	}

	name, entry, err := readHeader(f, mem)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &Plugin{Name: name, mem: mem, entry: uintptr(base + entry)}, nil
}

// relocate applies the dynamic relocations the loader supports against
// the buffer base.
func relocate(f *elf.File, mem []byte, base uint64) error {
	symbols, _ := f.DynamicSymbols()
	for _, section := range f.Sections {
		if section.Type != elf.SHT_RELA {
			continue
		}
		data, err := section.Data()
		if err != nil {
			return fmt.Errorf("plugin: reading %s: %w", section.Name, err)
		}
		const relaSize = 24
		for off := 0; off+relaSize <= len(data); off += relaSize {
			r := elf.Rela64{
				Off:    binary.LittleEndian.Uint64(data[off:]),
				Info:   binary.LittleEndian.Uint64(data[off+8:]),
				Addend: int64(binary.LittleEndian.Uint64(data[off+16:])),
			}
			typ := elf.R_X86_64(elf.R_TYPE64(r.Info))
			symIdx := elf.R_SYM64(r.Info)
			var symValue uint64
			if symIdx > 0 && int(symIdx) <= len(symbols) {
				symValue = symbols[symIdx-1].Value
			}
			var value uint64
			switch typ {
			case elf.R_X86_64_RELATIVE:
				value = base + uint64(r.Addend)
			case elf.R_X86_64_GLOB_DAT:
				value = base + symValue
			case elf.R_X86_64_64:
				value = base + symValue + uint64(r.Addend)
			case elf.R_X86_64_NONE:
				continue
			default:
				return fmt.Errorf("plugin: unsupported relocation %v", typ)
			}
			binary.LittleEndian.PutUint64(mem[r.Off:], value)
		}
	}
	return nil
}

// readHeader extracts the plugin name and entrypoint offset from the
// static header section.
func readHeader(f *elf.File, mem []byte) (string, uint64, error) {
	section := f.Section(HeaderSection)
	if section == nil {
		return "", 0, fmt.Errorf("plugin: image has no %s section", HeaderSection)
	}
	if section.Size < headerNameLen+8 {
		return "", 0, fmt.Errorf("plugin: %s section too small", HeaderSection)
	}
	raw := mem[section.Addr : section.Addr+section.Size]
	name := raw[:headerNameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	entry := binary.LittleEndian.Uint64(raw[headerNameLen:])
	return string(name), entry, nil
}
