package amd64

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// CodeBuffer is page-aligned memory holding one translation's machine
// code. It is mapped read-write during encoding and flipped to
// read-execute by Finalize; it stays resident until Free.
type CodeBuffer struct {
	mem []byte
	len int
}

// NewCodeBuffer maps enough pages for code and copies it in.
func NewCodeBuffer(code []byte) (*CodeBuffer, error) {
	size := (len(code) + pageSize - 1) &^ (pageSize - 1)
	if size == 0 {
		size = pageSize
	}
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("amd64: mapping %d code bytes: %w", size, err)
	}
	copy(mem, code)
	return &CodeBuffer{mem: mem, len: len(code)}, nil
}

// Finalize makes the buffer executable. After this the code may be
// entered; the buffer contents must not change again.
func (b *CodeBuffer) Finalize() error {
	if err := unix.Mprotect(b.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("amd64: making code executable: %w", err)
	}
	return nil
}

// Entry returns the address of the first instruction.
func (b *CodeBuffer) Entry() uintptr { return uintptr(unsafe.Pointer(&b.mem[0])) }

// Code returns the encoded bytes, without the page-rounding tail.
func (b *CodeBuffer) Code() []byte { return b.mem[:b.len] }

// Free unmaps the buffer. The translation owning it must already be
// unreachable from the cache.
func (b *CodeBuffer) Free() error {
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}
