package trans

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
)

// MaxStackSize is the guest-dedicated stack the trampoline switches to
// before entering generated code.
const MaxStackSize = 2 * 1024 * 1024

// GuestStack is the dedicated stack translations run on. One exists per
// guest core; the trampoline installs its top as RSP for the duration of
// the call.
type GuestStack struct {
	mem []byte
}

// NewGuestStack maps MaxStackSize bytes of stack.
func NewGuestStack() (*GuestStack, error) {
	mem, err := unix.Mmap(-1, 0, MaxStackSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("trans: mapping guest stack: %w", err)
	}
	return &GuestStack{mem: mem}, nil
}

// Top returns the initial stack pointer: one past the highest mapped
// byte, 16-byte aligned.
func (s *GuestStack) Top() uintptr {
	base := uintptr(unsafe.Pointer(&s.mem[0]))
	return (base + uintptr(len(s.mem))) &^ 15
}

// Free unmaps the stack.
func (s *GuestStack) Free() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Execute enters t through the trampoline: callee-saved host registers
// are preserved, RSP switches to the guest stack, RBP carries the
// register-file base, and the translation's status word comes back in
// the low 32 bits of RAX.
func Execute(t *Translation, rf *regfile.RegisterFile, stack *GuestStack) ExecutionResult {
	return ExecutionResult(enter(t.Entry(), rf.AsPointer(), stack.Top()))
}

// enter is implemented in trampoline_amd64.s.
func enter(code, registerFile, stackTop uintptr) uint32
