// Package trans owns everything between a compiled code buffer and the
// dispatcher: the translation cache keyed by guest physical address, the
// trampoline that enters generated code on a dedicated stack, the
// safepoint mechanism that unwinds out of it, and the host-call entries
// generated code dispatches device accesses through.
package trans

// ExecutionResult is the 32-bit status word a translation returns
// through the trampoline. The remaining bits are reserved.
type ExecutionResult uint32

const (
	// NeedTLBInvalidate is set when guest-visible mappings changed and
	// the dispatcher must flush before re-entering.
	NeedTLBInvalidate ExecutionResult = 1 << 0
	// InterruptPending is set when a guest interrupt must be serviced
	// before the next translation runs.
	InterruptPending ExecutionResult = 1 << 1
)

// NeedsTLBInvalidate reports bit 0.
func (r ExecutionResult) NeedsTLBInvalidate() bool { return r&NeedTLBInvalidate != 0 }

// HasInterruptPending reports bit 1.
func (r ExecutionResult) HasInterruptPending() bool { return r&InterruptPending != 0 }
