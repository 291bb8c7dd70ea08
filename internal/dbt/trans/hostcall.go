package trans

import "reflect"

// Generated code cannot reach emulated devices through loads and
// stores, so the lowering bakes the absolute addresses of the two entry
// stubs below into each system-register access. The stubs preserve
// every register except RAX and forward to the handlers the engine
// installs at bring-up.

var (
	sysRegReadHandler  func(id, width uint64) uint64
	sysRegWriteHandler func(id, width, value uint64)
)

// SetSysRegHandlers installs the dispatch functions the entry stubs
// forward to. Called once at engine bring-up, before any translation
// runs.
func SetSysRegHandlers(read func(id, width uint64) uint64, write func(id, width, value uint64)) {
	sysRegReadHandler = read
	sysRegWriteHandler = write
}

// SysRegEntries returns the absolute addresses the lowering bakes into
// generated code.
func SysRegEntries() (read, write uintptr) {
	return reflect.ValueOf(sysregReadEntry).Pointer(),
		reflect.ValueOf(sysregWriteEntry).Pointer()
}

// sysregReadGo and sysregWriteGo are the targets the assembly entry
// stubs call into.
func sysregReadGo(id, width uint64) uint64 {
	if sysRegReadHandler == nil {
		return 0
	}
	return sysRegReadHandler(id, width)
}

func sysregWriteGo(id, width, value uint64) {
	if sysRegWriteHandler != nil {
		sysRegWriteHandler(id, width, value)
	}
}

// Implemented in hostcall_amd64.s.
func sysregReadEntry()
func sysregWriteEntry()
