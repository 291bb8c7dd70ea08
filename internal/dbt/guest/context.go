package guest

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/avisi-group/brig-dbt/internal/dbt/device"
	"github.com/avisi-group/brig-dbt/internal/dbt/diag"
	"github.com/avisi-group/brig-dbt/internal/dbt/interp"
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
)

// ExecutionContext is everything one guest core executes against: its
// register file, address spaces, device routing and pending-event
// flags. The register file is mutated only by code running on this
// context's thread; the flags are the one cross-thread surface, set by
// device IRQ paths and consumed by the dispatcher.
type ExecutionContext struct {
	Model         *ir.Model
	Registers     *regfile.RegisterFile
	AddressSpaces map[string]*device.AddressSpace
	SysRegs       *device.SysRegTable
	Store         *device.Store
	Clock         *Clock

	primary *device.AddressSpace

	interruptPending atomic.Bool
	tlbInvalidate    atomic.Bool
}

// current is the process-wide "current guest execution context" pointer
// the host kernel's fault and IRQ paths consult.
var current atomic.Pointer[ExecutionContext]

// Current returns the context installed by MakeCurrent.
func Current() *ExecutionContext { return current.Load() }

// MakeCurrent installs ctx as the running guest context.
func MakeCurrent(ctx *ExecutionContext) { current.Store(ctx) }

// NewContext builds a context from a parsed configuration: address
// spaces with their RAM regions, devices created through the factory
// registry and attached per the configuration, and boot images loaded
// into guest memory. The register file arrives initialised by the
// caller (bring-up order is the engine's responsibility).
func NewContext(model *ir.Model, rf *regfile.RegisterFile, cfg *Config) (*ExecutionContext, error) {
	ctx := &ExecutionContext{
		Model:         model,
		Registers:     rf,
		AddressSpaces: make(map[string]*device.AddressSpace),
		SysRegs:       device.NewSysRegTable(),
		Store:         device.NewStore(),
		Clock:         NewClock(),
	}

	for spaceName, regions := range cfg.Memory {
		as := device.NewAddressSpace(spaceName)
		for regionName, r := range regions {
			as.AddRAM(regionName, uint64(r.Start), uint64(r.End-r.Start))
		}
		ctx.AddressSpaces[spaceName] = as
		if ctx.primary == nil || spaceName == "physical" {
			ctx.primary = as
		}
	}

	for name, dc := range cfg.Devices {
		dev, err := device.Create(dc.Kind, dc.Extra)
		if err != nil {
			return nil, &diag.ConfigError{Op: "device " + name, Err: err}
		}
		id := ctx.Store.Insert(dev)
		ctx.Store.Alias(name, id)
		if err := ctx.attach(name, id, dc); err != nil {
			return nil, err
		}
		if err := dev.Start(); err != nil {
			return nil, &diag.ConfigError{Op: "start " + name, Err: err}
		}
	}

	for _, entry := range cfg.Load {
		data, err := os.ReadFile(entry.Path)
		if err != nil {
			return nil, &diag.ConfigError{Op: "load " + entry.Path, Err: err}
		}
		if ctx.primary == nil {
			return nil, &diag.ConfigError{Op: "load " + entry.Path, Err: fmt.Errorf("no address space configured")}
		}
		ctx.primary.Write(uint64(entry.Address), data)
		logrus.WithFields(logrus.Fields{"path": entry.Path, "address": fmt.Sprintf("%#x", uint64(entry.Address))}).
			Info("guest: image loaded")
	}

	return ctx, nil
}

func (ctx *ExecutionContext) attach(name string, id device.ObjectID, dc DeviceConfig) error {
	if dc.Attach == nil {
		return nil
	}
	if m := dc.Attach.Memory; m != nil {
		as, ok := ctx.AddressSpaces[m.AddressSpace]
		if !ok {
			return &diag.ConfigError{Op: "attach " + name, Err: fmt.Errorf("unknown address space %q", m.AddressSpace)}
		}
		mmio, ok := ctx.Store.AsMemoryMapped(id)
		if !ok {
			return &diag.ConfigError{Op: "attach " + name, Err: fmt.Errorf("device is not memory-mapped")}
		}
		as.AddDevice(name, uint64(m.Base), mmio)
		return nil
	}
	regDev, ok := ctx.Store.AsRegisterMapped(id)
	if !ok {
		return &diag.ConfigError{Op: "attach " + name, Err: fmt.Errorf("device is not register-mapped")}
	}
	for _, ops := range dc.Attach.SysReg {
		ctx.SysRegs.Register(device.EncodeSysReg(ops[0], ops[1], ops[2], ops[3], ops[4]), regDev)
	}
	return nil
}

// Memory returns the primary guest address space.
func (ctx *ExecutionContext) Memory() *device.AddressSpace { return ctx.primary }

// RaiseInterrupt marks an interrupt pending; the dispatcher observes it
// in the next status word.
func (ctx *ExecutionContext) RaiseInterrupt() { ctx.interruptPending.Store(true) }

// TakeInterrupt consumes the pending-interrupt flag.
func (ctx *ExecutionContext) TakeInterrupt() bool { return ctx.interruptPending.Swap(false) }

// RequestTLBInvalidate marks guest mappings stale.
func (ctx *ExecutionContext) RequestTLBInvalidate() { ctx.tlbInvalidate.Store(true) }

// TakeTLBInvalidate consumes the TLB-invalidate flag.
func (ctx *ExecutionContext) TakeTLBInvalidate() bool { return ctx.tlbInvalidate.Swap(false) }

// Interpreter returns an interpreter bound to this context's state, for
// init functions and reference execution.
func (ctx *ExecutionContext) Interpreter() *interp.Interpreter {
	in := interp.New(ctx.Model, ctx.Registers, ctx.primary)
	in.SysRegs = ctx.SysRegs
	return in
}
