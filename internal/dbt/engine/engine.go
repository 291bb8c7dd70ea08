// Package engine drives the translation/execution pipeline: it owns the
// translation cache and guest stack, turns IR functions into executable
// translations, and runs the dispatch loop that chains translations,
// services interrupts and reacts to invalidation requests.
package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/avisi-group/brig-dbt/internal/dbt/backend/amd64"
	"github.com/avisi-group/brig-dbt/internal/dbt/diag"
	"github.com/avisi-group/brig-dbt/internal/dbt/guest"
	"github.com/avisi-group/brig-dbt/internal/dbt/interp"
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
	"github.com/avisi-group/brig-dbt/internal/dbt/trans"
	"github.com/avisi-group/brig-dbt/internal/dbt/translate"
)

// pcRegister is the architectural program counter's name in the model.
const pcRegister = "_PC"

// Engine is one guest core's translator and dispatcher.
type Engine struct {
	ctx   *guest.ExecutionContext
	cache *trans.Cache
	stack *trans.GuestStack
	tr    *translate.Translator

	pcOffset uint32
	hasPC    bool
}

// Boot initialises a register file from the model, runs the bring-up
// sequence, builds the execution context from cfg and returns a ready
// Engine. The context is installed as current.
func Boot(model *ir.Model, cfg *guest.Config) (*Engine, error) {
	rf := regfile.Init(model)
	interp.BringUp(model, rf)

	ctx, err := guest.NewContext(model, rf, cfg)
	if err != nil {
		return nil, err
	}
	guest.MakeCurrent(ctx)
	return New(ctx)
}

// New builds an Engine over an existing context, allocating its guest
// stack and wiring the host-call dispatch that generated code uses for
// system-register accesses.
func New(ctx *guest.ExecutionContext) (*Engine, error) {
	stack, err := trans.NewGuestStack()
	if err != nil {
		return nil, err
	}
	trans.SetSysRegHandlers(
		func(id, width uint64) uint64 { return ctx.SysRegs.ReadSysReg(id, uint16(width)) },
		func(id, width, value uint64) { ctx.SysRegs.WriteSysReg(id, uint16(width), value) },
	)

	e := &Engine{
		ctx:   ctx,
		cache: trans.NewCache(),
		stack: stack,
		tr:    translate.New(ctx.Model, ctx.Registers),
	}
	if off, ok := ctx.Model.RegOffset(pcRegister); ok {
		e.pcOffset, e.hasPC = off, true
	}
	return e, nil
}

// Cache exposes the translation cache for invalidation paths.
func (e *Engine) Cache() *trans.Cache { return e.cache }

// Context returns the guest execution context this engine drives.
func (e *Engine) Context() *guest.ExecutionContext { return e.ctx }

// Translate compiles fn into an executable translation. Validation
// failures come back as errors; panics from the back end ("should never
// happen given validated IR") are recovered exactly here, logged with
// their scope, and converted into an aborted-translation error so one
// malformed function cannot take down a guest core that never calls it.
func (e *Engine) Translate(fn *ir.Function) (t *trans.Translation, err error) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": fn.Name,
				"severity": diag.Error.String(),
			}).Errorf("translation panic: %v", r)
			err = fmt.Errorf("translation of %q aborted: %v", fn.Name, r)
		}
	}()

	g, slots, err := e.tr.Translate(fn)
	if err != nil {
		return nil, err
	}
	read, write := trans.SysRegEntries()
	prog := amd64.Lower(g, slots, amd64.HostCalls{SysRegRead: read, SysRegWrite: write})
	amd64.Allocate(prog)
	code := amd64.Encode(prog)

	buf, err := amd64.NewCodeBuffer(code)
	if err != nil {
		return nil, err
	}
	if err := buf.Finalize(); err != nil {
		buf.Free()
		return nil, err
	}
	return trans.NewTranslation(buf), nil
}

// TranslateAt compiles fn and registers the result under gpa.
func (e *Engine) TranslateAt(gpa uint64, fn *ir.Function) (*trans.Translation, error) {
	t, err := e.Translate(fn)
	if err != nil {
		return nil, err
	}
	e.cache.Insert(gpa, t)
	return t, nil
}

// Fetch resolves a guest PC to the IR function for the region starting
// there; the front end supplies it.
type Fetch func(gpa uint64) (*ir.Function, error)

// Step looks up or builds the translation for pc, enters it, and
// reconciles the status word with the context's pending flags. It
// returns the next guest PC.
func (e *Engine) Step(pc uint64, fetch Fetch) (uint64, error) {
	t, ok := e.cache.Lookup(pc)
	if !ok {
		fn, err := fetch(pc)
		if err != nil {
			return 0, err
		}
		if t, err = e.TranslateAt(pc, fn); err != nil {
			return 0, err
		}
	}

	res := trans.Execute(t, e.ctx.Registers, e.stack)
	if res.NeedsTLBInvalidate() || e.ctx.TakeTLBInvalidate() {
		e.cache.InvalidateAll()
	}
	if res.HasInterruptPending() || e.ctx.TakeInterrupt() {
		e.serviceInterrupt()
	}
	return e.nextPC(pc), nil
}

// Run dispatches from startPC until fetch reports there is nothing to
// run or the guest stops advancing.
func (e *Engine) Run(startPC uint64, fetch Fetch) error {
	pc := startPC
	for {
		next, err := e.Step(pc, fetch)
		if err != nil {
			return err
		}
		if !e.hasPC || next == pc {
			return nil
		}
		pc = next
	}
}

func (e *Engine) nextPC(pc uint64) uint64 {
	if !e.hasPC {
		return pc
	}
	return regfile.ReadRaw[uint64](e.ctx.Registers, e.pcOffset)
}

// serviceInterrupt runs the model's interrupt entry under the
// interpreter, falling back to a log line when the model has none.
func (e *Engine) serviceInterrupt() {
	fn, ok := e.ctx.Model.Function("__TakeInterrupt")
	if !ok {
		logrus.Debug("engine: interrupt pending with no handler in model")
		return
	}
	e.ctx.Interpreter().Interpret(fn, nil)
}
