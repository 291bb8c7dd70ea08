// Package interp executes one IR function directly against a register
// file, with no code generation. It backs register-file bring-up
// (borealis_register_init / __InitSystem), host-side constant folding of
// Constant-class sub-expressions during translation, and serves as the
// reference oracle in tests.
package interp

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
)

// Memory is the guest address space surface the interpreter needs for
// ReadMemory/WriteMemory; the device-dispatch package provides the
// concrete implementation.
type Memory interface {
	ReadMemory(addr uint64, width uint16) uint64
	WriteMemory(addr uint64, width uint16, value uint64)
}

// SysRegs routes system-register accesses to register-mapped devices.
type SysRegs interface {
	ReadSysReg(id uint64, width uint16) uint64
	WriteSysReg(id uint64, width uint16, value uint64)
}

// Interpreter walks one function's statements in order, keeping a
// per-symbol value map. It has no timing model and no interrupt
// dispatch; side effects go through the same RegisterFile/Memory
// interfaces the translator uses, so the two stay in lock-step.
type Interpreter struct {
	model *ir.Model
	rf    *regfile.RegisterFile
	mem   Memory

	// SysRegs may be set when the interpreted function touches
	// register-mapped devices; nil is fine for the init functions.
	SysRegs SysRegs
}

// New returns an Interpreter bound to model, rf and mem. mem may be nil
// if the function being interpreted never touches memory (true for the
// register-file init functions).
func New(model *ir.Model, rf *regfile.RegisterFile, mem Memory) *Interpreter {
	return &Interpreter{model: model, rf: rf, mem: mem}
}

// Interpret runs fn to completion with args bound to its parameters in
// order, and returns the function's result, if any.
func (in *Interpreter) Interpret(fn *ir.Function, args []ir.Constant) (ir.Constant, bool) {
	frame := newFrame(fn, args)
	return in.run(fn, frame)
}

type frame struct {
	vars map[string]ir.Constant
}

func newFrame(fn *ir.Function, args []ir.Constant) *frame {
	f := &frame{vars: make(map[string]ir.Constant)}
	for i, p := range fn.Params {
		if i < len(args) {
			f.vars[p.Name] = args[i]
		}
	}
	return f
}

func (in *Interpreter) run(fn *ir.Function, fr *frame) (ir.Constant, bool) {
	vals := make(map[int]ir.Constant) // StmtHandle.Index() -> evaluated value
	blk := fn.Entry
	for {
		b := fn.Block(blk)
		stmts := b.Statements()
		var result ir.Constant
		var hasResult bool
		var next ir.BlockHandle
		var terminated bool
		for _, h := range stmts {
			s := fn.Stmt(h)
			switch s.Op {
			case ir.OpJump:
				next, terminated = s.JumpTarget, true
			case ir.OpBranch:
				cond := vals[s.Cond.Index()]
				if rawBits(cond) != 0 {
					next = s.BranchTrue
				} else {
					next = s.BranchFalse
				}
				terminated = true
			case ir.OpReturn:
				if s.HasReturn {
					result, hasResult = vals[s.ReturnValue.Index()], true
				}
				return result, hasResult
			case ir.OpPanic:
				panic(fmt.Sprintf("interp: guest panic: %s", s.Message))
			default:
				vals[h.Index()] = in.eval(fn, fr, vals, s)
			}
		}
		if !terminated {
			return result, hasResult
		}
		blk = next
	}
}

func (in *Interpreter) eval(fn *ir.Function, fr *frame, vals map[int]ir.Constant, s *ir.Statement) ir.Constant {
	switch s.Op {
	case ir.OpConstant:
		return s.Const
	case ir.OpUndefined:
		return ir.Constant{}
	case ir.OpReadVariable:
		return fr.vars[s.Symbol.Name]
	case ir.OpWriteVariable:
		fr.vars[s.Symbol.Name] = vals[s.Value.Index()]
		return ir.Constant{}
	case ir.OpReadRegister:
		w := s.ResultType.WidthBitsOf()
		return typedConstant(s.ResultType, regfile.ReadUnsigned(in.rf, s.RegOffset, uint32((w+7)/8)), w)
	case ir.OpWriteRegister:
		v := vals[s.Value.Index()]
		regfile.WriteUnsigned(in.rf, s.RegOffset, uint32((v.Width+7)/8), rawBits(v))
		return ir.Constant{}
	case ir.OpReadMemory:
		addr := vals[s.Address.Index()]
		w := s.ResultType.WidthBitsOf()
		return typedConstant(s.ResultType, in.mem.ReadMemory(rawBits(addr), w), w)
	case ir.OpWriteMemory:
		addr := vals[s.Address.Index()]
		v := vals[s.Value.Index()]
		in.mem.WriteMemory(rawBits(addr), v.Width, rawBits(v))
		return ir.Constant{}
	case ir.OpReadSysReg:
		w := s.ResultType.WidthBitsOf()
		return ir.NewUnsigned(in.SysRegs.ReadSysReg(s.SysRegID, w), w)
	case ir.OpWriteSysReg:
		v := vals[s.Value.Index()]
		in.SysRegs.WriteSysReg(s.SysRegID, v.Width, rawBits(v))
		return ir.Constant{}
	case ir.OpUnaryOp:
		return evalUnary(s.OpKind, vals[s.Operands[0].Index()], s.ResultType)
	case ir.OpBinaryOp:
		return evalBinary(s.OpKind, vals[s.Operands[0].Index()], vals[s.Operands[1].Index()], s.ResultType)
	case ir.OpTernaryOp:
		a, b, c := vals[s.Operands[0].Index()], vals[s.Operands[1].Index()], vals[s.Operands[2].Index()]
		return ir.NewUnsigned(rawBits(a)+rawBits(b)+rawBits(c), s.ResultType.WidthBitsOf())
	case ir.OpShift:
		return evalShift(s.OpKind, vals[s.Operands[0].Index()], vals[s.Operands[1].Index()], s.ResultType)
	case ir.OpCast:
		return evalCast(s.CastKind, vals[s.Operand.Index()], s.ResultType)
	case ir.OpSelect:
		cond := vals[s.Cond.Index()]
		if rawBits(cond) != 0 {
			return vals[s.True.Index()]
		}
		return vals[s.False.Index()]
	case ir.OpAssert:
		cond := vals[s.Cond.Index()]
		if rawBits(cond) == 0 {
			panic(fmt.Sprintf("interp: assertion failed: %s", s.Metadata))
		}
		return ir.Constant{}
	case ir.OpBitExtract:
		v, start, length := vals[s.Source.Index()], vals[s.Start.Index()], vals[s.Length.Index()]
		mask := maskFor(rawBits(length))
		return ir.NewUnsigned((rawBits(v)>>rawBits(start))&mask, s.ResultType.WidthBitsOf())
	case ir.OpBitInsert:
		target, v, start, length := vals[s.Source.Index()], vals[s.Value.Index()], vals[s.Start.Index()], vals[s.Length.Index()]
		mask := maskFor(rawBits(length))
		cleared := rawBits(target) &^ (mask << rawBits(start))
		inserted := (rawBits(v) & mask) << rawBits(start)
		return ir.NewUnsigned(cleared|inserted, s.ResultType.WidthBitsOf())
	case ir.OpCreateBits:
		return vals[s.BitsValue.Index()]
	case ir.OpSizeOf:
		return ir.NewUnsigned(uint64(vals[s.Of.Index()].Width), 64)
	case ir.OpCall:
		callee, ok := in.model.Function(s.Target)
		if !ok {
			panic(fmt.Sprintf("interp: call to unknown function %q", s.Target))
		}
		args := make([]ir.Constant, len(s.Args))
		for i, a := range s.Args {
			args[i] = vals[a.Index()]
		}
		result, _ := in.Interpret(callee, args)
		return result
	case ir.OpPrintChar:
		logrus.WithField("function", fn.Name).Debug("interp: guest print")
		return ir.Constant{}
	case ir.OpGetFlag, ir.OpGetFlags:
		// No flags model at the interpreter level; callers relying on
		// flags should use the translator's encoder-level flag tracking.
		return ir.Constant{}
	default:
		panic(fmt.Sprintf("interp: unhandled op %v", s.Op))
	}
}

func maskFor(bitsLen uint64) uint64 {
	if bitsLen >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bitsLen) - 1
}

// rawBits returns a constant's 64-bit pattern regardless of class.
func rawBits(c ir.Constant) uint64 {
	if c.Kind == ir.ConstSignedInteger {
		return uint64(c.Signed)
	}
	return c.Unsigned
}

// signedValue returns a constant's value as a signed integer,
// sign-extending an unsigned-class pattern from its own width.
func signedValue(c ir.Constant) int64 {
	if c.Kind == ir.ConstSignedInteger {
		return c.Signed
	}
	return ir.NewSigned(int64(c.Unsigned), c.Width).Signed
}

// typedConstant wraps a raw bit pattern in the constant class t calls
// for, so signed-typed reads come back sign-extended.
func typedConstant(t ir.Type, raw uint64, w uint16) ir.Constant {
	if t.Kind == ir.KindPrimitive && t.Class == ir.ClassSignedInteger {
		return ir.NewSigned(int64(raw), w)
	}
	return ir.NewUnsigned(raw, w)
}

func evalUnary(kind string, v ir.Constant, resType ir.Type) ir.Constant {
	w := resType.WidthBitsOf()
	switch kind {
	case "not":
		return typedConstant(resType, ^rawBits(v), w)
	case "neg":
		return ir.NewSigned(-signedValue(v), w)
	default:
		panic(fmt.Sprintf("interp: unknown unary op %q", kind))
	}
}

// evalBinary computes per operand class: signed-kind operands use
// signed arithmetic and signed ordering, matching the condition codes
// the translator's dynamic path selects for signed operand types.
func evalBinary(kind string, a, b ir.Constant, resType ir.Type) ir.Constant {
	w := resType.WidthBitsOf()
	if a.Kind == ir.ConstSignedInteger || b.Kind == ir.ConstSignedInteger {
		x, y := signedValue(a), signedValue(b)
		switch kind {
		case "add":
			return ir.NewSigned(x+y, w)
		case "sub":
			return ir.NewSigned(x-y, w)
		case "mul":
			return ir.NewSigned(x*y, w)
		case "and":
			return ir.NewSigned(x&y, w)
		case "or":
			return ir.NewSigned(x|y, w)
		case "xor":
			return ir.NewSigned(x^y, w)
		case "eq":
			return boolConst(x == y)
		case "ne":
			return boolConst(x != y)
		case "lt":
			return boolConst(x < y)
		case "le":
			return boolConst(x <= y)
		case "gt":
			return boolConst(x > y)
		case "ge":
			return boolConst(x >= y)
		default:
			panic(fmt.Sprintf("interp: unknown binary op %q", kind))
		}
	}
	switch kind {
	case "add":
		return ir.NewUnsigned(a.Unsigned+b.Unsigned, w)
	case "sub":
		return ir.NewUnsigned(a.Unsigned-b.Unsigned, w)
	case "mul":
		return ir.NewUnsigned(a.Unsigned*b.Unsigned, w)
	case "and":
		return ir.NewUnsigned(a.Unsigned&b.Unsigned, w)
	case "or":
		return ir.NewUnsigned(a.Unsigned|b.Unsigned, w)
	case "xor":
		return ir.NewUnsigned(a.Unsigned^b.Unsigned, w)
	case "eq":
		return boolConst(a.Unsigned == b.Unsigned)
	case "ne":
		return boolConst(a.Unsigned != b.Unsigned)
	case "lt":
		return boolConst(a.Unsigned < b.Unsigned)
	case "le":
		return boolConst(a.Unsigned <= b.Unsigned)
	case "gt":
		return boolConst(a.Unsigned > b.Unsigned)
	case "ge":
		return boolConst(a.Unsigned >= b.Unsigned)
	default:
		panic(fmt.Sprintf("interp: unknown binary op %q", kind))
	}
}

func evalShift(kind string, v, amount ir.Constant, resType ir.Type) ir.Constant {
	w := resType.WidthBitsOf()
	by := rawBits(amount)
	switch kind {
	case "shl":
		return typedConstant(resType, rawBits(v)<<by, w)
	case "shr":
		return ir.NewUnsigned(v.Unsigned>>by, w)
	case "sar":
		return ir.NewSigned(signedValue(v)>>by, w)
	default:
		panic(fmt.Sprintf("interp: unknown shift op %q", kind))
	}
}

func evalCast(kind ir.CastKind, v ir.Constant, resType ir.Type) ir.Constant {
	w := resType.WidthBitsOf()
	switch kind {
	case ir.CastTruncate, ir.CastZeroExtend, ir.CastReinterpret:
		return typedConstant(resType, rawBits(v), w)
	case ir.CastSignExtend:
		return ir.NewSigned(signedValue(v), w)
	case ir.CastConvert:
		return ir.NewFloat(float64(signedValue(v)), w)
	default:
		panic("interp: unknown cast kind")
	}
}

func boolConst(b bool) ir.Constant {
	if b {
		return ir.NewUnsigned(1, 1)
	}
	return ir.NewUnsigned(0, 1)
}
