// Package translate lowers one validated IR function into an x86 node
// graph by walking its blocks and driving the node emitter. Calls are
// inlined into the caller's graph; local variables become fixed stack
// slots; cacheable register reads fold against the live register file.
package translate

import (
	"fmt"

	"github.com/avisi-group/brig-dbt/internal/dbt/diag"
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/node"
	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
)

// maxInlineDepth bounds call inlining; recursion this deep is a model
// bug, not a workload.
const maxInlineDepth = 64

// ConsoleSysRegID is the reserved register-mapped identifier PrintChar
// lowers to; the engine routes a console device here at bring-up.
const ConsoleSysRegID uint64 = (2 << 19) | (3 << 16) | (3 << 12) | (0 << 8) | (7 << 5)

// Translator lowers IR functions against one model and register file.
type Translator struct {
	model *ir.Model
	rf    *regfile.RegisterFile

	g        *node.Graph
	nextSlot int
	depth    int
}

// New returns a Translator bound to model and rf. The register file is
// consulted for the translation-time value of cacheable registers.
func New(model *ir.Model, rf *regfile.RegisterFile) *Translator {
	return &Translator{model: model, rf: rf}
}

// Translate validates fn and lowers it to a fresh node graph. An
// Error-severity validation message aborts with a TranslationError;
// anything unencodable past validation panics with the offending
// statement, matching the taxonomy for should-never-happen IR.
func (t *Translator) Translate(fn *ir.Function) (*node.Graph, int, error) {
	msgs := ir.Validate(fn)
	var errs []diag.Message
	for _, m := range msgs {
		if m.Severity == diag.Error {
			errs = append(errs, m)
		}
	}
	if len(errs) > 0 {
		return nil, 0, &diag.TranslationError{Scope: diag.Scope{Function: fn.Name}, Messages: errs}
	}

	t.g = node.NewGraph()
	t.nextSlot = 0
	t.depth = 0
	t.lowerFunction(fn, nil, t.g.Initial, true)
	return t.g, t.nextSlot, nil
}

// frame is one inlining level: the slot bindings for this function's
// parameters and locals, plus where a Return should deposit its value
// and continue.
type frame struct {
	fn    *ir.Function
	slots map[string]int

	returnSlot int
	returnCont node.BlockHandle
	topLevel   bool
}

func (t *Translator) slot() int {
	s := t.nextSlot
	t.nextSlot++
	return s
}

// lowerFunction lowers fn starting at entry. For the top level, Return
// becomes the translation epilogue; for an inlined call, Return writes
// the result slot and jumps to the continuation block. It returns the
// result slot (meaningful only when fn has a return type).
func (t *Translator) lowerFunction(fn *ir.Function, args []node.Handle, entry node.BlockHandle, topLevel bool) int {
	t.depth++
	if t.depth > maxInlineDepth {
		panic(fmt.Sprintf("translate: call inlining exceeded depth %d at %q", maxInlineDepth, fn.Name))
	}
	defer func() { t.depth-- }()

	fr := &frame{fn: fn, slots: make(map[string]int), topLevel: topLevel, returnSlot: -1}
	if fn.ReturnType != nil {
		fr.returnSlot = t.slot()
	}
	if !topLevel {
		fr.returnCont = t.g.NewBlock()
	}

	t.g.SetCurrentBlock(entry)
	for i, p := range fn.Params {
		s := t.slot()
		fr.slots[p.Name] = s
		if i < len(args) {
			t.g.WriteStackVariable(s, args[i])
		}
	}

	// One node block per reachable IR block; the entry maps to the block
	// the caller handed us so parameter stores precede the body.
	blocks := map[int]node.BlockHandle{fn.Entry.Index(): entry}
	fn.BlockIter(func(bh ir.BlockHandle, _ *ir.Block) {
		if _, ok := blocks[bh.Index()]; !ok {
			blocks[bh.Index()] = t.g.NewBlock()
		}
	})

	fn.BlockIter(func(bh ir.BlockHandle, blk *ir.Block) {
		t.g.SetCurrentBlock(blocks[bh.Index()])
		t.lowerBlock(fr, blk, blocks)
	})

	if !topLevel {
		t.g.SetCurrentBlock(fr.returnCont)
	}
	return fr.returnSlot
}

// lowerBlock lowers one IR block's statements into the current node
// block.
func (t *Translator) lowerBlock(fr *frame, blk *ir.Block, blocks map[int]node.BlockHandle) {
	vals := make(map[int]node.Handle)
	var lastArith node.Handle

	value := func(h ir.StmtHandle) node.Handle {
		v, ok := vals[h.Index()]
		if !ok {
			panic(fmt.Sprintf("translate: statement %d used before definition in %q", h.Index(), fr.fn.Name))
		}
		return v
	}

	for _, sh := range blk.Statements() {
		s := fr.fn.Stmt(sh)
		switch s.Op {
		case ir.OpConstant:
			vals[sh.Index()] = t.g.Constant(constBits(s.Const), s.ResultType)
		case ir.OpUndefined:
			vals[sh.Index()] = t.g.Constant(0, s.ResultType)
		case ir.OpReadVariable:
			vals[sh.Index()] = t.g.ReadStackVariable(t.bind(fr, s.Symbol), s.ResultType)
		case ir.OpWriteVariable:
			t.g.WriteStackVariable(t.bind(fr, s.Symbol), value(s.Value))
		case ir.OpReadRegister:
			cacheable, initial := t.registerAt(s.RegOffset, s.ResultType)
			vals[sh.Index()] = t.g.ReadRegister(s.RegOffset, s.ResultType, cacheable, initial)
		case ir.OpWriteRegister:
			t.g.WriteRegister(s.RegOffset, value(s.Value))
		case ir.OpReadMemory:
			vals[sh.Index()] = t.g.ReadMemory(value(s.Address), s.ResultType)
		case ir.OpWriteMemory:
			t.g.WriteMemory(value(s.Address), value(s.Value))
		case ir.OpReadSysReg:
			vals[sh.Index()] = t.g.ReadSysReg(s.SysRegID, s.ResultType)
		case ir.OpWriteSysReg:
			t.g.WriteSysReg(s.SysRegID, value(s.Value))
		case ir.OpUnaryOp:
			vals[sh.Index()] = t.g.UnaryOp(s.OpKind, value(s.Operands[0]), s.ResultType)
		case ir.OpBinaryOp:
			h := t.g.BinaryOp(s.OpKind, value(s.Operands[0]), value(s.Operands[1]), s.ResultType)
			vals[sh.Index()] = h
			lastArith = h
		case ir.OpTernaryOp:
			// add-with-carry is the only ternary the model emits
			sum := t.g.BinaryOp("add", value(s.Operands[0]), value(s.Operands[1]), s.ResultType)
			h := t.g.BinaryOp("add", sum, value(s.Operands[2]), s.ResultType)
			vals[sh.Index()] = h
			lastArith = h
		case ir.OpShift:
			h := t.g.Shift(s.OpKind, value(s.Operands[0]), value(s.Operands[1]), s.ResultType)
			vals[sh.Index()] = h
			lastArith = h
		case ir.OpCast:
			vals[sh.Index()] = t.g.Cast(value(s.Operand), s.ResultType, s.CastKind)
		case ir.OpBitsCast:
			vals[sh.Index()] = t.g.CreateBits(value(s.Operand), value(s.CastLen))
		case ir.OpBitExtract:
			vals[sh.Index()] = t.g.BitExtract(value(s.Source), value(s.Start), value(s.Length), s.ResultType)
		case ir.OpBitInsert:
			vals[sh.Index()] = t.g.BitInsert(value(s.Source), value(s.Value), value(s.Start), value(s.Length), s.ResultType)
		case ir.OpBitReplicate:
			vals[sh.Index()] = t.g.BitReplicate(value(s.Source), value(s.Length), s.ResultType)
		case ir.OpCreateBits:
			vals[sh.Index()] = t.g.CreateBits(value(s.BitsValue), value(s.BitsLen))
		case ir.OpSizeOf:
			vals[sh.Index()] = t.g.SizeOf(value(s.Of))
		case ir.OpCreateTuple:
			elems := make([]node.Handle, len(s.Elements))
			for i, e := range s.Elements {
				elems[i] = value(e)
			}
			vals[sh.Index()] = t.g.CreateTuple(elems, s.ResultType)
		case ir.OpTupleAccess:
			vals[sh.Index()] = t.g.TupleAccess(value(s.Of), s.Index, s.ResultType)
		case ir.OpSelect:
			vals[sh.Index()] = t.g.Select(value(s.Cond), value(s.True), value(s.False))
		case ir.OpAssert:
			t.g.Assert(value(s.Cond), s.Metadata)
		case ir.OpGetFlags:
			if !lastArith.Valid() {
				panic(fmt.Sprintf("translate: get_flags with no preceding arithmetic producer in %q", fr.fn.Name))
			}
			vals[sh.Index()] = t.g.GetFlags(lastArith)
		case ir.OpGetFlag:
			if !lastArith.Valid() {
				panic(fmt.Sprintf("translate: get_flag with no preceding arithmetic producer in %q", fr.fn.Name))
			}
			bundle := t.g.GetFlags(lastArith)
			pos := flagPosition(s.Flag)
			u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
			shifted := t.g.Shift("shr", bundle, t.g.Constant(pos, u8), u8)
			vals[sh.Index()] = t.g.BinaryOp("and", shifted, t.g.Constant(1, u8), u8)
		case ir.OpCall:
			args := make([]node.Handle, len(s.Args))
			for i, a := range s.Args {
				args[i] = value(a)
			}
			vals[sh.Index()] = t.inlineCall(s, args)
		case ir.OpPrintChar:
			t.g.WriteSysReg(ConsoleSysRegID, value(s.Value))
		case ir.OpJump:
			t.g.Jump(blocks[s.JumpTarget.Index()])
		case ir.OpBranch:
			t.g.Branch(value(s.Cond), blocks[s.BranchTrue.Index()], blocks[s.BranchFalse.Index()])
		case ir.OpReturn:
			if s.HasReturn && fr.returnSlot >= 0 {
				t.g.WriteStackVariable(fr.returnSlot, value(s.ReturnValue))
			}
			if fr.topLevel {
				t.g.Leave()
			} else {
				t.g.Jump(fr.returnCont)
			}
		case ir.OpPanic:
			t.g.Panic(s.Message)
		case ir.OpPhiNode, ir.OpMutateElement:
			panic(fmt.Sprintf("translate: unencodable statement %v in %q", s.Op, fr.fn.Name))
		default:
			panic(fmt.Sprintf("translate: unhandled statement %v in %q", s.Op, fr.fn.Name))
		}
	}
}

// inlineCall lowers a call by translating the callee's body into the
// caller's graph, with parameters passed through stack slots.
func (t *Translator) inlineCall(s *ir.Statement, args []node.Handle) node.Handle {
	callee, ok := t.model.Function(s.Target)
	if !ok {
		panic(fmt.Sprintf("translate: call to unknown function %q", s.Target))
	}
	body := t.g.NewBlock()
	t.g.Jump(body)
	resultSlot := t.lowerFunction(callee, args, body, false)
	if s.ReturnType != nil && resultSlot >= 0 {
		return t.g.ReadStackVariable(resultSlot, *s.ReturnType)
	}
	return node.Invalid()
}

// bind returns the stack slot for sym, allocating one on first use.
func (t *Translator) bind(fr *frame, sym ir.Symbol) int {
	if s, ok := fr.slots[sym.Name]; ok {
		return s
	}
	s := t.slot()
	fr.slots[sym.Name] = s
	return s
}

// registerAt reports whether the register at offset is cacheable, and
// its current register-file value for translation-time folding.
func (t *Translator) registerAt(offset uint32, typ ir.Type) (bool, uint64) {
	d, ok := t.model.NearestRegisterAtOrBefore(offset)
	if !ok || d.Offset != offset || !d.Cacheable {
		return false, 0
	}
	return true, regfile.ReadUnsigned(t.rf, offset, uint32(typ.WidthBytes()))
}

// constBits returns the raw 64-bit pattern of an integer constant.
func constBits(c ir.Constant) uint64 {
	if c.Kind == ir.ConstSignedInteger {
		return uint64(c.Signed)
	}
	return c.Unsigned
}

// flagPosition maps a flag name to its bit position in the NZCV bundle.
func flagPosition(name string) uint64 {
	switch name {
	case "N", "n":
		return 3
	case "Z", "z":
		return 2
	case "C", "c":
		return 1
	case "V", "v":
		return 0
	default:
		panic(fmt.Sprintf("translate: unknown flag %q", name))
	}
}
