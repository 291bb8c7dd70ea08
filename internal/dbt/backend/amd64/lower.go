package amd64

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"

	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/node"
)

// HostCalls carries the absolute entry addresses generated code calls on
// guest-visible side effects that cannot be expressed as plain loads and
// stores. The stubs behind these addresses preserve every register
// except RAX, so live virtual registers survive the call.
type HostCalls struct {
	SysRegRead  uintptr
	SysRegWrite uintptr
}

// Lower turns g into a machine-instruction Program. frameSlots is the
// number of 8-byte stack slots the translation's local variables occupy.
func Lower(g *node.Graph, frameSlots int, calls HostCalls) *Program {
	l := &lowerer{
		g:     g,
		prog:  &Program{Entry: -1, PanicBlock: -1},
		blocks: make(map[int]int),
		regs:  make(map[int]Reg),
		calls: calls,

		hasLzcnt: cpuid.CPU.Has(cpuid.LZCNT),
		hasBMI1:  cpuid.CPU.Has(cpuid.BMI1),
	}
	l.prog.FrameBytes = int32((frameSlots*8 + 15) &^ 15)

	order := blockOrder(g)
	for _, bh := range order {
		l.blocks[bh.Index()] = len(l.prog.Blocks)
		l.prog.Blocks = append(l.prog.Blocks, Block{})
	}
	l.prog.Entry = l.blocks[g.Initial.Index()]
	if pi, ok := l.blocks[g.PanicBlock.Index()]; ok {
		l.prog.PanicBlock = pi
	}

	for _, bh := range order {
		l.cur = l.blocks[bh.Index()]
		blk := g.Block(bh)
		if bh == g.PanicBlock {
			l.emit(Instruction{Op: OpUd2})
			continue
		}
		for _, nh := range blk.Nodes() {
			l.lowerNode(nh)
		}
		l.lowerTerminator(blk.Terminator())
		for _, s := range blk.Successors() {
			l.prog.Blocks[l.cur].Succs = append(l.prog.Blocks[l.cur].Succs, l.blocks[s.Index()])
		}
	}
	l.prog.NumVirt = l.nextVirt
	return l.prog
}

// blockOrder returns the node blocks reachable from the entry in
// depth-first order, with the panic block forced last when reachable.
func blockOrder(g *node.Graph) []node.BlockHandle {
	var order []node.BlockHandle
	seen := make(map[int]bool)
	var walk func(node.BlockHandle)
	walk = func(h node.BlockHandle) {
		if seen[h.Index()] || h == g.PanicBlock {
			return
		}
		seen[h.Index()] = true
		order = append(order, h)
		for _, s := range g.Block(h).Successors() {
			walk(s)
		}
	}
	walk(g.Initial)

	panicReachable := false
	for _, h := range order {
		for _, s := range g.Block(h).Successors() {
			if s == g.PanicBlock {
				panicReachable = true
			}
		}
	}
	if panicReachable {
		order = append(order, g.PanicBlock)
	}
	return order
}

type lowerer struct {
	g      *node.Graph
	prog   *Program
	blocks map[int]int // node block index -> machine block index
	regs   map[int]Reg // node handle index -> assigned virtual register

	nextVirt int
	cur      int
	calls    HostCalls

	hasLzcnt bool
	hasBMI1  bool
}

func (l *lowerer) emit(i Instruction) {
	b := &l.prog.Blocks[l.cur]
	b.Instrs = append(b.Instrs, i)
}

func (l *lowerer) vreg() Reg {
	r := V(l.nextVirt)
	l.nextVirt++
	return r
}

// use returns the register holding h's value at the current point,
// materialising folded constants fresh at each use site so that every
// virtual register is written on every path before it is read.
func (l *lowerer) use(h node.Handle) Reg {
	n := l.g.Get(h)
	if n.IsConstant {
		r := l.vreg()
		l.emit(Instruction{Op: OpMov, Operands: []Operand{
			RegOp(r, Out, 64), ImmOp(int64(n.Value), 64),
		}})
		return r
	}
	r, ok := l.regs[h.Index()]
	if !ok {
		panic(fmt.Sprintf("amd64: node %d used before lowering", h.Index()))
	}
	return r
}

func (l *lowerer) def(h node.Handle) Reg {
	r := l.vreg()
	l.regs[h.Index()] = r
	return r
}

// widthOf rounds a type's bit width up to the nearest machine operand
// width. Types with no static width (Bits) take the full 64 bits.
func widthOf(t ir.Type) (out uint8) {
	out = 64
	defer func() { _ = recover() }()
	w := t.WidthBitsOf()
	switch {
	case w <= 8:
		return 8
	case w <= 16:
		return 16
	case w <= 32:
		return 32
	default:
		return 64
	}
}

func regFileRef(offset uint32) Mem { return Mem{Base: P(RBP), Disp: int32(offset)} }

func stackSlotRef(slot int) Mem { return Mem{Base: P(RSP), Disp: int32(slot * 8)} }

// load reads width bits at m into dst, zero-extended: registers always
// hold their value zero-extended to 64 bits, so sub-32-bit loads go
// through movzx rather than a partial-register mov.
func (l *lowerer) load(dst Reg, m Mem, width uint8) {
	if width == 8 || width == 16 {
		l.emit(Instruction{Op: OpMovzx, Operands: []Operand{
			RegOp(dst, Out, 64), MemOp(m, In, width),
		}})
		return
	}
	l.emit(Instruction{Op: OpMov, Operands: []Operand{
		RegOp(dst, Out, width), MemOp(m, In, width),
	}})
}

func (l *lowerer) mov(dst, src Reg, width uint8) {
	l.emit(Instruction{Op: OpMov, Operands: []Operand{RegOp(dst, Out, width), RegOp(src, In, width)}})
}

func (l *lowerer) movImm(dst Reg, v int64, width uint8) {
	l.emit(Instruction{Op: OpMov, Operands: []Operand{RegOp(dst, Out, width), ImmOp(v, width)}})
}

func (l *lowerer) lowerNode(h node.Handle) {
	n := l.g.Get(h)
	if n.IsConstant {
		return // materialised at use sites
	}
	switch n.Kind {
	case node.KindReadRegister, node.KindGuestRegister:
		l.load(l.def(h), regFileRef(n.Offset), widthOf(n.Type))

	case node.KindWriteRegister:
		v := l.use(n.WriteValue)
		w := widthOf(l.g.Get(n.WriteValue).Type)
		l.emit(Instruction{Op: OpMov, Operands: []Operand{
			MemOp(regFileRef(n.Offset), Out, w), RegOp(v, In, w),
		}})

	case node.KindReadMemory:
		// guest memory is identity-mapped in the low half, so the guest
		// address is the host address
		a := l.use(n.Address)
		l.load(l.def(h), Mem{Base: a}, widthOf(n.Type))

	case node.KindWriteMemory:
		a := l.use(n.Address)
		v := l.use(n.WriteValue)
		w := widthOf(l.g.Get(n.WriteValue).Type)
		l.emit(Instruction{Op: OpMov, Operands: []Operand{
			MemOp(Mem{Base: a}, Out, w), RegOp(v, In, w),
		}})

	case node.KindReadStackVariable:
		l.load(l.def(h), stackSlotRef(n.StackSlot), widthOf(n.Type))

	case node.KindWriteStackVariable:
		v := l.use(n.WriteValue)
		w := widthOf(l.g.Get(n.WriteValue).Type)
		l.emit(Instruction{Op: OpMov, Operands: []Operand{
			MemOp(stackSlotRef(n.StackSlot), Out, w), RegOp(v, In, w),
		}})

	case node.KindBinaryOperation:
		l.lowerBinary(h, n)

	case node.KindUnaryOperation:
		l.lowerUnary(h, n)

	case node.KindCast:
		l.lowerCast(h, n)

	case node.KindSelect:
		w := widthOf(n.Type)
		if w < 16 {
			w = 32 // cmov has no 8-bit form
		}
		t := l.use(n.True)
		f := l.use(n.False)
		c := l.use(n.Cond)
		out := l.def(h)
		l.mov(out, f, w)
		l.emit(Instruction{Op: OpTest, Operands: []Operand{RegOp(c, In, 64), RegOp(c, In, 64)}})
		l.emit(Instruction{Op: OpCmovcc, Cond: CondNE, Operands: []Operand{
			RegOp(out, InOut, w), RegOp(t, In, w),
		}})

	case node.KindBitExtract:
		src := l.use(n.Source)
		out := l.def(h)
		l.mov(out, src, 64)
		l.shiftByDynamic(OpShr, out, n.Start)
		mask := l.maskFromLength(n.Length)
		l.emit(Instruction{Op: OpAnd, Operands: []Operand{RegOp(out, InOut, 64), RegOp(mask, In, 64)}})

	case node.KindBitInsert:
		mask := l.maskFromLength(n.Length)
		ins := l.vreg()
		l.mov(ins, l.use(n.WriteValue), 64)
		l.emit(Instruction{Op: OpAnd, Operands: []Operand{RegOp(ins, InOut, 64), RegOp(mask, In, 64)}})
		l.shiftByDynamic(OpShl, ins, n.Start)
		shifted := l.vreg()
		l.mov(shifted, mask, 64)
		l.shiftByDynamic(OpShl, shifted, n.Start)
		l.emit(Instruction{Op: OpNot, Operands: []Operand{RegOp(shifted, InOut, 64)}})
		out := l.def(h)
		l.mov(out, l.use(n.Source), 64)
		l.emit(Instruction{Op: OpAnd, Operands: []Operand{RegOp(out, InOut, 64), RegOp(shifted, In, 64)}})
		l.emit(Instruction{Op: OpOr, Operands: []Operand{RegOp(out, InOut, 64), RegOp(ins, In, 64)}})

	case node.KindGetFlags:
		// NZCV: (SF<<3) | (ZF<<2) | (CF<<1) | OF. Nothing between the
		// producer and this point writes flags; the lowering only emits
		// MOVs for constant materialisation in between.
		nf, zf, cf, vf := l.vreg(), l.vreg(), l.vreg(), l.vreg()
		for _, p := range []struct {
			r Reg
			c Cond
		}{{nf, CondS}, {zf, CondE}, {cf, CondB}, {vf, CondO}} {
			l.movImm(p.r, 0, 32)
			l.emit(Instruction{Op: OpSetcc, Cond: p.c, Operands: []Operand{RegOp(p.r, InOut, 8)}})
		}
		out := l.def(h)
		l.mov(out, nf, 64)
		l.emit(Instruction{Op: OpShl, Operands: []Operand{RegOp(out, InOut, 64), ImmOp(3, 8)}})
		l.emit(Instruction{Op: OpShl, Operands: []Operand{RegOp(zf, InOut, 64), ImmOp(2, 8)}})
		l.emit(Instruction{Op: OpShl, Operands: []Operand{RegOp(cf, InOut, 64), ImmOp(1, 8)}})
		l.emit(Instruction{Op: OpOr, Operands: []Operand{RegOp(out, InOut, 64), RegOp(zf, In, 64)}})
		l.emit(Instruction{Op: OpOr, Operands: []Operand{RegOp(out, InOut, 64), RegOp(cf, In, 64)}})
		l.emit(Instruction{Op: OpOr, Operands: []Operand{RegOp(out, InOut, 64), RegOp(vf, In, 64)}})

	case node.KindCreateBits:
		// the value register doubles as the bits value; length is
		// consulted through SizeOf
		l.regs[h.Index()] = l.use(n.Source)

	case node.KindSizeOf:
		src := l.g.Get(n.Source)
		if src.Kind != node.KindCreateBits {
			panic(fmt.Sprintf("amd64: size_of of non-bits node %v", src.Kind))
		}
		l.regs[h.Index()] = l.use(src.Length)

	case node.KindReadSysReg:
		w := widthOf(n.Type)
		l.hostCall(l.calls.SysRegRead, []int64{int64(n.SysRegID), int64(w)}, nil)
		out := l.def(h)
		l.mov(out, P(RAX), 64)

	case node.KindWriteSysReg:
		v := l.use(n.WriteValue)
		w := widthOf(l.g.Get(n.WriteValue).Type)
		l.hostCall(l.calls.SysRegWrite, []int64{int64(n.SysRegID), int64(w)}, &v)

	case node.KindCreateTuple, node.KindTupleAccess, node.KindBitReplicate:
		panic(fmt.Sprintf("amd64: unencodable dynamic node %v", n.Kind))

	default:
		panic(fmt.Sprintf("amd64: unhandled node kind %v", n.Kind))
	}
}

// hostCall emits the argument setup and indirect call for a host
// dispatch entry: immediates in RDI/RSI, an optional register value in
// RDX, entry address in RAX. The argument moves carry InOut so the
// allocator keeps those registers pinned above the call; a virtual
// register whose lifetime spans the call must not land in one.
func (l *lowerer) hostCall(entry uintptr, imms []int64, value *Reg) {
	argRegs := []PhysReg{RDI, RSI}
	ops := []Operand{RegOp(P(RAX), In, 64)}
	for i, imm := range imms {
		l.emit(Instruction{Op: OpMov, Operands: []Operand{RegOp(P(argRegs[i]), InOut, 64), ImmOp(imm, 64)}})
		ops = append(ops, RegOp(P(argRegs[i]), In, 64))
	}
	if value != nil {
		l.emit(Instruction{Op: OpMov, Operands: []Operand{RegOp(P(RDX), InOut, 64), RegOp(*value, In, 64)}})
		ops = append(ops, RegOp(P(RDX), In, 64))
	}
	l.emit(Instruction{Op: OpMov, Operands: []Operand{RegOp(P(RAX), InOut, 64), ImmOp(int64(entry), 64)}})
	l.emit(Instruction{Op: OpCall, Operands: ops})
}

// shiftByDynamic shifts reg by the value of amount, which may be a
// folded constant or a register routed through CL.
func (l *lowerer) shiftByDynamic(op Opcode, reg Reg, amount node.Handle) {
	a := l.g.Get(amount)
	if a.IsConstant {
		l.emit(Instruction{Op: op, Operands: []Operand{RegOp(reg, InOut, 64), ImmOp(int64(a.Value & 63), 8)}})
		return
	}
	// InOut keeps RCX pinned above the shift for spanning lifetimes
	l.emit(Instruction{Op: OpMov, Operands: []Operand{RegOp(P(RCX), InOut, 64), RegOp(l.use(amount), In, 64)}})
	l.emit(Instruction{Op: op, Operands: []Operand{RegOp(reg, InOut, 64), RegOp(P(RCX), In, 8)}})
}

// maskFromLength materialises (1 << length) - 1.
func (l *lowerer) maskFromLength(length node.Handle) Reg {
	m := l.vreg()
	l.movImm(m, 1, 64)
	l.shiftByDynamic(OpShl, m, length)
	l.emit(Instruction{Op: OpSub, Operands: []Operand{RegOp(m, InOut, 64), ImmOp(1, 32)}})
	return m
}

var arithOpcodes = map[string]Opcode{
	"add": OpAdd, "sub": OpSub, "mul": OpImul,
	"and": OpAnd, "or": OpOr, "xor": OpXor,
	"shl": OpShl, "shr": OpShr, "sar": OpSar,
}

// compareConds maps a comparison kind to its condition code, picking the
// signed- or unsigned-aware form from the operand type.
func compareConds(kind string, signed bool) (Cond, bool) {
	type pair struct{ u, s Cond }
	table := map[string]pair{
		"eq": {CondE, CondE}, "ne": {CondNE, CondNE},
		"lt": {CondB, CondL}, "le": {CondBE, CondLE},
		"gt": {CondA, CondG}, "ge": {CondAE, CondGE},
	}
	p, ok := table[kind]
	if !ok {
		return 0, false
	}
	if signed {
		return p.s, true
	}
	return p.u, true
}

func (l *lowerer) lowerBinary(h node.Handle, n *node.Node) {
	lhsType := l.g.Get(n.LHS).Type
	signed := lhsType.Kind == ir.KindPrimitive && lhsType.Class == ir.ClassSignedInteger

	if cc, ok := compareConds(n.OpKind, signed); ok {
		lhs := l.use(n.LHS)
		rhs := l.use(n.RHS)
		out := l.def(h)
		w := widthOf(lhsType)
		l.movImm(out, 0, 32)
		l.emit(Instruction{Op: OpCmp, Operands: []Operand{RegOp(lhs, In, w), RegOp(rhs, In, w)}})
		// setcc only writes the low byte; the zero from the mov above
		// supplies the upper bits, so this is a read-modify-write
		l.emit(Instruction{Op: OpSetcc, Cond: cc, Operands: []Operand{RegOp(out, InOut, 8)}})
		return
	}

	op, ok := arithOpcodes[n.OpKind]
	if !ok {
		panic(fmt.Sprintf("amd64: unknown binary operation %q", n.OpKind))
	}
	w := widthOf(n.Type)
	if op == OpShl || op == OpShr || op == OpSar {
		if op == OpShr && signed {
			op = OpSar
		}
		out := l.def(h)
		l.mov(out, l.use(n.LHS), w)
		l.shiftByDynamic(op, out, n.RHS)
		return
	}
	lhs := l.use(n.LHS)
	rhs := l.use(n.RHS)
	out := l.def(h)
	l.mov(out, lhs, w)
	l.emit(Instruction{Op: op, Operands: []Operand{RegOp(out, InOut, w), RegOp(rhs, In, w)}})
}

func (l *lowerer) lowerUnary(h node.Handle, n *node.Node) {
	w := widthOf(n.Type)
	switch n.OpKind {
	case "not":
		out := l.def(h)
		l.mov(out, l.use(n.LHS), w)
		l.emit(Instruction{Op: OpNot, Operands: []Operand{RegOp(out, InOut, w)}})
	case "neg":
		out := l.def(h)
		l.mov(out, l.use(n.LHS), w)
		l.emit(Instruction{Op: OpNeg, Operands: []Operand{RegOp(out, InOut, w)}})
	case "clz":
		v := l.use(n.LHS)
		out := l.def(h)
		if l.hasLzcnt {
			l.emit(Instruction{Op: OpLzcnt, Operands: []Operand{RegOp(out, Out, w), RegOp(v, In, w)}})
		} else {
			// bsr gives the highest set bit index; xor with width-1
			// converts it to a leading-zero count (zero input undefined,
			// as the model's own clz is)
			l.emit(Instruction{Op: OpBsr, Operands: []Operand{RegOp(out, Out, w), RegOp(v, In, w)}})
			l.emit(Instruction{Op: OpXor, Operands: []Operand{RegOp(out, InOut, w), ImmOp(int64(w) - 1, 32)}})
		}
	case "ctz":
		v := l.use(n.LHS)
		out := l.def(h)
		if l.hasBMI1 {
			l.emit(Instruction{Op: OpTzcnt, Operands: []Operand{RegOp(out, Out, w), RegOp(v, In, w)}})
		} else {
			l.emit(Instruction{Op: OpBsf, Operands: []Operand{RegOp(out, Out, w), RegOp(v, In, w)}})
		}
	default:
		panic(fmt.Sprintf("amd64: unknown unary operation %q", n.OpKind))
	}
}

func (l *lowerer) lowerCast(h node.Handle, n *node.Node) {
	src := l.g.Get(n.Operand)
	sw := widthOf(src.Type)
	dw := widthOf(n.Type)
	v := l.use(n.Operand)
	out := l.def(h)
	switch n.CastKind {
	case ir.CastTruncate, ir.CastReinterpret, ir.CastConvert:
		l.mov(out, v, dw)
	case ir.CastZeroExtend:
		switch {
		case sw >= dw:
			l.mov(out, v, dw)
		case sw == 32:
			// a 32-bit mov zero-extends to 64 on its own
			l.mov(out, v, 32)
		default:
			l.emit(Instruction{Op: OpMovzx, Operands: []Operand{RegOp(out, Out, dw), RegOp(v, In, sw)}})
		}
	case ir.CastSignExtend:
		if sw >= dw {
			l.mov(out, v, dw)
		} else {
			l.emit(Instruction{Op: OpMovsx, Operands: []Operand{RegOp(out, Out, dw), RegOp(v, In, sw)}})
		}
	default:
		panic(fmt.Sprintf("amd64: unknown cast kind %v", n.CastKind))
	}
}

func (l *lowerer) lowerTerminator(t node.Terminator) {
	switch t.Kind {
	case node.TermJump:
		l.emit(Instruction{Op: OpJmp, Target: l.blocks[t.Target.Index()]})
	case node.TermBranch:
		c := l.use(t.Cond)
		l.emit(Instruction{Op: OpTest, Operands: []Operand{RegOp(c, In, 64), RegOp(c, In, 64)}})
		l.emit(Instruction{Op: OpJcc, Cond: CondNE, Target: l.blocks[t.Target.Index()]})
		l.emit(Instruction{Op: OpJmp, Target: l.blocks[t.False.Index()]})
	case node.TermLeave, node.TermLeaveWithCache:
		// the status word starts clean; pending-interrupt and TLB bits
		// are OR'd in by the dispatcher from context state
		l.movImm(P(RAX), 0, 32)
		l.emit(Instruction{Op: OpRet})
	case node.TermPanic:
		l.emit(Instruction{Op: OpUd2})
	case node.TermNone:
		// a block left open behaves as a fall-off return
		l.movImm(P(RAX), 0, 32)
		l.emit(Instruction{Op: OpRet})
	}
}
