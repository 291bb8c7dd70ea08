package node

import "github.com/avisi-group/brig-dbt/internal/dbt/ir"

// Emitter is the x86 back end's node-graph construction surface. Graph
// implements it directly; folding is eager and local, never looking past
// a single operator.
type Emitter interface {
	Constant(value uint64, typ ir.Type) Handle
	ReadRegister(offset uint32, typ ir.Type, cacheable bool, initial uint64) Handle
	WriteRegister(offset uint32, value Handle)
	ReadMemory(addr Handle, typ ir.Type) Handle
	WriteMemory(addr Handle, value Handle)
	ReadStackVariable(slot int, typ ir.Type) Handle
	WriteStackVariable(slot int, value Handle)
	UnaryOp(kind string, v Handle, typ ir.Type) Handle
	BinaryOp(kind string, lhs, rhs Handle, typ ir.Type) Handle
	Shift(kind string, v, amount Handle, typ ir.Type) Handle
	Cast(value Handle, typ ir.Type, kind ir.CastKind) Handle
	BitExtract(source, start, length Handle, typ ir.Type) Handle
	BitInsert(source, value, start, length Handle, typ ir.Type) Handle
	BitReplicate(source, length Handle, typ ir.Type) Handle
	CreateBits(value, length Handle) Handle
	SizeOf(of Handle) Handle
	CreateTuple(elements []Handle, typ ir.Type) Handle
	TupleAccess(of Handle, index int, typ ir.Type) Handle
	Select(cond, t, f Handle) Handle
	ReadSysReg(id uint64, typ ir.Type) Handle
	WriteSysReg(id uint64, value Handle)
	Branch(cond Handle, trueTarget, falseTarget BlockHandle)
	Jump(target BlockHandle)
	Leave()
	LeaveWithCache(chainTarget uint64)
	Panic(msg string)
	Assert(cond Handle, metadata string)
	GetFlags(producer Handle) Handle
}

var _ Emitter = (*Graph)(nil)

// Constant returns a Constant node for value.
func (g *Graph) Constant(value uint64, typ ir.Type) Handle {
	return g.emit(Node{Kind: KindConstant, Type: typ, Value: value, IsConstant: true})
}

func (g *Graph) asConstant(h Handle) (uint64, bool) {
	n := g.get(h)
	return n.Value, n.IsConstant
}

// ReadRegister synthesises a GuestRegister node. If cacheable, the result
// folds to a Constant seeded from initial (the register file's value at
// translation time) and is recorded so a later WriteRegister to the same
// offset can invalidate it.
func (g *Graph) ReadRegister(offset uint32, typ ir.Type, cacheable bool, initial uint64) Handle {
	if cacheable {
		if h, ok := g.cacheableReads[offset]; ok {
			return h
		}
		h := g.Constant(initial, typ)
		g.cacheableReads[offset] = h
		return h
	}
	return g.emit(Node{Kind: KindReadRegister, Type: typ, Offset: offset})
}

// WriteRegister emits a WriteRegister instruction and invalidates the
// cache for any cacheable entry at an overlapping offset.
func (g *Graph) WriteRegister(offset uint32, value Handle) {
	g.emit(Node{Kind: KindWriteRegister, Offset: offset, WriteValue: value})
	bytesOf := func(h Handle) uint32 {
		n := uint32(0)
		for m := widthMask(g.get(h).Type); m != 0; m >>= 8 {
			n++
		}
		return n
	}
	end := offset + bytesOf(value)
	for off, h := range g.cacheableReads {
		if off < end && offset < off+bytesOf(h) {
			delete(g.cacheableReads, off)
		}
	}
}

// ReadMemory is always dynamic: a load through the guest memory base.
func (g *Graph) ReadMemory(addr Handle, typ ir.Type) Handle {
	return g.emit(Node{Kind: KindReadMemory, Type: typ, Address: addr})
}

// WriteMemory is symmetric with ReadMemory.
func (g *Graph) WriteMemory(addr Handle, value Handle) {
	g.emit(Node{Kind: KindWriteMemory, Address: addr, WriteValue: value})
}

// ReadStackVariable reads a local variable backed by a fixed stack slot.
func (g *Graph) ReadStackVariable(slot int, typ ir.Type) Handle {
	return g.emit(Node{Kind: KindReadStackVariable, Type: typ, StackSlot: slot})
}

// WriteStackVariable is symmetric with ReadStackVariable.
func (g *Graph) WriteStackVariable(slot int, value Handle) {
	g.emit(Node{Kind: KindWriteStackVariable, StackSlot: slot, WriteValue: value})
}

// UnaryOp folds when the input is Constant.
func (g *Graph) UnaryOp(kind string, v Handle, typ ir.Type) Handle {
	if val, ok := g.asConstant(v); ok {
		if folded, ok := foldUnary(kind, val, typ); ok {
			return g.Constant(folded, typ)
		}
	}
	return g.emit(Node{Kind: KindUnaryOperation, Type: typ, OpKind: kind, LHS: v})
}

// BinaryOp folds when both inputs are Constant, picking a signed- or
// unsigned-aware operation from kind and the operand type.
func (g *Graph) BinaryOp(kind string, lhs, rhs Handle, typ ir.Type) Handle {
	lv, lok := g.asConstant(lhs)
	rv, rok := g.asConstant(rhs)
	if lok && rok {
		if folded, ok := foldBinary(kind, lv, rv, typ, g.get(lhs).Type); ok {
			return g.Constant(folded, typ)
		}
	}
	return g.emit(Node{Kind: KindBinaryOperation, Type: typ, OpKind: kind, LHS: lhs, RHS: rhs})
}

// Shift is represented as a binary operation with kind in
// {"shl","shr","sar"}; it folds under the same rule as BinaryOp.
func (g *Graph) Shift(kind string, v, amount Handle, typ ir.Type) Handle {
	return g.BinaryOp(kind, v, amount, typ)
}

// Cast is a no-op when the source already matches the target type.
func (g *Graph) Cast(value Handle, typ ir.Type, kind ir.CastKind) Handle {
	src := g.get(value)
	if src.Type.Equal(typ) {
		return value
	}
	if val, ok := g.asConstant(value); ok {
		return g.Constant(foldCast(kind, val, src.Type, typ), typ)
	}
	return g.emit(Node{Kind: KindCast, Type: typ, CastKind: kind, Operand: value})
}

// BitExtract is constant-foldable.
func (g *Graph) BitExtract(source, start, length Handle, typ ir.Type) Handle {
	sv, sok := g.asConstant(source)
	stv, stok := g.asConstant(start)
	lv, lok := g.asConstant(length)
	if sok && stok && lok {
		mask := maskOf(lv)
		return g.Constant((sv>>stv)&mask, typ)
	}
	return g.emit(Node{Kind: KindBitExtract, Type: typ, Source: source, Start: start, Length: length})
}

// BitInsert is constant-foldable; otherwise lowered to a shift/mask
// sequence by the encoder.
func (g *Graph) BitInsert(source, value, start, length Handle, typ ir.Type) Handle {
	sv, sok := g.asConstant(source)
	vv, vok := g.asConstant(value)
	stv, stok := g.asConstant(start)
	lv, lok := g.asConstant(length)
	if sok && vok && stok && lok {
		mask := maskOf(lv)
		cleared := sv &^ (mask << stv)
		inserted := (vv & mask) << stv
		return g.Constant(cleared|inserted, typ)
	}
	return g.emit(Node{Kind: KindBitInsert, Type: typ, Source: source, WriteValue: value, Start: start, Length: length})
}

// BitReplicate is constant-foldable.
func (g *Graph) BitReplicate(source, length Handle, typ ir.Type) Handle {
	sv, sok := g.asConstant(source)
	lv, lok := g.asConstant(length)
	if sok && lok && lv > 0 && lv <= 64 {
		unit := sv & maskOf(lv)
		var out uint64
		width := typ.WidthBitsOf()
		for shifted := uint64(0); shifted < uint64(width); shifted += lv {
			out |= unit << shifted
		}
		return g.Constant(out, typ)
	}
	return g.emit(Node{Kind: KindBitReplicate, Type: typ, Source: source, Length: length})
}

// CreateBits bundles a value with its runtime length.
func (g *Graph) CreateBits(value, length Handle) Handle {
	return g.emit(Node{Kind: KindCreateBits, Type: ir.Bits(), Source: value, Length: length})
}

// SizeOf folds when its operand is a CreateBits of constants.
func (g *Graph) SizeOf(of Handle) Handle {
	n := g.get(of)
	if n.Kind == KindCreateBits {
		if lv, ok := g.asConstant(n.Length); ok {
			return g.Constant(lv, ir.Primitive(ir.ClassUnsignedInteger, 64))
		}
	}
	return g.emit(Node{Kind: KindSizeOf, Type: ir.Primitive(ir.ClassUnsignedInteger, 64), Source: of})
}

// CreateTuple is a static aggregation.
func (g *Graph) CreateTuple(elements []Handle, typ ir.Type) Handle {
	return g.emit(Node{Kind: KindCreateTuple, Type: typ, Elements: elements})
}

// TupleAccess folds when the source is a CreateTuple.
func (g *Graph) TupleAccess(of Handle, index int, typ ir.Type) Handle {
	n := g.get(of)
	if n.Kind == KindCreateTuple && index < len(n.Elements) {
		return n.Elements[index]
	}
	return g.emit(Node{Kind: KindTupleAccess, Type: typ, Source: of, Index: index})
}

// Select returns the selected branch directly if cond is Constant.
func (g *Graph) Select(cond, t, f Handle) Handle {
	if cv, ok := g.asConstant(cond); ok {
		if cv != 0 {
			return t
		}
		return f
	}
	return g.emit(Node{Kind: KindSelect, Type: g.get(t).Type, Cond: cond, True: t, False: f})
}

// ReadSysReg dispatches to the register-mapped device routed at the
// encoded identifier; always dynamic.
func (g *Graph) ReadSysReg(id uint64, typ ir.Type) Handle {
	return g.emit(Node{Kind: KindReadSysReg, Type: typ, SysRegID: id})
}

// WriteSysReg is symmetric with ReadSysReg.
func (g *Graph) WriteSysReg(id uint64, value Handle) {
	g.emit(Node{Kind: KindWriteSysReg, SysRegID: id, WriteValue: value})
}

// Branch terminates the current block with a conditional transfer. A
// constant condition collapses to an unconditional Jump so the untaken
// block never becomes reachable from the entry.
func (g *Graph) Branch(cond Handle, trueTarget, falseTarget BlockHandle) {
	if cv, ok := g.asConstant(cond); ok {
		if cv != 0 {
			g.Jump(trueTarget)
		} else {
			g.Jump(falseTarget)
		}
		return
	}
	g.terminate(Terminator{Kind: TermBranch, Cond: cond, Target: trueTarget, False: falseTarget})
}

// Jump terminates the current block with an unconditional transfer.
func (g *Graph) Jump(target BlockHandle) {
	g.terminate(Terminator{Kind: TermJump, Target: target})
}

// Leave terminates the current block with the translation epilogue.
func (g *Graph) Leave() {
	g.terminate(Terminator{Kind: TermLeave})
}

// LeaveWithCache is Leave plus a recorded chain target for the
// translation cache to consult on return.
func (g *Graph) LeaveWithCache(chain uint64) {
	g.terminate(Terminator{Kind: TermLeaveWithCache, Chain: chain})
}

// Panic jumps to the pre-created panic block.
func (g *Graph) Panic(msg string) {
	g.terminate(Terminator{Kind: TermJump, Target: g.PanicBlock})
}

// Assert branches to the panic block on failure; a constant-true
// condition folds the assertion out entirely, and a constant-false one
// collapses the current block into an unconditional panic.
func (g *Graph) Assert(cond Handle, metadata string) {
	if cv, ok := g.asConstant(cond); ok {
		if cv != 0 {
			return
		}
		g.Panic(metadata)
		return
	}
	cont := g.NewBlock()
	g.terminate(Terminator{Kind: TermBranch, Cond: cond, Target: cont, False: g.PanicBlock})
	g.SetCurrentBlock(cont)
}

// GetFlags returns the NZCV-style flag bundle produced by producer; the
// encoder resolves this to the physical flags register only when the
// downstream graph actually consumes it.
func (g *Graph) GetFlags(producer Handle) Handle {
	return g.emit(Node{Kind: KindGetFlags, Type: ir.Primitive(ir.ClassUnsignedInteger, 4), Source: producer})
}

func maskOf(w uint64) uint64 {
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}
