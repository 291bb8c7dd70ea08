package ir

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/avisi-group/brig-dbt/internal/dbt/arena"
	"github.com/avisi-group/brig-dbt/internal/dbt/intern"
)

// Serialised model blob: a versioned header, the interned-string table,
// then registers and functions with every name replaced by its table
// key. Deserialise seeds the process-wide interner from the table
// before walking the rest, so every name in the decoded model is
// already interned.

var blobMagic = [4]byte{'B', 'R', 'G', '1'}

const blobVersion uint32 = 1

// Serialise encodes m into a byte blob. Encoding is deterministic:
// registers and functions are written in name order.
func Serialise(m *Model) []byte {
	w := &writer{strings: intern.NewTable()}

	// body first, so the string table is complete when the header is
	// assembled
	var body writer
	body.strings = w.strings

	regNames := make([]string, 0, len(m.registers))
	for name := range m.registers {
		regNames = append(regNames, name)
	}
	sort.Strings(regNames)
	body.u32(uint32(len(regNames)))
	for _, name := range regNames {
		d := m.registers[name]
		body.str(name)
		body.u32(d.Offset)
		body.bool(d.Cacheable)
		body.typ(d.Type)
	}

	fnNames := make([]string, 0, len(m.functions))
	for name := range m.functions {
		fnNames = append(fnNames, name)
	}
	sort.Strings(fnNames)
	body.u32(uint32(len(fnNames)))
	for _, name := range fnNames {
		body.function(m.functions[name])
	}

	w.buf = append(w.buf, blobMagic[:]...)
	w.u32(blobVersion)
	w.u32(uint32(w.strings.Len()))
	for id := intern.ID(1); int(id) <= w.strings.Len(); id++ {
		s := w.strings.String(id)
		w.u32(uint32(len(s)))
		w.buf = append(w.buf, s...)
	}
	w.buf = append(w.buf, body.buf...)
	return w.buf
}

// Deserialise decodes a blob produced by Serialise, seeding the
// process-wide interner from the embedded string table first.
func Deserialise(blob []byte) (*Model, error) {
	r := &reader{buf: blob}
	var magic [4]byte
	copy(magic[:], r.bytes(4))
	if r.err != nil || magic != blobMagic {
		return nil, fmt.Errorf("ir: bad model blob magic")
	}
	if v := r.u32(); v != blobVersion {
		return nil, fmt.Errorf("ir: unsupported model blob version %d", v)
	}

	count := r.u32()
	r.strings = make([]string, int(count)+1)
	for i := 1; i <= int(count); i++ {
		s := string(r.bytes(int(r.u32())))
		r.strings[i] = s
		intern.Global.Intern(s)
	}
	if r.err != nil {
		return nil, r.err
	}

	m := NewModel()
	for n := r.u32(); n > 0 && r.err == nil; n-- {
		name := r.str()
		offset := r.u32()
		cacheable := r.bool()
		typ := r.typ()
		m.AddRegister(RegisterDescriptor{Name: name, Type: typ, Offset: offset, Cacheable: cacheable})
	}
	if r.err != nil {
		return nil, r.err
	}
	for n := r.u32(); n > 0; n-- {
		fn := r.function()
		if r.err != nil {
			return nil, r.err
		}
		m.AddFunction(fn)
	}
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

type writer struct {
	buf     []byte
	strings *intern.Table
}

func (w *writer) u8(v byte)    { w.buf = append(w.buf, v) }
func (w *writer) bool(v bool)  { w.u8(map[bool]byte{false: 0, true: 1}[v]) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) i64(v int64)  { w.u64(uint64(v)) }

func (w *writer) str(s string) { w.u32(uint32(w.strings.Intern(s))) }

func (w *writer) handle(idx int) { w.i64(int64(idx)) }

func (w *writer) handles(hs []StmtHandle) {
	w.u32(uint32(len(hs)))
	for _, h := range hs {
		w.handle(h.Index())
	}
}

func (w *writer) typ(t Type) {
	w.u8(byte(t.Kind))
	switch t.Kind {
	case KindPrimitive:
		w.u8(byte(t.Class))
		w.u16(t.WidthBits)
	case KindStruct:
		w.u32(uint32(len(t.Fields)))
		for _, f := range t.Fields {
			w.str(f.Name)
			w.typ(f.Type)
		}
	case KindTuple:
		w.u32(uint32(len(t.Elements)))
		for _, e := range t.Elements {
			w.typ(e)
		}
	case KindVector:
		w.u32(t.ElementCount)
		w.typ(*t.Element)
	case KindUnion:
		w.u16(t.UnionWidthBits)
	}
}

func (w *writer) optType(t *Type) {
	if t == nil {
		w.u8(0)
		return
	}
	w.u8(1)
	w.typ(*t)
}

func (w *writer) constant(c Constant) {
	w.u8(byte(c.Kind))
	if c.Kind == 0 {
		return
	}
	w.u16(c.Width)
	switch c.Kind {
	case ConstUnsignedInteger:
		w.u64(c.Unsigned)
	case ConstSignedInteger:
		w.i64(c.Signed)
	case ConstFloatingPoint:
		w.u64(math.Float64bits(c.Float))
	case ConstString:
		w.str(c.Str)
	case ConstTuple, ConstVector:
		w.u32(uint32(len(c.Elements)))
		for _, e := range c.Elements {
			w.constant(e)
		}
	}
}

func (w *writer) symbol(s Symbol) {
	w.str(s.Name)
	w.typ(s.Type)
}

func (w *writer) statement(s *Statement) {
	w.u8(byte(s.Op))
	w.typ(s.ResultType)
	w.constant(s.Const)
	w.symbol(s.Symbol)
	w.handle(s.Value.Index())
	w.u32(s.RegOffset)
	w.u64(s.SysRegID)
	w.handle(s.Address.Index())
	w.str(s.OpKind)
	w.handles(s.Operands)
	w.u8(byte(s.CastKind))
	w.handle(s.Operand.Index())
	w.handle(s.CastLen.Index())
	w.handle(s.Start.Index())
	w.handle(s.Length.Index())
	w.handle(s.Source.Index())
	w.handle(s.BitsValue.Index())
	w.handle(s.BitsLen.Index())
	w.handle(s.Of.Index())
	w.i64(int64(s.Index))
	w.handles(s.Elements)
	w.handle(s.Cond.Index())
	w.handle(s.True.Index())
	w.handle(s.False.Index())
	w.str(s.Metadata)
	w.str(s.Flag)
	w.str(s.Target)
	w.handles(s.Args)
	w.optType(s.ReturnType)
	w.handle(s.JumpTarget.Index())
	w.handle(s.BranchTrue.Index())
	w.handle(s.BranchFalse.Index())
	w.handle(s.ReturnValue.Index())
	w.bool(s.HasReturn)
	w.str(s.Message)
}

func (w *writer) function(f *Function) {
	w.str(f.Name)
	w.optType(f.ReturnType)
	w.u32(uint32(len(f.Params)))
	for _, p := range f.Params {
		w.symbol(p)
	}

	localNames := make([]string, 0, len(f.locals))
	for name := range f.locals {
		localNames = append(localNames, name)
	}
	sort.Strings(localNames)
	w.u32(uint32(len(localNames)))
	for _, name := range localNames {
		w.symbol(f.locals[name])
	}

	w.u32(uint32(f.Stmts.Len()))
	f.Stmts.All(func(_ StmtHandle, s *Statement) {
		w.statement(s)
	})

	w.u32(uint32(f.Blocks.Len()))
	f.Blocks.All(func(_ BlockHandle, b *Block) {
		w.handles(b.stmts)
	})
	w.handle(f.Entry.Index())
}

type reader struct {
	buf     []byte
	pos     int
	err     error
	strings []string

	// handle reconstruction for the function currently being decoded
	stmtAt  func(int) StmtHandle
	blockAt func(int) BlockHandle
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if r.pos+n > len(r.buf) {
		r.err = fmt.Errorf("ir: truncated model blob at offset %d", r.pos)
		return make([]byte, n)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *reader) u8() byte    { b := r.bytes(1); return b[0] }
func (r *reader) bool() bool  { return r.u8() != 0 }
func (r *reader) u16() uint16 { return binary.LittleEndian.Uint16(r.bytes(2)) }
func (r *reader) u32() uint32 { return binary.LittleEndian.Uint32(r.bytes(4)) }
func (r *reader) u64() uint64 { return binary.LittleEndian.Uint64(r.bytes(8)) }
func (r *reader) i64() int64  { return int64(r.u64()) }

func (r *reader) str() string {
	id := r.u32()
	if r.err != nil || int(id) >= len(r.strings) {
		return ""
	}
	return r.strings[id]
}

func (r *reader) stmtHandle() StmtHandle   { return r.stmtAt(int(r.i64())) }
func (r *reader) blockHandle() BlockHandle { return r.blockAt(int(r.i64())) }

func (r *reader) stmtHandles() []StmtHandle {
	n := r.u32()
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]StmtHandle, n)
	for i := range out {
		out[i] = r.stmtHandle()
	}
	return out
}

func (r *reader) typ() Type {
	var t Type
	t.Kind = Kind(r.u8())
	switch t.Kind {
	case KindPrimitive:
		t.Class = TypeClass(r.u8())
		t.WidthBits = r.u16()
	case KindStruct:
		n := r.u32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			name := r.str()
			t.Fields = append(t.Fields, Field{Name: name, Type: r.typ()})
		}
	case KindTuple:
		n := r.u32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			t.Elements = append(t.Elements, r.typ())
		}
	case KindVector:
		t.ElementCount = r.u32()
		e := r.typ()
		t.Element = &e
	case KindUnion:
		t.UnionWidthBits = r.u16()
	}
	return t
}

func (r *reader) optType() *Type {
	if r.u8() == 0 {
		return nil
	}
	t := r.typ()
	return &t
}

func (r *reader) constant() Constant {
	var c Constant
	c.Kind = ConstantKind(r.u8())
	if c.Kind == 0 {
		return c
	}
	c.Width = r.u16()
	switch c.Kind {
	case ConstUnsignedInteger:
		c.Unsigned = r.u64()
	case ConstSignedInteger:
		c.Signed = r.i64()
	case ConstFloatingPoint:
		c.Float = math.Float64frombits(r.u64())
	case ConstString:
		c.Str = r.str()
	case ConstTuple, ConstVector:
		n := r.u32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			c.Elements = append(c.Elements, r.constant())
		}
	}
	return c
}

func (r *reader) symbol() Symbol {
	name := r.str()
	return Symbol{Name: name, Type: r.typ()}
}

func (r *reader) statement() Statement {
	var s Statement
	s.Op = Op(r.u8())
	s.ResultType = r.typ()
	s.Const = r.constant()
	s.Symbol = r.symbol()
	s.Value = r.stmtHandle()
	s.RegOffset = r.u32()
	s.SysRegID = r.u64()
	s.Address = r.stmtHandle()
	s.OpKind = r.str()
	s.Operands = r.stmtHandles()
	s.CastKind = CastKind(r.u8())
	s.Operand = r.stmtHandle()
	s.CastLen = r.stmtHandle()
	s.Start = r.stmtHandle()
	s.Length = r.stmtHandle()
	s.Source = r.stmtHandle()
	s.BitsValue = r.stmtHandle()
	s.BitsLen = r.stmtHandle()
	s.Of = r.stmtHandle()
	s.Index = int(r.i64())
	s.Elements = r.stmtHandles()
	s.Cond = r.stmtHandle()
	s.True = r.stmtHandle()
	s.False = r.stmtHandle()
	s.Metadata = r.str()
	s.Flag = r.str()
	s.Target = r.str()
	s.Args = r.stmtHandles()
	s.ReturnType = r.optType()
	s.JumpTarget = r.blockHandle()
	s.BranchTrue = r.blockHandle()
	s.BranchFalse = r.blockHandle()
	s.ReturnValue = r.stmtHandle()
	s.HasReturn = r.bool()
	s.Message = r.str()
	return s
}

func (r *reader) function() *Function {
	name := r.str()
	returnType := r.optType()

	nParams := r.u32()
	params := make([]Symbol, 0, nParams)
	for i := uint32(0); i < nParams && r.err == nil; i++ {
		params = append(params, r.symbol())
	}

	fn := &Function{
		Name:       name,
		ReturnType: returnType,
		Params:     params,
		locals:     make(map[string]Symbol),
		Blocks:     arena.New[Block](),
		Stmts:      arena.New[Statement](),
	}

	for n := r.u32(); n > 0 && r.err == nil; n-- {
		sym := r.symbol()
		fn.locals[sym.Name] = sym
	}

	// handles are raw indices; rebuild them by appending placeholders
	// first so forward references resolve
	nStmts := int(r.u32())
	if r.err != nil {
		return fn
	}
	stmtHandles := make([]StmtHandle, nStmts)
	for i := 0; i < nStmts; i++ {
		stmtHandles[i] = fn.Stmts.Append(Statement{})
	}
	r.stmtAt = func(i int) StmtHandle {
		if i < 0 || i >= nStmts {
			return InvalidStmt()
		}
		return stmtHandles[i]
	}

	// blocks are decoded after statements but statements name block
	// handles, so pre-scan is impossible without a placeholder arena;
	// allocate lazily against the maximum index seen instead
	blockHandles := make(map[int]BlockHandle)
	r.blockAt = func(i int) BlockHandle {
		if i < 0 {
			return InvalidBlock()
		}
		if h, ok := blockHandles[i]; ok {
			return h
		}
		// indices are dense and appended in order; fill the gap
		for fn.Blocks.Len() <= i {
			blockHandles[fn.Blocks.Len()] = fn.Blocks.Append(Block{})
		}
		return blockHandles[i]
	}

	for i := 0; i < nStmts && r.err == nil; i++ {
		*fn.Stmts.Get(stmtHandles[i]) = r.statement()
	}

	nBlocks := int(r.u32())
	for i := 0; i < nBlocks && r.err == nil; i++ {
		h := r.blockAt(i)
		fn.Blocks.Get(h).stmts = r.stmtHandles()
	}
	fn.Entry = r.blockHandle()
	r.stmtAt, r.blockAt = nil, nil
	return fn
}
