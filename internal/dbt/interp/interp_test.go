package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/regfile"
)

var u64 = ir.Primitive(ir.ClassUnsignedInteger, 64)

func testModel() *ir.Model {
	m := ir.NewModel()
	m.AddRegister(ir.RegisterDescriptor{Name: "R0", Type: u64, Offset: 0})
	m.AddRegister(ir.RegisterDescriptor{Name: "R1", Type: u64, Offset: 8})
	m.AddRegister(ir.RegisterDescriptor{Name: "R2", Type: u64, Offset: 16})
	return m
}

func TestConstantAdd(t *testing.T) {
	m := testModel()
	fn := ir.NewFunction("const_add", nil, nil)
	b := ir.NewBuilder(fn)
	lhs := b.Constant(ir.NewUnsigned(5, 64))
	rhs := b.Constant(ir.NewUnsigned(7, 64))
	b.WriteRegister(0, b.Binary("add", lhs, rhs, u64))
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, uint64(12), regfile.ReadRaw[uint64](rf, 0))
}

func TestRegisterRoundTrip(t *testing.T) {
	m := testModel()
	fn := ir.NewFunction("round_trip", nil, nil)
	fn.AddLocal(ir.Symbol{Name: "v", Type: u64})
	b := ir.NewBuilder(fn)
	sym := ir.Symbol{Name: "v", Type: u64}
	b.WriteVariable(sym, b.ReadRegister(0, u64))
	b.WriteRegister(0, b.ReadVariable(sym))
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	regfile.WriteRaw(rf, 0, uint64(0xDEADBEEF_CAFEBABE))
	before := regfile.ReadRaw[uint64](rf, 0)
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, before, regfile.ReadRaw[uint64](rf, 0))
}

func TestBranchSelectsTarget(t *testing.T) {
	m := testModel()
	fn := ir.NewFunction("branchy", nil, nil)
	b := ir.NewBuilder(fn)
	tb := fn.NewBlock()
	fb := fn.NewBlock()
	b.Branch(b.Constant(ir.NewUnsigned(1, 1)), tb, fb)

	b.SetBlock(tb)
	b.WriteRegister(8, b.Constant(ir.NewUnsigned(0xAA, 64)))
	b.Return()

	b.SetBlock(fb)
	b.WriteRegister(8, b.Constant(ir.NewUnsigned(0x55, 64)))
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, uint64(0xAA), regfile.ReadRaw[uint64](rf, 8))
}

func TestCallReturnsValue(t *testing.T) {
	m := testModel()

	callee := ir.NewFunction("double", []ir.Symbol{{Name: "x", Type: u64}}, &u64)
	cb := ir.NewBuilder(callee)
	x := cb.ReadVariable(ir.Symbol{Name: "x", Type: u64})
	cb.ReturnValue(cb.Binary("add", x, x, u64))
	m.AddFunction(callee)

	caller := ir.NewFunction("caller", nil, nil)
	b := ir.NewBuilder(caller)
	arg := b.Constant(ir.NewUnsigned(21, 64))
	b.WriteRegister(16, b.Call("double", []ir.StmtHandle{arg}, &u64))
	b.Return()
	m.AddFunction(caller)

	rf := regfile.Init(m)
	New(m, rf, nil).Interpret(fnOf(m, "caller"), nil)
	require.Equal(t, uint64(42), regfile.ReadRaw[uint64](rf, 16))
}

func fnOf(m *ir.Model, name string) *ir.Function {
	fn, ok := m.Function(name)
	if !ok {
		panic(name)
	}
	return fn
}

func TestShiftAndCast(t *testing.T) {
	m := testModel()
	fn := ir.NewFunction("shifts", nil, nil)
	b := ir.NewBuilder(fn)
	v := b.Constant(ir.NewUnsigned(0xF0, 64))
	shifted := b.Shift("shr", v, b.Constant(ir.NewUnsigned(4, 8)), u64)
	b.WriteRegister(0, shifted)

	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	narrow := b.Cast(ir.CastTruncate, b.Constant(ir.NewUnsigned(0x1FF, 64)), u8)
	widened := b.Cast(ir.CastZeroExtend, narrow, u64)
	b.WriteRegister(8, widened)
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, uint64(0xF), regfile.ReadRaw[uint64](rf, 0))
	require.Equal(t, uint64(0xFF), regfile.ReadRaw[uint64](rf, 8))
}

func TestSignedArithmetic(t *testing.T) {
	m := testModel()
	i64t := ir.Primitive(ir.ClassSignedInteger, 64)
	fn := ir.NewFunction("signed_add", nil, nil)
	b := ir.NewBuilder(fn)
	sum := b.Binary("add", b.Constant(ir.NewSigned(-5, 64)), b.Constant(ir.NewSigned(3, 64)), i64t)
	b.WriteRegister(0, sum)
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, uint64(0xFFFF_FFFF_FFFF_FFFE), regfile.ReadRaw[uint64](rf, 0))
}

func TestSignedComparison(t *testing.T) {
	m := testModel()
	i8 := ir.Primitive(ir.ClassSignedInteger, 8)
	u1 := ir.Primitive(ir.ClassUnsignedInteger, 1)
	fn := ir.NewFunction("signed_cmp", nil, nil)
	b := ir.NewBuilder(fn)
	// -1 < 1 under signed ordering, even though the raw pattern is 0xFF
	lt := b.Binary("lt", b.Constant(ir.NewSigned(-1, 8)), b.Constant(ir.NewSigned(1, 8)), u1)
	b.WriteRegister(0, b.Cast(ir.CastZeroExtend, lt, u64))
	// a signed register read compares signed too
	r1 := b.ReadRegister(8, i8)
	ge := b.Binary("ge", r1, b.Constant(ir.NewSigned(0, 8)), u1)
	b.WriteRegister(16, b.Cast(ir.CastZeroExtend, ge, u64))
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	regfile.WriteRaw(rf, 8, uint64(0x80)) // -128 as a signed byte
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, uint64(1), regfile.ReadRaw[uint64](rf, 0))
	require.Equal(t, uint64(0), regfile.ReadRaw[uint64](rf, 16), "-128 is not >= 0 signed")
}

func TestSignExtendFromSourceWidth(t *testing.T) {
	m := testModel()
	i64t := ir.Primitive(ir.ClassSignedInteger, 64)
	fn := ir.NewFunction("sext", nil, nil)
	b := ir.NewBuilder(fn)
	narrow := b.Cast(ir.CastTruncate, b.Constant(ir.NewUnsigned(0xFF, 64)), ir.Primitive(ir.ClassUnsignedInteger, 8))
	b.WriteRegister(0, b.Cast(ir.CastSignExtend, narrow, i64t))
	b.Return()
	m.AddFunction(fn)

	rf := regfile.Init(m)
	New(m, rf, nil).Interpret(fn, nil)
	require.Equal(t, ^uint64(0), regfile.ReadRaw[uint64](rf, 0))
}

func TestGuestPanicSurfaces(t *testing.T) {
	m := testModel()
	fn := ir.NewFunction("boom", nil, nil)
	ir.NewBuilder(fn).Panic("guest gave up")
	m.AddFunction(fn)

	rf := regfile.Init(m)
	require.PanicsWithValue(t, "interp: guest panic: guest gave up", func() {
		New(m, rf, nil).Interpret(fn, nil)
	})
}

func TestBringUpOrder(t *testing.T) {
	m := testModel()
	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	m.AddRegister(ir.RegisterDescriptor{Name: "FEAT_BTI_IMPLEMENTED", Type: u8, Offset: 24})

	// borealis_register_init turns the feature on; bring-up must turn it
	// back off before __InitSystem reads it
	init := ir.NewFunction("borealis_register_init", nil, nil)
	bi := ir.NewBuilder(init)
	bi.WriteRegister(24, bi.Constant(ir.NewUnsigned(1, 8)))
	bi.Return()
	m.AddFunction(init)

	sysInit := ir.NewFunction("__InitSystem", nil, nil)
	bs := ir.NewBuilder(sysInit)
	feat := bs.ReadRegister(24, u8)
	wide := bs.Cast(ir.CastZeroExtend, feat, u64)
	bs.WriteRegister(0, wide)
	bs.Return()
	m.AddFunction(sysInit)

	rf := regfile.Init(m)
	BringUp(m, rf)
	require.Equal(t, uint8(0), regfile.ReadNamed[uint8](rf, "FEAT_BTI_IMPLEMENTED"))
	require.Equal(t, uint64(0), regfile.ReadRaw[uint64](rf, 0))
}
