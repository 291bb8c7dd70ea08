package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
)

var u64 = ir.Primitive(ir.ClassUnsignedInteger, 64)

func countKind(g *Graph, k Kind) int {
	n := 0
	g.Nodes.All(func(_ Handle, nd *Node) {
		if nd.Kind == k {
			n++
		}
	})
	return n
}

func TestConstantFoldAdd(t *testing.T) {
	g := NewGraph()
	sum := g.BinaryOp("add", g.Constant(5, u64), g.Constant(7, u64), u64)
	g.WriteRegister(0, sum)
	g.Leave()

	n := g.Get(sum)
	require.True(t, n.IsConstant)
	require.Equal(t, uint64(12), n.Value)
	// the fold leaves no arithmetic in the graph
	require.Zero(t, countKind(g, KindBinaryOperation))
}

func TestFoldMasksToWidth(t *testing.T) {
	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	g := NewGraph()
	sum := g.BinaryOp("add", g.Constant(0xFF, u8), g.Constant(1, u8), u8)
	require.Equal(t, uint64(0), g.Get(sum).Value)
}

func TestDynamicAddStaysDynamic(t *testing.T) {
	g := NewGraph()
	dyn := g.ReadRegister(0, u64, false, 0)
	sum := g.BinaryOp("add", dyn, g.Constant(1, u64), u64)
	require.False(t, g.Get(sum).IsConstant)
	require.Equal(t, 1, countKind(g, KindBinaryOperation))
}

func TestBranchFold(t *testing.T) {
	g := NewGraph()
	tb := g.NewBlock()
	fb := g.NewBlock()
	g.Branch(g.Constant(1, ir.Primitive(ir.ClassUnsignedInteger, 1)), tb, fb)

	term := g.Block(g.Initial).Terminator()
	require.Equal(t, TermJump, term.Kind)
	require.Equal(t, tb, term.Target)
	require.Equal(t, []BlockHandle{tb}, g.Block(g.Initial).Successors())
}

func TestCacheableRegisterRead(t *testing.T) {
	g := NewGraph()

	first := g.ReadRegister(16, u64, true, 0x1234)
	require.True(t, g.Get(first).IsConstant)
	require.Equal(t, uint64(0x1234), g.Get(first).Value)

	// a second read before any write reuses the folded node
	require.Equal(t, first, g.ReadRegister(16, u64, true, 0x1234))

	// a write to the same offset invalidates the fold
	g.WriteRegister(16, g.Constant(0x5678, u64))
	after := g.ReadRegister(16, u64, true, 0x5678)
	require.NotEqual(t, first, after)
	require.Equal(t, uint64(0x5678), g.Get(after).Value)
}

func TestSelectFold(t *testing.T) {
	g := NewGraph()
	tv := g.Constant(1, u64)
	fv := g.Constant(2, u64)
	require.Equal(t, tv, g.Select(g.Constant(1, u64), tv, fv))
	require.Equal(t, fv, g.Select(g.Constant(0, u64), tv, fv))

	dyn := g.ReadRegister(0, u64, false, 0)
	sel := g.Select(dyn, tv, fv)
	require.Equal(t, KindSelect, g.Get(sel).Kind)
}

func TestSignedComparisonFold(t *testing.T) {
	i8 := ir.Primitive(ir.ClassSignedInteger, 8)
	u1 := ir.Primitive(ir.ClassUnsignedInteger, 1)
	g := NewGraph()

	// 0xFF is -1 at a signed 8-bit operand type: below 1 signed,
	// above 1 unsigned
	lt := g.BinaryOp("lt", g.Constant(0xFF, i8), g.Constant(1, i8), u1)
	require.Equal(t, uint64(1), g.Get(lt).Value)

	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	gt := g.BinaryOp("gt", g.Constant(0xFF, u8), g.Constant(1, u8), u1)
	require.Equal(t, uint64(1), g.Get(gt).Value)

	ge := g.BinaryOp("ge", g.Constant(0x80, i8), g.Constant(0, i8), u1)
	require.Equal(t, uint64(0), g.Get(ge).Value, "-128 is not >= 0 signed")
}

func TestArithmeticShiftRightFold(t *testing.T) {
	i8 := ir.Primitive(ir.ClassSignedInteger, 8)
	g := NewGraph()
	v := g.Shift("sar", g.Constant(0x80, i8), g.Constant(4, i8), i8)
	require.Equal(t, uint64(0xF8), g.Get(v).Value, "sign bit replicates in")
}

func TestSignExtendFold(t *testing.T) {
	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	i64t := ir.Primitive(ir.ClassSignedInteger, 64)
	g := NewGraph()

	ext := g.Cast(g.Constant(0xFF, u8), i64t, ir.CastSignExtend)
	require.Equal(t, ^uint64(0), g.Get(ext).Value, "extends from the source width")

	pos := g.Cast(g.Constant(0x7F, u8), i64t, ir.CastSignExtend)
	require.Equal(t, uint64(0x7F), g.Get(pos).Value)
}

func TestCastNoOp(t *testing.T) {
	g := NewGraph()
	v := g.ReadRegister(0, u64, false, 0)
	require.Equal(t, v, g.Cast(v, u64, ir.CastZeroExtend))
}

func TestBitExtractFold(t *testing.T) {
	g := NewGraph()
	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	v := g.BitExtract(g.Constant(0xABCD, u64), g.Constant(8, u8), g.Constant(8, u8), u8)
	require.Equal(t, uint64(0xAB), g.Get(v).Value)
}

func TestBitInsertFold(t *testing.T) {
	g := NewGraph()
	u8 := ir.Primitive(ir.ClassUnsignedInteger, 8)
	v := g.BitInsert(g.Constant(0xFF00, u64), g.Constant(0x12, u64), g.Constant(0, u8), g.Constant(8, u8), u64)
	require.Equal(t, uint64(0xFF12), g.Get(v).Value)
}

func TestTupleAccessFold(t *testing.T) {
	g := NewGraph()
	a := g.Constant(10, u64)
	b := g.Constant(20, u64)
	tup := g.CreateTuple([]Handle{a, b}, ir.Tuple([]ir.Type{u64, u64}))
	require.Equal(t, b, g.TupleAccess(tup, 1, u64))
}

func TestSizeOfFold(t *testing.T) {
	g := NewGraph()
	bits := g.CreateBits(g.Constant(0b1010, u64), g.Constant(4, u64))
	size := g.SizeOf(bits)
	require.True(t, g.Get(size).IsConstant)
	require.Equal(t, uint64(4), g.Get(size).Value)
}

func TestAssertConstantTrueFoldsOut(t *testing.T) {
	g := NewGraph()
	before := g.CurrentBlock()
	g.Assert(g.Constant(1, u64), "never fires")
	require.Equal(t, before, g.CurrentBlock())
	require.Equal(t, TermNone, g.Block(before).Terminator().Kind)
}

func TestAssertDynamicBranchesToPanic(t *testing.T) {
	g := NewGraph()
	entry := g.CurrentBlock()
	cond := g.ReadRegister(0, u64, false, 0)
	g.Assert(cond, "checked")

	term := g.Block(entry).Terminator()
	require.Equal(t, TermBranch, term.Kind)
	require.Equal(t, g.PanicBlock, term.False)
	require.NotEqual(t, entry, g.CurrentBlock())
}

func TestLeaveWithCacheRecordsChain(t *testing.T) {
	g := NewGraph()
	g.LeaveWithCache(0x8000_0040)
	term := g.Block(g.Initial).Terminator()
	require.Equal(t, TermLeaveWithCache, term.Kind)
	require.Equal(t, uint64(0x8000_0040), term.Chain)
}
