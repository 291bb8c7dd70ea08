package engine

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/guest"
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
)

var u64 = ir.Primitive(ir.ClassUnsignedInteger, 64)

func testModel() *ir.Model {
	m := ir.NewModel()
	m.AddRegister(ir.RegisterDescriptor{Name: "R0", Type: u64, Offset: 0})
	m.AddRegister(ir.RegisterDescriptor{Name: "R1", Type: u64, Offset: 8})
	m.AddRegister(ir.RegisterDescriptor{Name: "_PC", Type: u64, Offset: 16})
	return m
}

func testConfig() *guest.Config {
	return &guest.Config{
		Memory: map[string]guest.AddressSpaceConfig{
			"physical": {
				"dram": {Start: 0x8000_0000, End: 0x8100_0000},
			},
		},
	}
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Boot(testModel(), testConfig())
	require.NoError(t, err)
	return e
}

func TestTranslateProducesCode(t *testing.T) {
	e := testEngine(t)

	fn := ir.NewFunction("store", nil, nil)
	b := ir.NewBuilder(fn)
	lhs := b.Constant(ir.NewUnsigned(5, 64))
	rhs := b.Constant(ir.NewUnsigned(7, 64))
	b.WriteRegister(0, b.Binary("add", lhs, rhs, u64))
	b.Return()

	tr, err := e.Translate(fn)
	require.NoError(t, err)
	require.NotEmpty(t, tr.Code())
	require.NotZero(t, tr.Entry())
	// block header leads, ret trails
	require.Equal(t, []byte{0x0F, 0x1F, 0x40, 0x00}, tr.Code()[:4])
	require.Equal(t, byte(0xC3), tr.Code()[len(tr.Code())-1])
}

func TestBranchFoldReachesOnlyTakenSide(t *testing.T) {
	e := testEngine(t)

	fn := ir.NewFunction("branch_fold", nil, nil)
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

	tr, err := e.Translate(fn)
	require.NoError(t, err)

	code := tr.Code()
	require.True(t, bytes.Contains(code, []byte{0xAA, 0x00, 0x00, 0x00}), "taken side present")
	require.False(t, bytes.Contains(code, []byte{0x55, 0x00, 0x00, 0x00}), "untaken side absent")
}

func TestTranslationCacheInsertion(t *testing.T) {
	e := testEngine(t)

	fn := ir.NewFunction("unit", nil, nil)
	ir.NewBuilder(fn).Return()

	tr, err := e.TranslateAt(0x8000_0040, fn)
	require.NoError(t, err)
	got, ok := e.Cache().Lookup(0x8000_0040)
	require.True(t, ok)
	require.Same(t, tr, got)
}

func TestUnencodableIRIsRecovered(t *testing.T) {
	e := testEngine(t)

	fn := ir.NewFunction("phi", nil, nil)
	h := fn.Stmts.Append(ir.Statement{Op: ir.OpPhiNode, ResultType: u64})
	fn.Block(fn.Entry).Append(h)
	ir.NewBuilder(fn).Return()

	_, err := e.Translate(fn)
	require.Error(t, err)
	require.Contains(t, err.Error(), "aborted")
}

func TestValidationErrorSurfacesAsError(t *testing.T) {
	e := testEngine(t)

	fn := ir.NewFunction("bad", nil, nil)
	h := fn.Stmts.Append(ir.Statement{
		Op:         ir.OpConstant,
		ResultType: ir.Primitive(ir.ClassSignedInteger, 64),
		Const:      ir.NewUnsigned(1, 64),
	})
	fn.Block(fn.Entry).Append(h)
	ir.NewBuilder(fn).Return()

	_, err := e.Translate(fn)
	require.Error(t, err)
}
