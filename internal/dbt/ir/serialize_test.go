package ir

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/intern"
)

func roundTripModel() *Model {
	m := NewModel()
	u64 := Primitive(ClassUnsignedInteger, 64)
	m.AddRegister(RegisterDescriptor{Name: "X0", Type: u64, Offset: 0})
	m.AddRegister(RegisterDescriptor{Name: "X1", Type: u64, Offset: 8})
	m.AddRegister(RegisterDescriptor{Name: "SCTLR", Type: Primitive(ClassUnsignedInteger, 32), Offset: 16, Cacheable: true})

	fn := NewFunction("body", []Symbol{{Name: "n", Type: u64}}, &u64)
	fn.AddLocal(Symbol{Name: "tmp", Type: u64})
	b := NewBuilder(fn)
	tb := fn.NewBlock()
	fb := fn.NewBlock()
	cond := b.Constant(NewUnsigned(1, 1))
	b.Branch(cond, tb, fb)

	b.SetBlock(tb)
	v := b.ReadRegister(0, u64)
	b.WriteRegister(8, v)
	b.ReturnValue(v)

	b.SetBlock(fb)
	b.Panic("unreachable")

	m.AddFunction(fn)
	return m
}

func TestRoundTrip(t *testing.T) {
	m := roundTripModel()
	blob := Serialise(m)

	got, err := Deserialise(blob)
	require.NoError(t, err)

	require.Equal(t, len(m.Registers()), len(got.Registers()))
	for name, want := range m.Registers() {
		have, ok := got.Register(name)
		require.True(t, ok, "register %s", name)
		require.Equal(t, want, have)
	}

	require.Equal(t, len(m.Functions()), len(got.Functions()))
	for name, want := range m.Functions() {
		have, ok := got.Function(name)
		require.True(t, ok, "function %s", name)
		requireFunctionEqual(t, want, have)
	}

	// serialising the decoded model reproduces the blob byte for byte
	require.Equal(t, blob, Serialise(got))
}

func requireFunctionEqual(t *testing.T, want, have *Function) {
	t.Helper()
	require.Equal(t, want.Name, have.Name)
	require.Equal(t, want.ReturnType, have.ReturnType)
	require.Equal(t, want.Params, have.Params)
	require.Equal(t, want.locals, have.locals)
	require.Equal(t, want.Entry, have.Entry)

	require.Equal(t, want.Stmts.Len(), have.Stmts.Len())
	want.Stmts.All(func(h StmtHandle, s *Statement) {
		require.True(t, reflect.DeepEqual(*s, *have.Stmts.Get(h)), "statement %d", h.Index())
	})
	require.Equal(t, want.Blocks.Len(), have.Blocks.Len())
	want.Blocks.All(func(h BlockHandle, b *Block) {
		require.Equal(t, b.Statements(), have.Blocks.Get(h).Statements(), "block %d", h.Index())
	})
}

func TestDeserialiseSeedsInterner(t *testing.T) {
	blob := Serialise(roundTripModel())
	before := intern.Global.Len()
	_, err := Deserialise(blob)
	require.NoError(t, err)
	// every name in the model is now interned; re-interning one must
	// not grow the table
	after := intern.Global.Len()
	require.GreaterOrEqual(t, after, before)
	intern.Global.Intern("X0")
	require.Equal(t, after, intern.Global.Len())
}

func TestDeserialiseRejectsGarbage(t *testing.T) {
	_, err := Deserialise([]byte("not a model"))
	require.Error(t, err)

	blob := Serialise(roundTripModel())
	_, err = Deserialise(blob[:len(blob)/2])
	require.Error(t, err)
}
