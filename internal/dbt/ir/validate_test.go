package ir

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/diag"
)

func u64type() Type { return Primitive(ClassUnsignedInteger, 64) }

func TestValidateConstantClassMismatch(t *testing.T) {
	fn := NewFunction("f", nil, nil)
	b := NewBuilder(fn)
	// an unsigned constant declared with a signed result type
	h := fn.Stmts.Append(Statement{
		Op:         OpConstant,
		ResultType: Primitive(ClassSignedInteger, 64),
		Const:      NewUnsigned(1, 64),
	})
	fn.Block(fn.Entry).Append(h)
	b.Return()

	msgs := Validate(fn)
	require.Len(t, msgs, 1)
	require.Equal(t, diag.Error, msgs[0].Severity)
	require.Equal(t, "f", msgs[0].Scope.Function)
}

func TestValidateBinaryOperandMismatch(t *testing.T) {
	fn := NewFunction("g", nil, nil)
	b := NewBuilder(fn)
	lhs := b.Constant(NewUnsigned(1, 64))
	rhs := b.Constant(NewUnsigned(1, 32))
	b.Binary("add", lhs, rhs, u64type())
	b.Return()

	msgs := Validate(fn)
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0].Text, "mismatch")
}

func TestValidateCleanFunction(t *testing.T) {
	fn := NewFunction("h", nil, nil)
	b := NewBuilder(fn)
	lhs := b.Constant(NewUnsigned(5, 64))
	rhs := b.Constant(NewUnsigned(7, 64))
	sum := b.Binary("add", lhs, rhs, u64type())
	b.WriteRegister(0, sum)
	b.Return()

	require.Empty(t, Validate(fn))
	require.True(t, HasTerminator(fn))
}

func TestTerminatorInvariant(t *testing.T) {
	fn := NewFunction("t", nil, nil)
	b := NewBuilder(fn)
	b.Constant(NewUnsigned(1, 64))
	require.False(t, HasTerminator(fn))
	b.Return()
	require.True(t, HasTerminator(fn))
}

func TestBranchTargetsWithinArena(t *testing.T) {
	fn := NewFunction("br", nil, nil)
	b := NewBuilder(fn)
	tb := fn.NewBlock()
	fb := fn.NewBlock()
	cond := b.Constant(NewUnsigned(1, 1))
	b.Branch(cond, tb, fb)

	targets := fn.Block(fn.Entry).Targets(fn)
	require.Len(t, targets, 2)
	for _, h := range targets {
		require.Less(t, h.Index(), fn.Blocks.Len())
	}
}
