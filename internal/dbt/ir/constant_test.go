package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnsignedMasking(t *testing.T) {
	for _, tc := range []struct {
		value uint64
		width uint16
		want  uint64
	}{
		{0xFF, 8, 0xFF},
		{0x1FF, 8, 0xFF},
		{0xFFFF_FFFF_FFFF_FFFF, 32, 0xFFFF_FFFF},
		{0xDEADBEEF, 64, 0xDEADBEEF},
		{1, 1, 1},
		{2, 1, 0},
	} {
		c := NewUnsigned(tc.value, tc.width)
		require.Equal(t, tc.want, c.Unsigned, "value %#x at width %d", tc.value, tc.width)
	}
}

func TestSignedSignExtension(t *testing.T) {
	for _, tc := range []struct {
		value int64
		width uint16
		want  int64
	}{
		{-1, 8, -1},
		{0x80, 8, -128},
		{0x7F, 8, 127},
		{-5, 16, -5},
		{0xFFFF, 16, -1},
		{-1, 64, -1},
	} {
		c := NewSigned(tc.value, tc.width)
		require.Equal(t, tc.want, c.Signed, "value %#x at width %d", tc.value, tc.width)
	}
}

func TestConstantTypes(t *testing.T) {
	require.Equal(t, Primitive(ClassUnsignedInteger, 64), NewUnsigned(5, 64).Type())
	require.Equal(t, Primitive(ClassSignedInteger, 32), NewSigned(-1, 32).Type())
	require.Equal(t, StringType, NewString("hello").Type())

	tup := NewTuple([]Constant{NewUnsigned(1, 8), NewSigned(2, 16)})
	require.Equal(t, Tuple([]Type{
		Primitive(ClassUnsignedInteger, 8),
		Primitive(ClassSignedInteger, 16),
	}), tup.Type())

	vec := NewVector([]Constant{NewUnsigned(0, 32), NewUnsigned(1, 32)})
	require.Equal(t, uint32(2), vec.Type().ElementCount)
}
