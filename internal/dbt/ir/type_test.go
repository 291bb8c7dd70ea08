package ir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrimitiveWidths(t *testing.T) {
	require.Equal(t, uint16(64), Primitive(ClassUnsignedInteger, 64).WidthBitsOf())
	require.Equal(t, uint16(8), Primitive(ClassUnsignedInteger, 64).WidthBytes())
	require.Equal(t, uint16(1), Primitive(ClassUnsignedInteger, 1).WidthBytes())
	require.Equal(t, uint16(2), Primitive(ClassUnsignedInteger, 9).WidthBytes())
}

func TestAggregateWidths(t *testing.T) {
	s := Struct([]Field{
		{Name: "lo", Type: Primitive(ClassUnsignedInteger, 32)},
		{Name: "hi", Type: Primitive(ClassUnsignedInteger, 32)},
	})
	require.Equal(t, uint16(64), s.WidthBitsOf())

	tup := Tuple([]Type{Primitive(ClassUnsignedInteger, 8), Primitive(ClassUnsignedInteger, 24)})
	require.Equal(t, uint16(32), tup.WidthBitsOf())

	v := Vector(4, Primitive(ClassUnsignedInteger, 16))
	require.Equal(t, uint16(64), v.WidthBitsOf())

	require.Equal(t, uint16(48), Union(48).WidthBitsOf())
}

func TestNoStaticWidthPanics(t *testing.T) {
	require.Panics(t, func() { AnyType.WidthBitsOf() })
	require.Panics(t, func() { Vector(0, Primitive(ClassUnsignedInteger, 8)).WidthBitsOf() })
	require.Panics(t, func() { Bits().WidthBitsOf() })
}

func TestStructuralEquality(t *testing.T) {
	u64 := Primitive(ClassUnsignedInteger, 64)
	require.True(t, u64.Equal(Primitive(ClassUnsignedInteger, 64)))
	require.False(t, u64.Equal(Primitive(ClassSignedInteger, 64)))
	require.False(t, u64.Equal(Primitive(ClassUnsignedInteger, 32)))

	s1 := Struct([]Field{{Name: "a", Type: u64}})
	s2 := Struct([]Field{{Name: "a", Type: u64}})
	s3 := Struct([]Field{{Name: "b", Type: u64}})
	require.True(t, s1.Equal(s2))
	require.False(t, s1.Equal(s3))

	require.True(t, Vector(2, u64).Equal(Vector(2, u64)))
	require.False(t, Vector(2, u64).Equal(Vector(3, u64)))
}
