package ir

import "fmt"

// TypeClass distinguishes the primitive type families the IR carries.
type TypeClass byte

const (
	ClassVoid TypeClass = iota + 1
	ClassUnit
	ClassUnsignedInteger
	ClassSignedInteger
	ClassFloatingPoint
)

// Kind tags the variant of a Type.
type Kind byte

const (
	KindPrimitive Kind = iota + 1
	KindBits
	KindStruct
	KindTuple
	KindVector
	KindUnion
	KindString
	KindAny
)

// Field is one named member of a Struct type.
type Field struct {
	Name string
	Type Type
}

// Type is the IR's type value. Exactly one of the per-kind fields is
// meaningful, selected by Kind.
type Type struct {
	Kind Kind

	// KindPrimitive
	Class    TypeClass
	WidthBits uint16

	// KindStruct
	Fields []Field

	// KindTuple
	Elements []Type

	// KindVector: ElementCount == 0 means length-unknown.
	ElementCount uint32
	Element      *Type

	// KindUnion
	UnionWidthBits uint16
}

// Primitive constructs a KindPrimitive type.
func Primitive(class TypeClass, widthBits uint16) Type {
	return Type{Kind: KindPrimitive, Class: class, WidthBits: widthBits}
}

// Bits constructs the runtime-length bit-vector type.
func Bits() Type { return Type{Kind: KindBits} }

// Struct constructs a KindStruct type from an ordered field list.
func Struct(fields []Field) Type { return Type{Kind: KindStruct, Fields: fields} }

// Tuple constructs a KindTuple type from an ordered element list.
func Tuple(elements []Type) Type { return Type{Kind: KindTuple, Elements: elements} }

// Vector constructs a KindVector type. elementCount == 0 means length is
// not known at this point in the IR.
func Vector(elementCount uint32, element Type) Type {
	return Type{Kind: KindVector, ElementCount: elementCount, Element: &element}
}

// Union constructs a KindUnion type of the given width.
func Union(widthBits uint16) Type { return Type{Kind: KindUnion, UnionWidthBits: widthBits} }

// String and Any are the two nominal, width-free types.
var (
	StringType = Type{Kind: KindString}
	AnyType    = Type{Kind: KindAny}
)

// WidthBitsOf returns the deterministic bit width of t. It panics for
// Any and for a length-unknown Vector, neither of which has one.
func (t Type) WidthBitsOf() uint16 {
	switch t.Kind {
	case KindPrimitive:
		return t.WidthBits
	case KindBits:
		// Bits carries its length at the value level, not the type level;
		// callers needing a static width must consult the value.
		panic("ir: Bits has no static width")
	case KindStruct:
		var total uint16
		for _, f := range t.Fields {
			total += f.Type.WidthBitsOf()
		}
		return total
	case KindTuple:
		var total uint16
		for _, e := range t.Elements {
			total += e.WidthBitsOf()
		}
		return total
	case KindVector:
		if t.ElementCount == 0 {
			panic("ir: length-unknown Vector has no static width")
		}
		return uint16(t.ElementCount) * t.Element.WidthBitsOf()
	case KindUnion:
		return t.UnionWidthBits
	case KindString, KindAny:
		panic(fmt.Sprintf("ir: %s has no static width", t.Kind))
	default:
		panic("ir: invalid type")
	}
}

// WidthBytes returns ceil(WidthBitsOf()/8).
func (t Type) WidthBytes() uint16 {
	w := t.WidthBitsOf()
	return (w + 7) / 8
}

// Equal reports structural equality, the compatibility relation between
// operand types.
func (t Type) Equal(o Type) bool {
	if t.Kind != o.Kind {
		return false
	}
	switch t.Kind {
	case KindPrimitive:
		return t.Class == o.Class && t.WidthBits == o.WidthBits
	case KindBits:
		return true
	case KindStruct:
		if len(t.Fields) != len(o.Fields) {
			return false
		}
		for i := range t.Fields {
			if t.Fields[i].Name != o.Fields[i].Name || !t.Fields[i].Type.Equal(o.Fields[i].Type) {
				return false
			}
		}
		return true
	case KindTuple:
		if len(t.Elements) != len(o.Elements) {
			return false
		}
		for i := range t.Elements {
			if !t.Elements[i].Equal(o.Elements[i]) {
				return false
			}
		}
		return true
	case KindVector:
		return t.ElementCount == o.ElementCount && t.Element.Equal(*o.Element)
	case KindUnion:
		return t.UnionWidthBits == o.UnionWidthBits
	case KindString, KindAny:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindBits:
		return "bits"
	case KindStruct:
		return "struct"
	case KindTuple:
		return "tuple"
	case KindVector:
		return "vector"
	case KindUnion:
		return "union"
	case KindString:
		return "string"
	case KindAny:
		return "any"
	default:
		return "invalid"
	}
}

func (t Type) String() string {
	switch t.Kind {
	case KindPrimitive:
		switch t.Class {
		case ClassVoid:
			return "void"
		case ClassUnit:
			return "unit"
		case ClassUnsignedInteger:
			return fmt.Sprintf("u%d", t.WidthBits)
		case ClassSignedInteger:
			return fmt.Sprintf("i%d", t.WidthBits)
		case ClassFloatingPoint:
			return fmt.Sprintf("f%d", t.WidthBits)
		}
	case KindVector:
		if t.ElementCount == 0 {
			return fmt.Sprintf("vector<?, %s>", t.Element.String())
		}
		return fmt.Sprintf("vector<%d, %s>", t.ElementCount, t.Element.String())
	}
	return t.Kind.String()
}
