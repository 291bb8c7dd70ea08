package node

import "github.com/avisi-group/brig-dbt/internal/dbt/ir"

func foldUnary(kind string, v uint64, typ ir.Type) (uint64, bool) {
	switch kind {
	case "not":
		return ^v & widthMask(typ), true
	case "neg":
		return (-v) & widthMask(typ), true
	default:
		return 0, false
	}
}

// foldBinary folds a binary operation over raw bit patterns. operandType
// is the type of the inputs: a signed operand class selects signed
// ordering for the comparisons, the same selection the dynamic lowering
// makes when it picks its condition codes.
func foldBinary(kind string, lhs, rhs uint64, typ, operandType ir.Type) (uint64, bool) {
	w := widthMask(typ)
	if isSignedType(operandType) {
		switch kind {
		case "lt":
			return boolU64(signedAt(lhs, operandType) < signedAt(rhs, operandType)), true
		case "le":
			return boolU64(signedAt(lhs, operandType) <= signedAt(rhs, operandType)), true
		case "gt":
			return boolU64(signedAt(lhs, operandType) > signedAt(rhs, operandType)), true
		case "ge":
			return boolU64(signedAt(lhs, operandType) >= signedAt(rhs, operandType)), true
		}
	}
	switch kind {
	case "add":
		return (lhs + rhs) & w, true
	case "sub":
		return (lhs - rhs) & w, true
	case "mul":
		return (lhs * rhs) & w, true
	case "and":
		return (lhs & rhs) & w, true
	case "or":
		return (lhs | rhs) & w, true
	case "xor":
		return (lhs ^ rhs) & w, true
	case "shl":
		return (lhs << rhs) & w, true
	case "shr":
		return (lhs >> rhs) & w, true
	case "sar":
		return uint64(signedAt(lhs, operandType)>>(rhs&63)) & w, true
	case "eq":
		return boolU64(lhs == rhs), true
	case "ne":
		return boolU64(lhs != rhs), true
	case "lt":
		return boolU64(lhs < rhs), true
	case "le":
		return boolU64(lhs <= rhs), true
	case "gt":
		return boolU64(lhs > rhs), true
	case "ge":
		return boolU64(lhs >= rhs), true
	default:
		return 0, false
	}
}

// foldCast folds a cast of v from srcType to dstType. Sign extension
// widens from the source width, the same widening MOVSX performs in the
// dynamic path.
func foldCast(kind ir.CastKind, v uint64, srcType, dstType ir.Type) uint64 {
	switch kind {
	case ir.CastTruncate, ir.CastZeroExtend, ir.CastReinterpret:
		return v & widthMask(dstType)
	case ir.CastSignExtend:
		return uint64(signedAt(v, srcType)) & widthMask(dstType)
	default:
		return v
	}
}

func isSignedType(t ir.Type) bool {
	return t.Kind == ir.KindPrimitive && t.Class == ir.ClassSignedInteger
}

// signedAt interprets v as a signed integer of t's width.
func signedAt(v uint64, t ir.Type) int64 {
	mask := widthMask(t)
	v &= mask
	sign := (mask >> 1) + 1
	if v&sign != 0 {
		v |= ^mask
	}
	return int64(v)
}

func widthMask(typ ir.Type) (mask uint64) {
	mask = ^uint64(0)
	defer func() {
		if recover() != nil {
			mask = ^uint64(0) // no static width (Any / length-unknown Vector): fall through to a 64-bit mask
		}
	}()
	w := typ.WidthBitsOf()
	if w >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << w) - 1
}

func boolU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
