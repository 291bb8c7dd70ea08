package ir

import (
	"fmt"

	"github.com/avisi-group/brig-dbt/internal/dbt/diag"
)

// Validate runs before translation: it checks that
// constant statements carry a type/value class consistent with their
// declared ResultType, and that binary-operation operands have
// compatible types. It never mutates fn; callers decide whether an
// Error-severity message aborts translation.
func Validate(fn *Function) []diag.Message {
	var msgs []diag.Message
	fn.BlockIter(func(bh BlockHandle, blk *Block) {
		for i, h := range blk.Statements() {
			s := fn.Stmt(h)
			scope := diag.Scope{Function: fn.Name, Block: bh.Index(), HasBlock: true, Statement: i, HasStmt: true}
			msgs = append(msgs, validateStmt(fn, s, scope)...)
		}
	})
	return msgs
}

func validateStmt(fn *Function, s *Statement, scope diag.Scope) []diag.Message {
	var msgs []diag.Message
	switch s.Op {
	case OpConstant:
		if !constantTypeMatches(s.Const, s.ResultType) {
			msgs = append(msgs, diag.Message{
				Severity: diag.Error, Scope: scope,
				Text: fmt.Sprintf("constant %v does not match declared type %s", s.Const.Kind, s.ResultType),
			})
		}
	case OpBinaryOp:
		if len(s.Operands) == 2 {
			lhs, rhs := fn.Stmt(s.Operands[0]), fn.Stmt(s.Operands[1])
			if !lhs.ResultType.Equal(rhs.ResultType) {
				msgs = append(msgs, diag.Message{
					Severity: diag.Error, Scope: scope,
					Text: fmt.Sprintf("binary operand type mismatch: %s vs %s", lhs.ResultType, rhs.ResultType),
				})
			}
		} else {
			msgs = append(msgs, diag.Message{
				Severity: diag.Error, Scope: scope,
				Text: "binary operation does not have exactly two operands",
			})
		}
	}
	return msgs
}

func constantTypeMatches(c Constant, t Type) bool {
	switch c.Kind {
	case ConstUnsignedInteger:
		return t.Kind == KindPrimitive && t.Class == ClassUnsignedInteger
	case ConstSignedInteger:
		return t.Kind == KindPrimitive && t.Class == ClassSignedInteger
	case ConstFloatingPoint:
		return t.Kind == KindPrimitive && t.Class == ClassFloatingPoint
	case ConstString:
		return t.Kind == KindString
	case ConstTuple:
		return t.Kind == KindTuple
	case ConstVector:
		return t.Kind == KindVector
	default:
		return false
	}
}

// HasTerminator reports whether every non-empty block in fn ends in a
// terminator statement.
func HasTerminator(fn *Function) bool {
	ok := true
	fn.BlockIter(func(_ BlockHandle, blk *Block) {
		if len(blk.Statements()) == 0 {
			return
		}
		last := fn.Stmt(blk.Statements()[len(blk.Statements())-1])
		if !last.Op.IsTerminator() {
			ok = false
		}
	})
	return ok
}
