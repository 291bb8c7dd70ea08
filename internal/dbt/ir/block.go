package ir

import "github.com/avisi-group/brig-dbt/internal/dbt/arena"

// Block is an ordered sequence of statements inside a function's statement
// arena. If non-empty, the last statement is the terminator; Targets()
// derives successor blocks from it.
type Block struct {
	stmts []StmtHandle
}

// Append adds h to the end of the block.
func (b *Block) Append(h StmtHandle) { b.stmts = append(b.stmts, h) }

// InsertBefore inserts h immediately before the statement at position i.
func (b *Block) InsertBefore(i int, h StmtHandle) {
	b.stmts = append(b.stmts, arena.Handle[Statement]{})
	copy(b.stmts[i+1:], b.stmts[i:])
	b.stmts[i] = h
}

// Kill removes the statement at position i.
func (b *Block) Kill(i int) {
	b.stmts = append(b.stmts[:i], b.stmts[i+1:]...)
}

// Replace overwrites the statement at position i with h.
func (b *Block) Replace(i int, h StmtHandle) { b.stmts[i] = h }

// Statements returns the ordered statement handle list.
func (b *Block) Statements() []StmtHandle { return b.stmts }

// Terminator returns the last statement handle, and false if the block is
// still empty.
func (b *Block) Terminator() (StmtHandle, bool) {
	if len(b.stmts) == 0 {
		return arena.Handle[Statement]{}, false
	}
	return b.stmts[len(b.stmts)-1], true
}

// Targets returns the successor blocks derived from fn's terminator
// statement for this block. It returns nil for Return/Panic terminators
// and for an as-yet-empty block.
func (b *Block) Targets(fn *Function) []BlockHandle {
	h, ok := b.Terminator()
	if !ok {
		return nil
	}
	stmt := fn.Stmts.Get(h)
	switch stmt.Op {
	case OpJump:
		return []BlockHandle{stmt.JumpTarget}
	case OpBranch:
		return []BlockHandle{stmt.BranchTrue, stmt.BranchFalse}
	default:
		return nil
	}
}
