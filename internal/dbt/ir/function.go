package ir

import "github.com/avisi-group/brig-dbt/internal/dbt/arena"

// Function is one named IR function: parameters and return type are
// immutable once built, locals may be added or removed, and the block
// arena/entry handle give the rest of the pipeline everything needed to
// walk the body.
type Function struct {
	Name       string
	ReturnType *Type // nil means no return value
	Params     []Symbol

	locals map[string]Symbol

	Blocks *arena.Arena[Block]
	Stmts  *arena.Arena[Statement]
	Entry  BlockHandle
}

// NewFunction creates a function with an empty entry block already
// allocated, ready for statements to be appended.
func NewFunction(name string, params []Symbol, returnType *Type) *Function {
	f := &Function{
		Name:       name,
		ReturnType: returnType,
		Params:     params,
		locals:     make(map[string]Symbol),
		Blocks:     arena.New[Block](),
		Stmts:      arena.New[Statement](),
	}
	f.Entry = f.NewBlock()
	return f
}

// NewBlock allocates a new, empty block and returns its handle.
func (f *Function) NewBlock() BlockHandle {
	return f.Blocks.Append(Block{})
}

// AddLocal declares a new named local variable.
func (f *Function) AddLocal(sym Symbol) { f.locals[sym.Name] = sym }

// RemoveLocal removes a previously declared local variable.
func (f *Function) RemoveLocal(name string) { delete(f.locals, name) }

// Local looks up a declared local variable by name.
func (f *Function) Local(name string) (Symbol, bool) {
	s, ok := f.locals[name]
	return s, ok
}

// Block returns the Block named by h.
func (f *Function) Block(h BlockHandle) *Block { return f.Blocks.Get(h) }

// Stmt returns the Statement named by h.
func (f *Function) Stmt(h StmtHandle) *Statement { return f.Stmts.Get(h) }

// BlockIter walks the function's reachable blocks in depth-first order from
// the entry block, following each block's terminator-derived successors,
// yielding every reachable block exactly once.
func (f *Function) BlockIter(visit func(BlockHandle, *Block)) {
	seen := make(map[int]bool)
	var walk func(BlockHandle)
	walk = func(h BlockHandle) {
		if seen[h.Index()] {
			return
		}
		seen[h.Index()] = true
		blk := f.Block(h)
		visit(h, blk)
		for _, succ := range blk.Targets(f) {
			walk(succ)
		}
	}
	walk(f.Entry)
}
