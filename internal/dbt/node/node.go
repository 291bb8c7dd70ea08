// Package node implements the x86 node IR: an SSA-form value graph built
// from one IR function, with constant folding and algebraic
// simplification happening eagerly at emission time. Nodes are
// referentially transparent values allocated in an arena and referenced
// by handle; equal kinds over equal operands are not unified — folding is
// eager and local, never looking past a single operator.
package node

import (
	"github.com/avisi-group/brig-dbt/internal/dbt/arena"
	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
)

// Handle names one node inside a Graph's node arena.
type Handle = arena.Handle[Node]

// Invalid returns the node handle no emission ever produces.
func Invalid() Handle { return arena.Invalid[Node]() }

// BlockHandle names one block inside a Graph's block arena.
type BlockHandle = arena.Handle[Block]

// Kind tags the variant of a Node.
type Kind byte

const (
	KindConstant Kind = iota + 1
	KindGuestRegister
	KindBinaryOperation
	KindUnaryOperation
	KindCast
	KindReadRegister
	KindWriteRegister
	KindReadMemory
	KindWriteMemory
	KindReadStackVariable
	KindWriteStackVariable
	KindSelect
	KindCreateBits
	KindSizeOf
	KindCreateTuple
	KindTupleAccess
	KindBitExtract
	KindBitInsert
	KindBitReplicate
	KindGetFlags
	KindReadSysReg
	KindWriteSysReg
)

// Node is one SSA-form value in the x86 node graph.
type Node struct {
	Kind Kind
	Type ir.Type

	// KindConstant
	Value uint64

	// KindGuestRegister / KindReadRegister / KindWriteRegister
	Offset uint32

	// KindBinaryOperation / KindUnaryOperation
	OpKind string
	LHS    arena.Handle[Node]
	RHS    arena.Handle[Node]

	// KindCast
	CastKind ir.CastKind
	Operand  arena.Handle[Node]

	// KindReadStackVariable / KindWriteStackVariable
	StackSlot int

	// KindReadMemory / KindWriteMemory
	Address arena.Handle[Node]

	// KindReadSysReg / KindWriteSysReg carry the encoded system-register
	// identifier in Value.
	SysRegID uint64

	// KindSelect
	Cond, True, False arena.Handle[Node]

	// KindCreateBits / KindBitExtract / KindBitInsert / KindBitReplicate
	Source, Start, Length arena.Handle[Node]

	// write-style nodes carry the value being written
	WriteValue arena.Handle[Node]

	// KindCreateTuple / KindTupleAccess
	Elements []arena.Handle[Node]
	Index    int

	// IsConstant indicates this node folded to a compile-time-known
	// value; IsConstant+Value/Type together stand in for the "Constant
	// node" variant so folding helpers can test a node generically.
	IsConstant bool
}

// TermKind tags a block's terminator.
type TermKind byte

const (
	TermNone TermKind = iota
	TermJump
	TermBranch
	TermLeave
	TermLeaveWithCache
	TermPanic
)

// Terminator is the control transfer that ends a block. Exactly one is
// recorded per block; emitting a second is a translation bug.
type Terminator struct {
	Kind TermKind

	// TermBranch
	Cond arena.Handle[Node]

	// TermJump target, or TermBranch true target.
	Target arena.Handle[Block]
	// TermBranch false target.
	False arena.Handle[Block]

	// TermLeaveWithCache chain target (guest PC of the expected next
	// translation, consulted by the dispatcher on return).
	Chain uint64

	// TermPanic diagnostic.
	Message string
}

// Block is one x86-node-graph block: an ordered node list plus the
// terminator that ends it, from which its up-to-two successors derive.
type Block struct {
	nodes []Handle
	term  Terminator
}

func (b *Block) append(h Handle) { b.nodes = append(b.nodes, h) }

// Nodes returns the ordered node handles emitted into this block.
func (b *Block) Nodes() []Handle { return b.nodes }

// Terminator returns the recorded terminator; Kind is TermNone while the
// block is still open.
func (b *Block) Terminator() Terminator { return b.term }

// Successors returns the up-to-two successor blocks derived from the
// terminator, the shape the allocator and encoder walk.
func (b *Block) Successors() []BlockHandle {
	switch b.term.Kind {
	case TermJump:
		return []BlockHandle{b.term.Target}
	case TermBranch:
		return []BlockHandle{b.term.Target, b.term.False}
	default:
		return nil
	}
}

// Graph owns the node and block arenas for one function's translation. It
// always creates two special blocks on construction: Initial (the entry)
// and Panic (holding a single panic terminator). User-visible blocks are
// created on demand.
type Graph struct {
	Nodes  *arena.Arena[Node]
	Blocks *arena.Arena[Block]

	Initial BlockHandle
	PanicBlock BlockHandle

	current BlockHandle

	// cacheableReads maps a cacheable register's offset to the folded
	// Constant node most recently produced for it, invalidated by any
	// WriteRegister to an overlapping offset.
	cacheableReads map[uint32]Handle
}

// NewGraph allocates a fresh Graph with its Initial and Panic blocks
// created and Initial made current.
func NewGraph() *Graph {
	g := &Graph{
		Nodes:          arena.New[Node](),
		Blocks:         arena.New[Block](),
		cacheableReads: make(map[uint32]Handle),
	}
	g.Initial = g.Blocks.Append(Block{})
	g.PanicBlock = g.Blocks.Append(Block{term: Terminator{Kind: TermPanic, Message: "translation panic"}})
	g.current = g.Initial
	return g
}

// NewBlock creates a user-visible block on demand.
func (g *Graph) NewBlock() BlockHandle { return g.Blocks.Append(Block{}) }

// SetCurrentBlock makes h the block subsequent emissions append to.
func (g *Graph) SetCurrentBlock(h BlockHandle) { g.current = h }

// CurrentBlock returns the block emissions currently append to.
func (g *Graph) CurrentBlock() BlockHandle { return g.current }

// Block returns the Block named by h.
func (g *Graph) Block(h BlockHandle) *Block { return g.Blocks.Get(h) }

func (g *Graph) emit(n Node) Handle {
	h := g.Nodes.Append(n)
	g.Blocks.Get(g.current).append(h)
	return h
}

func (g *Graph) get(h Handle) *Node { return g.Nodes.Get(h) }

// Get returns the Node named by h.
func (g *Graph) Get(h Handle) *Node { return g.get(h) }

func (g *Graph) terminate(t Terminator) {
	g.Blocks.Get(g.current).term = t
}
