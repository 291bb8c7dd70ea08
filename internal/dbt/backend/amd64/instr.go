package amd64

import (
	"fmt"
	"strings"
)

// Opcode is the machine-instruction selector. The set covers exactly
// what the node-graph lowering emits; anything else is a lowering bug.
type Opcode byte

const (
	OpNop Opcode = iota + 1
	OpMov
	OpMovzx
	OpMovsx
	OpLea
	OpAdd
	OpSub
	OpImul
	OpAnd
	OpOr
	OpXor
	OpNot
	OpNeg
	OpShl
	OpShr
	OpSar
	OpCmp
	OpTest
	OpSetcc
	OpCmovcc
	OpJmp
	OpJcc
	OpCall
	OpRet
	OpPush
	OpPop
	OpLzcnt
	OpTzcnt
	OpBsr
	OpBsf
	OpUd2
)

var opcodeNames = map[Opcode]string{
	OpNop: "nop", OpMov: "mov", OpMovzx: "movzx", OpMovsx: "movsx",
	OpLea: "lea", OpAdd: "add", OpSub: "sub", OpImul: "imul",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpNot: "not", OpNeg: "neg",
	OpShl: "shl", OpShr: "shr", OpSar: "sar", OpCmp: "cmp", OpTest: "test",
	OpSetcc: "set", OpCmovcc: "cmov", OpJmp: "jmp", OpJcc: "j",
	OpCall: "call", OpRet: "ret", OpPush: "push", OpPop: "pop",
	OpLzcnt: "lzcnt", OpTzcnt: "tzcnt", OpBsr: "bsr", OpBsf: "bsf",
	OpUd2: "ud2",
}

func (o Opcode) String() string { return opcodeNames[o] }

// Cond is a condition code, numbered with its hardware tttn encoding.
type Cond byte

const (
	CondO  Cond = 0
	CondNO Cond = 1
	CondB  Cond = 2
	CondAE Cond = 3
	CondE  Cond = 4
	CondNE Cond = 5
	CondBE Cond = 6
	CondA  Cond = 7
	CondS  Cond = 8
	CondNS Cond = 9
	CondL  Cond = 12
	CondGE Cond = 13
	CondLE Cond = 14
	CondG  Cond = 15
)

var condNames = map[Cond]string{
	CondO: "o", CondNO: "no", CondB: "b", CondAE: "ae", CondE: "e",
	CondNE: "ne", CondBE: "be", CondA: "a", CondS: "s", CondNS: "ns",
	CondL: "l", CondGE: "ge", CondLE: "le", CondG: "g",
}

func (c Cond) String() string { return condNames[c] }

// Direction drives the register allocator: whether an operand is read,
// written, or both by its instruction.
type Direction byte

const (
	In Direction = iota + 1
	Out
	InOut
)

// OperandKind tags an Operand.
type OperandKind byte

const (
	OperandReg OperandKind = iota + 1
	OperandImm
	OperandMem
)

// Mem is a base+index*scale+disp memory reference.
type Mem struct {
	Base     Reg
	Index    Reg
	HasIndex bool
	Scale    uint8
	Disp     int32
}

func (m Mem) String() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(m.Base.String())
	if m.HasIndex {
		fmt.Fprintf(&b, "+%s*%d", m.Index, m.Scale)
	}
	if m.Disp != 0 {
		fmt.Fprintf(&b, "%+d", m.Disp)
	}
	b.WriteString("]")
	return b.String()
}

// Operand is one instruction operand with its data-flow direction and
// access width in bits (8, 16, 32 or 64).
type Operand struct {
	Kind  OperandKind
	Dir   Direction
	Width uint8

	Reg Reg
	Imm int64
	Mem Mem
}

// RegOp builds a register operand.
func RegOp(r Reg, dir Direction, width uint8) Operand {
	return Operand{Kind: OperandReg, Dir: dir, Width: width, Reg: r}
}

// ImmOp builds an immediate operand.
func ImmOp(v int64, width uint8) Operand {
	return Operand{Kind: OperandImm, Dir: In, Width: width, Imm: v}
}

// MemOp builds a memory operand.
func MemOp(m Mem, dir Direction, width uint8) Operand {
	return Operand{Kind: OperandMem, Dir: dir, Width: width, Mem: m}
}

func (o Operand) String() string {
	switch o.Kind {
	case OperandReg:
		return o.Reg.String()
	case OperandImm:
		return fmt.Sprintf("%#x", uint64(o.Imm))
	case OperandMem:
		return o.Mem.String()
	default:
		return "?"
	}
}

// Instruction is one machine instruction: opcode plus operand list, with
// the condition code and branch-target block where the opcode needs one.
type Instruction struct {
	Op       Opcode
	Cond     Cond
	Target   int // block index, for OpJmp/OpJcc
	Operands []Operand
}

func (i Instruction) String() string {
	parts := make([]string, len(i.Operands))
	for n, o := range i.Operands {
		parts[n] = o.String()
	}
	name := i.Op.String()
	if i.Op == OpSetcc || i.Op == OpCmovcc || i.Op == OpJcc {
		name += i.Cond.String()
	}
	if i.Op == OpJmp || i.Op == OpJcc {
		return fmt.Sprintf("%s block%d", name, i.Target)
	}
	if len(parts) == 0 {
		return name
	}
	return name + " " + strings.Join(parts, ", ")
}

// Block is one machine block: an ordered instruction list plus up to two
// successor block indices.
type Block struct {
	Instrs []Instruction
	Succs  []int
}

// Program is one function's machine code before encoding: blocks indexed
// densely, with the entry and panic blocks distinguished. FrameBytes is
// the stack-slot area the prologue reserves; NumVirt bounds the virtual
// register numbering for the allocator.
type Program struct {
	Blocks  []Block
	Entry   int
	PanicBlock int
	NumVirt int

	FrameBytes int32
}

func (p *Program) String() string {
	var b strings.Builder
	for i, blk := range p.Blocks {
		fmt.Fprintf(&b, "block%d:\n", i)
		for _, ins := range blk.Instrs {
			fmt.Fprintf(&b, "\t%s\n", ins)
		}
	}
	return b.String()
}
