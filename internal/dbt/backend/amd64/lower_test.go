package amd64

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avisi-group/brig-dbt/internal/dbt/ir"
	"github.com/avisi-group/brig-dbt/internal/dbt/node"
)

var u64 = ir.Primitive(ir.ClassUnsignedInteger, 64)

func opcodes(p *Program) []Opcode {
	var out []Opcode
	for _, b := range p.Blocks {
		for _, ins := range b.Instrs {
			out = append(out, ins.Op)
		}
	}
	return out
}

func TestFoldedAddLowersToStoresOnly(t *testing.T) {
	g := node.NewGraph()
	sum := g.BinaryOp("add", g.Constant(5, u64), g.Constant(7, u64), u64)
	g.WriteRegister(0, sum)
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	require.NotContains(t, opcodes(p), OpAdd)

	// the stored value is the folded immediate
	var imms []int64
	for _, ins := range p.Blocks[p.Entry].Instrs {
		if ins.Op == OpMov && ins.Operands[1].Kind == OperandImm {
			imms = append(imms, ins.Operands[1].Imm)
		}
	}
	require.Contains(t, imms, int64(12))
}

func TestDynamicAddLowers(t *testing.T) {
	g := node.NewGraph()
	v := g.ReadRegister(0, u64, false, 0)
	sum := g.BinaryOp("add", v, g.Constant(1, u64), u64)
	g.WriteRegister(8, sum)
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	ops := opcodes(p)
	require.Contains(t, ops, OpAdd)
	require.Contains(t, ops, OpRet)
}

func TestRegisterAccessesUseTheFileBase(t *testing.T) {
	g := node.NewGraph()
	v := g.ReadRegister(16, u64, false, 0)
	g.WriteRegister(24, v)
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	var loads, stores int
	for _, ins := range p.Blocks[p.Entry].Instrs {
		for _, op := range ins.Operands {
			if op.Kind == OperandMem && !op.Mem.Base.IsVirt && op.Mem.Base.Phys == RBP {
				if op.Dir == In {
					loads++
					require.Equal(t, int32(16), op.Mem.Disp)
				} else {
					stores++
					require.Equal(t, int32(24), op.Mem.Disp)
				}
			}
		}
	}
	require.Equal(t, 1, loads)
	require.Equal(t, 1, stores)
}

func TestBranchLowersToTestAndJcc(t *testing.T) {
	g := node.NewGraph()
	tb := g.NewBlock()
	fb := g.NewBlock()
	cond := g.ReadRegister(0, u64, false, 0)
	g.Branch(cond, tb, fb)
	g.SetCurrentBlock(tb)
	g.Leave()
	g.SetCurrentBlock(fb)
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	entry := p.Blocks[p.Entry].Instrs
	var kinds []Opcode
	for _, ins := range entry {
		kinds = append(kinds, ins.Op)
	}
	require.Contains(t, kinds, OpTest)
	require.Contains(t, kinds, OpJcc)
	require.Contains(t, kinds, OpJmp)
	require.Len(t, p.Blocks[p.Entry].Succs, 2)
}

func TestPanicBlockLaidOutLast(t *testing.T) {
	g := node.NewGraph()
	cont := g.NewBlock()
	cond := g.ReadRegister(0, u64, false, 0)
	g.Assert(cond, "must hold")
	_ = cont
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	require.Equal(t, len(p.Blocks)-1, p.PanicBlock)
	last := p.Blocks[p.PanicBlock].Instrs
	require.Len(t, last, 1)
	require.Equal(t, OpUd2, last[0].Op)
}

func TestUnreachableBlocksDropped(t *testing.T) {
	g := node.NewGraph()
	taken := g.NewBlock()
	untaken := g.NewBlock()
	// a folded branch leaves only one successor
	g.Branch(g.Constant(1, u64), taken, untaken)
	g.SetCurrentBlock(taken)
	g.WriteRegister(8, g.Constant(0xAA, u64))
	g.Leave()
	g.SetCurrentBlock(untaken)
	g.WriteRegister(8, g.Constant(0x55, u64))
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	var imms []int64
	for _, b := range p.Blocks {
		for _, ins := range b.Instrs {
			for _, op := range ins.Operands {
				if op.Kind == OperandImm {
					imms = append(imms, op.Imm)
				}
			}
		}
	}
	require.Contains(t, imms, int64(0xAA))
	require.NotContains(t, imms, int64(0x55))
}

func TestSysRegReadLowersToHostCall(t *testing.T) {
	g := node.NewGraph()
	id := uint64(3<<19 | 3<<16 | 14<<12 | 2<<5)
	v := g.ReadSysReg(id, u64)
	g.WriteRegister(16, v)
	g.Leave()

	p := Lower(g, 0, HostCalls{SysRegRead: 0x1000})
	entry := p.Blocks[p.Entry].Instrs
	var sawID, sawCall bool
	for _, ins := range entry {
		if ins.Op == OpCall {
			sawCall = true
		}
		if ins.Op == OpMov && len(ins.Operands) == 2 &&
			ins.Operands[1].Kind == OperandImm && ins.Operands[1].Imm == int64(id) {
			sawID = true
		}
	}
	require.True(t, sawCall)
	require.True(t, sawID)
}

func TestStackSlotsSizeTheFrame(t *testing.T) {
	g := node.NewGraph()
	g.WriteStackVariable(0, g.Constant(1, u64))
	g.WriteStackVariable(2, g.Constant(2, u64))
	g.Leave()

	p := Lower(g, 3, HostCalls{})
	require.Equal(t, int32(32), p.FrameBytes) // 3 slots rounded to 16
}

func TestWholePipelineEncodes(t *testing.T) {
	g := node.NewGraph()
	v := g.ReadRegister(0, u64, false, 0)
	sum := g.BinaryOp("add", v, g.Constant(1, u64), u64)
	g.WriteRegister(0, sum)
	g.Leave()

	p := Lower(g, 0, HostCalls{})
	Allocate(p)
	code := Encode(p)
	require.NotEmpty(t, code)
	// header first, ret last
	require.Equal(t, []byte{0x0F, 0x1F, 0x40, 0x00}, code[:4])
	require.Equal(t, byte(0xC3), code[len(code)-1])
}
