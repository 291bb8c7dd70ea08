package amd64

import (
	"encoding/binary"
	"fmt"
)

// Encode lowers p's allocated instructions to x86-64 machine code. The
// first pass walks blocks in layout order (entry first, panic block
// last), assigns one label per block, emits a nop-sled header carrying
// the block index, and leaves 4-byte placeholders for branches to blocks
// that have no offset yet; the second pass backpatches the placeholders
// once every block's start offset is known.
//
// The prologue reserves the stack-slot frame; every ret releases it.
func Encode(p *Program) []byte {
	e := &encoder{
		prog:     p,
		blockOff: make([]int, len(p.Blocks)),
	}
	if p.FrameBytes > 0 {
		// sub rsp, frame
		e.emit(0x48, 0x81, 0xEC)
		e.emit32(uint32(p.FrameBytes))
	}
	for bi := range p.Blocks {
		e.blockOff[bi] = len(e.buf)
		// nop dword [rax+disp8], disp8 carrying the block index for
		// debugger readability and coarse patching
		e.emit(0x0F, 0x1F, 0x40, byte(bi))
		for _, ins := range p.Blocks[bi].Instrs {
			e.instr(ins)
		}
	}
	for _, f := range e.fixups {
		rel := int32(e.blockOff[f.target] - (f.at + 4))
		binary.LittleEndian.PutUint32(e.buf[f.at:], uint32(rel))
	}
	return e.buf
}

type fixup struct {
	at     int // offset of the rel32 field
	target int // block index
}

type encoder struct {
	prog     *Program
	buf      []byte
	blockOff []int
	fixups   []fixup
}

func (e *encoder) emit(bs ...byte) { e.buf = append(e.buf, bs...) }

func (e *encoder) emit32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.emit(b[:]...)
}

func (e *encoder) emit64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.emit(b[:]...)
}

func (e *encoder) rel32(target int) {
	e.fixups = append(e.fixups, fixup{at: len(e.buf), target: target})
	e.emit32(0)
}

func phys(o Operand) PhysReg {
	if o.Reg.IsVirt {
		panic(fmt.Sprintf("amd64: unallocated virtual register v%d reached the encoder", o.Reg.Virt))
	}
	return o.Reg.Phys
}

func modrm(mod, reg, rm byte) byte { return mod<<6 | (reg&7)<<3 | rm&7 }

// rmTarget is the r/m side of a ModRM encoding: a register or a memory
// reference.
type rmTarget struct {
	isMem bool
	reg   PhysReg
	mem   Mem
}

func rmReg(p PhysReg) rmTarget { return rmTarget{reg: p} }
func rmMem(m Mem) rmTarget     { return rmTarget{isMem: true, mem: m} }

// emitRM emits prefix/REX/opcode/ModRM(+SIB+disp) for one instruction
// form. reg is the ModRM reg field: a register number or an opcode
// extension. width selects the 66 prefix and REX.W; mandatory prefixes
// (F3 etc.) come before REX via pre.
func (e *encoder) emitRM(pre []byte, op []byte, reg byte, rm rmTarget, width uint8) {
	e.emit(pre...)
	if width == 16 {
		e.emit(0x66)
	}

	var rex byte
	if width == 64 {
		rex |= 0x48
	}
	if reg >= 8 {
		rex |= 0x44 // REX.R
	}
	if rm.isMem {
		if !rm.mem.Base.IsVirt && byte(rm.mem.Base.Phys) >= 8 {
			rex |= 0x41 // REX.B
		}
		if rm.mem.HasIndex && byte(rm.mem.Index.Phys) >= 8 {
			rex |= 0x42 // REX.X
		}
	} else if byte(rm.reg) >= 8 {
		rex |= 0x41
	}
	if width == 8 {
		// SPL/BPL/SIL/DIL need a REX prefix to avoid the AH..BH forms
		if (reg&7 >= 4 && reg < 8) || (!rm.isMem && byte(rm.reg)&7 >= 4 && byte(rm.reg) < 8) {
			rex |= 0x40
		}
	}
	if rex != 0 {
		e.emit(rex)
	}
	e.emit(op...)

	if !rm.isMem {
		e.emit(modrm(3, reg, byte(rm.reg)))
		return
	}
	m := rm.mem
	base := byte(m.Base.Phys)
	needSIB := m.HasIndex || base&7 == byte(RSP)&7

	var mod byte
	switch {
	case m.Disp == 0 && base&7 != byte(RBP)&7:
		mod = 0
	case m.Disp >= -128 && m.Disp <= 127:
		mod = 1
	default:
		mod = 2
	}

	if needSIB {
		e.emit(modrm(mod, reg, 4))
		index := byte(RSP) // none
		scale := byte(0)
		if m.HasIndex {
			index = byte(m.Index.Phys)
			switch m.Scale {
			case 1:
				scale = 0
			case 2:
				scale = 1
			case 4:
				scale = 2
			case 8:
				scale = 3
			default:
				panic(fmt.Sprintf("amd64: bad scale %d", m.Scale))
			}
		}
		e.emit(scale<<6 | (index&7)<<3 | base&7)
	} else {
		e.emit(modrm(mod, reg, base))
	}
	switch mod {
	case 1:
		e.emit(byte(m.Disp))
	case 2:
		e.emit32(uint32(m.Disp))
	}
}

// arithExt is the opcode extension for the 80/81/83 immediate group and
// the base for the 00..39 register forms.
var arithExt = map[Opcode]byte{
	OpAdd: 0, OpOr: 1, OpAnd: 4, OpSub: 5, OpXor: 6, OpCmp: 7,
}

var shiftExt = map[Opcode]byte{OpShl: 4, OpShr: 5, OpSar: 7}

func (e *encoder) instr(ins Instruction) {
	switch ins.Op {
	case OpNop:
		e.emit(0x90)
	case OpUd2:
		e.emit(0x0F, 0x0B)
	case OpRet:
		if e.prog.FrameBytes > 0 {
			e.emit(0x48, 0x81, 0xC4) // add rsp, frame
			e.emit32(uint32(e.prog.FrameBytes))
		}
		e.emit(0xC3)
	case OpJmp:
		e.emit(0xE9)
		e.rel32(ins.Target)
	case OpJcc:
		e.emit(0x0F, 0x80+byte(ins.Cond))
		e.rel32(ins.Target)
	case OpCall:
		e.emitRM(nil, []byte{0xFF}, 2, rmReg(phys(ins.Operands[0])), 32)
	case OpMov:
		e.mov(ins)
	case OpAdd, OpSub, OpAnd, OpOr, OpXor, OpCmp:
		e.arith(ins)
	case OpImul:
		dst, src := ins.Operands[0], ins.Operands[1]
		e.emitRM(nil, []byte{0x0F, 0xAF}, byte(phys(dst)), rmReg(phys(src)), dst.Width)
	case OpTest:
		a, b := ins.Operands[0], ins.Operands[1]
		op := byte(0x85)
		if a.Width == 8 {
			op = 0x84
		}
		e.emitRM(nil, []byte{op}, byte(phys(b)), rmReg(phys(a)), a.Width)
	case OpNot, OpNeg:
		dst := ins.Operands[0]
		ext := byte(2)
		if ins.Op == OpNeg {
			ext = 3
		}
		op := byte(0xF7)
		if dst.Width == 8 {
			op = 0xF6
		}
		e.emitRM(nil, []byte{op}, ext, rmReg(phys(dst)), dst.Width)
	case OpShl, OpShr, OpSar:
		e.shift(ins)
	case OpSetcc:
		dst := ins.Operands[0]
		e.emitRM(nil, []byte{0x0F, 0x90 + byte(ins.Cond)}, 0, rmReg(phys(dst)), 8)
	case OpCmovcc:
		dst, src := ins.Operands[0], ins.Operands[1]
		e.emitRM(nil, []byte{0x0F, 0x40 + byte(ins.Cond)}, byte(phys(dst)), rmReg(phys(src)), dst.Width)
	case OpMovzx:
		e.extend(ins, 0xB6, 0xB7, 0)
	case OpMovsx:
		e.extend(ins, 0xBE, 0xBF, 0x63)
	case OpLea:
		dst, src := ins.Operands[0], ins.Operands[1]
		e.emitRM(nil, []byte{0x8D}, byte(phys(dst)), rmMem(src.Mem), dst.Width)
	case OpPush, OpPop:
		r := phys(ins.Operands[0])
		base := byte(0x50)
		if ins.Op == OpPop {
			base = 0x58
		}
		if byte(r) >= 8 {
			e.emit(0x41)
		}
		e.emit(base + byte(r)&7)
	case OpLzcnt:
		e.bitscan(ins, []byte{0xF3}, 0xBD)
	case OpTzcnt:
		e.bitscan(ins, []byte{0xF3}, 0xBC)
	case OpBsr:
		e.bitscan(ins, nil, 0xBD)
	case OpBsf:
		e.bitscan(ins, nil, 0xBC)
	default:
		panic(fmt.Sprintf("amd64: no encoding for %s", ins))
	}
}

func (e *encoder) bitscan(ins Instruction, pre []byte, op byte) {
	dst, src := ins.Operands[0], ins.Operands[1]
	e.emitRM(pre, []byte{0x0F, op}, byte(phys(dst)), rmReg(phys(src)), dst.Width)
}

func rmOf(o Operand) rmTarget {
	if o.Kind == OperandMem {
		return rmMem(o.Mem)
	}
	return rmReg(phys(o))
}

func (e *encoder) extend(ins Instruction, op8, op16, op32 byte) {
	dst, src := ins.Operands[0], ins.Operands[1]
	switch src.Width {
	case 8:
		e.emitRM(nil, []byte{0x0F, op8}, byte(phys(dst)), rmOf(src), dst.Width)
	case 16:
		e.emitRM(nil, []byte{0x0F, op16}, byte(phys(dst)), rmOf(src), dst.Width)
	case 32:
		if op32 == 0 {
			// zero-extension from 32 bits is a plain 32-bit mov
			e.emitRM(nil, []byte{0x8B}, byte(phys(dst)), rmOf(src), 32)
			return
		}
		e.emitRM(nil, []byte{op32}, byte(phys(dst)), rmOf(src), 64)
	default:
		panic(fmt.Sprintf("amd64: bad extension source width %d", src.Width))
	}
}

func (e *encoder) mov(ins Instruction) {
	dst, src := ins.Operands[0], ins.Operands[1]
	switch {
	case dst.Kind == OperandReg && src.Kind == OperandImm:
		e.movImm(phys(dst), src.Imm, dst.Width)
	case dst.Kind == OperandReg && src.Kind == OperandReg:
		op := byte(0x8B)
		if dst.Width == 8 {
			op = 0x8A
		}
		e.emitRM(nil, []byte{op}, byte(phys(dst)), rmReg(phys(src)), dst.Width)
	case dst.Kind == OperandReg && src.Kind == OperandMem:
		op := byte(0x8B)
		if dst.Width == 8 {
			op = 0x8A
		}
		e.emitRM(nil, []byte{op}, byte(phys(dst)), rmMem(src.Mem), dst.Width)
	case dst.Kind == OperandMem && src.Kind == OperandReg:
		op := byte(0x89)
		if dst.Width == 8 {
			op = 0x88
		}
		e.emitRM(nil, []byte{op}, byte(phys(src)), rmMem(dst.Mem), dst.Width)
	case dst.Kind == OperandMem && src.Kind == OperandImm:
		op := byte(0xC7)
		if dst.Width == 8 {
			op = 0xC6
		}
		e.emitRM(nil, []byte{op}, 0, rmMem(dst.Mem), dst.Width)
		switch dst.Width {
		case 8:
			e.emit(byte(src.Imm))
		case 16:
			e.emit(byte(src.Imm), byte(src.Imm>>8))
		default:
			e.emit32(uint32(src.Imm))
		}
	default:
		panic(fmt.Sprintf("amd64: bad mov form %s", ins))
	}
}

func (e *encoder) movImm(dst PhysReg, imm int64, width uint8) {
	switch width {
	case 8:
		if byte(dst) >= 8 {
			e.emit(0x41)
		} else if byte(dst)&7 >= 4 {
			e.emit(0x40)
		}
		e.emit(0xB0+byte(dst)&7, byte(imm))
	case 16:
		e.emit(0x66)
		if byte(dst) >= 8 {
			e.emit(0x41)
		}
		e.emit(0xB8 + byte(dst)&7)
		e.emit(byte(imm), byte(imm>>8))
	case 32:
		if byte(dst) >= 8 {
			e.emit(0x41)
		}
		e.emit(0xB8 + byte(dst)&7)
		e.emit32(uint32(imm))
	case 64:
		if imm == int64(int32(imm)) {
			// sign-extended 32-bit immediate form
			e.emitRM(nil, []byte{0xC7}, 0, rmReg(dst), 64)
			e.emit32(uint32(imm))
		} else {
			rex := byte(0x48)
			if byte(dst) >= 8 {
				rex |= 1
			}
			e.emit(rex, 0xB8+byte(dst)&7)
			e.emit64(uint64(imm))
		}
	}
}

func (e *encoder) arith(ins Instruction) {
	dst, src := ins.Operands[0], ins.Operands[1]
	ext := arithExt[ins.Op]
	switch {
	case src.Kind == OperandImm:
		if dst.Width > 8 && src.Imm >= -128 && src.Imm <= 127 {
			e.emitRM(nil, []byte{0x83}, ext, rmReg(phys(dst)), dst.Width)
			e.emit(byte(src.Imm))
			return
		}
		op := byte(0x81)
		if dst.Width == 8 {
			op = 0x80
		}
		e.emitRM(nil, []byte{op}, ext, rmReg(phys(dst)), dst.Width)
		switch dst.Width {
		case 8:
			e.emit(byte(src.Imm))
		case 16:
			e.emit(byte(src.Imm), byte(src.Imm>>8))
		default:
			e.emit32(uint32(src.Imm))
		}
	case src.Kind == OperandReg:
		// r/m <- reg form
		op := ext*8 + 1
		if dst.Width == 8 {
			op = ext * 8
		}
		e.emitRM(nil, []byte{op}, byte(phys(src)), rmReg(phys(dst)), dst.Width)
	case src.Kind == OperandMem:
		op := ext*8 + 3
		if dst.Width == 8 {
			op = ext*8 + 2
		}
		e.emitRM(nil, []byte{op}, byte(phys(dst)), rmMem(src.Mem), dst.Width)
	default:
		panic(fmt.Sprintf("amd64: bad arithmetic form %s", ins))
	}
}

func (e *encoder) shift(ins Instruction) {
	dst, amount := ins.Operands[0], ins.Operands[1]
	ext := shiftExt[ins.Op]
	if amount.Kind == OperandImm {
		op := byte(0xC1)
		if dst.Width == 8 {
			op = 0xC0
		}
		e.emitRM(nil, []byte{op}, ext, rmReg(phys(dst)), dst.Width)
		e.emit(byte(amount.Imm))
		return
	}
	if phys(amount) != RCX {
		panic("amd64: dynamic shift amount must be routed through cl")
	}
	op := byte(0xD3)
	if dst.Width == 8 {
		op = 0xD2
	}
	e.emitRM(nil, []byte{op}, ext, rmReg(phys(dst)), dst.Width)
}
