package hart

import (
	"encoding/binary"
	"fmt"
)

// Integer register numbers by ABI name.
const (
	Zero = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

// EncodeR encodes a register-register instruction.
func EncodeR(opcode, rd, funct3, rs1, rs2, funct7 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// EncodeI encodes an instruction with a 12-bit immediate.
func EncodeI(opcode, rd, funct3, rs1 uint32, imm int64) uint32 {
	return uint32(imm&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

// EncodeS encodes a store.
func EncodeS(funct3, rs1, rs2 uint32, imm int64) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u&0x1f)<<7 | opStore
}

// EncodeB encodes a conditional branch with a byte offset.
func EncodeB(funct3, rs1, rs2 uint32, offset int64) uint32 {
	u := uint32(offset)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | rs2<<20 | rs1<<15 | funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch
}

// EncodeU encodes lui or auipc; imm holds the upper 20 bits in place.
func EncodeU(opcode, rd uint32, imm int64) uint32 {
	return uint32(imm)&0xfffff000 | rd<<7 | opcode
}

// EncodeJ encodes jal with a byte offset.
func EncodeJ(rd uint32, offset int64) uint32 {
	u := uint32(offset)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | rd<<7 | opJAL
}

type fixupKind uint8

const (
	fixBranch fixupKind = iota
	fixJAL
	fixLA
)

type fixup struct {
	index int
	label string
	kind  fixupKind
}

// Asm assembles a flat RV64IM program at a fixed base address. Forward
// references to labels are resolved by Assemble.
type Asm struct {
	base   uint64
	insts  []uint32
	labels map[string]int
	fixups []fixup
}

// NewAsm returns an assembler for code placed at base.
func NewAsm(base uint64) *Asm {
	return &Asm{base: base, labels: make(map[string]int)}
}

// PC returns the address of the next emitted instruction.
func (a *Asm) PC() uint64 { return a.base + uint64(len(a.insts))*4 }

// Label binds name to the next emitted instruction.
func (a *Asm) Label(name string) *Asm {
	a.labels[name] = len(a.insts)
	return a
}

// Emit appends raw instruction words.
func (a *Asm) Emit(insts ...uint32) *Asm {
	a.insts = append(a.insts, insts...)
	return a
}

func (a *Asm) ref(label string, kind fixupKind) {
	a.fixups = append(a.fixups, fixup{index: len(a.insts), label: label, kind: kind})
}

// Li loads an arbitrary 64-bit constant into rd.
func (a *Asm) Li(rd uint32, imm int64) *Asm {
	lo := imm << 52 >> 52
	switch {
	case lo == imm:
		return a.Addi(rd, Zero, imm)
	case int64(int32(imm)) == imm:
		hi := (imm + 0x800) &^ 0xfff
		a.Emit(EncodeU(opLUI, rd, hi))
		if lo != 0 {
			a.Emit(EncodeI(opImm32, rd, 0, rd, lo))
		}
		return a
	default:
		a.Li(rd, (imm-lo)>>12)
		a.Slli(rd, rd, 12)
		if lo != 0 {
			a.Addi(rd, rd, lo)
		}
		return a
	}
}

// La loads the address of label into rd using an auipc/addi pair.
func (a *Asm) La(rd uint32, label string) *Asm {
	a.ref(label, fixLA)
	return a.Emit(EncodeU(opAUIPC, rd, 0), EncodeI(opImm, rd, 0, rd, 0))
}

// Mv copies rs into rd.
func (a *Asm) Mv(rd, rs uint32) *Asm { return a.Addi(rd, rs, 0) }

// Addi emits addi.
func (a *Asm) Addi(rd, rs1 uint32, imm int64) *Asm { return a.Emit(EncodeI(opImm, rd, 0, rs1, imm)) }

// Slli emits slli.
func (a *Asm) Slli(rd, rs1 uint32, shamt int64) *Asm {
	return a.Emit(EncodeI(opImm, rd, 1, rs1, shamt&0x3f))
}

// Add emits add.
func (a *Asm) Add(rd, rs1, rs2 uint32) *Asm { return a.Emit(EncodeR(opOp, rd, 0, rs1, rs2, 0)) }

// Sub emits sub.
func (a *Asm) Sub(rd, rs1, rs2 uint32) *Asm { return a.Emit(EncodeR(opOp, rd, 0, rs1, rs2, 0x20)) }

// Mul emits mul.
func (a *Asm) Mul(rd, rs1, rs2 uint32) *Asm { return a.Emit(EncodeR(opOp, rd, 0, rs1, rs2, 1)) }

// Ld emits ld.
func (a *Asm) Ld(rd, rs1 uint32, off int64) *Asm { return a.Emit(EncodeI(opLoad, rd, 3, rs1, off)) }

// Lw emits lw.
func (a *Asm) Lw(rd, rs1 uint32, off int64) *Asm { return a.Emit(EncodeI(opLoad, rd, 2, rs1, off)) }

// Lbu emits lbu.
func (a *Asm) Lbu(rd, rs1 uint32, off int64) *Asm { return a.Emit(EncodeI(opLoad, rd, 4, rs1, off)) }

// Sd emits sd.
func (a *Asm) Sd(rs2, rs1 uint32, off int64) *Asm { return a.Emit(EncodeS(3, rs1, rs2, off)) }

// Sw emits sw.
func (a *Asm) Sw(rs2, rs1 uint32, off int64) *Asm { return a.Emit(EncodeS(2, rs1, rs2, off)) }

// Sb emits sb.
func (a *Asm) Sb(rs2, rs1 uint32, off int64) *Asm { return a.Emit(EncodeS(0, rs1, rs2, off)) }

func (a *Asm) branch(funct3, rs1, rs2 uint32, label string) *Asm {
	a.ref(label, fixBranch)
	return a.Emit(EncodeB(funct3, rs1, rs2, 0))
}

// Beq branches to label if rs1 == rs2.
func (a *Asm) Beq(rs1, rs2 uint32, label string) *Asm { return a.branch(0, rs1, rs2, label) }

// Bne branches to label if rs1 != rs2.
func (a *Asm) Bne(rs1, rs2 uint32, label string) *Asm { return a.branch(1, rs1, rs2, label) }

// Blt branches to label if rs1 < rs2 (signed).
func (a *Asm) Blt(rs1, rs2 uint32, label string) *Asm { return a.branch(4, rs1, rs2, label) }

// Bge branches to label if rs1 >= rs2 (signed).
func (a *Asm) Bge(rs1, rs2 uint32, label string) *Asm { return a.branch(5, rs1, rs2, label) }

// Jal jumps to label, storing the return address in rd.
func (a *Asm) Jal(rd uint32, label string) *Asm {
	a.ref(label, fixJAL)
	return a.Emit(EncodeJ(rd, 0))
}

// J jumps to label.
func (a *Asm) J(label string) *Asm { return a.Jal(Zero, label) }

// Jalr jumps to rs1+off, storing the return address in rd.
func (a *Asm) Jalr(rd, rs1 uint32, off int64) *Asm { return a.Emit(EncodeI(opJALR, rd, 0, rs1, off)) }

// Ret returns to ra.
func (a *Asm) Ret() *Asm { return a.Jalr(Zero, RA, 0) }

// Ecall emits ecall.
func (a *Asm) Ecall() *Asm { return a.Emit(instECALL) }

// Syscall loads id into a7 and traps.
func (a *Asm) Syscall(id int64) *Asm { return a.Li(A7, id).Ecall() }

// Data appends raw bytes, padded to a whole number of instruction words.
func (a *Asm) Data(b []byte) *Asm {
	padded := make([]byte, (len(b)+3)&^3)
	copy(padded, b)
	for i := 0; i < len(padded); i += 4 {
		a.insts = append(a.insts, binary.LittleEndian.Uint32(padded[i:]))
	}
	return a
}

// Assemble resolves label references and returns the encoded program.
func (a *Asm) Assemble() ([]byte, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("asm: undefined label %q", f.label)
		}
		offset := int64(target-f.index) * 4
		inst := a.insts[f.index]

		switch f.kind {
		case fixBranch:
			if offset < -(1<<12) || offset >= 1<<12 {
				return nil, fmt.Errorf("asm: branch to %q out of range", f.label)
			}
			a.insts[f.index] = EncodeB(inst>>12&7, inst>>15&0x1f, inst>>20&0x1f, offset)
		case fixJAL:
			if offset < -(1<<20) || offset >= 1<<20 {
				return nil, fmt.Errorf("asm: jump to %q out of range", f.label)
			}
			a.insts[f.index] = EncodeJ(inst>>7&0x1f, offset)
		case fixLA:
			rd := inst >> 7 & 0x1f
			lo := offset << 52 >> 52
			a.insts[f.index] = EncodeU(opAUIPC, rd, offset-lo)
			a.insts[f.index+1] = EncodeI(opImm, rd, 0, rd, lo)
		}
	}

	out := make([]byte, len(a.insts)*4)
	for i, inst := range a.insts {
		binary.LittleEndian.PutUint32(out[i*4:], inst)
	}
	return out, nil
}
