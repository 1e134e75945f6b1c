package hart

import (
	"encoding/binary"
	"math"
	"math/bits"

	"rvgopher/kernel/trap"
)

// Major opcodes.
const (
	opLoad    = 0x03
	opMiscMem = 0x0f
	opImm     = 0x13
	opAUIPC   = 0x17
	opImm32   = 0x1b
	opStore   = 0x23
	opOp      = 0x33
	opLUI     = 0x37
	opOp32    = 0x3b
	opBranch  = 0x63
	opJALR    = 0x67
	opJAL     = 0x6f
	opSystem  = 0x73
)

const (
	instECALL  = 0x00000073
	instEBREAK = 0x00100073
)

func sext(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

func immI(inst uint32) int64 { return int64(int32(inst)) >> 20 }

func immS(inst uint32) int64 {
	return int64(int32(inst))>>25<<5 | int64(inst>>7&0x1f)
}

func immB(inst uint32) int64 {
	v := uint64(inst>>31)<<12 | uint64(inst>>7&1)<<11 | uint64(inst>>25&0x3f)<<5 | uint64(inst>>8&0xf)<<1
	return sext(v, 13)
}

func immU(inst uint32) int64 { return int64(int32(inst & 0xfffff000)) }

func immJ(inst uint32) int64 {
	v := uint64(inst>>31)<<20 | uint64(inst>>12&0xff)<<12 | uint64(inst>>20&1)<<11 | uint64(inst>>21&0x3ff)<<1
	return sext(v, 21)
}

// step executes one instruction. It returns true along with the trap if
// the instruction trapped; the pc then still points at it.
func (h *Hart) step() (Trap, bool) {
	if h.pc&3 != 0 {
		return Trap{Cause: trap.InstructionMisaligned, Stval: h.pc}, true
	}

	buf, fault := h.translate(h.pc, 4, accessFetch)
	if fault != nil {
		return *fault, true
	}
	inst := binary.LittleEndian.Uint32(buf)

	var (
		opcode = inst & 0x7f
		rd     = inst >> 7 & 0x1f
		funct3 = inst >> 12 & 0x7
		rs1    = h.x[inst>>15&0x1f]
		rs2    = h.x[inst>>20&0x1f]
		funct7 = inst >> 25
		nextPC = h.pc + 4
		result uint64
		write  = true
	)

	illegal := Trap{Cause: trap.IllegalInstruction, Stval: uint64(inst)}

	switch opcode {
	case opLUI:
		result = uint64(immU(inst))
	case opAUIPC:
		result = h.pc + uint64(immU(inst))
	case opJAL:
		result = nextPC
		nextPC = h.pc + uint64(immJ(inst))
	case opJALR:
		if funct3 != 0 {
			return illegal, true
		}
		result = nextPC
		nextPC = (rs1 + uint64(immI(inst))) &^ 1
	case opBranch:
		write = false
		var taken bool
		switch funct3 {
		case 0:
			taken = rs1 == rs2
		case 1:
			taken = rs1 != rs2
		case 4:
			taken = int64(rs1) < int64(rs2)
		case 5:
			taken = int64(rs1) >= int64(rs2)
		case 6:
			taken = rs1 < rs2
		case 7:
			taken = rs1 >= rs2
		default:
			return illegal, true
		}
		if taken {
			nextPC = h.pc + uint64(immB(inst))
		}
	case opLoad:
		var t *Trap
		if result, t = h.load(rs1+uint64(immI(inst)), funct3); t != nil {
			if t.Cause == trap.IllegalInstruction {
				return illegal, true
			}
			return *t, true
		}
	case opStore:
		write = false
		if t := h.store(rs1+uint64(immS(inst)), funct3, rs2); t != nil {
			if t.Cause == trap.IllegalInstruction {
				return illegal, true
			}
			return *t, true
		}
	case opImm:
		var ok bool
		if result, ok = aluImm(funct3, inst, rs1); !ok {
			return illegal, true
		}
	case opImm32:
		var ok bool
		if result, ok = aluImm32(funct3, inst, rs1); !ok {
			return illegal, true
		}
	case opOp:
		var ok bool
		if result, ok = alu(funct3, funct7, rs1, rs2); !ok {
			return illegal, true
		}
	case opOp32:
		var ok bool
		if result, ok = alu32(funct3, funct7, rs1, rs2); !ok {
			return illegal, true
		}
	case opMiscMem:
		// fence and fence.i order nothing on a single in-order hart.
		write = false
	case opSystem:
		switch inst {
		case instECALL:
			return Trap{Cause: trap.UserEnvCall}, true
		case instEBREAK:
			return Trap{Cause: trap.Breakpoint, Stval: h.pc}, true
		}
		return illegal, true
	default:
		return illegal, true
	}

	if write && rd != 0 {
		h.x[rd] = result
	}
	h.pc = nextPC
	return Trap{}, false
}

func (h *Hart) load(addr uint64, funct3 uint32) (uint64, *Trap) {
	size := uint64(1) << (funct3 & 3)
	if funct3 == 7 {
		return 0, &Trap{Cause: trap.IllegalInstruction}
	}
	if addr&(size-1) != 0 {
		return 0, &Trap{Cause: trap.LoadMisaligned, Stval: addr}
	}

	buf, fault := h.translate(addr, size, accessLoad)
	if fault != nil {
		return 0, fault
	}

	switch funct3 {
	case 0:
		return uint64(int64(int8(buf[0]))), nil
	case 1:
		return uint64(int64(int16(binary.LittleEndian.Uint16(buf)))), nil
	case 2:
		return uint64(int64(int32(binary.LittleEndian.Uint32(buf)))), nil
	case 3:
		return binary.LittleEndian.Uint64(buf), nil
	case 4:
		return uint64(buf[0]), nil
	case 5:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	default:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	}
}

func (h *Hart) store(addr uint64, funct3 uint32, value uint64) *Trap {
	if funct3 > 3 {
		return &Trap{Cause: trap.IllegalInstruction}
	}
	size := uint64(1) << funct3
	if addr&(size-1) != 0 {
		return &Trap{Cause: trap.StoreMisaligned, Stval: addr}
	}

	buf, fault := h.translate(addr, size, accessStore)
	if fault != nil {
		return fault
	}

	switch funct3 {
	case 0:
		buf[0] = byte(value)
	case 1:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 2:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 3:
		binary.LittleEndian.PutUint64(buf, value)
	}
	return nil
}

func aluImm(funct3, inst uint32, rs1 uint64) (uint64, bool) {
	imm := immI(inst)
	shamt := inst >> 20 & 0x3f
	switch funct3 {
	case 0:
		return rs1 + uint64(imm), true
	case 1:
		if inst>>26 != 0 {
			return 0, false
		}
		return rs1 << shamt, true
	case 2:
		return b2u(int64(rs1) < imm), true
	case 3:
		return b2u(rs1 < uint64(imm)), true
	case 4:
		return rs1 ^ uint64(imm), true
	case 5:
		switch inst >> 26 {
		case 0:
			return rs1 >> shamt, true
		case 0x10:
			return uint64(int64(rs1) >> shamt), true
		}
		return 0, false
	case 6:
		return rs1 | uint64(imm), true
	default:
		return rs1 & uint64(imm), true
	}
}

func aluImm32(funct3, inst uint32, rs1 uint64) (uint64, bool) {
	shamt := inst >> 20 & 0x1f
	switch funct3 {
	case 0:
		return sext32(uint32(rs1) + uint32(immI(inst))), true
	case 1:
		if inst>>25 != 0 {
			return 0, false
		}
		return sext32(uint32(rs1) << shamt), true
	case 5:
		switch inst >> 25 {
		case 0:
			return sext32(uint32(rs1) >> shamt), true
		case 0x20:
			return sext32(uint32(int32(rs1) >> shamt)), true
		}
	}
	return 0, false
}

func alu(funct3, funct7 uint32, a, b uint64) (uint64, bool) {
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return a + b, true
		case 1:
			return a << (b & 0x3f), true
		case 2:
			return b2u(int64(a) < int64(b)), true
		case 3:
			return b2u(a < b), true
		case 4:
			return a ^ b, true
		case 5:
			return a >> (b & 0x3f), true
		case 6:
			return a | b, true
		default:
			return a & b, true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return a - b, true
		case 5:
			return uint64(int64(a) >> (b & 0x3f)), true
		}
	case 0x01:
		return mulDiv(funct3, a, b), true
	}
	return 0, false
}

func alu32(funct3, funct7 uint32, a, b uint64) (uint64, bool) {
	x, y := uint32(a), uint32(b)
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return sext32(x + y), true
		case 1:
			return sext32(x << (y & 0x1f)), true
		case 5:
			return sext32(x >> (y & 0x1f)), true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return sext32(x - y), true
		case 5:
			return sext32(uint32(int32(x) >> (y & 0x1f))), true
		}
	case 0x01:
		switch funct3 {
		case 0:
			return sext32(x * y), true
		case 4:
			return sext32(uint32(divSigned32(int32(x), int32(y)))), true
		case 5:
			if y == 0 {
				return math.MaxUint64, true
			}
			return sext32(x / y), true
		case 6:
			return sext32(uint32(remSigned32(int32(x), int32(y)))), true
		case 7:
			if y == 0 {
				return sext32(x), true
			}
			return sext32(x % y), true
		}
	}
	return 0, false
}

// mulDiv implements the M extension with the RISC-V rules for division by
// zero and signed overflow.
func mulDiv(funct3 uint32, a, b uint64) uint64 {
	switch funct3 {
	case 0:
		return a * b
	case 1:
		hi, _ := mulSigned(int64(a), int64(b))
		return hi
	case 2:
		// mulhsu
		hi, _ := bits.Mul64(a, b)
		if int64(a) < 0 {
			hi -= b
		}
		return hi
	case 3:
		hi, _ := bits.Mul64(a, b)
		return hi
	case 4:
		switch {
		case b == 0:
			return math.MaxUint64
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return a
		}
		return uint64(int64(a) / int64(b))
	case 5:
		if b == 0 {
			return math.MaxUint64
		}
		return a / b
	case 6:
		switch {
		case b == 0:
			return a
		case int64(a) == math.MinInt64 && int64(b) == -1:
			return 0
		}
		return uint64(int64(a) % int64(b))
	default:
		if b == 0 {
			return a
		}
		return a % b
	}
}

func mulSigned(a, b int64) (uint64, uint64) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if a < 0 {
		hi -= uint64(b)
	}
	if b < 0 {
		hi -= uint64(a)
	}
	return hi, lo
}

func divSigned32(a, b int32) int32 {
	switch {
	case b == 0:
		return -1
	case a == math.MinInt32 && b == -1:
		return a
	}
	return a / b
}

func remSigned32(a, b int32) int32 {
	switch {
	case b == 0:
		return a
	case a == math.MinInt32 && b == -1:
		return 0
	}
	return a % b
}

func sext32(v uint32) uint64 { return uint64(int64(int32(v))) }

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
