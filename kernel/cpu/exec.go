package cpu

import (
	"math"
	"runtime"
)

// RunUser executes user instructions until the next trap and returns once
// the trap has been handled. The handler may have moved the current thread
// to a different hart, so callers must look up the hart again before
// resuming: for { p.Hart().RunUser() }.
func (h *Hart) RunUser() {
	for h.mode == User {
		if h.bus.PoweredOff() {
			runtime.Goexit()
		}

		if cause, ok := h.pendingInterrupt(); ok {
			h.trap(cause, 0)
			return
		}

		if cause, tval := h.step(); cause != noFault {
			h.trap(cause, tval)
			return
		}
	}
}

func signExtend(v uint64, bits uint) uint64 {
	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}

func (h *Hart) load(va uint64, size int, signed bool) (uint64, uint64, uint64) {
	if va&uint64(size-1) != 0 {
		return 0, CauseLoadMisaligned, va
	}
	pa, cause := h.translate(va, accessRead, h.mode)
	if cause != noFault {
		return 0, cause, va
	}
	if !h.bus.ram.Contains(pa, uintptr(size)) {
		return 0, CauseLoadAccess, va
	}
	v := h.bus.ram.Load(pa, size)
	if signed {
		v = signExtend(v, uint(size*8))
	}
	return v, noFault, 0
}

func (h *Hart) store(va uint64, size int, v uint64) (uint64, uint64) {
	if va&uint64(size-1) != 0 {
		return CauseStoreMisaligned, va
	}
	pa, cause := h.translate(va, accessWrite, h.mode)
	if cause != noFault {
		return cause, va
	}
	if !h.bus.ram.Contains(pa, uintptr(size)) {
		return CauseStoreAccess, va
	}
	h.bus.ram.Store(pa, size, v)
	return noFault, 0
}

// step executes the instruction at pc. It returns noFault or the cause and
// tval of the exception the instruction raised; in the latter case pc is
// left pointing at the faulting instruction.
func (h *Hart) step() (uint64, uint64) {
	if h.pc&3 != 0 {
		return CauseFetchMisaligned, h.pc
	}
	pa, cause := h.translate(h.pc, accessExec, h.mode)
	if cause != noFault {
		return cause, h.pc
	}
	if !h.bus.ram.Contains(pa, 4) {
		return CauseFetchAccess, h.pc
	}

	inst := uint32(h.bus.ram.Load(pa, 4))
	var (
		opcode = inst & 0x7f
		rd     = int((inst >> 7) & 0x1f)
		funct3 = (inst >> 12) & 0x7
		rs1    = h.regs[(inst>>15)&0x1f]
		rs2    = h.regs[(inst>>20)&0x1f]
		funct7 = inst >> 25
		immI   = signExtend(uint64(inst>>20), 12)
		next   = h.pc + 4
	)

	illegal := func() (uint64, uint64) { return CauseIllegal, uint64(inst) }

	switch opcode {
	case 0x37: // LUI
		h.SetReg(rd, signExtend(uint64(inst&0xfffff000), 32))
	case 0x17: // AUIPC
		h.SetReg(rd, h.pc+signExtend(uint64(inst&0xfffff000), 32))
	case 0x6f: // JAL
		imm := uint64(inst>>31)<<20 | uint64((inst>>12)&0xff)<<12 |
			uint64((inst>>20)&1)<<11 | uint64((inst>>21)&0x3ff)<<1
		h.SetReg(rd, next)
		next = h.pc + signExtend(imm, 21)
	case 0x67: // JALR
		if funct3 != 0 {
			return illegal()
		}
		target := (rs1 + immI) &^ 1
		h.SetReg(rd, next)
		next = target
	case 0x63: // BRANCH
		imm := uint64(inst>>31)<<12 | uint64((inst>>7)&1)<<11 |
			uint64((inst>>25)&0x3f)<<5 | uint64((inst>>8)&0xf)<<1
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
			return illegal()
		}
		if taken {
			next = h.pc + signExtend(imm, 13)
		}
	case 0x03: // LOAD
		size, signed := 1<<(funct3&3), funct3&4 == 0
		if funct3 == 7 {
			return illegal()
		}
		v, cause, tval := h.load(rs1+immI, size, signed && size < 8)
		if cause != noFault {
			return cause, tval
		}
		h.SetReg(rd, v)
	case 0x23: // STORE
		if funct3 > 3 {
			return illegal()
		}
		imm := signExtend(uint64(funct7)<<5|uint64(rd), 12)
		if cause, tval := h.store(rs1+imm, 1<<funct3, rs2); cause != noFault {
			return cause, tval
		}
	case 0x13: // OP-IMM
		shamt := uint((inst >> 20) & 0x3f)
		var v uint64
		switch funct3 {
		case 0:
			v = rs1 + immI
		case 1:
			if inst>>26 != 0 {
				return illegal()
			}
			v = rs1 << shamt
		case 2:
			v = boolToReg(int64(rs1) < int64(immI))
		case 3:
			v = boolToReg(rs1 < immI)
		case 4:
			v = rs1 ^ immI
		case 5:
			switch inst >> 26 {
			case 0:
				v = rs1 >> shamt
			case 0x10:
				v = uint64(int64(rs1) >> shamt)
			default:
				return illegal()
			}
		case 6:
			v = rs1 | immI
		case 7:
			v = rs1 & immI
		}
		h.SetReg(rd, v)
	case 0x1b: // OP-IMM-32
		shamt := uint((inst >> 20) & 0x1f)
		var v uint32
		switch {
		case funct3 == 0:
			v = uint32(rs1 + immI)
		case funct3 == 1 && funct7 == 0:
			v = uint32(rs1) << shamt
		case funct3 == 5 && funct7 == 0:
			v = uint32(rs1) >> shamt
		case funct3 == 5 && funct7 == 0x20:
			v = uint32(int32(rs1) >> shamt)
		default:
			return illegal()
		}
		h.SetReg(rd, signExtend(uint64(v), 32))
	case 0x33: // OP
		v, ok := aluOp(funct7, funct3, rs1, rs2)
		if !ok {
			return illegal()
		}
		h.SetReg(rd, v)
	case 0x3b: // OP-32
		v, ok := aluOp32(funct7, funct3, uint32(rs1), uint32(rs2))
		if !ok {
			return illegal()
		}
		h.SetReg(rd, signExtend(uint64(v), 32))
	case 0x0f: // FENCE
	case 0x73: // SYSTEM
		switch inst {
		case 0x00000073:
			return CauseUserEcall, 0
		case 0x00100073:
			return CauseBreakpoint, h.pc
		default:
			return illegal()
		}
	default:
		return illegal()
	}

	h.pc = next
	return noFault, 0
}

func boolToReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func aluOp(funct7, funct3 uint32, a, b uint64) (uint64, bool) {
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return a + b, true
		case 1:
			return a << (b & 0x3f), true
		case 2:
			return boolToReg(int64(a) < int64(b)), true
		case 3:
			return boolToReg(a < b), true
		case 4:
			return a ^ b, true
		case 5:
			return a >> (b & 0x3f), true
		case 6:
			return a | b, true
		case 7:
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
		switch funct3 {
		case 0:
			return a * b, true
		case 4:
			return uint64(divSigned(int64(a), int64(b))), true
		case 5:
			if b == 0 {
				return math.MaxUint64, true
			}
			return a / b, true
		case 6:
			return uint64(remSigned(int64(a), int64(b))), true
		case 7:
			if b == 0 {
				return a, true
			}
			return a % b, true
		}
	}
	return 0, false
}

func aluOp32(funct7, funct3 uint32, a, b uint32) (uint32, bool) {
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return a + b, true
		case 1:
			return a << (b & 0x1f), true
		case 5:
			return a >> (b & 0x1f), true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return a - b, true
		case 5:
			return uint32(int32(a) >> (b & 0x1f)), true
		}
	case 0x01:
		switch funct3 {
		case 0:
			return a * b, true
		case 4:
			if b == 0 {
				return math.MaxUint32, true
			}
			if int32(a) == math.MinInt32 && int32(b) == -1 {
				return a, true
			}
			return uint32(int32(a) / int32(b)), true
		case 5:
			if b == 0 {
				return math.MaxUint32, true
			}
			return a / b, true
		case 6:
			if b == 0 {
				return a, true
			}
			if int32(a) == math.MinInt32 && int32(b) == -1 {
				return 0, true
			}
			return uint32(int32(a) % int32(b)), true
		case 7:
			if b == 0 {
				return a, true
			}
			return a % b, true
		}
	}
	return 0, false
}

func divSigned(a, b int64) int64 {
	switch {
	case b == 0:
		return -1
	case a == math.MinInt64 && b == -1:
		return a
	}
	return a / b
}

func remSigned(a, b int64) int64 {
	switch {
	case b == 0:
		return a
	case a == math.MinInt64 && b == -1:
		return 0
	}
	return a % b
}
