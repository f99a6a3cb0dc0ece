// Package user assembles the RV64I programs that run in user space.
//
// The machine has no file system to load binaries from, so the first
// process is a small position-independent image built at boot with a
// Builder and copied to virtual address 0 by the kernel.
package user

import (
	"encoding/binary"
	"fmt"
)

// Opcodes used by the builder.
const (
	opLoad   = 0x03
	opOpImm  = 0x13
	opAuipc  = 0x17
	opOpImmW = 0x1b
	opStore  = 0x23
	opOp     = 0x33
	opLui    = 0x37
	opBranch = 0x63
	opJalr   = 0x67
	opJal    = 0x6f
	opSystem = 0x73
)

type fixupKind uint8

const (
	fixBranch fixupKind = iota
	fixJal
	fixAddr
)

type fixup struct {
	kind  fixupKind
	index int
	label string
}

// Builder accumulates instructions and data and resolves label references
// when the image is assembled. Code is laid out first, followed by the data
// section at an 8-byte aligned offset.
type Builder struct {
	code   []uint32
	data   []byte
	labels map[string]int
	dataAt map[string]int
	fixups []fixup
	errs   []error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		labels: make(map[string]int),
		dataAt: make(map[string]int),
	}
}

func (b *Builder) fail(format string, args ...interface{}) {
	b.errs = append(b.errs, fmt.Errorf(format, args...))
}

func (b *Builder) emit(inst uint32) {
	b.code = append(b.code, inst)
}

func (b *Builder) defined(name string) bool {
	_, inCode := b.labels[name]
	_, inData := b.dataAt[name]
	return inCode || inData
}

// Label marks the next instruction with name.
func (b *Builder) Label(name string) {
	if b.defined(name) {
		b.fail("label %q defined twice", name)
		return
	}
	b.labels[name] = len(b.code)
}

// String places s, NUL-terminated, in the data section under name.
func (b *Builder) String(name, s string) {
	b.Bytes(name, append([]byte(s), 0))
}

// Bytes places data in the data section under name.
func (b *Builder) Bytes(name string, data []byte) {
	if b.defined(name) {
		b.fail("label %q defined twice", name)
		return
	}
	b.dataAt[name] = len(b.data)
	b.data = append(b.data, data...)
}

func encI(op, funct3 uint32, rd, rs1 int, imm int32) uint32 {
	return uint32(imm)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

func encR(op, funct3, funct7 uint32, rd, rs1, rs2 int) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

func encS(funct3 uint32, rs1, rs2 int, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1f)<<7 | opStore
}

func encU(op uint32, rd int, imm int32) uint32 {
	return uint32(imm)<<12 | uint32(rd)<<7 | op
}

func encB(funct3 uint32, rs1, rs2 int, off int32) uint32 {
	u := uint32(off)
	return (u>>12&1)<<31 | (u>>5&0x3f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		funct3<<12 | (u>>1&0xf)<<8 | (u>>11&1)<<7 | opBranch
}

func encJ(rd int, off int32) uint32 {
	u := uint32(off)
	return (u>>20&1)<<31 | (u>>1&0x3ff)<<21 | (u>>11&1)<<20 | (u>>12&0xff)<<12 | uint32(rd)<<7 | opJal
}

func fitsSigned(v int64, bits uint) bool {
	return v >= -(1<<(bits-1)) && v < 1<<(bits-1)
}

// hiLo splits v into the upper 20 bits and the sign-extended lower 12 bits
// used by LUI/AUIPC followed by an ADDI.
func hiLo(v int64) (int32, int32) {
	hi := (v + 0x800) >> 12
	return int32(hi), int32(v - hi<<12)
}

// Li loads the constant v into rd.
func (b *Builder) Li(rd int, v int64) {
	switch {
	case fitsSigned(v, 12):
		b.emit(encI(opOpImm, 0, rd, 0, int32(v)))
	case fitsSigned(v, 32):
		hi, lo := hiLo(v)
		b.emit(encU(opLui, rd, hi))
		b.emit(encI(opOpImmW, 0, rd, rd, lo))
	default:
		b.fail("li: constant %d does not fit in 32 bits", v)
	}
}

// La loads the address of label into rd.
func (b *Builder) La(rd int, label string) {
	b.fixups = append(b.fixups, fixup{kind: fixAddr, index: len(b.code), label: label})
	b.emit(encU(opAuipc, rd, 0))
	b.emit(encI(opOpImm, 0, rd, rd, 0))
}

// Mv copies rs into rd.
func (b *Builder) Mv(rd, rs int) { b.Addi(rd, rs, 0) }

// Addi adds a 12-bit immediate.
func (b *Builder) Addi(rd, rs int, imm int32) {
	if !fitsSigned(int64(imm), 12) {
		b.fail("addi: immediate %d out of range", imm)
	}
	b.emit(encI(opOpImm, 0, rd, rs, imm))
}

// Add sets rd to rs1 + rs2.
func (b *Builder) Add(rd, rs1, rs2 int) { b.emit(encR(opOp, 0, 0, rd, rs1, rs2)) }

// Sub sets rd to rs1 - rs2.
func (b *Builder) Sub(rd, rs1, rs2 int) { b.emit(encR(opOp, 0, 0x20, rd, rs1, rs2)) }

// Mul sets rd to rs1 * rs2.
func (b *Builder) Mul(rd, rs1, rs2 int) { b.emit(encR(opOp, 0, 1, rd, rs1, rs2)) }

// Lb loads a sign-extended byte.
func (b *Builder) Lb(rd, rs int, off int32) { b.emit(encI(opLoad, 0, rd, rs, off)) }

// Lbu loads a zero-extended byte.
func (b *Builder) Lbu(rd, rs int, off int32) { b.emit(encI(opLoad, 4, rd, rs, off)) }

// Lw loads a sign-extended word.
func (b *Builder) Lw(rd, rs int, off int32) { b.emit(encI(opLoad, 2, rd, rs, off)) }

// Ld loads a doubleword.
func (b *Builder) Ld(rd, rs int, off int32) { b.emit(encI(opLoad, 3, rd, rs, off)) }

// Sb stores the low byte of src.
func (b *Builder) Sb(src, base int, off int32) { b.emit(encS(0, base, src, off)) }

// Sw stores the low word of src.
func (b *Builder) Sw(src, base int, off int32) { b.emit(encS(2, base, src, off)) }

// Sd stores src.
func (b *Builder) Sd(src, base int, off int32) { b.emit(encS(3, base, src, off)) }

func (b *Builder) branch(funct3 uint32, rs1, rs2 int, label string) {
	b.fixups = append(b.fixups, fixup{kind: fixBranch, index: len(b.code), label: label})
	b.emit(encB(funct3, rs1, rs2, 0))
}

// Beq branches to label if rs1 == rs2.
func (b *Builder) Beq(rs1, rs2 int, label string) { b.branch(0, rs1, rs2, label) }

// Bne branches to label if rs1 != rs2.
func (b *Builder) Bne(rs1, rs2 int, label string) { b.branch(1, rs1, rs2, label) }

// Blt branches to label if rs1 < rs2, signed.
func (b *Builder) Blt(rs1, rs2 int, label string) { b.branch(4, rs1, rs2, label) }

// Bge branches to label if rs1 >= rs2, signed.
func (b *Builder) Bge(rs1, rs2 int, label string) { b.branch(5, rs1, rs2, label) }

// Jal jumps to label, leaving the return address in rd.
func (b *Builder) Jal(rd int, label string) {
	b.fixups = append(b.fixups, fixup{kind: fixJal, index: len(b.code), label: label})
	b.emit(encJ(rd, 0))
}

// J jumps to label.
func (b *Builder) J(label string) { b.Jal(0, label) }

// Call jumps to label saving the return address in ra.
func (b *Builder) Call(label string) { b.Jal(1, label) }

// Ret returns to the address in ra.
func (b *Builder) Ret() { b.emit(encI(opJalr, 0, 0, 1, 0)) }

// Ecall traps into the kernel.
func (b *Builder) Ecall() { b.emit(opSystem) }

// Ebreak raises a breakpoint exception.
func (b *Builder) Ebreak() { b.emit(1<<20 | opSystem) }

// dataBase returns the byte offset of the data section in the image.
func (b *Builder) dataBase() int {
	return (len(b.code)*4 + 7) &^ 7
}

func (b *Builder) target(name string) (int, bool) {
	if i, ok := b.labels[name]; ok {
		return i * 4, true
	}
	if off, ok := b.dataAt[name]; ok {
		return b.dataBase() + off, true
	}
	return 0, false
}

// Assemble resolves labels and returns the image, which is meant to be
// loaded at virtual address 0 and entered at its first instruction.
func (b *Builder) Assemble() ([]byte, error) {
	for _, f := range b.fixups {
		to, ok := b.target(f.label)
		if !ok {
			b.fail("undefined label %q", f.label)
			continue
		}
		off := int64(to - f.index*4)

		switch f.kind {
		case fixBranch:
			if !fitsSigned(off, 13) {
				b.fail("branch to %q out of range", f.label)
				continue
			}
			inst := b.code[f.index]
			b.code[f.index] = encB(inst>>12&7, int(inst>>15&0x1f), int(inst>>20&0x1f), int32(off))
		case fixJal:
			if !fitsSigned(off, 21) {
				b.fail("jump to %q out of range", f.label)
				continue
			}
			b.code[f.index] = encJ(int(b.code[f.index]>>7&0x1f), int32(off))
		case fixAddr:
			rd := int(b.code[f.index] >> 7 & 0x1f)
			hi, lo := hiLo(off)
			b.code[f.index] = encU(opAuipc, rd, hi)
			b.code[f.index+1] = encI(opOpImm, 0, rd, rd, lo)
		}
	}

	if len(b.errs) != 0 {
		return nil, b.errs[0]
	}

	image := make([]byte, b.dataBase()+len(b.data))
	for i, inst := range b.code {
		binary.LittleEndian.PutUint32(image[i*4:], inst)
	}
	copy(image[b.dataBase():], b.data)
	return image, nil
}
