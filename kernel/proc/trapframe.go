package proc

import "github.com/kennykguo/xv6-kernel-dev/kernel/mem"

// Trapframe field offsets. The trampoline depends on this layout.
const (
	tfKernelSatp   = 0  // kernel page table
	tfKernelSP     = 8  // top of process's kernel stack
	tfKernelTrap   = 16 // usertrap()
	tfEpc          = 24 // saved user program counter
	tfKernelHartid = 32 // saved kernel tp
	tfRegs         = 32 // x1 is at tfRegs+8
)

// Trapframe is a view of a process's trapframe page. The page holds the
// user registers while the process is in the kernel, along with the values
// the trampoline needs to enter the kernel on the next trap.
type Trapframe struct {
	ram *mem.RAM
	pa  uintptr
}

// NewTrapframe returns a view of the trapframe page at pa.
func NewTrapframe(ram *mem.RAM, pa uintptr) Trapframe {
	return Trapframe{ram: ram, pa: pa}
}

// Addr returns the physical address of the page.
func (tf Trapframe) Addr() uintptr { return tf.pa }

func (tf Trapframe) word(off uintptr) *uint64 { return tf.ram.Word(tf.pa + off) }

// KernelSatp returns the saved kernel satp.
func (tf Trapframe) KernelSatp() uint64 { return *tf.word(tfKernelSatp) }

// SetKernelSatp sets the kernel satp.
func (tf Trapframe) SetKernelSatp(v uint64) { *tf.word(tfKernelSatp) = v }

// KernelSP returns the kernel stack pointer.
func (tf Trapframe) KernelSP() uint64 { return *tf.word(tfKernelSP) }

// SetKernelSP sets the kernel stack pointer.
func (tf Trapframe) SetKernelSP(v uint64) { *tf.word(tfKernelSP) = v }

// KernelTrap returns the address of the kernel's user trap handler.
func (tf Trapframe) KernelTrap() uint64 { return *tf.word(tfKernelTrap) }

// SetKernelTrap sets the address of the kernel's user trap handler.
func (tf Trapframe) SetKernelTrap(v uint64) { *tf.word(tfKernelTrap) = v }

// Epc returns the saved user program counter.
func (tf Trapframe) Epc() uint64 { return *tf.word(tfEpc) }

// SetEpc sets the user program counter.
func (tf Trapframe) SetEpc(v uint64) { *tf.word(tfEpc) = v }

// KernelHartid returns the hart id the kernel restores into tp.
func (tf Trapframe) KernelHartid() uint64 { return *tf.word(tfKernelHartid) }

// SetKernelHartid sets the hart id.
func (tf Trapframe) SetKernelHartid(v uint64) { *tf.word(tfKernelHartid) = v }

// Reg returns saved user register x<r>. r must be in 1..31.
func (tf Trapframe) Reg(r int) uint64 { return *tf.word(RegOffset(r)) }

// SetReg sets saved user register x<r>. r must be in 1..31.
func (tf Trapframe) SetReg(r int, v uint64) { *tf.word(RegOffset(r)) = v }

// RegOffset returns the offset of user register x<r> in the trapframe.
func RegOffset(r int) uintptr { return tfRegs + 8*uintptr(r) }
