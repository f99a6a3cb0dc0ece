package mm

// Physical memory layout of the machine. RAM starts at KernBase; the kernel
// image occupies its beginning and the rest up to the end of RAM (PHYSTOP)
// is handed to the page allocator. Device registers live below KernBase.
const (
	// UART0 is the base of the serial port registers.
	UART0 = uintptr(0x10000000)

	// UART0IRQ is the PLIC source number of the serial port.
	UART0IRQ = 10

	// Virtio0 is the base of the block device registers.
	Virtio0 = uintptr(0x10001000)

	// Virtio0IRQ is the PLIC source number of the block device.
	Virtio0IRQ = 1

	// PLIC is the base of the platform-level interrupt controller.
	PLIC = uintptr(0x0c000000)

	// PLICSize is the size of the PLIC register window.
	PLICSize = uintptr(0x4000000)

	// KernBase is where the kernel image is loaded.
	KernBase = uintptr(0x80000000)
)

// Virtual layout of the top of every address space.
const (
	// Trampoline is the page holding the user/kernel transition code. It
	// is mapped at the same virtual address in the kernel and in every
	// user page table.
	Trampoline = MaxVA - PageSize

	// Trapframe is where each process sees its own trapframe page.
	Trapframe = Trampoline - PageSize
)

// KStack returns the virtual address of the kernel stack of process slot i.
// Stacks sit below the trampoline, each followed by an unmapped guard page.
func KStack(i int) uintptr {
	return Trampoline - uintptr(i+1)*2*PageSize
}

// KernelImage describes where the linker placed the kernel in RAM.
type KernelImage struct {
	// Text is the start of the executable image (KernBase).
	Text uintptr

	// Etext is the end of kernel text; data follows.
	Etext uintptr

	// End is the first address past the kernel image. Memory from End up
	// to the end of RAM is free.
	End uintptr

	// TrampolineText is the physical page holding the trampoline code.
	TrampolineText uintptr
}
