package vmm

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
)

// StackMapper maps the per-process kernel stacks into the kernel page
// table.
type StackMapper func(t cpu.Thread, kpt PageTable)

// MakeKernel builds the kernel page table: device registers, the kernel
// image and the rest of RAM direct-mapped, the trampoline at the top of the
// address space and the kernel stacks installed by mapStacks.
func (m *Manager) MakeKernel(t cpu.Thread, image mm.KernelImage, mapStacks StackMapper) PageTable {
	kpt, err := m.Create(t)
	if err != nil {
		fatal("kvmmake: out of memory")
	}

	m.KernelMap(t, kpt, mm.UART0, mm.UART0, mm.PageSize, mm.FlagRead|mm.FlagWrite)
	m.KernelMap(t, kpt, mm.Virtio0, mm.Virtio0, mm.PageSize, mm.FlagRead|mm.FlagWrite)
	m.KernelMap(t, kpt, mm.PLIC, mm.PLIC, mm.PLICSize, mm.FlagRead|mm.FlagWrite)
	m.KernelMap(t, kpt, image.Text, image.Text, image.Etext-image.Text, mm.FlagRead|mm.FlagExec)
	m.KernelMap(t, kpt, image.Etext, image.Etext, m.ram.End()-image.Etext, mm.FlagRead|mm.FlagWrite)
	m.KernelMap(t, kpt, mm.Trampoline, image.TrampolineText, mm.PageSize, mm.FlagRead|mm.FlagExec)

	if mapStacks != nil {
		mapStacks(t, kpt)
	}
	return kpt
}

// KernelMap adds a mapping to the kernel page table during boot. Failure is
// fatal.
func (m *Manager) KernelMap(t cpu.Thread, kpt PageTable, va, pa, size uintptr, perm mm.PTEFlag) {
	if err := m.Map(t, kpt, va, size, pa, perm); err != nil {
		fatal("kvmmap")
	}
}

// Activate switches h to the page table pt.
func Activate(h *cpu.Hart, pt PageTable) {
	h.SfenceVMA()
	h.SetSatp(cpu.MakeSATP(uintptr(pt)))
	h.SfenceVMA()
}
