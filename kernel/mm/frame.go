package mm

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
)

// FrameAllocator hands out and reclaims 4096-byte physical pages.
type FrameAllocator interface {
	// Alloc returns the physical address of a free page.
	Alloc(t cpu.Thread) (uintptr, *kernel.Error)

	// Free returns the page at pa to the allocator.
	Free(t cpu.Thread, pa uintptr)
}
