// Package pmm implements the physical page allocator: a LIFO free list of
// 4096-byte pages threaded through the first word of each free page.
package pmm

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

const (
	// allocJunk fills freshly allocated pages to catch reads of
	// uninitialized memory.
	allocJunk = 5

	// freeJunk fills freed pages to catch dangling references.
	freeJunk = 1
)

var (
	// ErrOutOfMemory is returned by Alloc when no free page is left.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errBadFree = &kernel.Error{Module: "pmm", Message: "kfree: bad physical address"}
)

// Allocator owns every page between the end of the kernel image and the end
// of RAM.
type Allocator struct {
	lock  sync.Spinlock
	ram   *mem.RAM
	start uintptr
	end   uintptr

	// freeList is the physical address of the first free page; 0 ends
	// the list.
	freeList uintptr
	nfree    int
}

// Init hands every whole page in [start, end) to the allocator. start is
// normally the end of the kernel image and end the top of RAM.
func (a *Allocator) Init(t cpu.Thread, ram *mem.RAM, start, end uintptr) {
	a.lock.Init("kmem")
	a.ram = ram
	a.start = mm.PageRoundUp(start)
	a.end = end

	for pa := a.start; pa+mm.PageSize <= end; pa += mm.PageSize {
		a.Free(t, pa)
	}
}

// Alloc removes a page from the free list and fills it with junk. The
// caller must initialize it.
func (a *Allocator) Alloc(t cpu.Thread) (uintptr, *kernel.Error) {
	a.lock.Acquire(t)
	pa := a.freeList
	if pa != 0 {
		a.freeList = uintptr(*a.ram.Word(pa))
		a.nfree--
	}
	a.lock.Release(t)

	if pa == 0 {
		return 0, ErrOutOfMemory
	}

	a.ram.Memset(pa, allocJunk, mem.Size(mm.PageSize))
	return pa, nil
}

// Free returns a page to the allocator. Freeing an address that is not
// page aligned or does not belong to the allocator is fatal.
func (a *Allocator) Free(t cpu.Thread, pa uintptr) {
	if pa%mm.PageSize != 0 || pa < a.start || pa >= a.end {
		kfmt.Panic(errBadFree)
	}

	a.ram.Memset(pa, freeJunk, mem.Size(mm.PageSize))

	a.lock.Acquire(t)
	*a.ram.Word(pa) = uint64(a.freeList)
	a.freeList = pa
	a.nfree++
	a.lock.Release(t)
}

// FreePages returns the number of pages on the free list.
func (a *Allocator) FreePages(t cpu.Thread) int {
	a.lock.Acquire(t)
	n := a.nfree
	a.lock.Release(t)
	return n
}
