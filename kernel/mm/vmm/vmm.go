// Package vmm manages Sv39 page tables: building the kernel address space,
// creating, growing, copying and destroying user address spaces, and moving
// data across the user/kernel boundary.
package vmm

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when a virtual address is not mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrBadAddress is returned when a user address cannot be used for the
	// requested access.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "bad user address"}
)

// PageTable is the physical address of a root page-table page.
type PageTable uintptr

// Manager performs page-table operations on the machine's RAM. Page-table
// pages and user pages are obtained from the frame allocator.
type Manager struct {
	ram    *mem.RAM
	frames mm.FrameAllocator
}

// NewManager returns a Manager operating on ram.
func NewManager(ram *mem.RAM, frames mm.FrameAllocator) *Manager {
	return &Manager{ram: ram, frames: frames}
}

func fatal(msg string) {
	kfmt.Panic(&kernel.Error{Module: "vmm", Message: msg})
}

// Create returns an empty page table.
func (m *Manager) Create(t cpu.Thread) (PageTable, *kernel.Error) {
	pa, err := m.frames.Alloc(t)
	if err != nil {
		return 0, err
	}
	m.ram.Memset(pa, 0, mem.Size(mm.PageSize))
	return PageTable(pa), nil
}

// Walk returns the level-0 PTE that maps va. If alloc is true missing
// intermediate tables are allocated (zeroed) on the way down; otherwise
// ErrInvalidMapping is returned when one is missing. Walking an address at
// or above MaxVA is fatal.
func (m *Manager) Walk(t cpu.Thread, pt PageTable, va uintptr, alloc bool) (*mm.PTE, *kernel.Error) {
	if va >= mm.MaxVA {
		fatal("walk: address beyond MAXVA")
	}

	table := uintptr(pt)
	for level := mm.PageLevels - 1; level > 0; level-- {
		pte := m.entry(table, mm.PX(level, va))
		if pte.HasFlags(mm.FlagValid) {
			table = pte.Address()
			continue
		}

		if !alloc {
			return nil, ErrInvalidMapping
		}

		next, err := m.frames.Alloc(t)
		if err != nil {
			return nil, err
		}
		m.ram.Memset(next, 0, mem.Size(mm.PageSize))
		*pte = mm.MakePTE(next, mm.FlagValid)
		table = next
	}

	return m.entry(table, mm.PX(0, va)), nil
}

// Lookup is Walk without allocation.
func (m *Manager) Lookup(pt PageTable, va uintptr) (*mm.PTE, *kernel.Error) {
	return m.Walk(nil, pt, va, false)
}

func (m *Manager) entry(table uintptr, index int) *mm.PTE {
	return (*mm.PTE)(m.ram.Word(table + uintptr(index)*8))
}

// Map installs PTEs for [va, va+size) pointing at [pa, pa+size) with the
// given permissions. va and size must be page aligned and size non-zero;
// mapping over a valid PTE is fatal. On allocation failure the pages mapped
// so far stay mapped and the error is returned.
func (m *Manager) Map(t cpu.Thread, pt PageTable, va, size, pa uintptr, perm mm.PTEFlag) *kernel.Error {
	switch {
	case va%mm.PageSize != 0:
		fatal("mappages: va not aligned")
	case size%mm.PageSize != 0:
		fatal("mappages: size not aligned")
	case size == 0:
		fatal("mappages: size")
	}

	last := va + size - mm.PageSize
	for a := va; ; a, pa = a+mm.PageSize, pa+mm.PageSize {
		pte, err := m.Walk(t, pt, a, true)
		if err != nil {
			return err
		}
		if pte.HasFlags(mm.FlagValid) {
			fatal("mappages: remap")
		}
		*pte = mm.MakePTE(pa, perm|mm.FlagValid)

		if a == last {
			break
		}
	}

	return nil
}

// Unmap removes npages mappings starting at the page-aligned va and, if
// free is set, returns the backing pages to the frame allocator. Every page
// in the range must be mapped by a leaf PTE.
func (m *Manager) Unmap(t cpu.Thread, pt PageTable, va uintptr, npages int, free bool) {
	if va%mm.PageSize != 0 {
		fatal("uvmunmap: not aligned")
	}

	for a := va; a < va+uintptr(npages)*mm.PageSize; a += mm.PageSize {
		pte, err := m.Lookup(pt, a)
		if err != nil {
			fatal("uvmunmap: walk")
		}
		if !pte.HasFlags(mm.FlagValid) {
			fatal("uvmunmap: not mapped")
		}
		if pte.Flags() == mm.FlagValid {
			fatal("uvmunmap: not a leaf")
		}
		if free {
			m.frames.Free(t, pte.Address())
		}
		*pte = 0
	}
}

// TranslateUser returns the physical address of the page that maps the user
// virtual address va, or ErrInvalidMapping if va is not mapped with the
// user bit.
func (m *Manager) TranslateUser(pt PageTable, va uintptr) (uintptr, *kernel.Error) {
	if va >= mm.MaxVA {
		return 0, ErrInvalidMapping
	}

	pte, err := m.Lookup(pt, va)
	if err != nil || !pte.HasFlags(mm.FlagValid|mm.FlagUser) {
		return 0, ErrInvalidMapping
	}
	return pte.Address(), nil
}

// Translate returns the physical address va maps to and the permissions of
// the mapping, without requiring the user bit.
func (m *Manager) Translate(pt PageTable, va uintptr) (uintptr, mm.PTEFlag, *kernel.Error) {
	if va >= mm.MaxVA {
		return 0, 0, ErrInvalidMapping
	}

	pte, err := m.Lookup(pt, va)
	if err != nil || !pte.HasFlags(mm.FlagValid) {
		return 0, 0, ErrInvalidMapping
	}
	return pte.Address() + va%mm.PageSize, pte.Flags(), nil
}
