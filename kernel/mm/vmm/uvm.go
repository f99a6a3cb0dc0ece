package vmm

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
)

// LoadFirst loads the initial user program into address 0 of pt. The
// program must fit in one page.
func (m *Manager) LoadFirst(t cpu.Thread, pt PageTable, code []byte) {
	if uintptr(len(code)) >= mm.PageSize {
		fatal("uvmfirst: more than a page")
	}

	pa, err := m.frames.Alloc(t)
	if err != nil {
		fatal("uvmfirst: out of memory")
	}
	m.ram.Memset(pa, 0, mem.Size(mm.PageSize))
	if err := m.Map(t, pt, 0, mm.PageSize, pa, mm.FlagWrite|mm.FlagRead|mm.FlagExec|mm.FlagUser); err != nil {
		fatal("uvmfirst: map")
	}
	copy(m.ram.Slice(pa, mm.PageSize), code)
}

// Grow allocates zeroed pages to extend a user image from oldsz to newsz
// bytes and returns the new size. On failure everything allocated by this
// call is released and the error is returned.
func (m *Manager) Grow(t cpu.Thread, pt PageTable, oldsz, newsz uintptr, xperm mm.PTEFlag) (uintptr, *kernel.Error) {
	if newsz < oldsz {
		return oldsz, nil
	}

	oldsz = mm.PageRoundUp(oldsz)
	for a := oldsz; a < newsz; a += mm.PageSize {
		pa, err := m.frames.Alloc(t)
		if err != nil {
			m.Shrink(t, pt, a, oldsz)
			return 0, err
		}
		m.ram.Memset(pa, 0, mem.Size(mm.PageSize))
		if err := m.Map(t, pt, a, mm.PageSize, pa, mm.FlagRead|mm.FlagUser|xperm); err != nil {
			m.frames.Free(t, pa)
			m.Shrink(t, pt, a, oldsz)
			return 0, err
		}
	}

	return newsz, nil
}

// Shrink releases user pages so the image goes from oldsz to newsz bytes
// and returns the new size. oldsz may exceed the actual image size.
func (m *Manager) Shrink(t cpu.Thread, pt PageTable, oldsz, newsz uintptr) uintptr {
	if newsz >= oldsz {
		return oldsz
	}

	if mm.PageRoundUp(newsz) < mm.PageRoundUp(oldsz) {
		npages := int((mm.PageRoundUp(oldsz) - mm.PageRoundUp(newsz)) / mm.PageSize)
		m.Unmap(t, pt, mm.PageRoundUp(newsz), npages, true)
	}

	return newsz
}

// Free releases the sz bytes of user memory mapped at 0 and then every
// page-table page of pt.
func (m *Manager) Free(t cpu.Thread, pt PageTable, sz uintptr) {
	if sz > 0 {
		m.Unmap(t, pt, 0, int(mm.PageRoundUp(sz)/mm.PageSize), true)
	}
	m.freeWalk(t, uintptr(pt))
}

// freeWalk frees a page-table tree in post-order. All leaf mappings must
// already have been removed.
func (m *Manager) freeWalk(t cpu.Thread, table uintptr) {
	for i := 0; i < mm.EntriesPerTable; i++ {
		pte := m.entry(table, i)
		switch {
		case !pte.HasFlags(mm.FlagValid):
		case !pte.IsLeaf():
			m.freeWalk(t, pte.Address())
			*pte = 0
		default:
			fatal("freewalk: leaf")
		}
	}
	m.frames.Free(t, table)
}

// Copy duplicates the first sz bytes of old (memory and permissions) into
// new. It either copies everything or, on failure, unmaps and frees what it
// copied and returns the error.
func (m *Manager) Copy(t cpu.Thread, old, new PageTable, sz uintptr) *kernel.Error {
	for a := uintptr(0); a < sz; a += mm.PageSize {
		pte, err := m.Lookup(old, a)
		if err != nil {
			fatal("uvmcopy: pte should exist")
		}
		if !pte.HasFlags(mm.FlagValid) {
			fatal("uvmcopy: page not present")
		}

		pa, flags := pte.Address(), pte.Flags()
		dst, err := m.frames.Alloc(t)
		if err == nil {
			m.ram.Memmove(dst, pa, mem.Size(mm.PageSize))
			if err = m.Map(t, new, a, mm.PageSize, dst, flags); err != nil {
				m.frames.Free(t, dst)
			}
		}
		if err != nil {
			m.Unmap(t, new, 0, int(a/mm.PageSize), true)
			return err
		}
	}

	return nil
}

// ClearUser removes the user bit from the PTE mapping va. exec uses it for
// the stack guard page.
func (m *Manager) ClearUser(pt PageTable, va uintptr) {
	pte, err := m.Lookup(pt, va)
	if err != nil {
		fatal("uvmclear")
	}
	pte.ClearFlags(mm.FlagUser)
}

// CopyOut copies src to the user virtual address dstva. Every destination
// page must be mapped valid, user and writable.
func (m *Manager) CopyOut(pt PageTable, dstva uintptr, src []byte) *kernel.Error {
	for len(src) > 0 {
		va0 := mm.PageRoundDown(dstva)
		if va0 >= mm.MaxVA {
			return ErrBadAddress
		}

		pte, err := m.Lookup(pt, va0)
		if err != nil || !pte.HasFlags(mm.FlagValid|mm.FlagUser|mm.FlagWrite) {
			return ErrBadAddress
		}

		off := dstva - va0
		n := copy(m.ram.Slice(pte.Address()+off, mm.PageSize-off), src)
		src = src[n:]
		dstva = va0 + mm.PageSize
	}
	return nil
}

// CopyIn fills dst from the user virtual address srcva.
func (m *Manager) CopyIn(pt PageTable, dst []byte, srcva uintptr) *kernel.Error {
	for len(dst) > 0 {
		va0 := mm.PageRoundDown(srcva)
		pa0, err := m.TranslateUser(pt, va0)
		if err != nil {
			return ErrBadAddress
		}

		off := srcva - va0
		n := copy(dst, m.ram.Slice(pa0+off, mm.PageSize-off))
		dst = dst[n:]
		srcva = va0 + mm.PageSize
	}
	return nil
}

// CopyInString copies a NUL-terminated string from the user virtual address
// srcva. It fails if no NUL appears within max bytes.
func (m *Manager) CopyInString(pt PageTable, srcva uintptr, max int) (string, *kernel.Error) {
	var buf []byte
	for max > 0 {
		va0 := mm.PageRoundDown(srcva)
		pa0, err := m.TranslateUser(pt, va0)
		if err != nil {
			return "", ErrBadAddress
		}

		off := srcva - va0
		chunk := m.ram.Slice(pa0+off, mm.PageSize-off)
		for _, ch := range chunk {
			if max == 0 {
				break
			}
			if ch == 0 {
				return string(buf), nil
			}
			buf = append(buf, ch)
			max--
		}
		srcva = va0 + mm.PageSize
	}
	return "", ErrBadAddress
}
