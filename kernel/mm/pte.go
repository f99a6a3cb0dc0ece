package mm

// PTEFlag describes a permission or status bit of a page table entry.
type PTEFlag uint64

const (
	// FlagValid marks the entry as present.
	FlagValid PTEFlag = 1 << iota

	// FlagRead allows loads from the page.
	FlagRead

	// FlagWrite allows stores to the page.
	FlagWrite

	// FlagExec allows instruction fetches from the page.
	FlagExec

	// FlagUser allows user-mode access to the page.
	FlagUser
)

// flagMask covers the ten low bits of a PTE that do not encode the PPN.
const flagMask = PTEFlag(0x3ff)

// PTE is an Sv39 page table entry: a 44-bit physical page number starting at
// bit 10 followed by the flag bits.
type PTE uint64

// MakePTE builds a leaf or interior entry pointing at the page pa.
func MakePTE(pa uintptr, flags PTEFlag) PTE {
	return PTE((uint64(pa)>>PageShift)<<10) | PTE(flags)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte PTE) HasFlags(flags PTEFlag) bool {
	return PTEFlag(pte)&flags == flags
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte PTE) HasAnyFlag(flags PTEFlag) bool {
	return PTEFlag(pte)&flags != 0
}

// IsLeaf reports whether the entry maps a page rather than pointing at the
// next-level table.
func (pte PTE) IsLeaf() bool {
	return pte.HasAnyFlag(FlagRead | FlagWrite | FlagExec)
}

// Flags returns the flag bits of the entry.
func (pte PTE) Flags() PTEFlag {
	return PTEFlag(pte) & flagMask
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *PTE) SetFlags(flags PTEFlag) {
	*pte = PTE(PTEFlag(*pte) | flags)
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *PTE) ClearFlags(flags PTEFlag) {
	*pte = PTE(PTEFlag(*pte) &^ flags)
}

// Address returns the physical address the entry points to.
func (pte PTE) Address() uintptr {
	return uintptr(uint64(pte)>>10) << PageShift
}
