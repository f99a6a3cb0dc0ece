// Package mm defines the Sv39 paging format and the physical and virtual
// memory layout shared by the physical and virtual memory managers.
package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of page table levels walked by Sv39.
	PageLevels = 3

	// EntriesPerTable is the number of PTEs in one page-table page.
	EntriesPerTable = 512

	// MaxVA is one beyond the highest virtual address the kernel hands
	// out. It is one bit less than the Sv39 maximum so that addresses
	// never need sign extension.
	MaxVA = uintptr(1) << (9 + 9 + 9 + 12 - 1)
)

// PageRoundUp rounds addr up to the next page boundary.
func PageRoundUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds addr down to the page that contains it.
func PageRoundDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// PX extracts the 9-bit page table index for the given level from va.
func PX(level int, va uintptr) int {
	return int((va >> (PageShift + 9*uintptr(level))) & 0x1ff)
}
