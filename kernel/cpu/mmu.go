package cpu

type access uint8

const (
	accessRead access = iota
	accessWrite
	accessExec
)

// noFault is returned by translate when the access is permitted.
const noFault = ^uint64(0)

// Sv39 PTE bits as seen by the MMU.
const (
	pteV = 1 << 0
	pteR = 1 << 1
	pteW = 1 << 2
	pteX = 1 << 3
	pteU = 1 << 4
)

const sv39Limit = uint64(1) << 38

func pageFault(acc access) uint64 {
	switch acc {
	case accessWrite:
		return CauseStorePageFault
	case accessExec:
		return CauseFetchPageFault
	default:
		return CauseLoadPageFault
	}
}

func accessFault(acc access) uint64 {
	switch acc {
	case accessWrite:
		return CauseStoreAccess
	case accessExec:
		return CauseFetchAccess
	default:
		return CauseLoadAccess
	}
}

// translate maps va to a physical address for an access performed at the
// given privilege level. It returns noFault on success or the scause of the
// exception the access raises.
func (h *Hart) translate(va uint64, acc access, mode Mode) (uintptr, uint64) {
	if h.satp>>60 != satpSv39>>60 {
		if mode == User {
			return 0, accessFault(acc)
		}
		return uintptr(va), noFault
	}

	if va >= sv39Limit {
		return 0, pageFault(acc)
	}

	ram := h.bus.ram
	table := uintptr(h.satp&(1<<44-1)) << 12
	for level := 2; level >= 0; level-- {
		idx := (va >> (12 + 9*uint(level))) & 0x1ff
		pteAddr := table + uintptr(idx)*8
		if !ram.Contains(pteAddr, 8) {
			return 0, accessFault(acc)
		}

		pte := ram.Load(pteAddr, 8)
		if pte&pteV == 0 || (pte&pteR == 0 && pte&pteW != 0) {
			return 0, pageFault(acc)
		}

		next := uintptr(pte>>10) << 12
		if pte&(pteR|pteW|pteX) == 0 {
			table = next
			continue
		}

		switch {
		case mode == User && pte&pteU == 0:
			return 0, pageFault(acc)
		case mode == Supervisor && pte&pteU != 0:
			return 0, pageFault(acc)
		case acc == accessRead && pte&pteR == 0:
			return 0, pageFault(acc)
		case acc == accessWrite && pte&pteW == 0:
			return 0, pageFault(acc)
		case acc == accessExec && pte&pteX == 0:
			return 0, pageFault(acc)
		}

		offsetMask := uint64(1)<<(12+9*uint(level)) - 1
		if uint64(next)&offsetMask != 0 {
			// misaligned superpage
			return 0, pageFault(acc)
		}
		return next | uintptr(va&offsetMask), noFault
	}

	return 0, pageFault(acc)
}

// TranslateUser resolves va the way a user-mode load would. It is used by
// debuggers and tests to inspect a process's view of memory.
func (h *Hart) TranslateUser(va uint64) (uintptr, bool) {
	pa, cause := h.translate(va, accessRead, User)
	return pa, cause == noFault
}

// Translate resolves va for a supervisor load, or store if write is set,
// through the active page table. The trampoline uses it to reach the
// trapframe, which is only mapped in user page tables.
func (h *Hart) Translate(va uint64, write bool) (uintptr, bool) {
	acc := accessRead
	if write {
		acc = accessWrite
	}
	pa, cause := h.translate(va, acc, Supervisor)
	return pa, cause == noFault
}
