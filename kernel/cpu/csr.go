package cpu

// Mode is the privilege level a hart executes at.
type Mode uint8

const (
	// Supervisor is the privilege level of the kernel.
	Supervisor Mode = iota

	// User is the privilege level of processes.
	User
)

// sstatus bits.
const (
	SstatusSIE  = uint64(1 << 1) // supervisor interrupt enable
	SstatusSPIE = uint64(1 << 5) // interrupt enable before the trap
	SstatusSPP  = uint64(1 << 8) // previous mode, 1=Supervisor, 0=User
)

// sie bits.
const (
	SieSSIE = uint64(1 << 1) // software
	SieSTIE = uint64(1 << 5) // timer
	SieSEIE = uint64(1 << 9) // external
)

// scause values raised by the hart.
const (
	CauseInterrupt = uint64(1 << 63)

	CauseTimer    = CauseInterrupt | 5
	CauseExternal = CauseInterrupt | 9

	CauseFetchMisaligned = uint64(0)
	CauseFetchAccess     = uint64(1)
	CauseIllegal         = uint64(2)
	CauseBreakpoint      = uint64(3)
	CauseLoadMisaligned  = uint64(4)
	CauseLoadAccess      = uint64(5)
	CauseStoreMisaligned = uint64(6)
	CauseStoreAccess     = uint64(7)
	CauseUserEcall       = uint64(8)
	CauseFetchPageFault  = uint64(12)
	CauseLoadPageFault   = uint64(13)
	CauseStorePageFault  = uint64(15)
)

// satp mode selecting Sv39 translation.
const satpSv39 = uint64(8) << 60

// MakeSATP returns the satp value that activates the page table whose root
// page is at physical address root.
func MakeSATP(root uintptr) uint64 {
	return satpSv39 | uint64(root>>12)
}

// Integer register numbers.
const (
	Zero = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)
