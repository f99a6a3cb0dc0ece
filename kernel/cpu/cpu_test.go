package cpu

import (
	"testing"
	"time"

	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
)

const (
	testRAMBase  = uintptr(0x80000000)
	testCodeVA   = uint64(0x1000)
	testDataVA   = uint64(0x2000)
	testVectorVA = uint64(0x3fffff000)
)

// testMachine is a single-hart machine with a hand-built Sv39 page table
// that maps one code page, one data page and a supervisor-only vector page.
type testMachine struct {
	bus      *Bus
	hart     *Hart
	nextPage uintptr
	root     uintptr
	code     uintptr
	data     uintptr
	traps    []uint64
}

func newTestMachine(t *testing.T) *testMachine {
	ram := mem.NewRAM(testRAMBase, 256*mem.Kb)
	m := &testMachine{
		bus:      NewBus(ram, 1),
		nextPage: testRAMBase,
	}
	m.hart = m.bus.Hart(0)
	m.root = m.page()
	m.code = m.page()
	m.data = m.page()
	vector := m.page()

	m.mapPage(testCodeVA, m.code, pteR|pteX|pteU)
	m.mapPage(testDataVA, m.data, pteR|pteW|pteU)
	m.mapPage(testVectorVA, vector, pteR|pteX)

	m.bus.Register(vector, "vector", func(h *Hart) {
		m.traps = append(m.traps, h.Scause())
	})
	m.hart.SetStvec(testVectorVA)
	m.hart.SetSatp(MakeSATP(m.root))
	return m
}

func (m *testMachine) page() uintptr {
	pa := m.nextPage
	m.nextPage += 4096
	return pa
}

func (m *testMachine) mapPage(va uint64, pa uintptr, flags uint64) {
	ram := m.bus.RAM()
	table := m.root
	for level := 2; level > 0; level-- {
		pteAddr := table + uintptr((va>>(12+9*uint(level)))&0x1ff)*8
		pte := ram.Load(pteAddr, 8)
		if pte&pteV == 0 {
			next := m.page()
			pte = uint64(next>>12)<<10 | pteV
			ram.Store(pteAddr, 8, pte)
		}
		table = uintptr(pte>>10) << 12
	}
	ram.Store(table+uintptr((va>>12)&0x1ff)*8, 8, uint64(pa>>12)<<10|flags|pteV)
}

func (m *testMachine) program(insts ...uint32) {
	for i, inst := range insts {
		m.bus.RAM().Store(m.code+uintptr(i*4), 4, uint64(inst))
	}
}

func (m *testMachine) enterUser(pc uint64) {
	m.hart.SetSepc(pc)
	m.hart.SetSstatus(m.hart.Sstatus() &^ SstatusSPP)
	m.hart.Sret()
}

func encI(op, funct3 uint32, rd, rs1 int, imm int32) uint32 {
	return uint32(imm)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

func encR(op, funct3, funct7 uint32, rd, rs1, rs2 int) uint32 {
	return funct7<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

func encS(funct3 uint32, rs1, rs2 int, imm int32) uint32 {
	u := uint32(imm)
	return (u>>5)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | funct3<<12 | (u&0x1f)<<7 | 0x23
}

const ecall = 0x00000073

func TestRunUserExecutesUntilEcall(t *testing.T) {
	m := newTestMachine(t)
	m.program(
		encI(0x13, 0, A0, Zero, 5),        // li a0, 5
		encI(0x13, 0, A1, A0, 7),          // addi a1, a0, 7
		encR(0x33, 0, 0x01, A2, A0, A1),   // mul a2, a0, a1
		0x00002337,                        // lui t1, 0x2
		encS(3, T1, A2, 8),                // sd a2, 8(t1)
		encI(0x03, 3, A3, T1, 8),          // ld a3, 8(t1)
		encI(0x13, 0, A4, Zero, -1),       // li a4, -1
		encR(0x33, 4, 0x01, A5, A0, Zero), // div a5, a0, zero
		ecall,
	)

	m.enterUser(testCodeVA)
	if m.hart.Mode() != User {
		t.Fatal("expected sret to drop to user mode")
	}

	m.hart.RunUser()

	if len(m.traps) != 1 || m.traps[0] != CauseUserEcall {
		t.Fatalf("expected a single ecall trap; got %v", m.traps)
	}
	if exp := testCodeVA + 8*4; m.hart.Sepc() != exp {
		t.Fatalf("expected sepc to point at the ecall (0x%x); got 0x%x", exp, m.hart.Sepc())
	}
	if m.hart.Mode() != Supervisor {
		t.Fatal("expected the trap to switch to supervisor mode")
	}

	expRegs := map[int]uint64{A0: 5, A1: 12, A2: 60, A3: 60, A4: ^uint64(0), A5: ^uint64(0)}
	for reg, exp := range expRegs {
		if got := m.hart.Reg(reg); got != exp {
			t.Errorf("expected x%d to be %d; got %d", reg, exp, got)
		}
	}

	if got := m.bus.RAM().Load(m.data+8, 8); got != 60 {
		t.Fatalf("expected the store to reach the data page; got %d", got)
	}
}

func TestRunUserPageFaults(t *testing.T) {
	specs := []struct {
		descr string
		inst  uint32
		cause uint64
		tval  uint64
	}{
		{"load from unmapped page", encI(0x03, 3, A0, Zero, 0x100), CauseLoadPageFault, 0x100},
		{"store to unmapped page", encS(3, Zero, A0, 0x7f8), CauseStorePageFault, 0x7f8},
		{"jump to unmapped page", encI(0x67, 0, RA, Zero, 0), CauseFetchPageFault, 0},
		{"misaligned load", encI(0x03, 2, A0, Zero, 0x202), CauseLoadMisaligned, 0x202},
		{"illegal instruction", 0xffffffff, CauseIllegal, 0xffffffff},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			m := newTestMachine(t)
			m.program(spec.inst)
			m.enterUser(testCodeVA)
			m.hart.RunUser()

			if len(m.traps) != 1 || m.traps[0] != spec.cause {
				t.Fatalf("expected scause %d; got %v", spec.cause, m.traps)
			}
			if m.hart.Stval() != spec.tval {
				t.Fatalf("expected stval 0x%x; got 0x%x", spec.tval, m.hart.Stval())
			}
			if spec.cause != CauseFetchPageFault && m.hart.Sepc() != testCodeVA {
				t.Fatalf("expected sepc to point at the faulting instruction; got 0x%x", m.hart.Sepc())
			}
		})
	}
}

func TestSupervisorCannotFetchUserPages(t *testing.T) {
	m := newTestMachine(t)
	if _, cause := m.hart.translate(testCodeVA, accessExec, Supervisor); cause != CauseFetchPageFault {
		t.Fatalf("expected supervisor fetch from a U page to fault; got %d", cause)
	}
	if pa, ok := m.hart.TranslateUser(testDataVA + 0x10); !ok || pa != m.data+0x10 {
		t.Fatalf("expected user translation to reach the data page; got 0x%x, %t", pa, ok)
	}
	if _, ok := m.hart.TranslateUser(testVectorVA); ok {
		t.Fatal("expected user access to a supervisor page to fail")
	}
	if _, ok := m.hart.Translate(testDataVA, false); ok {
		t.Fatal("expected supervisor access to a user page to fail")
	}
	if _, ok := m.hart.Translate(testVectorVA, true); ok {
		t.Fatal("expected a supervisor store to a read-only page to fail")
	}
	if pa, ok := m.hart.Translate(testVectorVA+8, false); !ok || pa != m.root+3*4096+8 {
		t.Fatalf("expected supervisor load from the vector page; got 0x%x, %t", pa, ok)
	}
}

func TestTimerInterrupt(t *testing.T) {
	m := newTestMachine(t)
	h := m.hart
	h.SetSatp(0)
	m.bus.Register(uintptr(testVectorVA), "vector", func(h *Hart) {
		m.traps = append(m.traps, h.Scause())
		h.SetStimecmp(^uint64(0))
		h.Sret()
	})

	h.SetSie(SieSTIE)
	h.SetStimecmp(h.Time() + 10)

	time.Sleep(5 * time.Millisecond)

	// masked while SIE is clear
	h.poll()
	if len(m.traps) != 0 {
		t.Fatal("expected no interrupt while interrupts are disabled")
	}

	h.IntrOn()
	if len(m.traps) != 1 || m.traps[0] != CauseTimer {
		t.Fatalf("expected a timer interrupt; got %v", m.traps)
	}
	if !h.IntrGet() {
		t.Fatal("expected sret to re-enable interrupts")
	}
	if h.Mode() != Supervisor {
		t.Fatal("expected to return to supervisor mode")
	}
}

func TestSret(t *testing.T) {
	h := NewBus(mem.NewRAM(testRAMBase, 4*mem.Kb), 1).Hart(0)

	h.SetSstatus(SstatusSPP | SstatusSPIE)
	h.SetSepc(0x1234)
	h.Sret()

	if h.Mode() != Supervisor || !h.IntrGet() || h.PC() != 0x1234 {
		t.Fatalf("unexpected state after sret: mode=%d sie=%t pc=0x%x", h.Mode(), h.IntrGet(), h.PC())
	}
	if h.Sstatus()&SstatusSPP != 0 {
		t.Fatal("expected sret to clear SPP")
	}

	h.SetSstatus(0)
	h.Sret()
	if h.Mode() != User || h.IntrGet() {
		t.Fatal("expected sret with SPP=0 and SPIE=0 to enter user mode with interrupts off")
	}
}

func TestHaltPowersOff(t *testing.T) {
	bus := NewBus(mem.NewRAM(testRAMBase, 4*mem.Kb), 2)

	bus.Go(func() {
		bus.Hart(1).SetSie(SieSTIE)
		bus.Hart(1).WaitForInterrupt()
		t.Error("expected WaitForInterrupt not to return after power off")
	})
	bus.Go(func() {
		Halt()
	})

	if err := bus.Wait(); err != ErrHalted {
		t.Fatalf("expected Wait to return ErrHalted; got %v", err)
	}
	if !bus.PoweredOff() {
		t.Fatal("expected the machine to be powered off")
	}
}

func TestPowerOff(t *testing.T) {
	bus := NewBus(mem.NewRAM(testRAMBase, 4*mem.Kb), 1)
	bus.Go(func() {
		for {
			bus.Hart(0).Relax()
		}
	})

	bus.PowerOff()
	if err := bus.Wait(); err != nil {
		t.Fatalf("expected a clean power off; got %v", err)
	}
}

func TestIsHalt(t *testing.T) {
	defer func() {
		if r := recover(); !IsHalt(r) {
			t.Fatalf("expected a halt; got %v", r)
		}
	}()
	Fault(ErrHalted)
}
