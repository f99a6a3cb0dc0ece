// Package cpu models the RISC-V harts the kernel runs on together with the
// machine bus that connects them to memory and interrupt sources.
//
// Kernel code is ordinary Go code executing in supervisor mode; user code is
// RV64IM machine code interpreted by RunUser through an Sv39 MMU that walks
// the page tables stored in RAM. Traps vector through stvec to handlers
// registered on the bus.
package cpu

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
)

// Thread is anything that executes kernel code: a hart running its own boot
// or scheduler loop, or a process that is currently scheduled on a hart.
// Hart returns the hart the thread is executing on right now; for a process
// the answer changes every time it is rescheduled.
type Thread interface {
	Hart() *Hart
}

// Hart is one RISC-V hardware thread.
type Hart struct {
	id  int
	bus *Bus

	// Noff is the depth of nested interrupt-disable requests and Intena
	// records whether interrupts were enabled before the outermost one.
	Noff   int
	Intena bool

	mode Mode
	regs [32]uint64
	pc   uint64

	sstatus uint64
	sepc    uint64
	scause  uint64
	stval   uint64
	stvec   uint64
	satp    uint64
	sie     uint64
	tp      uint64

	stimecmp     uint64
	timerPending atomic.Bool
	timerMu      sync.Mutex
	timerGen     uint64
	timer        *time.Timer

	wake chan struct{}
}

var errBadVector = &kernel.Error{Module: "cpu", Message: "trap vector does not point at a handler"}

func newHart(id int, bus *Bus) *Hart {
	return &Hart{
		id:       id,
		bus:      bus,
		stimecmp: ^uint64(0),
		wake:     make(chan struct{}, 1),
	}
}

// Hart implements Thread.
func (h *Hart) Hart() *Hart { return h }

// ID returns the hart number (mhartid).
func (h *Hart) ID() int { return h.id }

// Bus returns the bus the hart is attached to.
func (h *Hart) Bus() *Bus { return h.bus }

// Mode returns the current privilege level.
func (h *Hart) Mode() Mode { return h.mode }

// Reg returns integer register r.
func (h *Hart) Reg(r int) uint64 { return h.regs[r] }

// SetReg sets integer register r. Writes to x0 are ignored.
func (h *Hart) SetReg(r int, v uint64) {
	if r != Zero {
		h.regs[r] = v
	}
}

// PC returns the program counter.
func (h *Hart) PC() uint64 { return h.pc }

// Sstatus returns the supervisor status register.
func (h *Hart) Sstatus() uint64 { return h.sstatus }

// SetSstatus writes the supervisor status register.
func (h *Hart) SetSstatus(v uint64) { h.sstatus = v }

// Sepc returns the exception program counter.
func (h *Hart) Sepc() uint64 { return h.sepc }

// SetSepc writes the exception program counter.
func (h *Hart) SetSepc(v uint64) { h.sepc = v }

// Scause returns the cause of the last trap.
func (h *Hart) Scause() uint64 { return h.scause }

// Stval returns the faulting address or instruction of the last trap.
func (h *Hart) Stval() uint64 { return h.stval }

// Stvec returns the trap vector.
func (h *Hart) Stvec() uint64 { return h.stvec }

// SetStvec sets the trap vector.
func (h *Hart) SetStvec(v uint64) { h.stvec = v }

// Satp returns the address translation register.
func (h *Hart) Satp() uint64 { return h.satp }

// SetSatp switches the active page table.
func (h *Hart) SetSatp(v uint64) { h.satp = v }

// SfenceVMA flushes the TLB. The MMU walks the page tables on every access
// so there is nothing to flush.
func (h *Hart) SfenceVMA() {}

// Sie returns the interrupt enable register.
func (h *Hart) Sie() uint64 { return h.sie }

// SetSie writes the interrupt enable register.
func (h *Hart) SetSie(v uint64) { h.sie = v }

// TP returns the thread pointer register. The kernel keeps the hart id in
// it.
func (h *Hart) TP() uint64 { return h.tp }

// SetTP writes the thread pointer register.
func (h *Hart) SetTP(v uint64) { h.tp = v }

// Time returns the value of the time CSR.
func (h *Hart) Time() uint64 { return h.bus.Time() }

// Stimecmp returns the timer compare register.
func (h *Hart) Stimecmp() uint64 { return h.stimecmp }

// SetStimecmp arms the supervisor timer: a timer interrupt is pending as
// long as time >= stimecmp.
func (h *Hart) SetStimecmp(v uint64) {
	h.timerMu.Lock()
	defer h.timerMu.Unlock()

	h.stimecmp = v
	h.timerGen++
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}

	d := h.bus.until(v)
	if d <= 0 {
		h.timerPending.Store(true)
		h.Poke()
		return
	}

	h.timerPending.Store(false)
	gen := h.timerGen
	h.timer = time.AfterFunc(d, func() {
		h.timerMu.Lock()
		fire := gen == h.timerGen
		if fire {
			h.timerPending.Store(true)
		}
		h.timerMu.Unlock()
		if fire {
			h.Poke()
		}
	})
}

func (h *Hart) stopTimer() {
	h.timerMu.Lock()
	h.timerGen++
	if h.timer != nil {
		h.timer.Stop()
	}
	h.timerMu.Unlock()
}

// Poke wakes the hart if it is waiting for an interrupt.
func (h *Hart) Poke() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// IntrOn enables device interrupts. If an interrupt is pending it is taken
// immediately; the handler may reschedule the calling thread onto another
// hart, so callers must not keep using h afterwards.
func (h *Hart) IntrOn() {
	h.sstatus |= SstatusSIE
	h.poll()
}

// IntrOff disables device interrupts.
func (h *Hart) IntrOff() {
	h.sstatus &^= SstatusSIE
}

// IntrGet reports whether device interrupts are enabled.
func (h *Hart) IntrGet() bool {
	return h.sstatus&SstatusSIE != 0
}

// WaitForInterrupt idles the hart until an interrupt is pending and then
// takes it if interrupts are enabled. It never returns once the machine has
// been powered off.
func (h *Hart) WaitForInterrupt() {
	for {
		if _, ok := h.pendingInterrupt(); ok {
			break
		}
		select {
		case <-h.wake:
		case <-h.bus.powerOff:
			runtime.Goexit()
		}
	}
	h.poll()
}

// Relax is called from busy-wait loops. It lets other goroutines run and
// stops the calling thread once the machine is off.
func (h *Hart) Relax() {
	if h.bus.PoweredOff() {
		runtime.Goexit()
	}
	runtime.Gosched()
}

// pendingInterrupt returns the highest priority pending and locally enabled
// interrupt.
func (h *Hart) pendingInterrupt() (uint64, bool) {
	if h.sie&SieSEIE != 0 && h.bus.externalPending(h.id) {
		return CauseExternal, true
	}
	if h.sie&SieSTIE != 0 && h.timerPending.Load() {
		return CauseTimer, true
	}
	return 0, false
}

// poll takes at most one pending interrupt.
func (h *Hart) poll() {
	if h.mode == Supervisor && h.sstatus&SstatusSIE == 0 {
		return
	}
	if cause, ok := h.pendingInterrupt(); ok {
		h.trap(cause, 0)
	}
}

// trap performs the hardware side of a trap and jumps to stvec.
func (h *Hart) trap(cause, tval uint64) {
	h.sepc = h.pc
	h.scause = cause
	h.stval = tval

	status := h.sstatus &^ (SstatusSPIE | SstatusSPP | SstatusSIE)
	if h.sstatus&SstatusSIE != 0 {
		status |= SstatusSPIE
	}
	if h.mode == Supervisor {
		status |= SstatusSPP
	}
	h.sstatus = status
	h.mode = Supervisor

	h.Jump(h.stvec)
}

// Sret returns from a trap: it restores the privilege level and interrupt
// enable saved in sstatus and continues at sepc.
func (h *Hart) Sret() {
	if h.sstatus&SstatusSPP != 0 {
		h.mode = Supervisor
	} else {
		h.mode = User
	}

	status := h.sstatus &^ (SstatusSIE | SstatusSPP)
	if h.sstatus&SstatusSPIE != 0 {
		status |= SstatusSIE
	}
	h.sstatus = status | SstatusSPIE
	h.pc = h.sepc
}

// Jump transfers supervisor control to the kernel text at va, translated
// through the active page table, and runs the handler registered there.
func (h *Hart) Jump(va uint64) {
	pa, cause := h.translate(va, accessExec, Supervisor)
	if cause != noFault {
		Fault(errBadVector)
	}

	fn := h.bus.handler(pa)
	if fn == nil {
		Fault(errBadVector)
	}

	h.pc = va
	fn(h)
}
