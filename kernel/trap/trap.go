// Package trap handles traps: system calls and exceptions raised by user
// code, and device and timer interrupts taken in either mode.
//
// Traps from user space enter through uservec on the trampoline page, which
// saves the user registers into the trapframe, switches to the kernel page
// table and jumps to usertrap. The way back is usertrapret followed by
// userret. Traps taken while in the kernel go to kernelvec.
package trap

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/clock"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/irq"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/proc"
	"github.com/kennykguo/xv6-kernel-dev/kernel/syscall"
)

// Offsets of the trap entry points in the kernel text and in the
// trampoline page.
const (
	KernelvecOffset = uintptr(0x40)
	UsertrapOffset  = uintptr(0x80)

	UservecOffset = uintptr(0x0)
	UserretOffset = uintptr(0x80)
)

// Values returned by devintr.
const (
	notDevice = iota
	deviceIntr
	timerIntr
)

var (
	errNotFromUser     = &kernel.Error{Module: "trap", Message: "usertrap: not from user mode"}
	errNotFromKernel   = &kernel.Error{Module: "trap", Message: "kerneltrap: not from supervisor mode"}
	errIntrEnabled     = &kernel.Error{Module: "trap", Message: "kerneltrap: interrupts enabled"}
	errKernelTrap      = &kernel.Error{Module: "trap", Message: "kerneltrap"}
	errTrapframeMapped = &kernel.Error{Module: "trap", Message: "trapframe not mapped"}
)

// IRQHandler serves one device interrupt on the hart t runs on.
type IRQHandler func(t cpu.Thread)

// Dispatcher routes traps to the syscall layer, the device drivers and the
// clock.
type Dispatcher struct {
	bus      *cpu.Bus
	procs    *proc.Table
	sys      *syscall.Dispatcher
	plic     *irq.PLIC
	clock    *clock.Clock
	image    mm.KernelImage
	interval uint64

	handlers [irq.NumSources]IRQHandler
}

// New returns a trap dispatcher. interval is the number of time units
// between two timer interrupts on each hart.
func New(bus *cpu.Bus, procs *proc.Table, sys *syscall.Dispatcher, plic *irq.PLIC, clk *clock.Clock, image mm.KernelImage, interval uint64) *Dispatcher {
	return &Dispatcher{
		bus:      bus,
		procs:    procs,
		sys:      sys,
		plic:     plic,
		clock:    clk,
		image:    image,
		interval: interval,
	}
}

// Kernelvec returns the address of the kernel trap vector.
func (d *Dispatcher) Kernelvec() uint64 { return uint64(d.image.Text + KernelvecOffset) }

func (d *Dispatcher) usertrapAddr() uint64 { return uint64(d.image.Text + UsertrapOffset) }

// Init places the trap entry points in the kernel text and the trampoline
// and makes new processes enter user space through usertrapret.
func (d *Dispatcher) Init() {
	d.bus.Register(d.image.Text+KernelvecOffset, "kernelvec", d.kernelvec)
	d.bus.Register(d.image.Text+UsertrapOffset, "usertrap", d.usertrap)
	d.bus.Register(d.image.TrampolineText+UservecOffset, "uservec", d.uservec)
	d.bus.Register(d.image.TrampolineText+UserretOffset, "userret", d.userret)

	d.procs.UserReturn = d.userReturn
}

// HandleIRQ installs fn as the handler for device interrupt irq.
func (d *Dispatcher) HandleIRQ(irq int, fn IRQHandler) {
	d.handlers[irq] = fn
}

// InitHart sets up h to take traps in the kernel and arms its timer.
func (d *Dispatcher) InitHart(h *cpu.Hart) {
	h.SetStvec(d.Kernelvec())
	h.SetSie(h.Sie() | cpu.SieSEIE | cpu.SieSTIE)
	h.SetStimecmp(h.Time() + d.interval)
}

// userReturn takes a new process to user space and keeps running its user
// code; each RunUser returns after one trap, possibly on another hart.
func (d *Dispatcher) userReturn(p *proc.Proc) {
	d.usertrapret(p)
	for {
		p.Hart().RunUser()
	}
}

// uservec is the trampoline entry for traps from user space. It runs on
// the user page table and saves the user registers in the trapframe.
func (d *Dispatcher) uservec(h *cpu.Hart) {
	pa, ok := h.Translate(uint64(mm.Trapframe), true)
	if !ok {
		cpu.Fault(errTrapframeMapped)
	}
	tf := proc.NewTrapframe(d.bus.RAM(), pa)
	for r := cpu.RA; r <= cpu.T6; r++ {
		tf.SetReg(r, h.Reg(r))
	}

	h.SetReg(cpu.SP, tf.KernelSP())
	h.SetTP(tf.KernelHartid())

	// install the kernel page table.
	h.SfenceVMA()
	h.SetSatp(tf.KernelSatp())
	h.SfenceVMA()

	h.Jump(tf.KernelTrap())
}

// userret switches to the user page table passed in a0, restores the user
// registers from the trapframe and returns to user mode.
func (d *Dispatcher) userret(h *cpu.Hart) {
	h.SfenceVMA()
	h.SetSatp(h.Reg(cpu.A0))
	h.SfenceVMA()

	pa, ok := h.Translate(uint64(mm.Trapframe), false)
	if !ok {
		cpu.Fault(errTrapframeMapped)
	}
	tf := proc.NewTrapframe(d.bus.RAM(), pa)
	for r := cpu.RA; r <= cpu.T6; r++ {
		h.SetReg(r, tf.Reg(r))
	}

	// return to user mode and user pc.
	h.Sret()
}

// usertrap handles an interrupt, exception, or system call from user
// space.
func (d *Dispatcher) usertrap(h *cpu.Hart) {
	if h.Sstatus()&cpu.SstatusSPP != 0 {
		kfmt.Panic(errNotFromUser)
	}

	// send interrupts and exceptions to kerneltrap(), since we're now in
	// the kernel.
	h.SetStvec(d.Kernelvec())

	p := d.procs.Myproc(h)
	tf := p.Trapframe()

	// save user program counter.
	tf.SetEpc(h.Sepc())

	which := notDevice
	switch {
	case h.Scause() == cpu.CauseUserEcall:
		if p.Killed() {
			d.procs.Exit(p, -1)
		}

		// sepc points to the ecall instruction, but we want to return
		// to the next instruction.
		tf.SetEpc(tf.Epc() + 4)

		// an interrupt will change sepc, scause, and sstatus, so
		// enable only now that we're done with those registers.
		h.IntrOn()

		d.sys.Syscall(p)
	default:
		if which = d.devintr(h); which == notDevice {
			kfmt.Printf("usertrap(): unexpected scause 0x%x pid=%d\n", h.Scause(), p.PID())
			kfmt.Printf("            sepc=0x%x stval=0x%x\n", h.Sepc(), h.Stval())
			p.SetKilled()
		}
	}

	if p.Killed() {
		d.procs.Exit(p, -1)
	}

	// give up the CPU if this is a timer interrupt.
	if which == timerIntr {
		d.procs.Yield(p)
	}

	d.usertrapret(p)
}

// usertrapret prepares the hart p runs on for the return to user space
// and jumps to userret on the trampoline.
func (d *Dispatcher) usertrapret(p *proc.Proc) {
	h := p.Hart()

	// we're about to switch the destination of traps from kerneltrap()
	// to usertrap(), so turn off interrupts until we're back in user
	// space, where usertrap() is correct.
	h.IntrOff()

	// send syscalls, interrupts, and exceptions to uservec.
	h.SetStvec(uint64(mm.Trampoline + UservecOffset))

	// set up trapframe values that uservec will need when the process
	// next traps into the kernel.
	tf := p.Trapframe()
	tf.SetKernelSatp(h.Satp())
	tf.SetKernelSP(uint64(p.KStack() + mm.PageSize))
	tf.SetKernelTrap(d.usertrapAddr())
	tf.SetKernelHartid(h.TP())

	// set S Previous Privilege mode to User and enable interrupts in
	// user mode.
	h.SetSstatus(h.Sstatus()&^cpu.SstatusSPP | cpu.SstatusSPIE)

	// set S Exception Program Counter to the saved user pc.
	h.SetSepc(tf.Epc())

	// tell userret the user page table to switch to.
	h.SetReg(cpu.A0, cpu.MakeSATP(uintptr(p.Pagetable())))
	h.Jump(uint64(mm.Trampoline + UserretOffset))
}

// kernelvec is the trap vector while the hart is in the kernel.
func (d *Dispatcher) kernelvec(h *cpu.Hart) {
	h = d.kerneltrap(h)
	h.Sret()
}

// kerneltrap handles an interrupt taken in supervisor mode. It returns the
// hart to resume on, which differs from h if the interrupted thread yielded
// and was rescheduled elsewhere.
func (d *Dispatcher) kerneltrap(h *cpu.Hart) *cpu.Hart {
	sepc := h.Sepc()
	sstatus := h.Sstatus()
	scause := h.Scause()

	if sstatus&cpu.SstatusSPP == 0 {
		kfmt.Panic(errNotFromKernel)
	}
	if h.IntrGet() {
		kfmt.Panic(errIntrEnabled)
	}

	which := d.devintr(h)
	if which == notDevice {
		kfmt.Printf("scause=0x%x sepc=0x%x stval=0x%x\n", scause, h.Sepc(), h.Stval())
		kfmt.Panic(errKernelTrap)
	}

	// give up the CPU if this is a timer interrupt.
	if which == timerIntr {
		if p := d.procs.Myproc(h); p != nil {
			d.procs.Yield(p)
			h = p.Hart()
		}
	}

	// the yield() may have caused some traps to occur, so restore trap
	// registers for use by sret.
	h.SetSepc(sepc)
	h.SetSstatus(sstatus)
	return h
}

// clockintr counts a tick on hart 0 and asks every hart for its next timer
// interrupt.
func (d *Dispatcher) clockintr(h *cpu.Hart) {
	if h.TP() == 0 {
		d.clock.Tick(h)
	}
	h.SetStimecmp(h.Time() + d.interval)
}

// devintr checks if the trap is an external or timer interrupt and
// handles it. It returns timerIntr for the timer, deviceIntr for another
// device and notDevice if the trap was not an interrupt.
func (d *Dispatcher) devintr(h *cpu.Hart) int {
	switch h.Scause() {
	case cpu.CauseExternal:
		// irq indicates which device interrupted.
		irqno := d.plic.Claim(h)

		if irqno > 0 && d.handlers[irqno] != nil {
			d.handlers[irqno](h)
		} else if irqno != 0 {
			kfmt.Printf("unexpected interrupt irq=%d\n", irqno)
		}

		// the PLIC allows each device to raise at most one interrupt
		// at a time; tell the PLIC the device is now allowed to
		// interrupt again.
		if irqno != 0 {
			d.plic.Complete(h, irqno)
		}
		return deviceIntr
	case cpu.CauseTimer:
		d.clockintr(h)
		return timerIntr
	default:
		return notDevice
	}
}
