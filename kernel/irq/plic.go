// Package irq implements the platform-level interrupt controller (PLIC)
// that routes device interrupts to the harts' supervisor contexts.
package irq

import (
	"io"
	gosync "sync"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
)

// NumSources is the number of interrupt sources the controller supports.
// Source 0 means "no interrupt".
const NumSources = 32

// PLIC models the interrupt controller's register file: a priority per
// source, a pending bit per source, and per-hart supervisor enable masks,
// thresholds and claim state.
type PLIC struct {
	bus *cpu.Bus

	mu        gosync.Mutex
	priority  [NumSources]uint32
	pending   [NumSources]bool
	inService [NumSources]bool
	enable    [kernel.MaxCPU]uint32
	threshold [kernel.MaxCPU]uint32
}

// New returns a controller attached to bus. Harts see its interrupts once it
// has been attached with bus.AttachInterruptController.
func New(bus *cpu.Bus) *PLIC {
	return &PLIC{bus: bus}
}

// Raise asserts source irq. It is called by device models.
func (p *PLIC) Raise(irq int) {
	p.mu.Lock()
	p.pending[irq] = true
	p.mu.Unlock()

	for i := 0; i < p.bus.NumHarts(); i++ {
		if p.Pending(i) {
			p.bus.Hart(i).Poke()
		}
	}
}

// Pending reports whether a source enabled for the hart's supervisor
// context is waiting to be claimed.
func (p *PLIC) Pending(hart int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.best(hart) != 0
}

func (p *PLIC) best(hart int) int {
	var (
		irq  int
		prio uint32
	)
	for i := 1; i < NumSources; i++ {
		if !p.pending[i] || p.inService[i] || p.enable[hart]&(1<<uint(i)) == 0 {
			continue
		}
		if p.priority[i] > p.threshold[hart] && p.priority[i] > prio {
			irq, prio = i, p.priority[i]
		}
	}
	return irq
}

// SetPriority sets the priority of source irq. Priority 0 disables it.
func (p *PLIC) SetPriority(irq int, prio uint32) {
	p.mu.Lock()
	p.priority[irq] = prio
	p.mu.Unlock()
}

// Enable routes source irq to the supervisor context of hart.
func (p *PLIC) Enable(hart, irq int) {
	p.mu.Lock()
	p.enable[hart] |= 1 << uint(irq)
	p.mu.Unlock()
}

// SetThreshold masks sources whose priority does not exceed v for hart.
func (p *PLIC) SetThreshold(hart int, v uint32) {
	p.mu.Lock()
	p.threshold[hart] = v
	p.mu.Unlock()
}

// Claim asks the controller which interrupt the hart should serve. It
// returns 0 if none is pending.
func (p *PLIC) Claim(h *cpu.Hart) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	irq := p.best(h.ID())
	if irq != 0 {
		p.pending[irq] = false
		p.inService[irq] = true
	}
	return irq
}

// Complete tells the controller the hart has served irq.
func (p *PLIC) Complete(h *cpu.Hart, irq int) {
	p.mu.Lock()
	p.inService[irq] = false
	p.mu.Unlock()

	if p.Pending(h.ID()) {
		h.Poke()
	}
}

// Init gives the devices the kernel drives a non-zero priority.
func (p *PLIC) Init() {
	p.SetPriority(mm.UART0IRQ, 1)
	p.SetPriority(mm.Virtio0IRQ, 1)
}

// InitHart enables the devices for the hart's supervisor context and sets
// its priority threshold to 0.
func (p *PLIC) InitHart(h *cpu.Hart) {
	p.Enable(h.ID(), mm.UART0IRQ)
	p.Enable(h.ID(), mm.Virtio0IRQ)
	p.SetThreshold(h.ID(), 0)
}

// DriverName returns the name of the driver.
func (p *PLIC) DriverName() string { return "plic" }

// DriverVersion returns the driver version.
func (p *PLIC) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit programs the source priorities and attaches the controller to
// the harts.
func (p *PLIC) DriverInit(w io.Writer) *kernel.Error {
	p.Init()
	p.bus.AttachInterruptController(p)
	kfmt.Fprintf(w, "%d sources, %d contexts\n", NumSources-1, p.bus.NumHarts())
	return nil
}
