package cpu

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
)

// TimeUnit is the period of the time CSR.
const TimeUnit = 100 * time.Nanosecond

// Handler is kernel text: the code that runs when a hart jumps to the
// address it is registered at.
type Handler func(h *Hart)

// InterruptController reports whether a hart has an external interrupt
// waiting to be claimed.
type InterruptController interface {
	Pending(hart int) bool
}

type symbol struct {
	name string
	fn   Handler
}

// Bus connects harts to physical memory, the interrupt controller and the
// kernel text. It also owns the machine's power state: every goroutine that
// executes on behalf of a hart is started through Go and stops when the
// machine is powered off.
type Bus struct {
	ram   *mem.RAM
	harts []*Hart
	start time.Time

	intc atomic.Value

	symMu   sync.RWMutex
	symbols map[uintptr]symbol

	wg       sync.WaitGroup
	off      atomic.Bool
	offOnce  sync.Once
	powerOff chan struct{}

	errMu sync.Mutex
	err   *kernel.Error
}

// NewBus creates a machine with the given memory and number of harts.
func NewBus(ram *mem.RAM, harts int) *Bus {
	b := &Bus{
		ram:      ram,
		start:    time.Now(),
		symbols:  make(map[uintptr]symbol),
		powerOff: make(chan struct{}),
	}
	for i := 0; i < harts; i++ {
		b.harts = append(b.harts, newHart(i, b))
	}
	return b
}

// RAM returns the machine's physical memory.
func (b *Bus) RAM() *mem.RAM { return b.ram }

// Hart returns hart i.
func (b *Bus) Hart(i int) *Hart { return b.harts[i] }

// NumHarts returns the number of harts on the bus.
func (b *Bus) NumHarts() int { return len(b.harts) }

// AttachInterruptController routes external interrupts through c.
func (b *Bus) AttachInterruptController(c InterruptController) {
	b.intc.Store(&c)
}

func (b *Bus) externalPending(hart int) bool {
	c, _ := b.intc.Load().(*InterruptController)
	return c != nil && (*c).Pending(hart)
}

// Register places fn in kernel text at physical address pa.
func (b *Bus) Register(pa uintptr, name string, fn Handler) {
	b.symMu.Lock()
	b.symbols[pa] = symbol{name: name, fn: fn}
	b.symMu.Unlock()
}

// Symbol returns the name of the kernel text registered at pa.
func (b *Bus) Symbol(pa uintptr) (string, bool) {
	b.symMu.RLock()
	sym, ok := b.symbols[pa]
	b.symMu.RUnlock()
	return sym.name, ok
}

func (b *Bus) handler(pa uintptr) Handler {
	b.symMu.RLock()
	sym := b.symbols[pa]
	b.symMu.RUnlock()
	return sym.fn
}

// Time returns the number of TimeUnits since the machine was created.
func (b *Bus) Time() uint64 {
	return uint64(time.Since(b.start) / TimeUnit)
}

func (b *Bus) until(t uint64) time.Duration {
	if t > uint64(1<<62)/uint64(TimeUnit) {
		return time.Duration(1 << 62)
	}
	return time.Until(b.start.Add(time.Duration(t) * TimeUnit))
}

// Go runs fn on a new goroutine owned by the machine. A Halt or Fault raised
// by fn powers the machine off.
func (b *Bus) Go(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				sig, ok := r.(haltSignal)
				if !ok {
					panic(r)
				}
				b.halt(sig.err)
			}
		}()
		fn()
	}()
}

func (b *Bus) halt(err *kernel.Error) {
	b.errMu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.errMu.Unlock()
	b.PowerOff()
}

// PowerOff stops the machine. Threads blocked in the kernel exit and harts
// stop executing user code.
func (b *Bus) PowerOff() {
	b.offOnce.Do(func() {
		b.off.Store(true)
		close(b.powerOff)
		for _, h := range b.harts {
			h.stopTimer()
		}
	})
}

// PoweredOff reports whether the machine has been switched off.
func (b *Bus) PoweredOff() bool { return b.off.Load() }

// Done is closed when the machine is powered off.
func (b *Bus) Done() <-chan struct{} { return b.powerOff }

// Wait blocks until every machine goroutine has stopped and returns the
// reason the machine halted, or nil after a clean PowerOff.
func (b *Bus) Wait() error {
	b.wg.Wait()
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		return nil
	}
	return b.err
}
