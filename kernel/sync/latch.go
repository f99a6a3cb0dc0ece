package sync

import (
	"sync/atomic"

	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
)

// Latch is a one-shot barrier. Secondary harts wait on it until the boot
// hart has finished the machine-wide initialization.
type Latch struct {
	open uint32
}

// Open releases every current and future waiter.
func (l *Latch) Open() {
	atomic.StoreUint32(&l.open, 1)
}

// Wait spins until the latch is open.
func (l *Latch) Wait(h *cpu.Hart) {
	for atomic.LoadUint32(&l.open) == 0 {
		yieldFn(h)
	}
}
