// Package sync provides the kernel's mutual exclusion primitives: spinlocks
// and the nested interrupt-disable counter they rely on.
package sync

import (
	"sync/atomic"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
)

var (
	// yieldFn is called between attempts to grab a contended lock. It is
	// mocked by tests.
	yieldFn = (*cpu.Hart).Relax
)

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available. A spinlock is owned by the hart that
// acquired it, not by a process: interrupts stay disabled on that hart while
// the lock is held so the holder cannot be rescheduled.
type Spinlock struct {
	name   string
	locked uint32
	owner  atomic.Pointer[cpu.Hart]
}

// Init names the lock. The name is reported by fatal lock misuse errors.
func (l *Spinlock) Init(name string) {
	l.name = name
}

// Name returns the lock's name.
func (l *Spinlock) Name() string { return l.name }

// Acquire disables interrupts on the current hart and spins until the lock
// is free. Acquiring a lock the hart already holds is fatal.
func (l *Spinlock) Acquire(t cpu.Thread) {
	PushOff(t)
	h := t.Hart()
	if l.holding(h) {
		kfmt.Panic(&kernel.Error{Module: "sync", Message: "acquire " + l.name + ": lock already held"})
	}

	for !atomic.CompareAndSwapUint32(&l.locked, 0, 1) {
		yieldFn(h)
	}
	l.owner.Store(h)
}

// Release frees the lock and undoes the interrupt-disable performed by
// Acquire. Releasing a lock the hart does not hold is fatal.
func (l *Spinlock) Release(t cpu.Thread) {
	h := t.Hart()
	if !l.holding(h) {
		kfmt.Panic(&kernel.Error{Module: "sync", Message: "release " + l.name + ": lock not held"})
	}

	l.owner.Store(nil)
	atomic.StoreUint32(&l.locked, 0)
	PopOff(h)
}

// Holding reports whether the hart the thread runs on holds the lock.
func (l *Spinlock) Holding(t cpu.Thread) bool {
	return l.holding(t.Hart())
}

func (l *Spinlock) holding(h *cpu.Hart) bool {
	return atomic.LoadUint32(&l.locked) == 1 && l.owner.Load() == h
}

// PushOff disables interrupts on the current hart. Calls nest: interrupts
// are restored only when every PushOff has been matched by a PopOff.
func PushOff(t cpu.Thread) {
	h := t.Hart()
	old := h.IntrGet()
	h.IntrOff()
	if h.Noff == 0 {
		h.Intena = old
	}
	h.Noff++
}

// PopOff undoes one PushOff. The outermost PopOff re-enables interrupts if
// they were enabled before the first PushOff; a pending interrupt is taken
// right away and may move the caller to another hart.
func PopOff(t cpu.Thread) {
	h := t.Hart()
	if h.IntrGet() {
		kfmt.Panic(errPopOffInterruptible)
	}
	if h.Noff < 1 {
		kfmt.Panic(errPopOffUnderflow)
	}

	h.Noff--
	if h.Noff == 0 && h.Intena {
		h.IntrOn()
	}
}

var (
	errPopOffInterruptible = &kernel.Error{Module: "sync", Message: "pop_off: interruptible"}
	errPopOffUnderflow     = &kernel.Error{Module: "sync", Message: "pop_off: not pushed"}
)
