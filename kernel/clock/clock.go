// Package clock keeps the system tick count driven by the timer interrupt.
package clock

import (
	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

// ErrKilled is returned by Sleep when the sleeping process is killed.
var ErrKilled = &kernel.Error{Module: "clock", Message: "killed while sleeping"}

// Clock counts timer interrupts.
type Clock struct {
	lock  sync.Spinlock
	ticks uint64
	waker device.Waker
}

// New returns a clock that wakes sleepers through waker.
func New(waker device.Waker) *Clock {
	c := &Clock{waker: waker}
	c.lock.Init("time")
	return c
}

// Tick advances the clock by one tick and wakes every process sleeping in
// Sleep. Only one hart may drive the clock.
func (c *Clock) Tick(t cpu.Thread) {
	c.lock.Acquire(t)
	c.ticks++
	c.waker.Wakeup(t, &c.ticks)
	c.lock.Release(t)
}

// Ticks returns the number of ticks since boot.
func (c *Clock) Ticks(t cpu.Thread) uint64 {
	c.lock.Acquire(t)
	n := c.ticks
	c.lock.Release(t)
	return n
}

// Sleep blocks p for n ticks.
func (c *Clock) Sleep(p device.Process, n uint64) *kernel.Error {
	c.lock.Acquire(p)
	start := c.ticks
	for c.ticks-start < n {
		if p.Killed() {
			c.lock.Release(p)
			return ErrKilled
		}
		p.Sleep(&c.ticks, &c.lock)
	}
	c.lock.Release(p)
	return nil
}
