package device

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

// Process is the view a driver has of the process it is running on behalf
// of.
type Process interface {
	cpu.Thread

	// PID returns the process id.
	PID() int

	// Killed reports whether the process has been asked to die.
	Killed() bool

	// Sleep atomically releases lk and blocks on ch until a Wakeup on
	// ch; lk is held again when Sleep returns.
	Sleep(ch interface{}, lk *sync.Spinlock)

	// CopyOut copies src to dst, a user virtual address if user is set
	// and a kernel (physical) address otherwise.
	CopyOut(user bool, dst uintptr, src []byte) *kernel.Error

	// CopyIn fills dst from src, a user virtual address if user is set
	// and a kernel (physical) address otherwise.
	CopyIn(user bool, dst []byte, src uintptr) *kernel.Error
}

// Waker wakes every process sleeping on a channel.
type Waker interface {
	Wakeup(t cpu.Thread, ch interface{})
}

// CharDevice is a device reachable through the device switch.
type CharDevice interface {
	Read(p Process, user bool, dst uintptr, n int) (int, *kernel.Error)
	Write(p Process, user bool, src uintptr, n int) (int, *kernel.Error)
}

// BlockDevice transfers fixed-size blocks.
type BlockDevice interface {
	// ReadWrite reads block into data, or writes data to block when
	// write is set. The calling process sleeps until the transfer
	// completes.
	ReadWrite(p Process, block uint64, data []byte, write bool) *kernel.Error
}

// IRQRaiser asserts an interrupt line on the interrupt controller.
type IRQRaiser interface {
	Raise(irq int)
}
