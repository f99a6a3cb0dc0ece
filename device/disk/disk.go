// Package disk implements a block device backed by an in-memory image. The
// device completes requests asynchronously and signals completion with an
// interrupt, so callers sleep while a transfer is in flight.
package disk

import (
	"io"
	gosync "sync"

	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

// NumSlots is the number of requests the device can have in flight.
const NumSlots = 8

var (
	// ErrBadBlock is returned for transfers outside the device.
	ErrBadBlock = &kernel.Error{Module: "disk", Message: "block out of range"}
)

type request struct {
	busy  bool
	done  bool
	block uint64
	data  []byte
	write bool
}

// Disk is the block device.
type Disk struct {
	lock  sync.Spinlock
	slots [NumSlots]request

	irq   device.IRQRaiser
	waker device.Waker

	// device side
	devMu gosync.Mutex
	image []byte
	used  []int
}

// New returns a disk holding image. Transfers must be a multiple of
// the block size they address and stay within the image.
func New(image []byte, irq device.IRQRaiser, waker device.Waker) *Disk {
	d := &Disk{image: image, irq: irq, waker: waker}
	d.lock.Init("virtio_disk")
	return d
}

func (d *Disk) allocSlot() int {
	for i := range d.slots {
		if !d.slots[i].busy {
			d.slots[i].busy = true
			return i
		}
	}
	return -1
}

// ReadWrite transfers len(data) bytes between data and the block'th
// len(data)-sized block of the device.
func (d *Disk) ReadWrite(p device.Process, block uint64, data []byte, write bool) *kernel.Error {
	size := uint64(len(data))
	if size == 0 || (block+1)*size > uint64(len(d.image)) {
		return ErrBadBlock
	}

	d.lock.Acquire(p)

	slot := d.allocSlot()
	for slot < 0 {
		p.Sleep(&d.slots, &d.lock)
		slot = d.allocSlot()
	}

	r := &d.slots[slot]
	r.done, r.block, r.data, r.write = false, block, data, write
	d.submit(slot, *r)

	for !r.done {
		p.Sleep(r, &d.lock)
	}

	*r = request{}
	d.waker.Wakeup(p, &d.slots)
	d.lock.Release(p)
	return nil
}

// submit hands a request to the device, which performs it on its own and
// then raises the completion interrupt.
func (d *Disk) submit(slot int, r request) {
	go func() {
		d.devMu.Lock()
		off := r.block * uint64(len(r.data))
		if r.write {
			copy(d.image[off:], r.data)
		} else {
			copy(r.data, d.image[off:])
		}
		d.used = append(d.used, slot)
		d.devMu.Unlock()

		d.irq.Raise(mm.Virtio0IRQ)
	}()
}

// Intr handles the completion interrupt: every finished request is marked
// done and its owner woken.
func (d *Disk) Intr(t cpu.Thread) {
	d.lock.Acquire(t)

	d.devMu.Lock()
	used := d.used
	d.used = nil
	d.devMu.Unlock()

	for _, slot := range used {
		d.slots[slot].done = true
		d.waker.Wakeup(t, &d.slots[slot])
	}

	d.lock.Release(t)
}

// DriverName returns the name of the driver.
func (d *Disk) DriverName() string { return "virtio_disk" }

// DriverVersion returns the driver version.
func (d *Disk) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit reports the device size.
func (d *Disk) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "%d bytes at 0x%x, irq %d\n", len(d.image), mm.Virtio0, mm.Virtio0IRQ)
	return nil
}
