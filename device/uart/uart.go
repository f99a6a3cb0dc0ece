// Package uart drives the 16550-compatible serial port that backs the
// console.
package uart

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

// ReceiveFn consumes a character read by the interrupt handler.
type ReceiveFn func(t cpu.Thread, c byte)

// UART is the serial port. The device side is a receive FIFO filled by
// Feed and a transmit line that writes to the host; the driver side is the
// usual pair of synchronous and lock-protected output routines plus the
// receive interrupt handler.
type UART struct {
	irq device.IRQRaiser

	// device registers
	rxMu gosync.Mutex
	rx   []byte
	txMu gosync.Mutex
	tx   io.Writer

	txLock  sync.Spinlock
	receive ReceiveFn
}

// New returns a serial port transmitting to tx and raising its receive
// interrupt on irq.
func New(tx io.Writer, irq device.IRQRaiser) *UART {
	u := &UART{tx: tx, irq: irq}
	u.txLock.Init("uart")
	return u
}

// SetReceiver installs the function the interrupt handler passes input
// characters to.
func (u *UART) SetReceiver(fn ReceiveFn) {
	u.receive = fn
}

// Feed places data in the receive FIFO and raises the receive interrupt, as
// if the bytes arrived on the line.
func (u *UART) Feed(data []byte) {
	if len(data) == 0 {
		return
	}
	u.rxMu.Lock()
	u.rx = append(u.rx, data...)
	u.rxMu.Unlock()

	if u.irq != nil {
		u.irq.Raise(mm.UART0IRQ)
	}
}

// Attach copies everything read from r into the receive FIFO until r
// returns an error.
func (u *UART) Attach(r io.Reader) {
	go func() {
		var buf [64]byte
		for {
			n, err := r.Read(buf[:])
			u.Feed(buf[:n])
			if err != nil {
				return
			}
		}
	}()
}

func (u *UART) transmit(c byte) {
	u.txMu.Lock()
	u.tx.Write([]byte{c})
	u.txMu.Unlock()
}

// PutcSync writes c with interrupts disabled without taking the output
// lock. It is used for echoing input and by kernel diagnostics.
func (u *UART) PutcSync(t cpu.Thread, c byte) {
	sync.PushOff(t)
	u.transmit(c)
	sync.PopOff(t)
}

// Putc writes c on behalf of a process.
func (u *UART) Putc(t cpu.Thread, c byte) {
	u.txLock.Acquire(t)
	u.transmit(c)
	u.txLock.Release(t)
}

// Getc returns the next input character or -1 if the FIFO is empty.
func (u *UART) Getc() int {
	u.rxMu.Lock()
	defer u.rxMu.Unlock()

	if len(u.rx) == 0 {
		return -1
	}
	c := u.rx[0]
	u.rx = u.rx[1:]
	return int(c)
}

// Intr handles a receive interrupt by handing every buffered character to
// the receiver.
func (u *UART) Intr(t cpu.Thread) {
	for {
		c := u.Getc()
		if c == -1 {
			break
		}
		if u.receive != nil {
			u.receive(t, byte(c))
		}
	}
}

// Write implements io.Writer so the port can serve as the kfmt output sink.
func (u *UART) Write(p []byte) (int, error) {
	u.txMu.Lock()
	defer u.txMu.Unlock()
	return u.tx.Write(p)
}

// DriverName returns the name of the driver.
func (u *UART) DriverName() string { return "uart" }

// DriverVersion returns the driver version.
func (u *UART) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit reports the port configuration.
func (u *UART) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "16550 at 0x%x, irq %d\n", mm.UART0, mm.UART0IRQ)
	return nil
}
