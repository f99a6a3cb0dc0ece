// Package console implements the line discipline of the system console on
// top of the serial port.
//
// Input typed at the console is echoed and collected in a small ring buffer
// until a full line is available; only then are readers woken. The
// following control characters are interpreted:
//   - ^H and DEL erase the previous character
//   - ^U erases the current line
//   - ^D marks end of file
//   - ^P prints the process list
package console

import (
	"io"

	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/device/uart"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

// InputBufSize is the size of the input ring buffer.
const InputBufSize = 128

const backspace = 0x100

func ctrl(c byte) int { return int(c - '@') }

// ErrKilled is returned by Read when the reading process is killed while
// waiting for input.
var ErrKilled = &kernel.Error{Module: "console", Message: "killed while waiting for input"}

// DumpFn prints the process list.
type DumpFn func(t cpu.Thread)

// Console is the console device.
type Console struct {
	lock sync.Spinlock
	buf  [InputBufSize]byte
	r    uint // read index
	w    uint // write index
	e    uint // edit index

	uart  *uart.UART
	waker device.Waker
	dump  DumpFn
}

// New returns a console that reads and writes through u.
func New(u *uart.UART, waker device.Waker, dump DumpFn) *Console {
	c := &Console{uart: u, waker: waker, dump: dump}
	c.lock.Init("cons")
	u.SetReceiver(c.Intr)
	return c
}

func (c *Console) putc(t cpu.Thread, ch int) {
	if ch == backspace {
		c.uart.PutcSync(t, '\b')
		c.uart.PutcSync(t, ' ')
		c.uart.PutcSync(t, '\b')
		return
	}
	c.uart.PutcSync(t, byte(ch))
}

// Write copies n bytes from src to the serial port. It stops early if src
// cannot be read and returns the number of bytes written.
func (c *Console) Write(p device.Process, user bool, src uintptr, n int) (int, *kernel.Error) {
	var ch [1]byte
	for i := 0; i < n; i++ {
		if err := p.CopyIn(user, ch[:], src+uintptr(i)); err != nil {
			return i, nil
		}
		c.uart.Putc(p, ch[0])
	}
	return n, nil
}

// Read copies up to n bytes of input to dst. It blocks until a whole line
// (or ^D) is available and never returns more than one line.
func (c *Console) Read(p device.Process, user bool, dst uintptr, n int) (int, *kernel.Error) {
	target := n
	c.lock.Acquire(p)
	for n > 0 {
		for c.r == c.w {
			if p.Killed() {
				c.lock.Release(p)
				return 0, ErrKilled
			}
			p.Sleep(&c.r, &c.lock)
		}

		ch := c.buf[c.r%InputBufSize]
		c.r++

		if int(ch) == ctrl('D') {
			if n < target {
				// save ^D for next time so the caller gets a
				// 0-byte result
				c.r--
			}
			break
		}

		if err := p.CopyOut(user, dst, []byte{ch}); err != nil {
			break
		}
		dst++
		n--

		if ch == '\n' {
			break
		}
	}
	c.lock.Release(p)

	return target - n, nil
}

// Intr handles one input character from the serial port.
func (c *Console) Intr(t cpu.Thread, ch byte) {
	c.lock.Acquire(t)

	switch int(ch) {
	case ctrl('P'):
		if c.dump != nil {
			c.dump(t)
		}
	case ctrl('U'):
		for c.e != c.w && c.buf[(c.e-1)%InputBufSize] != '\n' {
			c.e--
			c.putc(t, backspace)
		}
	case ctrl('H'), 0x7f:
		if c.e != c.w {
			c.e--
			c.putc(t, backspace)
		}
	default:
		if ch != 0 && c.e-c.r < InputBufSize {
			if ch == '\r' {
				ch = '\n'
			}
			c.putc(t, int(ch))
			c.buf[c.e%InputBufSize] = ch
			c.e++

			if ch == '\n' || int(ch) == ctrl('D') || c.e-c.r == InputBufSize {
				c.w = c.e
				c.waker.Wakeup(t, &c.r)
			}
		}
	}

	c.lock.Release(t)
}

// DriverName returns the name of the driver.
func (c *Console) DriverName() string { return "console" }

// DriverVersion returns the driver version.
func (c *Console) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit reports the size of the input buffer.
func (c *Console) DriverInit(w io.Writer) *kernel.Error {
	kfmt.Fprintf(w, "line discipline, %d byte input buffer\n", InputBufSize)
	return nil
}
