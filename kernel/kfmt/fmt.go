// Package kfmt implements the kernel's formatted output: Printf, the early
// ring buffer that captures output produced before the console exists, and
// the panic banner.
package kfmt

import (
	"io"
	"runtime"
	"sync/atomic"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
)

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = []byte("0123456789abcdef")

	// earlyPrintBuffer is a ring buffer that stores Printf output before the
	// console is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// printLock serializes Printf calls issued by different harts so their
	// lines do not interleave.
	printLock uint32
)

type stringer interface {
	String() string
}

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	lockPrinter()
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
	unlockPrinter()
}

// GetOutputSink returns the current target for calls to Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

func lockPrinter() {
	for !atomic.CompareAndSwapUint32(&printLock, 0, 1) {
		runtime.Gosched()
	}
}

func unlockPrinter() {
	atomic.StoreUint32(&printLock, 0)
}

// Printf formats its arguments and writes the result to the active output
// sink with a single Write call.
//
// The following subset of formatting verbs is supported:
//
// Strings:
//
//	%s the uninterpreted bytes of a string, byte slice, error or Stringer
//	%c a single character
//
// Integers:
//
//	%o base 8
//	%d base 10
//	%x base 16, with lower-case letters for a-f
//	%p 0x followed by 16 hex digits
//
// Booleans:
//
//	%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces; base-8 and
// base-16 integers are left-padded with zeroes.
//
// If no sink has been attached the output is buffered into a ring buffer that
// is flushed by the next call to SetOutputSink.
func Printf(format string, args ...interface{}) {
	var p printer
	p.format(format, args)

	lockPrinter()
	if outputSink != nil {
		outputSink.Write(p.buf)
	} else {
		earlyPrintBuffer.Write(p.buf)
	}
	unlockPrinter()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var p printer
	p.format(format, args)
	w.Write(p.buf)
}

// printer accumulates the output of a single formatting call.
type printer struct {
	scratch [128]byte
	buf     []byte
}

func (p *printer) format(format string, args []interface{}) {
	var (
		nextCh       byte
		nextArgIndex int
		padLen       int
		fmtLen       = len(format)
	)

	p.buf = p.scratch[:0]

	for i := 0; i < fmtLen; i++ {
		nextCh = format[i]
		if nextCh != '%' {
			p.buf = append(p.buf, nextCh)
			continue
		}

		padLen = 0
		i++
	parseFmt:
		for ; i < fmtLen; i++ {
			nextCh = format[i]
			switch {
			case nextCh == '%':
				p.buf = append(p.buf, '%')
				break parseFmt
			case nextCh >= '0' && nextCh <= '9':
				padLen = (padLen * 10) + int(nextCh-'0')
				continue
			case nextCh == 'd' || nextCh == 'x' || nextCh == 'o' || nextCh == 's' ||
				nextCh == 't' || nextCh == 'c' || nextCh == 'p':
				if nextArgIndex >= len(args) {
					p.buf = append(p.buf, errMissingArg...)
					break parseFmt
				}

				switch nextCh {
				case 'o':
					p.fmtInt(args[nextArgIndex], 8, padLen)
				case 'd':
					p.fmtInt(args[nextArgIndex], 10, padLen)
				case 'x':
					p.fmtInt(args[nextArgIndex], 16, padLen)
				case 'p':
					p.fmtPointer(args[nextArgIndex])
				case 's':
					p.fmtString(args[nextArgIndex], padLen)
				case 'c':
					p.fmtChar(args[nextArgIndex])
				case 't':
					p.fmtBool(args[nextArgIndex])
				}

				nextArgIndex++
				break parseFmt
			default:
				p.buf = append(p.buf, errNoVerb...)
				break parseFmt
			}
		}

		// reached end of formatting string without finding a verb
		if i == fmtLen {
			p.buf = append(p.buf, errNoVerb...)
		}
	}

	for ; nextArgIndex < len(args); nextArgIndex++ {
		p.buf = append(p.buf, errExtraArg...)
	}
}

func (p *printer) fmtBool(v interface{}) {
	bVal, ok := v.(bool)
	switch {
	case !ok:
		p.buf = append(p.buf, errWrongArgType...)
	case bVal:
		p.buf = append(p.buf, trueValue...)
	default:
		p.buf = append(p.buf, falseValue...)
	}
}

func (p *printer) fmtChar(v interface{}) {
	switch c := v.(type) {
	case byte:
		p.buf = append(p.buf, c)
	case rune:
		p.buf = append(p.buf, string(c)...)
	case int:
		p.buf = append(p.buf, byte(c))
	default:
		p.buf = append(p.buf, errWrongArgType...)
	}
}

// fmtString prints a formatted version of string-like value v, applying the
// padding specified by padLen.
func (p *printer) fmtString(v interface{}, padLen int) {
	var str string
	switch castedVal := v.(type) {
	case string:
		str = castedVal
	case []byte:
		str = string(castedVal)
	case *kernel.Error:
		str = castedVal.Message
	case error:
		str = castedVal.Error()
	case stringer:
		str = castedVal.String()
	default:
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	p.fmtRepeat(' ', padLen-len(str))
	p.buf = append(p.buf, str...)
}

// fmtRepeat writes count bytes with value ch.
func (p *printer) fmtRepeat(ch byte, count int) {
	for i := 0; i < count; i++ {
		p.buf = append(p.buf, ch)
	}
}

func (p *printer) fmtPointer(v interface{}) {
	var uval uint64
	switch ptr := v.(type) {
	case uintptr:
		uval = uint64(ptr)
	case uint64:
		uval = ptr
	default:
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	p.buf = append(p.buf, '0', 'x')
	for shift := 60; shift >= 0; shift -= 4 {
		p.buf = append(p.buf, hexDigits[(uval>>uint(shift))&0xf])
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen. All built-in signed and unsigned integer
// types are supported.
func (p *printer) fmtInt(v interface{}, base, padLen int) {
	var (
		digits   [maxBufSize]byte
		uval     uint64
		negative bool
		padCh    = byte('0')
		n        int
	)

	if padLen >= maxBufSize {
		padLen = maxBufSize - 1
	}

	if base == 10 {
		padCh = ' '
	}

	switch t := v.(type) {
	case uint8:
		uval = uint64(t)
	case uint16:
		uval = uint64(t)
	case uint32:
		uval = uint64(t)
	case uint64:
		uval = t
	case uint:
		uval = uint64(t)
	case uintptr:
		uval = uint64(t)
	case int8:
		negative, uval = signed(int64(t))
	case int16:
		negative, uval = signed(int64(t))
	case int32:
		negative, uval = signed(int64(t))
	case int64:
		negative, uval = signed(t)
	case int:
		negative, uval = signed(int64(t))
	default:
		p.buf = append(p.buf, errWrongArgType...)
		return
	}

	for {
		digits[n] = hexDigits[uval%uint64(base)]
		n++
		uval /= uint64(base)
		if uval == 0 {
			break
		}
	}

	width := n
	if negative {
		width++
	}

	switch {
	case negative && padCh == '0':
		p.buf = append(p.buf, '-')
		p.fmtRepeat('0', padLen-width)
	case negative:
		p.fmtRepeat(' ', padLen-width)
		p.buf = append(p.buf, '-')
	default:
		p.fmtRepeat(padCh, padLen-width)
	}

	for n--; n >= 0; n-- {
		p.buf = append(p.buf, digits[n])
	}
}

func signed(v int64) (bool, uint64) {
	if v < 0 {
		return true, uint64(-v)
	}
	return false, uint64(v)
}
