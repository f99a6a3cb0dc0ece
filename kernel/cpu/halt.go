package cpu

import "github.com/kennykguo/xv6-kernel-dev/kernel"

// ErrHalted is reported by Bus.Wait when a hart halted the machine.
var ErrHalted = &kernel.Error{Module: "cpu", Message: "system halted"}

// haltSignal unwinds the halting thread up to the goroutine started by
// Bus.Go, which then powers the machine off.
type haltSignal struct {
	err *kernel.Error
}

// Halt stops the calling hart and powers the machine off. It never returns.
func Halt() {
	panic(haltSignal{err: ErrHalted})
}

// Fault halts the machine reporting err as the reason.
func Fault(err *kernel.Error) {
	panic(haltSignal{err: err})
}

// IsHalt reports whether a value recovered from a panic was raised by Halt
// or Fault.
func IsHalt(r interface{}) bool {
	_, ok := r.(haltSignal)
	return ok
}
