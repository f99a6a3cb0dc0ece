package kfmt

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// machine. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	if err != nil {
		Printf("\n-----------------------------------\n[%s] unrecoverable error: %s\n*** kernel panic: system halted ***\n-----------------------------------\n", err.Module, err.Message)
	} else {
		Printf("\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n")
	}

	cpuHaltFn()
}
