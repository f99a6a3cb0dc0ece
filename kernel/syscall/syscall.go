// Package syscall decodes system calls made by user processes and
// dispatches them to their kernel implementations.
//
// A process makes a system call by loading the call number into a7, the
// arguments into a0-a5 and executing ecall. The result is returned in a0;
// every failure is reported to user space as -1.
package syscall

import (
	"encoding/binary"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/clock"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/file"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/proc"
)

// System call numbers.
const (
	SysFork   = 1
	SysExit   = 2
	SysWait   = 3
	SysPipe   = 4
	SysRead   = 5
	SysKill   = 6
	SysExec   = 7
	SysFstat  = 8
	SysChdir  = 9
	SysDup    = 10
	SysGetpid = 11
	SysSbrk   = 12
	SysSleep  = 13
	SysUptime = 14
	SysOpen   = 15
	SysWrite  = 16
	SysMknod  = 17
	SysUnlink = 18
	SysLink   = 19
	SysMkdir  = 20
	SysClose  = 21

	numSyscalls = 22
)

// Fail is the value a0 holds after a failed system call.
const Fail = ^uint64(0)

var (
	errArgRaw = &kernel.Error{Module: "syscall", Message: "argraw"}

	// ErrBadAddress is returned when an argument points outside the
	// process's memory.
	ErrBadAddress = &kernel.Error{Module: "syscall", Message: "bad address"}

	// ErrBadFD is returned for descriptors that are not open.
	ErrBadFD = &kernel.Error{Module: "syscall", Message: "bad file descriptor"}

	// ErrNoEntry is returned by open for paths that name nothing.
	ErrNoEntry = &kernel.Error{Module: "syscall", Message: "no such file"}
)

// Handler implements one system call on behalf of p. A non-nil error
// is reported to the caller as -1.
type Handler func(p *proc.Proc) (uint64, *kernel.Error)

// Dispatcher routes system calls to their handlers.
type Dispatcher struct {
	procs *proc.Table
	files *file.Table
	clock *clock.Clock

	handlers [numSyscalls]Handler
}

// New returns a dispatcher with every implemented system call bound.
func New(procs *proc.Table, files *file.Table, clk *clock.Clock) *Dispatcher {
	d := &Dispatcher{procs: procs, files: files, clock: clk}
	d.handlers = [numSyscalls]Handler{
		SysFork:   d.sysFork,
		SysExit:   d.sysExit,
		SysWait:   d.sysWait,
		SysRead:   d.sysRead,
		SysKill:   d.sysKill,
		SysDup:    d.sysDup,
		SysGetpid: d.sysGetpid,
		SysSbrk:   d.sysSbrk,
		SysSleep:  d.sysSleep,
		SysUptime: d.sysUptime,
		SysOpen:   d.sysOpen,
		SysWrite:  d.sysWrite,
		SysClose:  d.sysClose,
	}
	return d
}

// Syscall runs the system call p requested and stores the result in its
// saved a0.
func (d *Dispatcher) Syscall(p *proc.Proc) {
	tf := p.Trapframe()
	num := int(tf.Reg(cpu.A7))

	if num <= 0 || num >= numSyscalls || d.handlers[num] == nil {
		kfmt.Printf("%d %s: unknown sys call %d\n", p.PID(), p.Name(), num)
		tf.SetReg(cpu.A0, Fail)
		return
	}

	ret, err := d.handlers[num](p)
	if err != nil {
		ret = Fail
	}
	tf.SetReg(cpu.A0, ret)
}

// argraw returns the raw value of the nth argument register.
func argraw(p *proc.Proc, n int) uint64 {
	if n < 0 || n > 5 {
		kfmt.Panic(errArgRaw)
	}
	return p.Trapframe().Reg(cpu.A0 + n)
}

// Int returns the nth argument as a 32-bit integer.
func Int(p *proc.Proc, n int) int {
	return int(int32(argraw(p, n)))
}

// Addr returns the nth argument as a user address. It is not checked;
// copying through it will be.
func Addr(p *proc.Proc, n int) uintptr {
	return uintptr(argraw(p, n))
}

// Str fetches the NUL-terminated string the nth argument points at,
// allowing at most max bytes including the terminator.
func Str(p *proc.Proc, n, max int) (string, *kernel.Error) {
	return fetchStr(p, Addr(p, n), max)
}

// fetchAddr reads the 64-bit word at user address addr.
func fetchAddr(p *proc.Proc, addr uintptr) (uint64, *kernel.Error) {
	// both tests needed, in case of overflow.
	if addr >= p.Size() || addr+8 > p.Size() {
		return 0, ErrBadAddress
	}
	var buf [8]byte
	if err := p.CopyIn(true, buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func fetchStr(p *proc.Proc, addr uintptr, max int) (string, *kernel.Error) {
	return p.CopyInString(addr, max)
}

// argFD returns the nth argument as an open descriptor and its file.
func argFD(p *proc.Proc, n int) (int, *file.File, *kernel.Error) {
	fd := Int(p, n)
	f := p.File(fd)
	if f == nil {
		return -1, nil, ErrBadFD
	}
	return fd, f, nil
}
