package user

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/syscall"
)

// Syscall emits a system call stub: the call number goes in a7 and the
// arguments must already be in a0-a5. The result is left in a0.
func (b *Builder) Syscall(num int) {
	b.Li(cpu.A7, int64(num))
	b.Ecall()
}

// Fork emits fork().
func (b *Builder) Fork() { b.Syscall(syscall.SysFork) }

// Exit emits exit(status).
func (b *Builder) Exit(status int64) {
	b.Li(cpu.A0, status)
	b.Syscall(syscall.SysExit)
}

// Wait emits wait(addr) for a status address held in a register.
func (b *Builder) Wait(addr int) {
	b.Mv(cpu.A0, addr)
	b.Syscall(syscall.SysWait)
}

// Open emits open(path, mode) for the string stored under label path.
func (b *Builder) Open(path string, mode int64) {
	b.La(cpu.A0, path)
	b.Li(cpu.A1, mode)
	b.Syscall(syscall.SysOpen)
}

// Dup emits dup(fd).
func (b *Builder) Dup(fd int64) {
	b.Li(cpu.A0, fd)
	b.Syscall(syscall.SysDup)
}

// Write emits write(fd, buf, n) for the data stored under label buf.
func (b *Builder) Write(fd int64, buf string, n int64) {
	b.Li(cpu.A0, fd)
	b.La(cpu.A1, buf)
	b.Li(cpu.A2, n)
	b.Syscall(syscall.SysWrite)
}

// Print emits a write of s to fd, storing s in the data section under
// label.
func (b *Builder) Print(fd int64, label, s string) {
	b.Bytes(label, []byte(s))
	b.Write(fd, label, int64(len(s)))
}

// Sleep emits sleep(n).
func (b *Builder) Sleep(n int64) {
	b.Li(cpu.A0, n)
	b.Syscall(syscall.SysSleep)
}

// Getpid emits getpid().
func (b *Builder) Getpid() { b.Syscall(syscall.SysGetpid) }

// Read emits read(fd, buf, n) into the data stored under label buf.
func (b *Builder) Read(fd int64, buf string, n int64) {
	b.Li(cpu.A0, fd)
	b.La(cpu.A1, buf)
	b.Li(cpu.A2, n)
	b.Syscall(syscall.SysRead)
}
