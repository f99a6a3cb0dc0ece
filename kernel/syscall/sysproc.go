package syscall

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/proc"
)

func (d *Dispatcher) sysExit(p *proc.Proc) (uint64, *kernel.Error) {
	d.procs.Exit(p, Int(p, 0))
	return 0, nil // not reached
}

func (d *Dispatcher) sysGetpid(p *proc.Proc) (uint64, *kernel.Error) {
	return uint64(p.PID()), nil
}

func (d *Dispatcher) sysFork(p *proc.Proc) (uint64, *kernel.Error) {
	pid, err := d.procs.Fork(p)
	return uint64(pid), err
}

func (d *Dispatcher) sysWait(p *proc.Proc) (uint64, *kernel.Error) {
	pid, err := d.procs.Wait(p, Addr(p, 0))
	return uint64(pid), err
}

func (d *Dispatcher) sysSbrk(p *proc.Proc) (uint64, *kernel.Error) {
	addr := p.Size()
	if err := d.procs.Grow(p, Int(p, 0)); err != nil {
		return 0, err
	}
	return uint64(addr), nil
}

func (d *Dispatcher) sysSleep(p *proc.Proc) (uint64, *kernel.Error) {
	n := Int(p, 0)
	if n < 0 {
		n = 0
	}
	return 0, d.clock.Sleep(p, uint64(n))
}

func (d *Dispatcher) sysKill(p *proc.Proc) (uint64, *kernel.Error) {
	return 0, d.procs.Kill(p, Int(p, 0))
}

// sysUptime returns how many clock tick interrupts have occurred since
// start.
func (d *Dispatcher) sysUptime(p *proc.Proc) (uint64, *kernel.Error) {
	return d.clock.Ticks(p), nil
}
