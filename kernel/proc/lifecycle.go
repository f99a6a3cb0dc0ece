package proc

import (
	"encoding/binary"
	"io"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
)

var (
	errInitExiting = &kernel.Error{Module: "proc", Message: "init exiting"}
	errZombieExit  = &kernel.Error{Module: "proc", Message: "zombie exit"}
	errUserInit    = &kernel.Error{Module: "proc", Message: "userinit: no free process"}
)

// UserInit sets up the first user process running code, which is loaded at
// virtual address 0.
func (tb *Table) UserInit(t cpu.Thread, code []byte) *Proc {
	p, err := tb.allocProc(t)
	if err != nil {
		kfmt.Panic(errUserInit)
	}
	tb.initProc.Store(p)

	tb.vm.LoadFirst(t, p.pagetable, code)
	p.sz = mm.PageSize

	// prepare for the very first "return" from kernel to user.
	tf := p.Trapframe()
	tf.SetEpc(0)
	tf.SetReg(cpu.SP, uint64(mm.PageSize))

	p.name = "initcode"
	if tb.fs != nil {
		p.cwd = tb.fs.Root(t)
	}

	p.state = Runnable
	p.lock.Release(t)
	return p
}

// Spawn creates a kernel thread named name that runs body and then exits
// with the status body returns. The thread is a child of parent, or of init
// if parent is nil; if there is no init process yet the thread becomes
// init. It returns the new pid.
func (tb *Table) Spawn(t cpu.Thread, parent *Proc, name string, body Body) (int, *kernel.Error) {
	np, err := tb.allocProc(t)
	if err != nil {
		return -1, err
	}
	np.name = name
	np.task = body
	if tb.fs != nil {
		np.cwd = tb.fs.Root(t)
	}
	pid := np.pid
	np.lock.Release(t)

	tb.waitLock.Acquire(t)
	switch {
	case parent != nil:
		np.parent = parent
	case tb.initProc.Load() != nil:
		np.parent = tb.initProc.Load()
	default:
		tb.initProc.Store(np)
	}
	tb.waitLock.Release(t)

	np.lock.Acquire(t)
	np.state = Runnable
	np.lock.Release(t)

	return pid, nil
}

// Fork creates a new process copying p. The child starts as if returning
// from the same system call, with 0 in a0. It returns the child's pid.
func (tb *Table) Fork(p *Proc) (int, *kernel.Error) {
	np, err := tb.allocProc(p)
	if err != nil {
		return -1, err
	}

	// copy user memory from parent to child.
	if err = tb.vm.Copy(p, p.pagetable, np.pagetable, p.sz); err != nil {
		tb.freeProc(p, np)
		np.lock.Release(p)
		return -1, err
	}
	np.sz = p.sz

	// copy saved user registers and cause fork to return 0 in the child.
	tb.ram.Memmove(np.trapframe, p.trapframe, mem.Size(mm.PageSize))
	np.Trapframe().SetReg(cpu.A0, 0)

	// increment reference counts on open file descriptors.
	for fd, f := range p.ofile {
		if f != nil {
			np.ofile[fd] = tb.files.Dup(p, f)
		}
	}
	if p.cwd != nil {
		np.cwd = tb.fs.Dup(p, p.cwd)
	}

	np.name = p.name
	pid := np.pid
	np.lock.Release(p)

	tb.waitLock.Acquire(p)
	np.parent = p
	tb.waitLock.Release(p)

	np.lock.Acquire(p)
	np.state = Runnable
	np.lock.Release(p)

	return pid, nil
}

// reparent passes p's abandoned children to init. Caller must hold
// waitLock.
func (tb *Table) reparent(p *Proc) {
	init := tb.initProc.Load()
	for i := range tb.procs {
		if pp := &tb.procs[i]; pp.parent == p {
			pp.parent = init
			tb.Wakeup(p, init)
		}
	}
}

// Exit terminates p. It does not return: p remains a zombie until its
// parent calls Wait.
func (tb *Table) Exit(p *Proc, status int) {
	if p == tb.initProc.Load() {
		kfmt.Panic(errInitExiting)
	}

	// close all open files.
	for fd, f := range p.ofile {
		if f != nil {
			tb.files.Close(p, f)
			p.ofile[fd] = nil
		}
	}
	if p.cwd != nil {
		tb.fs.Put(p, p.cwd)
		p.cwd = nil
	}

	tb.waitLock.Acquire(p)

	// give any children to init.
	tb.reparent(p)

	// parent might be sleeping in Wait.
	tb.Wakeup(p, p.parent)

	p.lock.Acquire(p)
	p.xstate = status
	p.state = Zombie

	tb.waitLock.Release(p)

	// jump into the scheduler, never to return.
	tb.sched(p)
	kfmt.Panic(errZombieExit)
}

// Wait waits for a child of p to exit, copies its exit status to the user
// address addr (unless addr is 0) and returns its pid.
func (tb *Table) Wait(p *Proc, addr uintptr) (int, *kernel.Error) {
	pid, _, err := tb.wait(p, func(xstate int) *kernel.Error {
		if addr == 0 {
			return nil
		}
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(xstate)))
		return tb.vm.CopyOut(p.pagetable, addr, buf[:])
	})
	return pid, err
}

// WaitStatus is Wait for kernel callers: it returns the exit status instead
// of copying it to user memory.
func (tb *Table) WaitStatus(p *Proc) (int, int, *kernel.Error) {
	return tb.wait(p, nil)
}

// wait scans the table for a zombie child of p. If there is none it sleeps
// until a child exits and scans again from the start. A pending kill is
// only honored after a full scan found nothing to reap.
func (tb *Table) wait(p *Proc, report func(xstate int) *kernel.Error) (int, int, *kernel.Error) {
	tb.waitLock.Acquire(p)

	for {
		haveKids := false
		for i := range tb.procs {
			pp := &tb.procs[i]
			if pp.parent != p {
				continue
			}

			// make sure the child isn't still in Exit or sched.
			pp.lock.Acquire(p)

			haveKids = true
			if pp.state == Zombie {
				pid, xstate := pp.pid, pp.xstate
				if report != nil {
					if err := report(xstate); err != nil {
						pp.lock.Release(p)
						tb.waitLock.Release(p)
						return -1, 0, err
					}
				}
				tb.freeProc(p, pp)
				pp.lock.Release(p)
				tb.waitLock.Release(p)
				return pid, xstate, nil
			}
			pp.lock.Release(p)
		}

		if !haveKids {
			tb.waitLock.Release(p)
			return -1, 0, ErrNoChildren
		}
		if p.Killed() {
			tb.waitLock.Release(p)
			return -1, 0, ErrKilled
		}

		// wait for a child to exit.
		p.Sleep(p, &tb.waitLock)
	}
}

// Kill marks the process with the given pid as killed. The victim won't
// exit until it next returns to user space or checks for a kill while
// sleeping.
func (tb *Table) Kill(t cpu.Thread, pid int) *kernel.Error {
	for i := range tb.procs {
		p := &tb.procs[i]
		p.lock.Acquire(t)
		if p.pid == pid && p.state != Unused {
			p.killed = true
			if p.state == Sleeping {
				// wake process from sleep().
				p.state = Runnable
			}
			p.lock.Release(t)
			return nil
		}
		p.lock.Release(t)
	}
	return ErrNoProcess
}

// Grow grows or shrinks p's user memory by n bytes.
func (tb *Table) Grow(p *Proc, n int) *kernel.Error {
	sz := p.sz
	switch {
	case n > 0:
		newsz, err := tb.vm.Grow(p, p.pagetable, sz, sz+uintptr(n), mm.FlagWrite)
		if err != nil {
			return err
		}
		sz = newsz
	case n < 0:
		if uintptr(-n) > sz {
			return ErrBadSize
		}
		sz = tb.vm.Shrink(p, p.pagetable, sz, sz-uintptr(-n))
	}
	p.sz = sz
	return nil
}

// Dump prints the process list to w. It is bound to ^P on the console.
func (tb *Table) Dump(t cpu.Thread, w io.Writer) {
	kfmt.Fprintf(w, "\n")
	for i := range tb.procs {
		p := &tb.procs[i]
		p.lock.Acquire(t)
		if p.state != Unused {
			kfmt.Fprintf(w, "%d %s %s\n", p.pid, p.state.String(), p.name)
		}
		p.lock.Release(t)
	}
}
