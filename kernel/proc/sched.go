package proc

import (
	"runtime"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

var (
	errSchedLock          = &kernel.Error{Module: "proc", Message: "sched p->lock"}
	errSchedLocks         = &kernel.Error{Module: "proc", Message: "sched locks"}
	errSchedRunning       = &kernel.Error{Module: "proc", Message: "sched running"}
	errSchedInterruptible = &kernel.Error{Module: "proc", Message: "sched interruptible"}
	errNoUserReturn       = &kernel.Error{Module: "proc", Message: "forkret: no way to user space"}

	// sleepLockedFn runs while a sleeping process holds only its own lock,
	// after the condition lock has been dropped. Tests override it to
	// land a Wakeup inside that window.
	sleepLockedFn = func(*Proc, interface{}) {}
)

// Scheduler is the per-hart scheduler loop. It never returns. Each pass
// scans the whole table and runs every runnable process in turn; when a
// pass finds nothing to run the hart waits for an interrupt.
func (tb *Table) Scheduler(h *cpu.Hart) {
	c := tb.Mycpu(h)
	c.proc = nil

	for {
		// The most recent process to run may have had interrupts
		// turned off; enable them to avoid a deadlock if all
		// processes are waiting.
		h.IntrOn()

		found := false
		for i := range tb.procs {
			p := &tb.procs[i]
			p.lock.Acquire(h)
			if p.state == Runnable {
				// Switch to the chosen process. It is the
				// process's job to release its lock and then
				// reacquire it before jumping back to us.
				p.state = Running
				p.hart = h
				c.proc = p
				tb.swtch(&c.context, &p.context)

				// Process is done running for now.
				c.proc = nil
				found = true
			}
			p.lock.Release(h)
		}

		if !found {
			h.IntrOn()
			h.WaitForInterrupt()
		}
	}
}

// swtch saves the current continuation in old and resumes new. The
// calling goroutine parks until something switches back to old; it exits
// if old is discarded by freeProc or the machine powers off.
func (tb *Table) swtch(old, new *Context) {
	wake := old.resume

	if entry := new.entry; entry != nil {
		new.entry = nil
		tb.bus.Go(entry)
	} else {
		new.resume <- struct{}{}
	}

	select {
	case _, ok := <-wake:
		if !ok {
			runtime.Goexit()
		}
	case <-tb.bus.Done():
		runtime.Goexit()
	}
}

// sched switches from p to the scheduler of the hart p runs on. The caller
// must hold p.lock and no other lock, and must already have changed
// p.state. Intena is a property of the kernel thread, not the hart, so it is
// saved and restored around the switch; p may come back on another hart.
func (tb *Table) sched(p *Proc) {
	h := p.Hart()

	if !p.lock.Holding(p) {
		kfmt.Panic(errSchedLock)
	}
	if h.Noff != 1 {
		kfmt.Panic(errSchedLocks)
	}
	if p.state == Running {
		kfmt.Panic(errSchedRunning)
	}
	if h.IntrGet() {
		kfmt.Panic(errSchedInterruptible)
	}

	intena := h.Intena
	tb.swtch(&p.context, &tb.Mycpu(h).context)
	p.Hart().Intena = intena
}

// Yield gives up the hart for one scheduling round.
func (tb *Table) Yield(p *Proc) {
	p.lock.Acquire(p)
	p.state = Runnable
	tb.sched(p)
	p.lock.Release(p)
}

// forkret is where a new process starts on its first switch from the
// scheduler.
func (tb *Table) forkret(p *Proc) {
	// Still holding p.lock from the scheduler.
	p.lock.Release(p)

	if tb.firstRun.CompareAndSwap(false, true) && tb.FirstRun != nil {
		// File system initialization must be run in the context of a
		// regular process because it sleeps.
		tb.FirstRun(p)
	}

	if p.task != nil {
		tb.Exit(p, p.task(p))
	}

	if tb.UserReturn == nil {
		kfmt.Panic(errNoUserReturn)
	}
	tb.UserReturn(p)
}

// sleep atomically releases lk and sleeps on ch, reacquiring lk when
// woken.
func (tb *Table) sleep(p *Proc, ch interface{}, lk *sync.Spinlock) {
	// Once p.lock is held no Wakeup can be missed, because Wakeup locks
	// p.lock, so it is okay to release lk.
	p.lock.Acquire(p)
	lk.Release(p)
	sleepLockedFn(p, ch)

	p.waitChan = ch
	p.state = Sleeping

	tb.sched(p)

	p.waitChan = nil

	// reacquire original lock.
	p.lock.Release(p)
	lk.Acquire(p)
}

// Wakeup makes every process sleeping on ch runnable. It must be called
// without any process lock held. The caller's own process is skipped.
func (tb *Table) Wakeup(t cpu.Thread, ch interface{}) {
	me := tb.Myproc(t)
	for i := range tb.procs {
		p := &tb.procs[i]
		if p == me {
			continue
		}
		p.lock.Acquire(t)
		if p.state == Sleeping && p.waitChan == ch {
			p.state = Runnable
		}
		p.lock.Release(t)
	}
}
