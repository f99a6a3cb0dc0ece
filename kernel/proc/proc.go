// Package proc implements processes: the fixed process table, process
// creation and teardown, the per-hart scheduler with its context switch, and
// the sleep/wakeup rendezvous.
//
// Every process owns one goroutine that runs its kernel code and, through
// the hart interpreter, its user code. A goroutine only executes while it
// holds a hart; harts are handed from one goroutine to the next exclusively
// by the context switch.
package proc

import (
	"sync/atomic"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/file"
	"github.com/kennykguo/xv6-kernel-dev/kernel/fs"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm/vmm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

// State is the scheduling state of a process.
type State uint8

const (
	// Unused slots are free for allocation.
	Unused State = iota

	// Used slots are being set up or torn down.
	Used

	// Sleeping processes wait for a Wakeup on their channel.
	Sleeping

	// Runnable processes wait for a hart.
	Runnable

	// Running processes execute on a hart.
	Running

	// Zombie processes have exited and wait for their parent to reap
	// them.
	Zombie
)

var stateNames = [...]string{"unused", "used", "sleep ", "runble", "run   ", "zombie"}

// String returns the state name as printed by Dump.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "???"
}

var (
	// ErrNoSlot is returned when the process table is full.
	ErrNoSlot = &kernel.Error{Module: "proc", Message: "process table full"}

	// ErrNoChildren is returned by Wait when the caller has no children.
	ErrNoChildren = &kernel.Error{Module: "proc", Message: "no children"}

	// ErrNoProcess is returned by Kill when no process has the given pid.
	ErrNoProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrKilled is returned by blocking calls interrupted by Kill.
	ErrKilled = &kernel.Error{Module: "proc", Message: "killed"}

	// ErrBadSize is returned by Grow when asked to shrink below zero.
	ErrBadSize = &kernel.Error{Module: "proc", Message: "bad size"}

	// ErrTooManyFiles is returned when every descriptor of a process is in
	// use.
	ErrTooManyFiles = &kernel.Error{Module: "proc", Message: "too many open files"}
)

// Context is the saved continuation of a kernel thread. A thread parked in
// the context switch waits on resume; a context that has never run starts
// at entry instead.
type Context struct {
	resume chan struct{}
	entry  func()
}

func newContext(entry func()) Context {
	return Context{resume: make(chan struct{}, 1), entry: entry}
}

// Cpu is the per-hart scheduler state.
type Cpu struct {
	hart    *cpu.Hart
	proc    *Proc // the process running on this hart, or nil
	context Context
}

// Hart returns the hart the Cpu belongs to.
func (c *Cpu) Hart() *cpu.Hart { return c.hart }

// Proc returns the process running on the hart, or nil.
func (c *Cpu) Proc() *Proc { return c.proc }

// Body is the code of a kernel thread; it returns the exit status.
type Body func(p *Proc) int

// Proc is a process table slot.
type Proc struct {
	table *Table
	lock  sync.Spinlock

	// lock must be held when using these
	state    State
	waitChan interface{}
	killed   bool
	xstate   int
	pid      int

	// table.waitLock must be held when using this
	parent *Proc

	// these are private to the process, so lock need not be held
	kstack    uintptr
	sz        uintptr
	pagetable vmm.PageTable
	trapframe uintptr
	context   Context
	ofile     [kernel.MaxOpenFiles]*file.File
	cwd       *fs.Inode
	name      string
	task      Body

	// set by the scheduler before switching to the process
	hart *cpu.Hart
}

// Hart returns the hart the process is executing on. It is only meaningful
// to the process itself.
func (p *Proc) Hart() *cpu.Hart { return p.hart }

// PID returns the process id.
func (p *Proc) PID() int { return p.pid }

// Name returns the process name.
func (p *Proc) Name() string { return p.name }

// Size returns the size of the user image in bytes.
func (p *Proc) Size() uintptr { return p.sz }

// Pagetable returns the user page table.
func (p *Proc) Pagetable() vmm.PageTable { return p.pagetable }

// Trapframe returns the process's trapframe.
func (p *Proc) Trapframe() Trapframe { return NewTrapframe(p.table.ram, p.trapframe) }

// KStack returns the virtual address of the bottom of the kernel stack.
func (p *Proc) KStack() uintptr { return p.kstack }

// Cwd returns the current directory.
func (p *Proc) Cwd() *fs.Inode { return p.cwd }

// Killed reports whether the process has been killed.
func (p *Proc) Killed() bool {
	p.lock.Acquire(p)
	k := p.killed
	p.lock.Release(p)
	return k
}

// SetKilled marks the process as killed.
func (p *Proc) SetKilled() {
	p.lock.Acquire(p)
	p.killed = true
	p.lock.Release(p)
}

// Sleep atomically releases lk and sleeps on ch. lk is reacquired when the
// process wakes up.
func (p *Proc) Sleep(ch interface{}, lk *sync.Spinlock) {
	p.table.sleep(p, ch, lk)
}

// File returns the file open as descriptor fd, or nil.
func (p *Proc) File(fd int) *file.File {
	if fd < 0 || fd >= len(p.ofile) {
		return nil
	}
	return p.ofile[fd]
}

// AllocFD installs f as the lowest free descriptor.
func (p *Proc) AllocFD(f *file.File) (int, *kernel.Error) {
	for fd := range p.ofile {
		if p.ofile[fd] == nil {
			p.ofile[fd] = f
			return fd, nil
		}
	}
	return -1, ErrTooManyFiles
}

// CloseFD removes descriptor fd and returns the file it referred to.
func (p *Proc) CloseFD(fd int) *file.File {
	f := p.File(fd)
	if f != nil {
		p.ofile[fd] = nil
	}
	return f
}

// CopyOut copies src to a user virtual address, or to a kernel (physical)
// address if user is false.
func (p *Proc) CopyOut(user bool, dst uintptr, src []byte) *kernel.Error {
	if user {
		return p.table.vm.CopyOut(p.pagetable, dst, src)
	}
	b := p.table.ram.Slice(dst, uintptr(len(src)))
	if b == nil {
		return vmm.ErrBadAddress
	}
	copy(b, src)
	return nil
}

// CopyIn fills dst from a user virtual address, or from a kernel (physical)
// address if user is false.
func (p *Proc) CopyIn(user bool, dst []byte, src uintptr) *kernel.Error {
	if user {
		return p.table.vm.CopyIn(p.pagetable, dst, src)
	}
	b := p.table.ram.Slice(src, uintptr(len(dst)))
	if b == nil {
		return vmm.ErrBadAddress
	}
	copy(dst, b)
	return nil
}

// CopyInString copies a NUL-terminated string of at most max bytes
// (including the NUL) from a user virtual address.
func (p *Proc) CopyInString(src uintptr, max int) (string, *kernel.Error) {
	return p.table.vm.CopyInString(p.pagetable, src, max)
}

// Table is the process table together with the per-hart scheduler state.
type Table struct {
	procs [kernel.MaxProc]Proc
	cpus  [kernel.MaxCPU]Cpu

	pidLock sync.Spinlock
	nextPID int

	// waitLock helps ensure that wakeups of waiting parents are not
	// lost. It guards every process's parent field and is always
	// acquired before any process lock.
	waitLock sync.Spinlock
	initProc atomic.Pointer[Proc]

	bus        *cpu.Bus
	ram        *mem.RAM
	vm         *vmm.Manager
	frames     mm.FrameAllocator
	trampoline uintptr
	files      *file.Table
	fs         *fs.FS

	firstRun atomic.Bool

	// FirstRun runs once, in the context of the first process to be
	// scheduled, before it returns to user space. It is used for
	// initialization that must be able to sleep.
	FirstRun func(p *Proc)

	// UserReturn enters user space for the first time and keeps serving
	// the process's traps. It never returns.
	UserReturn func(p *Proc)
}

// NewTable returns a process table for the machine on bus. trampoline is
// the physical page holding the trampoline code, mapped into every user
// address space.
func NewTable(bus *cpu.Bus, vm *vmm.Manager, frames mm.FrameAllocator, trampoline uintptr) *Table {
	return &Table{
		bus:        bus,
		ram:        bus.RAM(),
		vm:         vm,
		frames:     frames,
		trampoline: trampoline,
	}
}

// AttachFiles connects the table to the open file table and the file
// system so processes can hold descriptors and a current directory.
func (tb *Table) AttachFiles(files *file.Table, fsys *fs.FS) {
	tb.files, tb.fs = files, fsys
}

// Init initializes the process table.
func (tb *Table) Init() {
	tb.pidLock.Init("nextpid")
	tb.waitLock.Init("wait_lock")
	tb.nextPID = 1

	for i := range tb.procs {
		p := &tb.procs[i]
		p.table = tb
		p.lock.Init("proc")
		p.state = Unused
		p.kstack = mm.KStack(i)
	}
	for i := 0; i < tb.bus.NumHarts() && i < kernel.MaxCPU; i++ {
		tb.cpus[i].hart = tb.bus.Hart(i)
		tb.cpus[i].context = newContext(nil)
	}
}

// MapStacks allocates a page for each process's kernel stack and maps it
// high in the kernel page table, followed by an invalid guard page.
func (tb *Table) MapStacks(t cpu.Thread, kpt vmm.PageTable) {
	for i := range tb.procs {
		pa, err := tb.frames.Alloc(t)
		if err != nil {
			kfmt.Panic(&kernel.Error{Module: "proc", Message: "kstack: out of memory"})
		}
		tb.vm.KernelMap(t, kpt, mm.KStack(i), pa, mm.PageSize, mm.FlagRead|mm.FlagWrite)
	}
}

// Mycpu returns the scheduler state of the hart t runs on. The kernel keeps
// the hart id in tp.
func (tb *Table) Mycpu(t cpu.Thread) *Cpu {
	return &tb.cpus[t.Hart().TP()]
}

// Myproc returns the process running on the hart t runs on, or nil.
func (tb *Table) Myproc(t cpu.Thread) *Proc {
	sync.PushOff(t)
	p := tb.Mycpu(t).proc
	sync.PopOff(t)
	return p
}

// InitProc returns the init process.
func (tb *Table) InitProc() *Proc { return tb.initProc.Load() }

func (tb *Table) allocPID(t cpu.Thread) int {
	tb.pidLock.Acquire(t)
	pid := tb.nextPID
	tb.nextPID++
	tb.pidLock.Release(t)
	return pid
}

// allocProc looks for an unused slot and prepares it to run in the kernel:
// a trapframe page, a user page table with the trampoline and trapframe
// mapped, and a context whose first switch enters forkret. It returns with
// the slot's lock held.
func (tb *Table) allocProc(t cpu.Thread) (*Proc, *kernel.Error) {
	var p *Proc
	for i := range tb.procs {
		tb.procs[i].lock.Acquire(t)
		if tb.procs[i].state == Unused {
			p = &tb.procs[i]
			break
		}
		tb.procs[i].lock.Release(t)
	}
	if p == nil {
		return nil, ErrNoSlot
	}

	p.pid = tb.allocPID(t)
	p.state = Used

	pa, err := tb.frames.Alloc(t)
	if err != nil {
		tb.freeProc(t, p)
		p.lock.Release(t)
		return nil, err
	}
	p.trapframe = pa
	tb.ram.Memset(pa, 0, mem.Size(mm.PageSize))

	if p.pagetable, err = tb.procPagetable(t, p); err != nil {
		tb.freeProc(t, p)
		p.lock.Release(t)
		return nil, err
	}

	p.context = newContext(func() { tb.forkret(p) })
	return p, nil
}

// freeProc releases everything a slot owns, including user pages, and
// marks it unused. p.lock must be held. A goroutine still parked on the
// slot's context exits.
func (tb *Table) freeProc(t cpu.Thread, p *Proc) {
	if p.trapframe != 0 {
		tb.frames.Free(t, p.trapframe)
	}
	p.trapframe = 0
	if p.pagetable != 0 {
		tb.FreePagetable(t, p.pagetable, p.sz)
	}
	if p.context.resume != nil {
		close(p.context.resume)
	}
	p.context = Context{}
	p.pagetable = 0
	p.sz = 0
	p.pid = 0
	p.parent = nil
	p.name = ""
	p.waitChan = nil
	p.killed = false
	p.xstate = 0
	p.task = nil
	p.hart = nil
	p.state = Unused
}

// procPagetable creates a user page table with no user memory but with the
// trampoline and trapframe pages.
func (tb *Table) procPagetable(t cpu.Thread, p *Proc) (vmm.PageTable, *kernel.Error) {
	pt, err := tb.vm.Create(t)
	if err != nil {
		return 0, err
	}

	// The trampoline is only used by the kernel on the way to and from
	// user space, so it is not PTE_U.
	if err = tb.vm.Map(t, pt, mm.Trampoline, mm.PageSize, tb.trampoline, mm.FlagRead|mm.FlagExec); err != nil {
		tb.vm.Free(t, pt, 0)
		return 0, err
	}

	if err = tb.vm.Map(t, pt, mm.Trapframe, mm.PageSize, p.trapframe, mm.FlagRead|mm.FlagWrite); err != nil {
		tb.vm.Unmap(t, pt, mm.Trampoline, 1, false)
		tb.vm.Free(t, pt, 0)
		return 0, err
	}

	return pt, nil
}

// FreePagetable frees a process's page table and the sz bytes of user
// memory it maps.
func (tb *Table) FreePagetable(t cpu.Thread, pt vmm.PageTable, sz uintptr) {
	tb.vm.Unmap(t, pt, mm.Trampoline, 1, false)
	tb.vm.Unmap(t, pt, mm.Trapframe, 1, false)
	tb.vm.Free(t, pt, sz)
}
