// Package kmain assembles a machine from its parts and boots the kernel on
// every hart.
package kmain

import (
	"io"
	"os"

	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/device/console"
	"github.com/kennykguo/xv6-kernel-dev/device/disk"
	"github.com/kennykguo/xv6-kernel-dev/device/uart"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/clock"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/file"
	"github.com/kennykguo/xv6-kernel-dev/kernel/fs"
	"github.com/kennykguo/xv6-kernel-dev/kernel/hal"
	"github.com/kennykguo/xv6-kernel-dev/kernel/irq"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm/pmm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm/vmm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/proc"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
	"github.com/kennykguo/xv6-kernel-dev/kernel/syscall"
	"github.com/kennykguo/xv6-kernel-dev/kernel/trap"
	"github.com/kennykguo/xv6-kernel-dev/user"
)

const (
	// MinMemory is the smallest amount of RAM the kernel boots with.
	MinMemory = 4 * mem.Mb

	// MinDiskBlocks is the smallest disk that holds a file system.
	MinDiskBlocks = 64

	// diskInodes is the number of inodes in a freshly made disk image.
	diskInodes = 200
)

// image is where the kernel image sits in RAM. The trap vectors are at
// fixed offsets in its text and the trampoline occupies the last text page.
var image = mm.KernelImage{
	Text:           mm.KernBase,
	Etext:          mm.KernBase + 0x8000,
	TrampolineText: mm.KernBase + 0x7000,
	End:            mm.KernBase + 0x10000,
}

var (
	errBadHarts  = &kernel.Error{Module: "kmain", Message: "number of harts out of range"}
	errBadMemory = &kernel.Error{Module: "kmain", Message: "not enough memory"}
	errBadDisk   = &kernel.Error{Module: "kmain", Message: "disk too small for a file system"}
	errBadInit   = &kernel.Error{Module: "kmain", Message: "init program larger than a page"}
)

// Config describes the machine to build.
type Config struct {
	// Harts is the number of cores.
	Harts int

	// Memory is the amount of RAM.
	Memory mem.Size

	// TimerInterval is the number of cpu.TimeUnits between two timer
	// interrupts on each hart.
	TimerInterval uint64

	// ConsoleIn feeds the serial port. It may be nil.
	ConsoleIn io.Reader

	// ConsoleOut receives everything the serial port transmits.
	ConsoleOut io.Writer

	// DiskBlocks is the size of the disk in blocks. A machine with no
	// disk boots without a file system.
	DiskBlocks uint32

	// Init is the program run by the first process. If nil, user.Init()
	// is used.
	Init []byte
}

// DefaultConfig returns the configuration of the reference machine.
func DefaultConfig() Config {
	return Config{
		Harts:         3,
		Memory:        128 * mem.Mb,
		TimerInterval: 1000000,
		ConsoleOut:    os.Stdout,
		DiskBlocks:    2000,
	}
}

func (cfg *Config) validate() *kernel.Error {
	switch {
	case cfg.Harts < 1 || cfg.Harts > kernel.MaxCPU:
		return errBadHarts
	case cfg.Memory < MinMemory:
		return errBadMemory
	case cfg.DiskBlocks != 0 && cfg.DiskBlocks < MinDiskBlocks:
		return errBadDisk
	case uintptr(len(cfg.Init)) >= mm.PageSize:
		return errBadInit
	}
	return nil
}

// Machine is a running kernel.
type Machine struct {
	cfg Config

	bus    *cpu.Bus
	frames pmm.Allocator
	vm     *vmm.Manager
	kpt    vmm.PageTable
	procs  *proc.Table
	files  *file.Table
	clock  *clock.Clock
	traps  *trap.Dispatcher

	plic *irq.PLIC
	uart *uart.UART
	cons *console.Console
	disk *disk.Disk
	fsys *fs.FS

	devices hal.Devices

	// started is opened by hart 0 once the machine-wide state is
	// initialized.
	started sync.Latch
}

// Boot builds the machine described by cfg and starts the kernel on every
// hart.
func Boot(cfg Config) (*Machine, *kernel.Error) {
	if cfg.Init == nil {
		cfg.Init = user.Init()
	}
	if cfg.ConsoleOut == nil {
		cfg.ConsoleOut = io.Discard
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	m := &Machine{cfg: cfg}
	ram := mem.NewRAM(mm.KernBase, cfg.Memory)
	m.bus = cpu.NewBus(ram, cfg.Harts)
	m.vm = vmm.NewManager(ram, &m.frames)
	m.procs = proc.NewTable(m.bus, m.vm, &m.frames, image.TrampolineText)
	m.clock = clock.New(m.procs)

	m.plic = irq.New(m.bus)
	m.uart = uart.New(cfg.ConsoleOut, m.plic)
	m.cons = console.New(m.uart, m.procs, func(t cpu.Thread) { m.procs.Dump(t, m.uart) })
	if cfg.DiskBlocks != 0 {
		m.disk = disk.New(fs.MakeImage(cfg.DiskBlocks, diskInodes), m.plic, m.procs)
		m.fsys = fs.New(m.disk)
	}

	m.files = file.NewTable(m.fsys)
	m.traps = trap.New(m.bus, m.procs, syscall.New(m.procs, m.files, m.clock), m.plic, m.clock, image, cfg.TimerInterval)

	for i := 0; i < cfg.Harts; i++ {
		h := m.bus.Hart(i)
		h.SetTP(uint64(i))
		if i == 0 {
			m.bus.Go(func() { m.main(h) })
		} else {
			m.bus.Go(func() { m.secondary(h) })
		}
	}

	if cfg.ConsoleIn != nil {
		m.uart.Attach(cfg.ConsoleIn)
	}
	return m, nil
}

// main boots the kernel on hart 0 and enters its scheduler.
func (m *Machine) main(h *cpu.Hart) {
	kfmt.SetOutputSink(nil)
	m.devices.DetectHardware(device.DriverInfoList{
		{Order: device.DetectOrderEarly, Probe: m.probeUART},
		{Order: device.DetectOrderDevices, Probe: m.probeConsole},
	})
	kfmt.Printf("\nxv6 kernel is booting\n\n")

	ram := m.bus.RAM()
	m.frames.Init(h, ram, image.End, ram.End())
	m.kpt = m.vm.MakeKernel(h, image, m.procs.MapStacks)
	vmm.Activate(h, m.kpt)
	m.procs.Init()
	m.traps.Init()
	m.traps.InitHart(h)

	m.devices.DetectHardware(device.DriverInfoList{
		{Order: device.DetectOrderInterrupts, Probe: m.probePLIC},
	})
	m.plic.InitHart(h)

	m.files.Register(kernel.ConsoleMajor, m.cons)
	m.devices.DetectHardware(device.DriverInfoList{
		{Order: device.DetectOrderDevices, Probe: m.probeDisk},
	})
	m.procs.AttachFiles(m.files, m.fsys)

	// The superblock read sleeps on the disk, so it has to happen in
	// process context.
	m.procs.FirstRun = func(p *proc.Proc) {
		if m.fsys != nil {
			m.fsys.Init(p, kernel.RootDevice)
		}
	}
	m.procs.UserInit(h, m.cfg.Init)

	m.started.Open()
	m.procs.Scheduler(h)
}

// secondary waits for hart 0 to finish booting, then turns on paging and
// traps and enters the scheduler.
func (m *Machine) secondary(h *cpu.Hart) {
	m.started.Wait(h)
	kfmt.Printf("hart %d starting\n", h.ID())

	vmm.Activate(h, m.kpt)
	m.traps.InitHart(h)
	m.plic.InitHart(h)
	m.procs.Scheduler(h)
}

func (m *Machine) probeUART() device.Driver {
	m.traps.HandleIRQ(mm.UART0IRQ, m.uart.Intr)
	return m.uart
}

func (m *Machine) probeConsole() device.Driver {
	return m.cons
}

func (m *Machine) probePLIC() device.Driver {
	return m.plic
}

func (m *Machine) probeDisk() device.Driver {
	if m.disk == nil {
		return nil
	}
	m.traps.HandleIRQ(mm.Virtio0IRQ, m.disk.Intr)
	return m.disk
}

// Console returns the serial port the console is attached to. Bytes fed to
// it arrive as console input.
func (m *Machine) Console() *uart.UART {
	return m.uart
}

// PowerOff stops the machine.
func (m *Machine) PowerOff() {
	m.bus.PowerOff()
}

// Done is closed when the machine stops.
func (m *Machine) Done() <-chan struct{} {
	return m.bus.Done()
}

// Wait blocks until the machine has stopped. It returns nil after PowerOff
// and the fatal error otherwise.
func (m *Machine) Wait() error {
	return m.bus.Wait()
}
