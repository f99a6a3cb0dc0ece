package syscall

import (
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/proc"
)

// Open modes.
const (
	ORdOnly = 0x000
	OWrOnly = 0x001
	ORdWr   = 0x002
	OCreate = 0x200
	OTrunc  = 0x400
)

// devices lists the names open resolves without a file system.
var devices = map[string]int{
	"console":  kernel.ConsoleMajor,
	"/console": kernel.ConsoleMajor,
}

func (d *Dispatcher) sysDup(p *proc.Proc) (uint64, *kernel.Error) {
	_, f, err := argFD(p, 0)
	if err != nil {
		return 0, err
	}
	nfd, err := p.AllocFD(f)
	if err != nil {
		return 0, err
	}
	d.files.Dup(p, f)
	return uint64(nfd), nil
}

func (d *Dispatcher) sysRead(p *proc.Proc) (uint64, *kernel.Error) {
	_, f, err := argFD(p, 0)
	if err != nil {
		return 0, err
	}
	n, err := d.files.Read(p, f, Addr(p, 1), Int(p, 2))
	if err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (d *Dispatcher) sysWrite(p *proc.Proc) (uint64, *kernel.Error) {
	_, f, err := argFD(p, 0)
	if err != nil {
		return 0, err
	}
	n, err := d.files.Write(p, f, Addr(p, 1), Int(p, 2))
	if err != nil && n == 0 {
		return 0, err
	}
	return uint64(n), nil
}

func (d *Dispatcher) sysClose(p *proc.Proc) (uint64, *kernel.Error) {
	fd, f, err := argFD(p, 0)
	if err != nil {
		return 0, err
	}
	p.CloseFD(fd)
	d.files.Close(p, f)
	return 0, nil
}

// sysOpen opens one of the devices in the device namespace; there is no
// file system to create or look up other paths in.
func (d *Dispatcher) sysOpen(p *proc.Proc) (uint64, *kernel.Error) {
	path, err := Str(p, 0, kernel.MaxPath)
	if err != nil {
		return 0, err
	}
	omode := Int(p, 1)

	major, ok := devices[path]
	if !ok {
		return 0, ErrNoEntry
	}

	readable := omode&OWrOnly == 0
	writable := omode&OWrOnly != 0 || omode&ORdWr != 0
	f, err := d.files.OpenDevice(p, major, readable, writable)
	if err != nil {
		return 0, err
	}

	nfd, err := p.AllocFD(f)
	if err != nil {
		d.files.Close(p, f)
		return 0, err
	}
	return uint64(nfd), nil
}
