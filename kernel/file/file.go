// Package file implements the system-wide open file table and the device
// switch that routes reads and writes on device files to their drivers.
package file

import (
	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/fs"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

// Type is the kind of object an open file refers to.
type Type uint8

const (
	// None marks an unused table slot.
	None Type = iota

	// Pipe files are one end of a pipe.
	Pipe

	// Inode files refer to a file system inode.
	Inode

	// Device files are served by a driver in the device switch.
	Device
)

var (
	// ErrTableFull is returned when every slot of the file table is in
	// use.
	ErrTableFull = &kernel.Error{Module: "file", Message: "file table full"}

	// ErrNotReadable is returned when reading a file opened write-only.
	ErrNotReadable = &kernel.Error{Module: "file", Message: "file not open for reading"}

	// ErrNotWritable is returned when writing a file opened read-only.
	ErrNotWritable = &kernel.Error{Module: "file", Message: "file not open for writing"}

	// ErrNoDevice is returned for device files without a driver.
	ErrNoDevice = &kernel.Error{Module: "file", Message: "no such device"}

	errBadDup   = &kernel.Error{Module: "file", Message: "filedup"}
	errBadClose = &kernel.Error{Module: "file", Message: "fileclose"}
	errBadRead  = &kernel.Error{Module: "file", Message: "fileread"}
	errBadWrite = &kernel.Error{Module: "file", Message: "filewrite"}
)

// File is an open file.
type File struct {
	typ      Type
	ref      int
	readable bool
	writable bool
	ip       *fs.Inode
	major    int
}

// Type returns the kind of the file.
func (f *File) Type() Type { return f.typ }

// Major returns the device number of a device file.
func (f *File) Major() int { return f.major }

// Table is the open file table.
type Table struct {
	lock  sync.Spinlock
	files [kernel.MaxFiles]File
	devsw [kernel.MaxDevices]device.CharDevice
	fs    *fs.FS
}

// NewTable returns an empty file table whose inode references are managed
// by fsys.
func NewTable(fsys *fs.FS) *Table {
	t := &Table{fs: fsys}
	t.lock.Init("ftable")
	return t
}

// Register installs dev in the device switch under major.
func (t *Table) Register(major int, dev device.CharDevice) {
	t.devsw[major] = dev
}

// Alloc returns a file with one reference or nil if the table is full.
func (t *Table) Alloc(th cpu.Thread) *File {
	t.lock.Acquire(th)
	defer t.lock.Release(th)

	for i := range t.files {
		if f := &t.files[i]; f.ref == 0 {
			f.ref = 1
			return f
		}
	}
	return nil
}

// Dup adds a reference to f.
func (t *Table) Dup(th cpu.Thread, f *File) *File {
	t.lock.Acquire(th)
	if f.ref < 1 {
		kfmt.Panic(errBadDup)
	}
	f.ref++
	t.lock.Release(th)
	return f
}

// Close drops a reference to f and releases the underlying object once the
// last reference is gone.
func (t *Table) Close(th cpu.Thread, f *File) {
	t.lock.Acquire(th)
	if f.ref < 1 {
		kfmt.Panic(errBadClose)
	}
	f.ref--
	if f.ref > 0 {
		t.lock.Release(th)
		return
	}

	ff := *f
	*f = File{}
	t.lock.Release(th)

	if (ff.typ == Inode || ff.typ == Device) && ff.ip != nil && t.fs != nil {
		t.fs.Put(th, ff.ip)
	}
}

// Refs returns the number of references held to f.
func (t *Table) Refs(th cpu.Thread, f *File) int {
	t.lock.Acquire(th)
	defer t.lock.Release(th)
	return f.ref
}

// OpenDevice opens the device registered under major.
func (t *Table) OpenDevice(th cpu.Thread, major int, readable, writable bool) (*File, *kernel.Error) {
	if major < 0 || major >= kernel.MaxDevices || t.devsw[major] == nil {
		return nil, ErrNoDevice
	}

	f := t.Alloc(th)
	if f == nil {
		return nil, ErrTableFull
	}
	f.typ, f.major = Device, major
	f.readable, f.writable = readable, writable
	return f, nil
}

// Read reads up to n bytes from f into the user address addr.
func (t *Table) Read(p device.Process, f *File, addr uintptr, n int) (int, *kernel.Error) {
	if !f.readable {
		return 0, ErrNotReadable
	}

	switch f.typ {
	case Device:
		if f.major < 0 || f.major >= kernel.MaxDevices || t.devsw[f.major] == nil {
			return 0, ErrNoDevice
		}
		return t.devsw[f.major].Read(p, true, addr, n)
	default:
		kfmt.Panic(errBadRead)
	}
	return 0, nil
}

// Write writes n bytes from the user address addr to f.
func (t *Table) Write(p device.Process, f *File, addr uintptr, n int) (int, *kernel.Error) {
	if !f.writable {
		return 0, ErrNotWritable
	}

	switch f.typ {
	case Device:
		if f.major < 0 || f.major >= kernel.MaxDevices || t.devsw[f.major] == nil {
			return 0, ErrNoDevice
		}
		return t.devsw[f.major].Write(p, true, addr, n)
	default:
		kfmt.Panic(errBadWrite)
	}
	return 0, nil
}
