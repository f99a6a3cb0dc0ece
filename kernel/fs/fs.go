// Package fs holds the parts of the on-disk file system the process layer
// depends on: the superblock, which is read lazily from inside the first
// process, and the in-memory inode table whose references processes hold
// for their current directory and open files.
package fs

import (
	"bytes"
	"encoding/binary"

	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

const (
	// BlockSize is the size of a disk block.
	BlockSize = 1024

	// Magic identifies a valid file system image.
	Magic = 0x10203040

	// RootIno is the inode number of the root directory.
	RootIno = 1

	// NumInodes is the number of slots in the in-memory inode table.
	NumInodes = 50

	// LogSize is the number of blocks reserved for the log.
	LogSize = 30

	dinodeSize     = 64
	inodesPerBlock = BlockSize / dinodeSize
	bitsPerBlock   = BlockSize * 8
)

var (
	errBadMagic = &kernel.Error{Module: "fs", Message: "invalid file system"}
	errNoInodes = &kernel.Error{Module: "fs", Message: "iget: no inodes"}
	errBadPut   = &kernel.Error{Module: "fs", Message: "iput: no references"}
)

// Superblock describes the disk layout:
// [ boot block | super block | log | inode blocks | free bit map | data blocks ]
type Superblock struct {
	Magic      uint32 // must be Magic
	Size       uint32 // size of file system image (blocks)
	NBlocks    uint32 // number of data blocks
	NInodes    uint32 // number of inodes
	NLog       uint32 // number of log blocks
	LogStart   uint32 // block number of first log block
	InodeStart uint32 // block number of first inode block
	BmapStart  uint32 // block number of first free map block
}

// MakeImage returns a formatted image of size blocks with room for ninodes
// inodes.
func MakeImage(size, ninodes uint32) []byte {
	ninodeblocks := ninodes/inodesPerBlock + 1
	nbitmap := size/bitsPerBlock + 1
	nmeta := 2 + LogSize + ninodeblocks + nbitmap

	sb := Superblock{
		Magic:      Magic,
		Size:       size,
		NBlocks:    size - nmeta,
		NInodes:    ninodes,
		NLog:       LogSize,
		LogStart:   2,
		InodeStart: 2 + LogSize,
		BmapStart:  2 + LogSize + ninodeblocks,
	}

	image := make([]byte, int(size)*BlockSize)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &sb)
	copy(image[BlockSize:], buf.Bytes())

	// mark the metadata blocks in use
	bmap := image[int(sb.BmapStart)*BlockSize:]
	for b := uint32(0); b < nmeta; b++ {
		bmap[b/8] |= 1 << (b % 8)
	}
	return image
}

// Inode is an in-memory reference to an inode.
type Inode struct {
	Dev  uint32
	Inum uint32
	ref  int
}

// FS is a mounted file system.
type FS struct {
	dev device.BlockDevice
	sb  Superblock

	lock   sync.Spinlock
	inodes [NumInodes]Inode
}

// New returns a file system stored on dev. It must be initialized with Init
// from process context before use.
func New(dev device.BlockDevice) *FS {
	f := &FS{dev: dev}
	f.lock.Init("itable")
	return f
}

// Init reads the superblock of device devno. It sleeps while the disk
// transfer is in flight, so it must run in a process. An image without the
// file system magic is fatal.
func (f *FS) Init(p device.Process, devno uint32) {
	buf := make([]byte, BlockSize)
	if err := f.dev.ReadWrite(p, 1, buf, false); err != nil {
		kfmt.Panic(err)
	}
	binary.Read(bytes.NewReader(buf), binary.LittleEndian, &f.sb)
	if f.sb.Magic != Magic {
		kfmt.Panic(errBadMagic)
	}
}

// Superblock returns the superblock read by Init.
func (f *FS) Superblock() Superblock { return f.sb }

// Get returns a reference to inode inum on device dev.
func (f *FS) Get(t cpu.Thread, dev, inum uint32) *Inode {
	f.lock.Acquire(t)
	defer f.lock.Release(t)

	var empty *Inode
	for i := range f.inodes {
		ip := &f.inodes[i]
		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			return ip
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}

	if empty == nil {
		kfmt.Panic(errNoInodes)
	}
	empty.Dev, empty.Inum, empty.ref = dev, inum, 1
	return empty
}

// Root returns a reference to the root directory.
func (f *FS) Root(t cpu.Thread) *Inode {
	return f.Get(t, kernel.RootDevice, RootIno)
}

// Dup adds a reference to ip.
func (f *FS) Dup(t cpu.Thread, ip *Inode) *Inode {
	f.lock.Acquire(t)
	ip.ref++
	f.lock.Release(t)
	return ip
}

// Put drops a reference to ip. The table slot is recycled once the last
// reference is gone.
func (f *FS) Put(t cpu.Thread, ip *Inode) {
	f.lock.Acquire(t)
	if ip.ref < 1 {
		kfmt.Panic(errBadPut)
	}
	ip.ref--
	f.lock.Release(t)
}

// Refs returns the number of references held to ip.
func (f *FS) Refs(t cpu.Thread, ip *Inode) int {
	f.lock.Acquire(t)
	defer f.lock.Release(t)
	return ip.ref
}
