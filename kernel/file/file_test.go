package file

import (
	"testing"

	"github.com/kennykguo/xv6-kernel-dev/device"
	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/fs"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

type fakeProc struct{ hart *cpu.Hart }

func (p fakeProc) Hart() *cpu.Hart                             { return p.hart }
func (p fakeProc) PID() int                                    { return 1 }
func (p fakeProc) Killed() bool                                { return false }
func (p fakeProc) Sleep(interface{}, *sync.Spinlock)           {}
func (p fakeProc) CopyOut(bool, uintptr, []byte) *kernel.Error { return nil }
func (p fakeProc) CopyIn(bool, []byte, uintptr) *kernel.Error  { return nil }

type call struct {
	write bool
	user  bool
	addr  uintptr
	n     int
}

type fakeDevice struct {
	calls []call
}

func (d *fakeDevice) Read(_ device.Process, user bool, dst uintptr, n int) (int, *kernel.Error) {
	d.calls = append(d.calls, call{false, user, dst, n})
	return n / 2, nil
}

func (d *fakeDevice) Write(_ device.Process, user bool, src uintptr, n int) (int, *kernel.Error) {
	d.calls = append(d.calls, call{true, user, src, n})
	return n, nil
}

func testProc() fakeProc {
	return fakeProc{hart: cpu.NewBus(mem.NewRAM(mm.KernBase, 4*mem.Kb), 1).Hart(0)}
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); !cpu.IsHalt(r) {
			t.Fatalf("expected the kernel to halt; got %v", r)
		}
	}()
	fn()
	t.Fatal("expected the kernel to halt")
}

func TestDeviceFiles(t *testing.T) {
	p := testProc()
	dev := &fakeDevice{}
	tbl := NewTable(nil)
	tbl.Register(kernel.ConsoleMajor, dev)

	t.Run("unknown device", func(t *testing.T) {
		if _, err := tbl.OpenDevice(p, 2, true, true); err != ErrNoDevice {
			t.Fatalf("expected ErrNoDevice; got %v", err)
		}
		if _, err := tbl.OpenDevice(p, kernel.MaxDevices, true, true); err != ErrNoDevice {
			t.Fatalf("expected ErrNoDevice; got %v", err)
		}
	})

	t.Run("read and write", func(t *testing.T) {
		f, err := tbl.OpenDevice(p, kernel.ConsoleMajor, true, true)
		if err != nil {
			t.Fatal(err)
		}
		if f.Type() != Device || f.Major() != kernel.ConsoleMajor {
			t.Fatalf("expected a console device file; got type %d major %d", f.Type(), f.Major())
		}

		if n, err := tbl.Read(p, f, 0x1000, 10); err != nil || n != 5 {
			t.Fatalf("expected the driver's byte count; got %d, %v", n, err)
		}
		if n, err := tbl.Write(p, f, 0x2000, 7); err != nil || n != 7 {
			t.Fatalf("expected the driver's byte count; got %d, %v", n, err)
		}

		exp := []call{{false, true, 0x1000, 10}, {true, true, 0x2000, 7}}
		if len(dev.calls) != len(exp) || dev.calls[0] != exp[0] || dev.calls[1] != exp[1] {
			t.Fatalf("expected driver calls %v; got %v", exp, dev.calls)
		}
		tbl.Close(p, f)
	})

	t.Run("permissions", func(t *testing.T) {
		ro, _ := tbl.OpenDevice(p, kernel.ConsoleMajor, true, false)
		wo, _ := tbl.OpenDevice(p, kernel.ConsoleMajor, false, true)
		if _, err := tbl.Write(p, ro, 0, 1); err != ErrNotWritable {
			t.Fatalf("expected ErrNotWritable; got %v", err)
		}
		if _, err := tbl.Read(p, wo, 0, 1); err != ErrNotReadable {
			t.Fatalf("expected ErrNotReadable; got %v", err)
		}
		tbl.Close(p, ro)
		tbl.Close(p, wo)
	})
}

func TestRefCounting(t *testing.T) {
	p := testProc()
	fsys := fs.New(nil)
	tbl := NewTable(fsys)

	f := tbl.Alloc(p)
	f.typ = Inode
	f.ip = fsys.Root(p)

	tbl.Dup(p, f)
	if got := tbl.Refs(p, f); got != 2 {
		t.Fatalf("expected 2 references; got %d", got)
	}

	tbl.Close(p, f)
	if got := fsys.Refs(p, f.ip); got != 1 {
		t.Fatalf("expected the inode to stay referenced while the file is open; got %d", got)
	}

	ip := f.ip
	tbl.Close(p, f)
	if got := fsys.Refs(p, ip); got != 0 {
		t.Fatalf("expected the last close to release the inode; got %d references", got)
	}
	if f.Type() != None {
		t.Fatal("expected the slot to be cleared")
	}

	expectHalt(t, func() { tbl.Close(p, f) })
}

func TestTableFull(t *testing.T) {
	p := testProc()
	tbl := NewTable(nil)
	tbl.Register(kernel.ConsoleMajor, &fakeDevice{})

	for i := 0; i < kernel.MaxFiles; i++ {
		if tbl.Alloc(p) == nil {
			t.Fatalf("expected slot %d to be available", i)
		}
	}
	if f := tbl.Alloc(p); f != nil {
		t.Fatal("expected a full table to return nil")
	}
	if _, err := tbl.OpenDevice(p, kernel.ConsoleMajor, true, true); err != ErrTableFull {
		t.Fatalf("expected ErrTableFull; got %v", err)
	}
}
