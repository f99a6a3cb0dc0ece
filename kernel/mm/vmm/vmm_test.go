package vmm

import (
	"bytes"
	"io"
	"testing"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm/pmm"
)

// limitedFrames fails allocations once its budget is exhausted.
type limitedFrames struct {
	*pmm.Allocator
	budget int
}

func (l *limitedFrames) Alloc(t cpu.Thread) (uintptr, *kernel.Error) {
	if l.budget == 0 {
		return 0, pmm.ErrOutOfMemory
	}
	l.budget--
	return l.Allocator.Alloc(t)
}

type testEnv struct {
	h      *cpu.Hart
	ram    *mem.RAM
	frames *limitedFrames
	vm     *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	kfmt.SetOutputSink(io.Discard)
	ram := mem.NewRAM(mm.KernBase, 1*mem.Mb)
	h := cpu.NewBus(ram, 1).Hart(0)

	alloc := &pmm.Allocator{}
	alloc.Init(h, ram, mm.KernBase+uintptr(64*mem.Kb), ram.End())
	frames := &limitedFrames{Allocator: alloc, budget: -1}

	return &testEnv{h: h, ram: ram, frames: frames, vm: NewManager(ram, frames)}
}

func (e *testEnv) freePages() int { return e.frames.FreePages(e.h) }

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

func TestMapTranslateUnmap(t *testing.T) {
	e := newTestEnv(t)
	pt, err := e.vm.Create(e.h)
	if err != nil {
		t.Fatal(err)
	}

	page, _ := e.frames.Alloc(e.h)
	va := uintptr(0x40000000)
	if err := e.vm.Map(e.h, pt, va, mm.PageSize, page, mm.FlagRead|mm.FlagWrite|mm.FlagUser); err != nil {
		t.Fatal(err)
	}

	pa, flags, err := e.vm.Translate(pt, va+0x123)
	if err != nil {
		t.Fatal(err)
	}
	if pa != page+0x123 {
		t.Fatalf("expected translation to 0x%x; got 0x%x", page+0x123, pa)
	}
	if exp := mm.FlagValid | mm.FlagRead | mm.FlagWrite | mm.FlagUser; flags != exp {
		t.Fatalf("expected flags 0x%x; got 0x%x", exp, flags)
	}

	if got, err := e.vm.TranslateUser(pt, va); err != nil || got != page {
		t.Fatalf("expected TranslateUser to return 0x%x; got 0x%x, %v", page, got, err)
	}

	before := e.freePages()
	e.vm.Unmap(e.h, pt, va, 1, true)
	if _, _, err := e.vm.Translate(pt, va); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after Unmap; got %v", err)
	}
	if got := e.freePages(); got != before+1 {
		t.Fatalf("expected Unmap to free the page; free pages %d -> %d", before, got)
	}
}

func TestTranslateUserRequiresUserBit(t *testing.T) {
	e := newTestEnv(t)
	pt, _ := e.vm.Create(e.h)
	page, _ := e.frames.Alloc(e.h)
	e.vm.Map(e.h, pt, mm.Trapframe, mm.PageSize, page, mm.FlagRead|mm.FlagWrite)

	if _, err := e.vm.TranslateUser(pt, mm.Trapframe); err != ErrInvalidMapping {
		t.Fatalf("expected supervisor page to be invisible to TranslateUser; got %v", err)
	}
	if _, err := e.vm.TranslateUser(pt, mm.MaxVA); err != ErrInvalidMapping {
		t.Fatalf("expected address beyond MaxVA to fail; got %v", err)
	}
}

func TestMapMisuse(t *testing.T) {
	e := newTestEnv(t)
	pt, _ := e.vm.Create(e.h)
	page, _ := e.frames.Alloc(e.h)
	e.vm.Map(e.h, pt, 0, mm.PageSize, page, mm.FlagRead|mm.FlagUser)

	specs := []struct {
		descr string
		fn    func()
	}{
		{"remap", func() { e.vm.Map(e.h, pt, 0, mm.PageSize, page, mm.FlagRead) }},
		{"unaligned va", func() { e.vm.Map(e.h, pt, 0x10, mm.PageSize, page, mm.FlagRead) }},
		{"unaligned size", func() { e.vm.Map(e.h, pt, 0x1000, 100, page, mm.FlagRead) }},
		{"zero size", func() { e.vm.Map(e.h, pt, 0x1000, 0, page, mm.FlagRead) }},
		{"walk beyond MaxVA", func() { e.vm.Walk(e.h, pt, mm.MaxVA, true) }},
		{"unmap missing page", func() { e.vm.Unmap(e.h, pt, 0x1000, 1, false) }},
		{"unmap unaligned", func() { e.vm.Unmap(e.h, pt, 0x10, 1, false) }},
		{"free with leaf left", func() { e.vm.Free(e.h, pt, 0) }},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			expectHalt(t, spec.fn)
		})
	}
}

func TestGrowShrinkFree(t *testing.T) {
	e := newTestEnv(t)
	initial := e.freePages()

	pt, _ := e.vm.Create(e.h)
	sz, err := e.vm.Grow(e.h, pt, 0, 3*mm.PageSize+10, mm.FlagWrite)
	if err != nil {
		t.Fatal(err)
	}
	if sz != 3*mm.PageSize+10 {
		t.Fatalf("expected new size %d; got %d", 3*mm.PageSize+10, sz)
	}

	// grown memory is zeroed and writable
	if err := e.vm.CopyOut(pt, 3*mm.PageSize, []byte("x")); err != nil {
		t.Fatalf("expected the fourth page to be writable; got %v", err)
	}
	buf := make([]byte, 16)
	e.vm.CopyIn(pt, buf, mm.PageSize)
	if !bytes.Equal(buf, make([]byte, 16)) {
		t.Fatal("expected grown memory to be zeroed")
	}

	if got := e.vm.Shrink(e.h, pt, sz, mm.PageSize); got != mm.PageSize {
		t.Fatalf("expected Shrink to return %d; got %d", mm.PageSize, got)
	}
	if _, err := e.vm.TranslateUser(pt, mm.PageSize); err != ErrInvalidMapping {
		t.Fatal("expected pages above the new size to be unmapped")
	}

	e.vm.Free(e.h, pt, mm.PageSize)
	if got := e.freePages(); got != initial {
		t.Fatalf("expected all pages to be returned; free pages %d -> %d", initial, got)
	}
}

func TestGrowFailureReleasesPages(t *testing.T) {
	e := newTestEnv(t)
	pt, _ := e.vm.Create(e.h)
	before := e.freePages()

	// enough for the intermediate tables and two pages but not four
	e.frames.budget = 4
	if _, err := e.vm.Grow(e.h, pt, 0, 4*mm.PageSize, mm.FlagWrite); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	e.frames.budget = -1

	if _, err := e.vm.TranslateUser(pt, 0); err != ErrInvalidMapping {
		t.Fatal("expected partially grown pages to be unmapped")
	}
	// the two intermediate tables stay attached to pt
	if got := e.freePages(); got != before-2 {
		t.Fatalf("expected %d free pages; got %d", before-2, got)
	}
}

func TestCopy(t *testing.T) {
	e := newTestEnv(t)
	parent, _ := e.vm.Create(e.h)
	child, _ := e.vm.Create(e.h)

	sz, _ := e.vm.Grow(e.h, parent, 0, 2*mm.PageSize, mm.FlagWrite)
	e.vm.CopyOut(parent, 100, []byte("parent"))

	if err := e.vm.Copy(e.h, parent, child, sz); err != nil {
		t.Fatal(err)
	}

	e.vm.CopyOut(child, 100, []byte("CHILD!"))

	buf := make([]byte, 6)
	e.vm.CopyIn(parent, buf, 100)
	if string(buf) != "parent" {
		t.Fatalf("expected the parent to be unaffected by child writes; got %q", buf)
	}
	e.vm.CopyIn(child, buf, 100)
	if string(buf) != "CHILD!" {
		t.Fatalf("expected the child to see its own write; got %q", buf)
	}

	_, pflags, _ := e.vm.Translate(parent, mm.PageSize)
	_, cflags, _ := e.vm.Translate(child, mm.PageSize)
	if pflags != cflags {
		t.Fatalf("expected permissions to be copied; parent 0x%x child 0x%x", pflags, cflags)
	}
}

func TestCopyRollback(t *testing.T) {
	e := newTestEnv(t)
	parent, _ := e.vm.Create(e.h)
	child, _ := e.vm.Create(e.h)
	sz, _ := e.vm.Grow(e.h, parent, 0, 4*mm.PageSize, mm.FlagWrite)
	before := e.freePages()

	// two intermediate tables plus two of the four pages
	e.frames.budget = 4
	if err := e.vm.Copy(e.h, parent, child, sz); err != pmm.ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
	e.frames.budget = -1

	for va := uintptr(0); va < sz; va += mm.PageSize {
		if _, err := e.vm.TranslateUser(child, va); err != ErrInvalidMapping {
			t.Fatalf("expected no mapping at 0x%x after a failed copy", va)
		}
	}
	if got := e.freePages(); got != before-2 {
		t.Fatalf("expected only the child's page tables to stay allocated; free pages %d -> %d", before, got)
	}
}

func TestCopyOutCopyIn(t *testing.T) {
	e := newTestEnv(t)
	pt, _ := e.vm.Create(e.h)
	sz, _ := e.vm.Grow(e.h, pt, 0, 2*mm.PageSize, mm.FlagWrite)

	ro, _ := e.frames.Alloc(e.h)
	e.vm.Map(e.h, pt, sz, mm.PageSize, ro, mm.FlagRead|mm.FlagUser)

	t.Run("across a page boundary", func(t *testing.T) {
		msg := []byte("hello, world")
		va := mm.PageSize - 5
		if err := e.vm.CopyOut(pt, va, msg); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, len(msg))
		if err := e.vm.CopyIn(pt, buf, va); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, msg) {
			t.Fatalf("expected %q; got %q", msg, buf)
		}
	})

	t.Run("read-only destination", func(t *testing.T) {
		if err := e.vm.CopyOut(pt, sz+8, []byte("x")); err != ErrBadAddress {
			t.Fatalf("expected ErrBadAddress; got %v", err)
		}
	})

	t.Run("unmapped source", func(t *testing.T) {
		if err := e.vm.CopyIn(pt, make([]byte, 4), sz+mm.PageSize); err != ErrBadAddress {
			t.Fatalf("expected ErrBadAddress; got %v", err)
		}
	})

	t.Run("beyond MaxVA", func(t *testing.T) {
		if err := e.vm.CopyOut(pt, mm.MaxVA, []byte("x")); err != ErrBadAddress {
			t.Fatalf("expected ErrBadAddress; got %v", err)
		}
	})
}

func TestCopyInString(t *testing.T) {
	e := newTestEnv(t)
	pt, _ := e.vm.Create(e.h)
	e.vm.Grow(e.h, pt, 0, 2*mm.PageSize, mm.FlagWrite)

	va := mm.PageSize - 3
	e.vm.CopyOut(pt, va, []byte("console\x00"))

	specs := []struct {
		max    int
		exp    string
		expErr *kernel.Error
	}{
		{128, "console", nil},
		{8, "console", nil},
		{7, "", ErrBadAddress},
	}

	for specIndex, spec := range specs {
		got, err := e.vm.CopyInString(pt, va, spec.max)
		if got != spec.exp || err != spec.expErr {
			t.Errorf("[spec %d] expected (%q, %v); got (%q, %v)", specIndex, spec.exp, spec.expErr, got, err)
		}
	}

	if _, err := e.vm.CopyInString(pt, 2*mm.PageSize, 16); err != ErrBadAddress {
		t.Fatalf("expected ErrBadAddress for unmapped string; got %v", err)
	}
}

func TestMakeKernel(t *testing.T) {
	e := newTestEnv(t)
	image := mm.KernelImage{
		Text:           mm.KernBase,
		Etext:          mm.KernBase + 0x8000,
		End:            mm.KernBase + 0x10000,
		TrampolineText: mm.KernBase + 0x7000,
	}

	var stacksMapped bool
	kpt := e.vm.MakeKernel(e.h, image, func(t cpu.Thread, kpt PageTable) {
		stacksMapped = true
	})
	if !stacksMapped {
		t.Fatal("expected MakeKernel to call the stack mapper")
	}

	specs := []struct {
		va, pa uintptr
		flags  mm.PTEFlag
	}{
		{mm.UART0, mm.UART0, mm.FlagRead | mm.FlagWrite},
		{mm.PLIC + 0x201000, mm.PLIC + 0x201000, mm.FlagRead | mm.FlagWrite},
		{mm.KernBase + 0x1000, mm.KernBase + 0x1000, mm.FlagRead | mm.FlagExec},
		{mm.KernBase + 0x9000, mm.KernBase + 0x9000, mm.FlagRead | mm.FlagWrite},
		{mm.Trampoline, image.TrampolineText, mm.FlagRead | mm.FlagExec},
	}

	for specIndex, spec := range specs {
		pa, flags, err := e.vm.Translate(kpt, spec.va)
		if err != nil {
			t.Errorf("[spec %d] expected 0x%x to be mapped; got %v", specIndex, spec.va, err)
			continue
		}
		if pa != spec.pa || flags != spec.flags|mm.FlagValid {
			t.Errorf("[spec %d] expected 0x%x -> 0x%x (0x%x); got 0x%x (0x%x)", specIndex, spec.va, spec.pa, spec.flags, pa, flags)
		}
	}

	Activate(e.h, kpt)
	if e.h.Satp() != cpu.MakeSATP(uintptr(kpt)) {
		t.Fatal("expected Activate to load satp")
	}
}
