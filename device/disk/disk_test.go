package disk

import (
	"bytes"
	gosync "sync"
	"testing"

	"github.com/kennykguo/xv6-kernel-dev/kernel"
	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mm"
	"github.com/kennykguo/xv6-kernel-dev/kernel/sync"
)

type fakeProc struct {
	hart  *cpu.Hart
	woken chan struct{}
}

func (p *fakeProc) Hart() *cpu.Hart { return p.hart }
func (p *fakeProc) PID() int        { return 1 }
func (p *fakeProc) Killed() bool    { return false }

func (p *fakeProc) Sleep(ch interface{}, lk *sync.Spinlock) {
	lk.Release(p)
	<-p.woken
	lk.Acquire(p)
}

func (p *fakeProc) CopyOut(bool, uintptr, []byte) *kernel.Error { return nil }
func (p *fakeProc) CopyIn(bool, []byte, uintptr) *kernel.Error  { return nil }

// fakeMachine delivers the completion interrupt on a second hart.
type fakeMachine struct {
	mu     gosync.Mutex
	disk   *Disk
	intr   *cpu.Hart
	proc   *fakeProc
	raised []int
}

func (m *fakeMachine) Raise(irq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raised = append(m.raised, irq)
	m.disk.Intr(m.intr)
}

func (m *fakeMachine) Wakeup(_ cpu.Thread, _ interface{}) {
	select {
	case m.proc.woken <- struct{}{}:
	default:
	}
}

func newTestDisk(blocks int) (*Disk, *fakeMachine) {
	bus := cpu.NewBus(mem.NewRAM(mm.KernBase, 4*mem.Kb), 2)
	m := &fakeMachine{
		intr: bus.Hart(1),
		proc: &fakeProc{hart: bus.Hart(0), woken: make(chan struct{}, 1)},
	}
	m.disk = New(make([]byte, blocks*1024), m, m)
	return m.disk, m
}

func TestReadWrite(t *testing.T) {
	d, m := newTestDisk(4)

	out := bytes.Repeat([]byte{0xab}, 1024)
	if err := d.ReadWrite(m.proc, 2, out, true); err != nil {
		t.Fatal(err)
	}

	in := make([]byte, 1024)
	if err := d.ReadWrite(m.proc, 2, in, false); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(in, out) {
		t.Fatal("expected to read back the written block")
	}

	if err := d.ReadWrite(m.proc, 1, in, false); err != nil {
		t.Fatal(err)
	}
	if in[0] != 0 {
		t.Fatal("expected an untouched block to read as zeros")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.raised) != 3 || m.raised[0] != mm.Virtio0IRQ {
		t.Fatalf("expected one completion interrupt per request; got %v", m.raised)
	}
	for i, r := range d.slots {
		if r.busy {
			t.Fatalf("expected slot %d to be free after completion", i)
		}
	}
	if m.proc.hart.Noff != 0 {
		t.Fatal("expected the disk lock to be released")
	}
}

func TestBadBlock(t *testing.T) {
	d, m := newTestDisk(2)

	specs := []struct {
		block uint64
		size  int
	}{
		{2, 1024},
		{0, 0},
		{1, 2048},
	}

	for specIndex, spec := range specs {
		if err := d.ReadWrite(m.proc, spec.block, make([]byte, spec.size), false); err != ErrBadBlock {
			t.Errorf("[spec %d] expected ErrBadBlock; got %v", specIndex, err)
		}
	}
}
