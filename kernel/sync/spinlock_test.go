package sync

import (
	"io"
	"runtime"
	gosync "sync"
	"testing"

	"github.com/kennykguo/xv6-kernel-dev/kernel/cpu"
	"github.com/kennykguo/xv6-kernel-dev/kernel/kfmt"
	"github.com/kennykguo/xv6-kernel-dev/kernel/mem"
)

func newTestBus(harts int) *cpu.Bus {
	kfmt.SetOutputSink(io.Discard)
	return cpu.NewBus(mem.NewRAM(0x80000000, 4*mem.Kb), harts)
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

func TestSpinlockMutualExclusion(t *testing.T) {
	defer func(origYield func(*cpu.Hart)) {
		yieldFn = origYield
	}(yieldFn)
	yieldFn = func(*cpu.Hart) { runtime.Gosched() }

	const (
		numHarts   = 4
		iterations = 1000
	)

	var (
		bus     = newTestBus(numHarts)
		lock    Spinlock
		counter int
		wg      gosync.WaitGroup
	)
	lock.Init("counter")

	for i := 0; i < numHarts; i++ {
		wg.Add(1)
		go func(h *cpu.Hart) {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				lock.Acquire(h)
				counter++
				lock.Release(h)
			}
		}(bus.Hart(i))
	}
	wg.Wait()

	if exp := numHarts * iterations; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}

func TestSpinlockInterrupts(t *testing.T) {
	bus := newTestBus(1)
	h := bus.Hart(0)

	var lock Spinlock
	lock.Init("test")

	h.IntrOn()
	lock.Acquire(h)
	if h.IntrGet() {
		t.Fatal("expected Acquire to disable interrupts")
	}
	if !lock.Holding(h) {
		t.Fatal("expected Holding to report the lock as held")
	}

	lock.Release(h)
	if !h.IntrGet() {
		t.Fatal("expected Release to restore interrupts")
	}
	if lock.Holding(h) {
		t.Fatal("expected Holding to return false after Release")
	}
	if h.Noff != 0 {
		t.Fatalf("expected nesting depth 0; got %d", h.Noff)
	}
}

func TestPushOffNesting(t *testing.T) {
	bus := newTestBus(1)
	h := bus.Hart(0)

	specs := []struct {
		descr  string
		intrOn bool
	}{
		{"interrupts initially enabled", true},
		{"interrupts initially disabled", false},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if spec.intrOn {
				h.IntrOn()
			} else {
				h.IntrOff()
			}

			PushOff(h)
			PushOff(h)
			PopOff(h)
			if h.IntrGet() {
				t.Fatal("expected interrupts to stay off until the outermost PopOff")
			}
			PopOff(h)

			if got := h.IntrGet(); got != spec.intrOn {
				t.Fatalf("expected interrupt state %t after PopOff; got %t", spec.intrOn, got)
			}
		})
	}
}

func TestSpinlockMisuse(t *testing.T) {
	bus := newTestBus(2)

	t.Run("recursive acquire", func(t *testing.T) {
		var lock Spinlock
		lock.Init("recursive")
		h := bus.Hart(0)
		lock.Acquire(h)
		expectHalt(t, func() { lock.Acquire(h) })
		h.Noff, h.Intena = 0, false
	})

	t.Run("release by another hart", func(t *testing.T) {
		var lock Spinlock
		lock.Init("foreign")
		lock.Acquire(bus.Hart(0))
		expectHalt(t, func() { lock.Release(bus.Hart(1)) })
		lock.Release(bus.Hart(0))
	})

	t.Run("release of a free lock", func(t *testing.T) {
		var lock Spinlock
		expectHalt(t, func() { lock.Release(bus.Hart(0)) })
	})

	t.Run("pop_off while interruptible", func(t *testing.T) {
		h := bus.Hart(1)
		h.IntrOn()
		expectHalt(t, func() { PopOff(h) })
		h.IntrOff()
	})

	t.Run("unbalanced pop_off", func(t *testing.T) {
		h := bus.Hart(1)
		h.IntrOff()
		expectHalt(t, func() { PopOff(h) })
	})
}

func TestLatch(t *testing.T) {
	bus := newTestBus(2)

	var (
		latch  Latch
		passed = make(chan struct{})
	)

	go func() {
		latch.Wait(bus.Hart(1))
		close(passed)
	}()

	select {
	case <-passed:
		t.Fatal("expected Wait to block until the latch is opened")
	default:
	}

	latch.Open()
	<-passed
}
