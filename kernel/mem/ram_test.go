package mem

import "testing"

func TestRAMBounds(t *testing.T) {
	ram := NewRAM(0x80000000, 2*Mb)

	if exp, got := uintptr(0x80200000), ram.End(); got != exp {
		t.Fatalf("expected End() to return 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		pa, n uintptr
		exp   bool
	}{
		{0x80000000, 4096, true},
		{0x801ff000, 4096, true},
		{0x801ff001, 4096, false},
		{0x7ffff000, 4096, false},
		{0x80200000, 0, true},
		{0x80200000, 1, false},
		{0x80000000, ^uintptr(0), false},
	}

	for specIndex, spec := range specs {
		if got := ram.Contains(spec.pa, spec.n); got != spec.exp {
			t.Errorf("[spec %d] expected Contains(0x%x, %d) to return %t; got %t", specIndex, spec.pa, spec.n, spec.exp, got)
		}
	}

	if ram.Slice(0x80200000, 8) != nil {
		t.Fatal("expected Slice past the end of RAM to return nil")
	}
}

func TestRAMMemset(t *testing.T) {
	ram := NewRAM(0x80000000, 64*Kb)

	for pageCount := uintptr(1); pageCount <= 10; pageCount++ {
		size := Size(pageCount * 4096)
		ram.Memset(0x80000000, 0xfe, size)
		for i, b := range ram.Slice(0x80000000, uintptr(size)) {
			if b != 0xfe {
				t.Fatalf("[pages %d] expected byte %d to be 0xfe; got 0x%x", pageCount, i, b)
			}
		}
	}

	// a zero-sized memset is a no-op
	ram.Memset(0x80000000, 0, 0)
}

func TestRAMLoadStore(t *testing.T) {
	ram := NewRAM(0x1000, 4*Kb)

	ram.Store(0x1008, 8, 0x1122334455667788)
	if got := ram.Load(0x1008, 8); got != 0x1122334455667788 {
		t.Fatalf("expected 64-bit load to return stored value; got 0x%x", got)
	}
	if got := ram.Load(0x1008, 1); got != 0x88 {
		t.Fatalf("expected little-endian byte order; got 0x%x", got)
	}
	if got := ram.Load(0x100c, 4); got != 0x11223344 {
		t.Fatalf("expected 32-bit load to return 0x11223344; got 0x%x", got)
	}

	ram.Store(0x1008, 2, 0xbeef)
	if got := ram.Load(0x1008, 8); got != 0x112233445566beef {
		t.Fatalf("expected 16-bit store to touch two bytes; got 0x%x", got)
	}

	*ram.Word(0x1010) = 42
	if got := ram.Load(0x1010, 8); got != 42 {
		t.Fatalf("expected Word to alias RAM; got %d", got)
	}
}

func TestRAMMemmove(t *testing.T) {
	ram := NewRAM(0, 4*Kb)
	copy(ram.Slice(0, 6), "abcdef")

	ram.Memmove(2, 0, 4)
	if got := string(ram.Slice(0, 6)); got != "ababcd" {
		t.Fatalf("expected overlapping move to produce %q; got %q", "ababcd", got)
	}
}
