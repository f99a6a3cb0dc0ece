// Package mem models the machine's physical memory.
package mem

import (
	"encoding/binary"
	"unsafe"
)

// RAM is the contiguous physical memory of the machine. It spans the
// physical address range [Base(), End()). Every structure that lives in
// physical memory (page tables, trapframes, user pages, free list links) is
// reached through a RAM by physical address.
type RAM struct {
	base uintptr
	data []byte
}

// NewRAM returns size bytes of zeroed physical memory starting at base.
func NewRAM(base uintptr, size Size) *RAM {
	return &RAM{base: base, data: make([]byte, size)}
}

// Base returns the lowest physical address backed by RAM.
func (r *RAM) Base() uintptr { return r.base }

// End returns the first physical address past the end of RAM.
func (r *RAM) End() uintptr { return r.base + uintptr(len(r.data)) }

// Size returns the amount of memory.
func (r *RAM) Size() Size { return Size(len(r.data)) }

// Contains reports whether [pa, pa+n) is backed by RAM.
func (r *RAM) Contains(pa, n uintptr) bool {
	return pa >= r.base && n <= uintptr(len(r.data)) && pa-r.base <= uintptr(len(r.data))-n
}

// Slice returns the n bytes at physical address pa. The slice aliases RAM.
// It returns nil if the range is not backed by memory.
func (r *RAM) Slice(pa, n uintptr) []byte {
	if !r.Contains(pa, n) {
		return nil
	}
	off := pa - r.base
	return r.data[off : off+n : off+n]
}

// Word returns a pointer to the 64-bit word at the 8-byte aligned physical
// address pa.
func (r *RAM) Word(pa uintptr) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.data[pa-r.base]))
}

// Load reads a little-endian value of size bytes (1, 2, 4 or 8) at pa.
func (r *RAM) Load(pa uintptr, size int) uint64 {
	b := r.data[pa-r.base:]
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

// Store writes the low size bytes of v at pa in little-endian order.
func (r *RAM) Store(pa uintptr, size int, v uint64) {
	b := r.data[pa-r.base:]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// Memset sets size bytes at the given address to the supplied value. Instead
// of using a for loop, it makes log2(size) copy calls.
func (r *RAM) Memset(pa uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := r.Slice(pa, uintptr(size))
	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memmove copies size bytes from src to dst. The regions may overlap.
func (r *RAM) Memmove(dst, src uintptr, size Size) {
	if size == 0 {
		return
	}
	copy(r.Slice(dst, uintptr(size)), r.Slice(src, uintptr(size)))
}
