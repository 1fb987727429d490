package ipc

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// wordAlign is the alignment of every field offset inside a region.
const wordAlign = 8

func alignUp(n int) int {
	return (n + wordAlign - 1) &^ (wordAlign - 1)
}

// mem is a fenced view of shared bytes. Offsets must be 4- or 8-byte aligned
// for 32- and 64-bit accesses respectively, and the base must be 8-byte
// aligned, which Region guarantees.
type mem []byte

func (m mem) word32(off int) *uint32 {
	_ = m[off+3]
	return (*uint32)(unsafe.Pointer(&m[off]))
}

func (m mem) word64(off int) *uint64 {
	_ = m[off+7]
	return (*uint64)(unsafe.Pointer(&m[off]))
}

func (m mem) load32(off int) uint32 {
	return atomic.LoadUint32(m.word32(off))
}

func (m mem) store32(off int, v uint32) {
	atomic.StoreUint32(m.word32(off), v)
}

func (m mem) load64(off int) uint64 {
	return atomic.LoadUint64(m.word64(off))
}

func (m mem) store64(off int, v uint64) {
	atomic.StoreUint64(m.word64(off), v)
}

// copyIn copies p into the region at off. The copy is made visible to the
// other side by the next store32/store64 that publishes it.
func (m mem) copyIn(off int, p []byte) {
	copy(m[off:off+len(p)], p)
}

// copyOut copies n bytes at off into p.
func (m mem) copyOut(off, n int, p []byte) int {
	return copy(p, m[off:off+n])
}

func (m mem) sub(off, size int) (mem, error) {
	if off%wordAlign != 0 {
		return nil, fmt.Errorf("offset %d not %d-byte aligned", off, wordAlign)
	}
	if off < 0 || size < 0 || off+size > len(m) {
		return nil, fmt.Errorf("span [%d,%d) outside region of %d bytes", off, off+size, len(m))
	}
	return m[off : off+size : off+size], nil
}
