package ipc

import (
	"sync"
	"unsafe"
)

// Region is a block of memory both sides of a channel can address.
type Region struct {
	mem     []byte
	release func() error
	once    sync.Once
	shared  bool
}

// NewHeapRegion allocates an 8-byte aligned region on the Go heap. It is used
// when both sides run in this process and shared mappings are disabled.
func NewHeapRegion(size int) *Region {
	words := make([]uint64, (alignUp(size))/wordAlign)
	var b []byte
	if len(words) > 0 {
		b = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	}
	return &Region{mem: b, release: func() error { return nil }}
}

// NewRegion allocates a region of size bytes, using a shared anonymous
// mapping when shared is true and the platform supports it.
func NewRegion(size int, shared bool) (*Region, error) {
	if !shared {
		return NewHeapRegion(size), nil
	}
	return newSharedRegion(size)
}

// Bytes returns the region memory.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	return len(r.mem)
}

// Shared reports whether the region is an OS shared mapping.
func (r *Region) Shared() bool {
	return r.shared
}

// Close releases the memory. The region must not be accessed afterwards.
func (r *Region) Close() error {
	var err error
	r.once.Do(func() {
		err = r.release()
		r.mem = nil
	})
	return err
}
