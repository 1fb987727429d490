//go:build linux

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func newSharedRegion(size int) (*Region, error) {
	b, err := unix.Mmap(-1, 0, alignUp(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	return &Region{
		mem:     b[:size:size],
		release: func() error { return unix.Munmap(b) },
		shared:  true,
	}, nil
}
