//go:build unix

package bhyve

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}

// AllocHostMemory reserves size bytes of page-aligned, shared anonymous
// memory to back a guest region. Release it with FreeHostMemory.
func AllocHostMemory(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: host memory size %d", ErrInvalidInput, size)
	}
	ps := pageSize()
	size = (size + ps - 1) &^ (ps - 1)
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED|mapNoReserve)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d bytes of host memory: %w", size, err)
	}
	return mem, nil
}

// FreeHostMemory releases memory returned by AllocHostMemory.
func FreeHostMemory(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("failed to free host memory: %w", err)
	}
	return nil
}
