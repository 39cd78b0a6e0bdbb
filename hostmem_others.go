//go:build !unix

package bhyve

import (
	"fmt"
	"os"
)

func pageSize() int {
	return os.Getpagesize()
}

// AllocHostMemory returns size bytes of zeroed memory, rounded up to a
// page. Platforms without mmap cannot back a real guest; the buffer only
// serves fake channels.
func AllocHostMemory(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: host memory size %d", ErrInvalidInput, size)
	}
	ps := pageSize()
	return make([]byte, (size+ps-1)&^(ps-1)), nil
}

// FreeHostMemory is a no-op on platforms without mmap.
func FreeHostMemory(mem []byte) error {
	return nil
}
