//go:build illumos && amd64 && cgo

package bhyve

/*
#include <sys/types.h>
#include <sys/ioctl.h>
#include <sys/mman.h>
#include <errno.h>

static int go_vmm_ioctl(int fd, unsigned long req, void *arg) {
	if (ioctl(fd, (int)req, arg) != 0) {
		return errno;
	}
	return 0;
}

static int go_vmm_map_fixed(void *addr, size_t len, int fd, off_t off) {
	void *p = mmap(addr, len, PROT_READ | PROT_WRITE, MAP_SHARED | MAP_FIXED, fd, off);
	if (p == MAP_FAILED) {
		return errno;
	}
	if (p != addr) {
		munmap(p, len);
		return EADDRNOTAVAIL;
	}
	return 0;
}
*/
import "C"

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// fileChannel is a Channel over an open vmm device node.
type fileChannel struct {
	fd   int
	path string
}

func openChannel(path string, flags int) (Channel, error) {
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("bhyve: open %s: %w", path, err)
	}
	return &fileChannel{fd: fd, path: path}, nil
}

// Ioctl issues req once. EINTR is returned to the caller like any other
// errno.
func (c *fileChannel) Ioctl(req uint, arg unsafe.Pointer) error {
	if rc := C.go_vmm_ioctl(C.int(c.fd), C.ulong(req), arg); rc != 0 {
		return syscall.Errno(rc)
	}
	return nil
}

func (c *fileChannel) MapFixed(addr, length uintptr, offset int64) error {
	rc := C.go_vmm_map_fixed(unsafe.Pointer(addr), C.size_t(length), C.int(c.fd), C.off_t(offset))
	if rc != 0 {
		return syscall.Errno(rc)
	}
	return nil
}

func (c *fileChannel) Close() error {
	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("bhyve: close %s: %w", c.path, err)
	}
	return nil
}

func openVMChannel(name string) (Channel, error) {
	return openChannel(vmDevicePath(name), unix.O_RDWR)
}

func openCtlChannel() (Channel, error) {
	return openChannel(vmmCtlPath, unix.O_RDWR|unix.O_EXCL)
}
