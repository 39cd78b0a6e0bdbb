package bhyve

import "unsafe"

const (
	vmmCtlPath = "/dev/vmmctl"
	vmmDevDir  = "/dev/vmm"
)

// Channel is the request/response path to one vmm device node. The VM and
// System handles own exactly one Channel each and close it exactly once.
//
// Implementations return a syscall.Errno when the peer rejects a request.
type Channel interface {
	// Ioctl issues one request. arg points at a fixed-layout record that
	// the peer reads and, for out and in-out requests, overwrites.
	Ioctl(req uint, arg unsafe.Pointer) error

	// MapFixed maps length bytes of the device, starting at offset, over
	// the host range at addr. The mapping is shared, read/write and placed
	// exactly at addr.
	MapFixed(addr, length uintptr, offset int64) error

	Close() error
}

func vmDevicePath(name string) string {
	return vmmDevDir + "/" + name
}
