//go:build !illumos || !amd64 || !cgo

package bhyve

// hostSupported reports whether this build can reach a vmm driver.
const hostSupported = false

// Supported returns false on platforms without bhyve.
func Supported() (bool, error) {
	return false, ErrNotSupported
}

func openVMChannel(name string) (Channel, error) {
	return nil, ErrNotSupported
}

func openCtlChannel() (Channel, error) {
	return nil, ErrNotSupported
}
