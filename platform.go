//go:build illumos && amd64 && cgo

package bhyve

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

const hostSupported = true

// Supported reports whether the vmm driver is loaded and /dev/vmmctl is a
// character device this process can open read/write.
func Supported() (bool, error) {
	var st unix.Stat_t
	if err := unix.Stat(vmmCtlPath, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("bhyve: stat %s: %w", vmmCtlPath, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return false, fmt.Errorf("bhyve: %s is not a character device", vmmCtlPath)
	}
	if err := unix.Access(vmmCtlPath, unix.R_OK|unix.W_OK); err != nil {
		return false, fmt.Errorf("bhyve: %s: %w", vmmCtlPath, err)
	}
	return true, nil
}
