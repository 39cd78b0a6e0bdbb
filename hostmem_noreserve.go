//go:build illumos || linux

package bhyve

import "golang.org/x/sys/unix"

const mapNoReserve = unix.MAP_NORESERVE
