//go:build unix && !illumos && !linux

package bhyve

const mapNoReserve = 0
