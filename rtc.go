package bhyve

import (
	"fmt"
	"time"
	"unsafe"
)

// CMOS offsets holding the amount of memory above 16MiB in 64KiB units.
const (
	rtcLowMemLSB = 0x34
	rtcLowMemMSB = 0x35

	rtcNVRAMSize = 128
)

func checkRTCOffset(off int) error {
	if off < 0 || off >= rtcNVRAMSize {
		return fmt.Errorf("%w: RTC offset %#x (must be < %#x)", ErrInvalidInput, off, rtcNVRAMSize)
	}
	return nil
}

// RTCRead returns the CMOS byte at off.
func (vm *VM) RTCRead(off int) (uint8, error) {
	if err := checkRTCOffset(off); err != nil {
		return 0, err
	}
	data := vmRTCData{offset: int32(off)}
	if err := vm.ioctl("rtc read", reqRTCRead, unsafe.Pointer(&data)); err != nil {
		return 0, fmt.Errorf("failed to read RTC offset %#x: %w", off, err)
	}
	return data.value, nil
}

// RTCWrite sets the CMOS byte at off.
func (vm *VM) RTCWrite(off int, val uint8) error {
	if err := checkRTCOffset(off); err != nil {
		return err
	}
	data := vmRTCData{offset: int32(off), value: val}
	if err := vm.ioctl("rtc write", reqRTCWrite, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to write RTC offset %#x: %w", off, err)
	}
	return nil
}

// RTCTime returns the guest wall clock.
func (vm *VM) RTCTime() (time.Time, error) {
	var data vmRTCTime
	if err := vm.ioctl("rtc gettime", reqRTCGetTime, unsafe.Pointer(&data)); err != nil {
		return time.Time{}, fmt.Errorf("failed to get RTC time: %w", err)
	}
	return time.Unix(data.secs, 0), nil
}

// SetRTCTime sets the guest wall clock, truncated to seconds.
func (vm *VM) SetRTCTime(t time.Time) error {
	data := vmRTCTime{secs: t.Unix()}
	if err := vm.ioctl("rtc settime", reqRTCSetTime, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to set RTC time: %w", err)
	}
	return nil
}

// SetRTCMemorySize records the low memory size in CMOS so firmware can find
// it. Memory at or below 16MiB is recorded as 0.
func (vm *VM) SetRTCMemorySize(lowmem uint64) error {
	var units uint64
	if lowmem > 16*MB {
		units = (lowmem - 16*MB) / (64 * 1024)
	}
	if units > 0xffff {
		units = 0xffff
	}
	if err := vm.RTCWrite(rtcLowMemLSB, uint8(units)); err != nil {
		return err
	}
	return vm.RTCWrite(rtcLowMemMSB, uint8(units>>8))
}
