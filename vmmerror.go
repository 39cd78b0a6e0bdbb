package bhyve

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// VMMError is a failed request on a vmm channel. Errno is the cause the
// peer reported; Op names the request that failed.
type VMMError struct {
	Op    string
	Errno syscall.Errno
}

func (e *VMMError) Error() string {
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

func (e *VMMError) Unwrap() error {
	return e.Errno
}

// Is lets callers test peer failures against the package sentinels.
func (e *VMMError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Errno == syscall.ENOENT
	case ErrAlreadyExists:
		return e.Errno == syscall.EEXIST
	case ErrAddressUnavailable:
		return e.Errno == syscall.EADDRNOTAVAIL
	}
	return false
}

// detailedError provides full error context for development
func (e *VMMError) detailedError() string {
	switch e.Errno {
	case syscall.ENOENT:
		return fmt.Sprintf("vmm: %s: no such entry (ENOENT) - VM, segment or mapping does not exist", e.Op)
	case syscall.ENXIO:
		return fmt.Sprintf("vmm: %s: no such device (ENXIO) - vmm driver not loaded or VM destroyed", e.Op)
	case syscall.EACCES, syscall.EPERM:
		return fmt.Sprintf("vmm: %s: permission denied (%s) - vmm devices require elevated privileges", e.Op, errnoName(e.Errno))
	case syscall.ENOMEM:
		return fmt.Sprintf("vmm: %s: out of memory (ENOMEM) - host could not back the request", e.Op)
	case syscall.EEXIST:
		return fmt.Sprintf("vmm: %s: already exists (EEXIST) - VM name or range already in use", e.Op)
	case syscall.EINVAL:
		return fmt.Sprintf("vmm: %s: invalid argument (EINVAL) - check vCPU index, register and alignment", e.Op)
	case syscall.EBUSY:
		return fmt.Sprintf("vmm: %s: device busy (EBUSY) - another request holds the VM", e.Op)
	case syscall.EFAULT:
		return fmt.Sprintf("vmm: %s: bad address (EFAULT) - request record not readable by the driver", e.Op)
	case syscall.EADDRNOTAVAIL:
		return fmt.Sprintf("vmm: %s: address unavailable (EADDRNOTAVAIL) - host mapping could not be placed", e.Op)
	default:
		return fmt.Sprintf("vmm: %s: %v (errno %d)", e.Op, e.Errno, int(e.Errno))
	}
}

// sanitizedError provides minimal error information for production
func (e *VMMError) sanitizedError() string {
	switch e.Errno {
	case syscall.ENOENT:
		return "vmm: no such entry"
	case syscall.ENXIO:
		return "vmm: no such device"
	case syscall.EACCES, syscall.EPERM:
		return "vmm: permission denied"
	case syscall.ENOMEM:
		return "vmm: out of memory"
	case syscall.EEXIST:
		return "vmm: already exists"
	case syscall.EINVAL:
		return "vmm: invalid argument"
	case syscall.EBUSY:
		return "vmm: device busy"
	default:
		return "vmm: request failed"
	}
}

func errnoName(errno syscall.Errno) string {
	switch errno {
	case syscall.EACCES:
		return "EACCES"
	case syscall.EPERM:
		return "EPERM"
	default:
		return strconv.Itoa(int(errno))
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMM_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	if debug := os.Getenv("VMM_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// channelErr converts a Channel failure into a *VMMError tagged with op.
// Errors that are not errnos pass through wrapped.
func channelErr(op string, err error) error {
	if err == nil {
		return nil
	}
	recordChannelError()
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &VMMError{Op: op, Errno: errno}
	}
	return fmt.Errorf("vmm: %s: %w", op, err)
}

var (
	ErrVMClosed           = errors.New("vmm: VM is closed")
	ErrConflict           = errors.New("vmm: segment exists with a different length or name")
	ErrAlreadyExists      = errors.New("vmm: a different mapping exists at this address")
	ErrInvalidInput       = errors.New("vmm: invalid input")
	ErrAddressUnavailable = errors.New("vmm: host mapping could not be placed at the requested address")
	ErrNotFound           = errors.New("vmm: not found")
	ErrNotSupported       = errors.New("vmm: bhyve is not supported on this platform")
)
