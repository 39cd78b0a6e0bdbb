package bhyve

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"
)

func TestVMMError(t *testing.T) {
	t.Setenv("VMM_ENV", "")
	t.Setenv("VMM_DEBUG", "")

	tests := []struct {
		name     string
		errno    syscall.Errno
		expected string
	}{
		{
			name:     "ENOENT",
			errno:    syscall.ENOENT,
			expected: "vmm: get memseg: no such entry (ENOENT) - VM, segment or mapping does not exist",
		},
		{
			name:     "ENXIO",
			errno:    syscall.ENXIO,
			expected: "vmm: get memseg: no such device (ENXIO) - vmm driver not loaded or VM destroyed",
		},
		{
			name:     "EACCES",
			errno:    syscall.EACCES,
			expected: "vmm: get memseg: permission denied (EACCES) - vmm devices require elevated privileges",
		},
		{
			name:     "EPERM",
			errno:    syscall.EPERM,
			expected: "vmm: get memseg: permission denied (EPERM) - vmm devices require elevated privileges",
		},
		{
			name:     "ENOMEM",
			errno:    syscall.ENOMEM,
			expected: "vmm: get memseg: out of memory (ENOMEM) - host could not back the request",
		},
		{
			name:     "EINVAL",
			errno:    syscall.EINVAL,
			expected: "vmm: get memseg: invalid argument (EINVAL) - check vCPU index, register and alignment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &VMMError{Op: "get memseg", Errno: tt.errno}
			if got := err.Error(); got != tt.expected {
				t.Errorf("VMMError{%v}.Error() = %q, want %q", tt.errno, got, tt.expected)
			}
		})
	}
}

func TestVMMErrorSanitized(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		debug string
	}{
		{name: "production", env: "production"},
		{name: "prod", env: "prod"},
		{name: "debug disabled", debug: "false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("VMM_ENV", tt.env)
			t.Setenv("VMM_DEBUG", tt.debug)

			err := &VMMError{Op: "alloc memseg", Errno: syscall.EACCES}
			got := err.Error()
			if got != "vmm: permission denied" {
				t.Errorf("Error() = %q, want sanitized message", got)
			}
			if strings.Contains(got, "alloc memseg") {
				t.Errorf("sanitized message %q leaks the request name", got)
			}
		})
	}
}

func TestVMMErrorIs(t *testing.T) {
	tests := []struct {
		errno  syscall.Errno
		target error
		want   bool
	}{
		{syscall.ENOENT, ErrNotFound, true},
		{syscall.EEXIST, ErrAlreadyExists, true},
		{syscall.EADDRNOTAVAIL, ErrAddressUnavailable, true},
		{syscall.EINVAL, ErrNotFound, false},
		{syscall.ENOENT, ErrConflict, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%v", tt.errno, tt.target), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &VMMError{Op: "op", Errno: tt.errno})
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", err, tt.target, got, tt.want)
			}
			if !errors.Is(err, tt.errno) {
				t.Errorf("errors.Is(%v, %v) = false, want errno to unwrap", err, tt.errno)
			}
		})
	}
}

func TestChannelErr(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		if err := channelErr("op", nil); err != nil {
			t.Errorf("channelErr(nil) = %v", err)
		}
	})

	t.Run("errno becomes VMMError", func(t *testing.T) {
		err := channelErr("set register", syscall.EBUSY)
		var vmmErr *VMMError
		if !errors.As(err, &vmmErr) {
			t.Fatalf("channelErr returned %T, want *VMMError", err)
		}
		if vmmErr.Op != "set register" || vmmErr.Errno != syscall.EBUSY {
			t.Errorf("got %+v", vmmErr)
		}
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		cause := errors.New("boom")
		err := channelErr("run", cause)
		if !errors.Is(err, cause) {
			t.Errorf("channelErr lost the cause: %v", err)
		}
		if !strings.Contains(err.Error(), "run") {
			t.Errorf("channelErr(%q) = %q, want op in message", "run", err)
		}
	})
}
