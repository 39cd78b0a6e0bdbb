package bhyve

import (
	"fmt"
	"log/slog"
	"time"
	"unsafe"
)

// Run executes vCPU vcpu until it exits and returns the decoded exit. It
// blocks for as long as the guest runs; stop it from another goroutine with
// Suspend, which takes effect at the next exit. Close waits for in-flight
// runs to return.
//
// Run keeps no state between calls: the caller handles the exit and calls
// Run again unless IsTerminal reports otherwise.
func (vm *VM) Run(vcpu int) (Exit, error) {
	if err := checkVCPU(vcpu); err != nil {
		return nil, err
	}

	data := vmRun{cpuid: int32(vcpu)}

	start := time.Now()
	err := vm.ioctl("run", reqRun, unsafe.Pointer(&data))
	recordRun(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to run vCPU %d: %w", vcpu, err)
	}

	exit := decodeExit(&data.exit)
	recordExit(exit.Kind())
	if exit.Kind() == ExitBogus {
		slog.Debug("bhyve: unrecognized exit", "vm", vm.name, "vcpu", vcpu, "code", data.exit.exitcode, "rip", fmt.Sprintf("%#x", data.exit.rip))
	}
	return exit, nil
}

// RunHandler handles one exit inside RunLoop. Returning false stops the
// loop; a non-nil error stops it and is returned.
type RunHandler func(Exit) (cont bool, err error)

// RunLoop calls Run until an exit is terminal, the handler stops it, or
// maxExits exits have been handled (0 means no limit). It returns the last
// exit seen.
func (vm *VM) RunLoop(vcpu int, maxExits int, handle RunHandler) (Exit, error) {
	var last Exit
	for n := 0; maxExits <= 0 || n < maxExits; n++ {
		exit, err := vm.Run(vcpu)
		if err != nil {
			return last, err
		}
		last = exit
		if handle != nil {
			cont, err := handle(exit)
			if err != nil {
				return last, err
			}
			if !cont {
				return last, nil
			}
		}
		if IsTerminal(exit) {
			return last, nil
		}
	}
	return last, nil
}
