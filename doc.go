// Package bhyve provides Go bindings for the illumos bhyve vmm driver.
//
// Provides VM lifecycle, guest memory segments and mappings, register and
// descriptor access, vCPU execution with typed exits, and the in-kernel
// RTC, all over the request/response channel the driver exposes as
// /dev/vmmctl and /dev/vmm/<name>.
//
// # Requirements
//
//   - illumos on amd64 with the vmm driver loaded
//   - Privileges to open /dev/vmmctl and /dev/vmm/* read/write
//
// # Basic Usage
//
// Check if bhyve is supported:
//
//	supported, err := bhyve.Supported()
//	if err != nil || !supported {
//		log.Fatal("bhyve not supported on this system")
//	}
//
// Create and open a virtual machine:
//
//	sys, err := bhyve.OpenSystem()
//	if err != nil {
//		log.Fatal("Failed to open vmmctl:", err)
//	}
//	defer sys.Close()
//
//	if err := sys.CreateVM("guest0"); err != nil {
//		log.Fatal("Failed to create VM:", err)
//	}
//	defer sys.DestroyVM("guest0")
//
//	vm, err := bhyve.Open("guest0")
//	if err != nil {
//		log.Fatal("Failed to open VM:", err)
//	}
//	defer vm.Close()
//
// Memory management:
//
//	// Back 20MiB of guest memory starting at guest-physical 0
//	host, err := bhyve.AllocHostMemory(20 * bhyve.MB)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer bhyve.FreeHostMemory(host)
//
//	if err := vm.SetupLowMem(host); err != nil {
//		log.Fatal("Failed to set up low memory:", err)
//	}
//
// Registers and execution:
//
//	if err := vm.ResetVCPU(0); err != nil {
//		log.Fatal(err)
//	}
//	if err := vm.SetRegister(0, bhyve.RegRIP, 0xfff0); err != nil {
//		log.Fatal(err)
//	}
//	if err := vm.ActivateCPU(0); err != nil {
//		log.Fatal(err)
//	}
//
//	for {
//		exit, err := vm.Run(0)
//		if err != nil {
//			log.Fatal("Failed to run vCPU:", err)
//		}
//		switch e := exit.(type) {
//		case *bhyve.InOutExit:
//			fmt.Printf("port %#x <- %#x\n", e.Port, e.EAX)
//		case *bhyve.HaltExit:
//			return
//		}
//		if bhyve.IsTerminal(exit) {
//			return
//		}
//	}
//
// # Error Handling
//
// Failed driver requests are returned as *VMMError carrying the request
// name and errno. They match the package sentinels with errors.Is, so
// callers can test for ErrNotFound, ErrAlreadyExists and friends without
// inspecting errno values. Set VMM_ENV=production to get terse messages.
//
// # Resource Management
//
// VMs and System handles must be explicitly closed using Close(). Close
// waits for in-flight requests; afterwards every operation fails with
// ErrVMClosed. Finalizers provide safety net cleanup. Closing a VM does not
// destroy it: use System.DestroyVM for that.
//
// # Platform Support
//
// illumos amd64 only. Other platforms build, but Open and OpenSystem return
// ErrNotSupported.
package bhyve
