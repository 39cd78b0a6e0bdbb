package bhyve

import (
	"fmt"
	"strings"
	"time"
	"unsafe"
)

// ActivateCPU marks vCPU vcpu runnable.
func (vm *VM) ActivateCPU(vcpu int) error {
	return vm.cpuRequest("activate cpu", reqActivateCPU, vcpu)
}

// SuspendCPU stops vCPU vcpu from being scheduled. Pass -1 for all vCPUs.
func (vm *VM) SuspendCPU(vcpu int) error {
	return vm.cpuRequest("suspend cpu", reqSuspendCPU, vcpu)
}

// ResumeCPU undoes SuspendCPU. Pass -1 for all vCPUs.
func (vm *VM) ResumeCPU(vcpu int) error {
	return vm.cpuRequest("resume cpu", reqResumeCPU, vcpu)
}

func (vm *VM) cpuRequest(op string, req uint, vcpu int) error {
	if vcpu != -1 || req == reqActivateCPU {
		if err := checkVCPU(vcpu); err != nil {
			return err
		}
	}
	data := vmActivateCPU{vcpuid: int32(vcpu)}
	if err := vm.ioctl(op, req, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to %s %d: %w", op, vcpu, err)
	}
	return nil
}

// Topology is the guest CPU topology.
type Topology struct {
	Sockets uint16 `json:"sockets" yaml:"sockets"`
	Cores   uint16 `json:"cores" yaml:"cores"`
	Threads uint16 `json:"threads" yaml:"threads"`
	MaxCPUs uint16 `json:"maxcpus,omitempty" yaml:"-"`
}

// CPUs returns the number of vCPUs the topology describes.
func (t Topology) CPUs() int {
	return int(t.Sockets) * int(t.Cores) * int(t.Threads)
}

// Topology returns the VM's CPU topology.
func (vm *VM) Topology() (Topology, error) {
	var data vmCPUTopology
	if err := vm.ioctl("get topology", reqGetTopology, unsafe.Pointer(&data)); err != nil {
		return Topology{}, fmt.Errorf("failed to get topology: %w", err)
	}
	return Topology{
		Sockets: data.sockets,
		Cores:   data.cores,
		Threads: data.threads,
		MaxCPUs: data.maxcpus,
	}, nil
}

// SetTopology sets sockets, cores and threads. The product may not exceed
// MaxCPUs; maxcpus itself is fixed by the peer and always sent as 0.
func (vm *VM) SetTopology(sockets, cores, threads uint16) error {
	t := Topology{Sockets: sockets, Cores: cores, Threads: threads}
	if sockets == 0 || cores == 0 || threads == 0 {
		return fmt.Errorf("%w: topology %d/%d/%d has a zero field", ErrInvalidInput, sockets, cores, threads)
	}
	if t.CPUs() > MaxCPUs {
		return fmt.Errorf("%w: topology %d/%d/%d is %d vCPUs (max %d)", ErrInvalidInput, sockets, cores, threads, t.CPUs(), MaxCPUs)
	}
	data := vmCPUTopology{sockets: sockets, cores: cores, threads: threads}
	if err := vm.ioctl("set topology", reqSetTopology, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to set topology %d/%d/%d: %w", sockets, cores, threads, err)
	}
	return nil
}

// VCPUStats is a snapshot of the per-vCPU statistics buffer.
type VCPUStats struct {
	Time    time.Time `json:"time"`
	Entries []uint64  `json:"entries"`
}

// Stats returns the number of statistics entries the peer keeps for vCPU
// vcpu.
func (vm *VM) Stats(vcpu int) (int, error) {
	s, err := vm.StatsSnapshot(vcpu)
	if err != nil {
		return 0, err
	}
	return len(s.Entries), nil
}

// StatsSnapshot returns the statistics buffer of vCPU vcpu.
func (vm *VM) StatsSnapshot(vcpu int) (VCPUStats, error) {
	if err := checkVCPU(vcpu); err != nil {
		return VCPUStats{}, err
	}
	data := vmStats{cpuid: int32(vcpu)}
	if err := vm.ioctl("stats", reqStats, unsafe.Pointer(&data)); err != nil {
		return VCPUStats{}, fmt.Errorf("failed to get stats for vCPU %d: %w", vcpu, err)
	}
	n := int(data.numEntries)
	if n < 0 {
		n = 0
	}
	if n > maxVMStats {
		n = maxVMStats
	}
	entries := make([]uint64, n)
	copy(entries, data.statbuf[:n])
	return VCPUStats{
		Time:    time.Unix(data.tvSec, data.tvUsec*int64(time.Microsecond)),
		Entries: entries,
	}, nil
}

// CapType is an optional per-vCPU feature.
type CapType int32

const (
	CapHaltExit CapType = iota
	CapMTrapExit
	CapPauseExit
	CapUnrestrictedGuest
	CapEnableINVPCID
	CapBPTExit
	capLast
)

var capNames = [...]string{
	"halt_exit", "mtrap_exit", "pause_exit", "unrestricted_guest", "enable_invpcid", "bpt_exit",
}

func (c CapType) String() string {
	if c >= 0 && c < capLast {
		return capNames[c]
	}
	return fmt.Sprintf("CapType(%d)", int32(c))
}

// ParseCapType accepts the lower-case names printed by CapType.String.
func ParseCapType(s string) (CapType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range capNames {
		if n == s {
			return CapType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown capability %q", ErrInvalidInput, s)
}

// Capability returns the value of cap on vCPU vcpu.
func (vm *VM) Capability(vcpu int, cap CapType) (int, error) {
	if err := checkVCPU(vcpu); err != nil {
		return 0, err
	}
	if cap < 0 || cap >= capLast {
		return 0, fmt.Errorf("%w: capability %v", ErrInvalidInput, cap)
	}
	data := vmCapability{cpuid: int32(vcpu), captype: int32(cap)}
	if err := vm.ioctl("get capability", reqGetCapability, unsafe.Pointer(&data)); err != nil {
		return 0, fmt.Errorf("failed to get %v on vCPU %d: %w", cap, vcpu, err)
	}
	return int(data.capval), nil
}

// SetCapability sets cap to val on vCPU vcpu.
func (vm *VM) SetCapability(vcpu int, cap CapType, val int) error {
	if err := checkVCPU(vcpu); err != nil {
		return err
	}
	if cap < 0 || cap >= capLast {
		return fmt.Errorf("%w: capability %v", ErrInvalidInput, cap)
	}
	data := vmCapability{cpuid: int32(vcpu), captype: int32(cap), capval: int32(val)}
	if err := vm.ioctl("set capability", reqSetCapability, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to set %v=%d on vCPU %d: %w", cap, val, vcpu, err)
	}
	return nil
}

const (
	x2apicDisabled = 0
	x2apicEnabled  = 1
)

// X2APICState reports whether x2APIC mode is enabled on vCPU vcpu.
func (vm *VM) X2APICState(vcpu int) (bool, error) {
	if err := checkVCPU(vcpu); err != nil {
		return false, err
	}
	data := vmX2APIC{cpuid: int32(vcpu)}
	if err := vm.ioctl("get x2apic state", reqGetX2APICState, unsafe.Pointer(&data)); err != nil {
		return false, fmt.Errorf("failed to get x2APIC state on vCPU %d: %w", vcpu, err)
	}
	switch data.state {
	case x2apicEnabled:
		return true, nil
	case x2apicDisabled:
		return false, nil
	default:
		return false, fmt.Errorf("vmm: unexpected x2APIC state %d on vCPU %d", data.state, vcpu)
	}
}

// SetX2APICState enables or disables x2APIC mode on vCPU vcpu.
func (vm *VM) SetX2APICState(vcpu int, enabled bool) error {
	if err := checkVCPU(vcpu); err != nil {
		return err
	}
	data := vmX2APIC{cpuid: int32(vcpu), state: x2apicDisabled}
	if enabled {
		data.state = x2apicEnabled
	}
	if err := vm.ioctl("set x2apic state", reqSetX2APICState, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to set x2APIC state on vCPU %d: %w", vcpu, err)
	}
	return nil
}
