package bhyve

import (
	"fmt"
	"unsafe"
)

// MaxCPUs is the largest number of vCPUs a VM can have.
const MaxCPUs = 32

// Reg names an x86-64 vCPU register in the order of vm_reg_name.
type Reg int32

const (
	RegRAX Reg = iota
	RegRBX
	RegRCX
	RegRDX
	RegRSI
	RegRDI
	RegRBP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegCR0
	RegCR3
	RegCR4
	RegDR7
	RegRSP
	RegRIP
	RegRFLAGS
	RegES
	RegCS
	RegSS
	RegDS
	RegFS
	RegGS
	RegLDTR
	RegTR
	RegIDTR
	RegGDTR
	RegEFER
	RegCR2
	RegPDPTE0
	RegPDPTE1
	RegPDPTE2
	RegPDPTE3
	RegIntrShadow
	RegDR0
	RegDR1
	RegDR2
	RegDR3
	RegDR6
	regLast
)

var regNames = [...]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"cr0", "cr3", "cr4", "dr7", "rsp", "rip", "rflags",
	"es", "cs", "ss", "ds", "fs", "gs", "ldtr", "tr", "idtr", "gdtr",
	"efer", "cr2", "pdpte0", "pdpte1", "pdpte2", "pdpte3", "intr_shadow",
	"dr0", "dr1", "dr2", "dr3", "dr6",
}

func (r Reg) String() string {
	if r >= 0 && r < regLast {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", int32(r))
}

// ParseReg returns the register with the given lower-case name.
func ParseReg(s string) (Reg, error) {
	for i, n := range regNames {
		if n == s {
			return Reg(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown register %q", ErrInvalidInput, s)
}

// HasDescriptor reports whether r has a segment descriptor.
func (r Reg) HasDescriptor() bool {
	return r >= RegES && r <= RegGDTR
}

// GeneralRegs lists the general purpose registers.
var GeneralRegs = []Reg{
	RegRAX, RegRBX, RegRCX, RegRDX, RegRSI, RegRDI, RegRBP, RegRSP,
	RegR8, RegR9, RegR10, RegR11, RegR12, RegR13, RegR14, RegR15,
	RegRIP, RegRFLAGS,
}

// ControlRegs lists the control and debug registers.
var ControlRegs = []Reg{RegCR0, RegCR2, RegCR3, RegCR4, RegEFER, RegDR7}

// SegmentRegs lists the registers that carry a selector and a descriptor.
var SegmentRegs = []Reg{RegCS, RegDS, RegES, RegFS, RegGS, RegSS, RegLDTR, RegTR}

// Descriptor is the hidden part of a segment register.
type Descriptor struct {
	Base   uint64 `json:"base"`
	Limit  uint32 `json:"limit"`
	Access uint32 `json:"access"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("base=%#x limit=%#x access=%#x", d.Base, d.Limit, d.Access)
}

func checkVCPU(vcpu int) error {
	if vcpu < 0 || vcpu >= MaxCPUs {
		return fmt.Errorf("%w: vCPU %d (must be 0-%d)", ErrInvalidInput, vcpu, MaxCPUs-1)
	}
	return nil
}

func checkReg(r Reg) error {
	if r < 0 || r >= regLast {
		return fmt.Errorf("%w: register %d (must be 0-%d)", ErrInvalidInput, r, regLast-1)
	}
	return nil
}

// GetRegister reads r from vCPU vcpu.
func (vm *VM) GetRegister(vcpu int, r Reg) (uint64, error) {
	if err := checkVCPU(vcpu); err != nil {
		return 0, err
	}
	if err := checkReg(r); err != nil {
		return 0, err
	}
	data := vmRegister{cpuid: int32(vcpu), regnum: int32(r)}
	if err := vm.ioctl("get register", reqGetRegister, unsafe.Pointer(&data)); err != nil {
		return 0, fmt.Errorf("failed to get register %v on vCPU %d: %w", r, vcpu, err)
	}
	recordRegisterOp()
	return data.regval, nil
}

// SetRegister writes v to r on vCPU vcpu.
func (vm *VM) SetRegister(vcpu int, r Reg, v uint64) error {
	if err := checkVCPU(vcpu); err != nil {
		return err
	}
	if err := checkReg(r); err != nil {
		return err
	}
	data := vmRegister{cpuid: int32(vcpu), regnum: int32(r), regval: v}
	if err := vm.ioctl("set register", reqSetRegister, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to set register %v on vCPU %d: %w", r, vcpu, err)
	}
	recordRegisterOp()
	return nil
}

// GetDescriptor reads the descriptor of segment register r.
func (vm *VM) GetDescriptor(vcpu int, r Reg) (Descriptor, error) {
	if err := checkVCPU(vcpu); err != nil {
		return Descriptor{}, err
	}
	if !r.HasDescriptor() {
		return Descriptor{}, fmt.Errorf("%w: %v has no descriptor", ErrInvalidInput, r)
	}
	data := vmSegDesc{cpuid: int32(vcpu), regnum: int32(r)}
	if err := vm.ioctl("get segment descriptor", reqGetSegDesc, unsafe.Pointer(&data)); err != nil {
		return Descriptor{}, fmt.Errorf("failed to get %v descriptor on vCPU %d: %w", r, vcpu, err)
	}
	recordRegisterOp()
	return Descriptor{Base: data.desc.base, Limit: data.desc.limit, Access: data.desc.access}, nil
}

// SetDescriptor writes the descriptor of segment register r.
func (vm *VM) SetDescriptor(vcpu int, r Reg, d Descriptor) error {
	if err := checkVCPU(vcpu); err != nil {
		return err
	}
	if !r.HasDescriptor() {
		return fmt.Errorf("%w: %v has no descriptor", ErrInvalidInput, r)
	}
	data := vmSegDesc{
		cpuid:  int32(vcpu),
		regnum: int32(r),
		desc:   segDesc{base: d.Base, limit: d.Limit, access: d.Access},
	}
	if err := vm.ioctl("set segment descriptor", reqSetSegDesc, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to set %v descriptor on vCPU %d: %w", r, vcpu, err)
	}
	recordRegisterOp()
	return nil
}

// RegBatch represents a batch of register values
type RegBatch map[Reg]uint64

// GetRegisters reads each of regs from vCPU vcpu.
// Note: Currently implemented as individual calls
func (vm *VM) GetRegisters(vcpu int, regs []Reg) (RegBatch, error) {
	batch := make(RegBatch, len(regs))
	for _, reg := range regs {
		val, err := vm.GetRegister(vcpu, reg)
		if err != nil {
			return nil, err
		}
		batch[reg] = val
	}
	return batch, nil
}

// SetRegisters writes every register in batch, in register order, and stops
// at the first failure.
func (vm *VM) SetRegisters(vcpu int, batch RegBatch) error {
	for r := range batch {
		if err := checkReg(r); err != nil {
			return err
		}
	}
	for r := Reg(0); r < regLast; r++ {
		val, ok := batch[r]
		if !ok {
			continue
		}
		if err := vm.SetRegister(vcpu, r, val); err != nil {
			return err
		}
	}
	return nil
}

const (
	cr0NE = 0x20 // numeric error

	resetRFLAGS = 0x2
	resetRIP    = 0xfff0
	resetCSSel  = 0xf000
	resetRDX    = 0xf00 // processor signature

	accessCodeData = 0x93 // present, read/write, accessed
	accessTSSBusy  = 0x8b
	accessLDT      = 0x82
)

// ResetVCPU loads the architectural power-up state into vCPU vcpu: real
// mode with CS based at 0xffff0000 and RIP 0xfff0. The writes are applied in
// order and the first failure is returned unchanged.
func (vm *VM) ResetVCPU(vcpu int) error {
	if err := checkVCPU(vcpu); err != nil {
		return err
	}

	steps := []func() error{
		func() error { return vm.SetRegister(vcpu, RegRFLAGS, resetRFLAGS) },
		func() error { return vm.SetRegister(vcpu, RegRIP, resetRIP) },
		func() error { return vm.SetRegister(vcpu, RegCR0, cr0NE) },
		func() error { return vm.SetRegister(vcpu, RegCR3, 0) },
		func() error { return vm.SetRegister(vcpu, RegCR4, 0) },

		func() error {
			return vm.SetDescriptor(vcpu, RegCS, Descriptor{Base: 0xffff0000, Limit: 0xffff, Access: accessCodeData})
		},
		func() error { return vm.SetRegister(vcpu, RegCS, resetCSSel) },
	}

	flat := Descriptor{Base: 0, Limit: 0xffff, Access: accessCodeData}
	for _, r := range []Reg{RegSS, RegDS, RegES, RegFS, RegGS} {
		r := r // per-iteration copy: module builds with go 1.21 loop semantics
		steps = append(steps, func() error { return vm.SetDescriptor(vcpu, r, flat) })
	}
	for _, r := range []Reg{RegSS, RegDS, RegES, RegFS, RegGS} {
		r := r // per-iteration copy: module builds with go 1.21 loop semantics
		steps = append(steps, func() error { return vm.SetRegister(vcpu, r, 0) })
	}

	for _, r := range []Reg{RegRAX, RegRBX, RegRCX} {
		r := r // per-iteration copy: module builds with go 1.21 loop semantics
		steps = append(steps, func() error { return vm.SetRegister(vcpu, r, 0) })
	}
	steps = append(steps, func() error { return vm.SetRegister(vcpu, RegRDX, resetRDX) })
	for _, r := range []Reg{RegRSI, RegRDI, RegRBP, RegRSP} {
		r := r // per-iteration copy: module builds with go 1.21 loop semantics
		steps = append(steps, func() error { return vm.SetRegister(vcpu, r, 0) })
	}

	steps = append(steps,
		func() error { return vm.SetDescriptor(vcpu, RegGDTR, Descriptor{Limit: 0xffff}) },
		func() error { return vm.SetDescriptor(vcpu, RegIDTR, Descriptor{Limit: 0xffff}) },
		func() error { return vm.SetDescriptor(vcpu, RegTR, Descriptor{Access: accessTSSBusy}) },
		func() error { return vm.SetRegister(vcpu, RegTR, 0) },
		func() error { return vm.SetDescriptor(vcpu, RegLDTR, Descriptor{Limit: 0xffff, Access: accessLDT}) },
		func() error { return vm.SetRegister(vcpu, RegLDTR, 0) },
	)

	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
