package bhyve

import (
	"encoding/binary"
	"fmt"
)

// ExitKind is the reason a vCPU returned from Run.
type ExitKind int32

const (
	ExitInOut ExitKind = iota
	ExitVMX
	ExitBogus
	ExitRDMSR
	ExitWRMSR
	ExitHalt
	ExitMTrap
	ExitPause
	ExitPaging
	ExitInstEmul
	ExitSpinupAP
	ExitDeprecated1
	ExitRunBlock
	ExitIOAPICEOI
	ExitSuspended
	ExitInOutStr
	ExitTaskSwitch
	ExitMonitor
	ExitMWait
	ExitSVM
	ExitReqIdle
	ExitDebug
	ExitVMInsn
	ExitHT
	exitKindCount
)

var exitKindNames = [...]string{
	"inout", "vmx", "bogus", "rdmsr", "wrmsr", "halt", "mtrap", "pause",
	"paging", "inst_emul", "spinup_ap", "deprecated1", "runblock",
	"ioapic_eoi", "suspended", "inout_str", "task_switch", "monitor",
	"mwait", "svm", "reqidle", "debug", "vminsn", "ht",
}

func (k ExitKind) String() string {
	if k >= 0 && k < exitKindCount {
		return exitKindNames[k]
	}
	return fmt.Sprintf("ExitKind(%d)", int32(k))
}

// Terminal reports whether a run loop should stop after an exit of this
// kind.
func (k ExitKind) Terminal() bool {
	switch k {
	case ExitHalt, ExitSuspended, ExitBogus:
		return true
	}
	return false
}

// Exit is the decoded result of one Run. Each kind has its own concrete
// type; switch on the type or on Kind.
type Exit interface {
	Kind() ExitKind
	// RIP is the guest instruction pointer at the exit.
	RIP() uint64
	// InstLength is the length of the exiting instruction, 0 if unknown.
	InstLength() int
	String() string
}

// IsTerminal reports whether e ends guest execution: halt, suspend, an
// unrecognized exit or a VMX triple fault.
func IsTerminal(e Exit) bool {
	if e == nil {
		return true
	}
	if v, ok := e.(*VMXExit); ok {
		return v.Status == 0 && v.Reason == vmxReasonTripleFault
	}
	return e.Kind().Terminal()
}

type exitBase struct {
	kind    ExitKind
	rip     uint64
	instLen int
}

func (b exitBase) Kind() ExitKind  { return b.kind }
func (b exitBase) RIP() uint64     { return b.rip }
func (b exitBase) InstLength() int { return b.instLen }

func (b exitBase) prefix() string {
	return fmt.Sprintf("%v rip=%#x", b.kind, b.rip)
}

// InOutExit is a port I/O access.
type InOutExit struct {
	exitBase
	Port     uint16
	EAX      uint32
	Size     int // bytes: 1, 2 or 4
	In       bool
	StringOp bool
	Rep      bool
}

func (e *InOutExit) direction() string {
	if e.In {
		return "in"
	}
	return "out"
}

func (e *InOutExit) String() string {
	return fmt.Sprintf("%s %s port=%#x eax=%#x size=%d", e.prefix(), e.direction(), e.Port, e.EAX, e.Size)
}

// InOutStrExit is a string port I/O access (INS/OUTS).
type InOutStrExit struct {
	InOutExit
	RFLAGS  uint64
	CR0     uint64
	Index   uint64
	Count   uint64
	SegReg  Reg
	SegDesc Descriptor
}

func (e *InOutStrExit) String() string {
	return fmt.Sprintf("%s %s port=%#x size=%d rep=%v index=%#x count=%d", e.prefix(), e.direction(), e.Port, e.Size, e.Rep, e.Index, e.Count)
}

const vmxReasonTripleFault = 2

// VMXExit is the catch-all for VMX exits without a more specific kind.
// Reason and Qualification are valid when Status is 0, InstType and
// InstError otherwise.
type VMXExit struct {
	exitBase
	Status        int32
	Reason        uint32
	Qualification uint64
	InstType      int32
	InstError     int32
}

func (e *VMXExit) String() string {
	return fmt.Sprintf("%s status=%d reason=%d qualification=%#x inst_type=%d inst_error=%d",
		e.prefix(), e.Status, e.Reason, e.Qualification, e.InstType, e.InstError)
}

// SVMExit is the catch-all for AMD SVM exits.
type SVMExit struct {
	exitBase
	ExitCode uint64
	Info1    uint64
	Info2    uint64
}

func (e *SVMExit) String() string {
	return fmt.Sprintf("%s exitcode=%#x info1=%#x info2=%#x", e.prefix(), e.ExitCode, e.Info1, e.Info2)
}

// MSRExit is an RDMSR or WRMSR. Value is only meaningful for WRMSR.
type MSRExit struct {
	exitBase
	MSR   uint32
	Value uint64
}

func (e *MSRExit) String() string {
	if e.kind == ExitWRMSR {
		return fmt.Sprintf("%s msr=%#x value=%#x", e.prefix(), e.MSR, e.Value)
	}
	return fmt.Sprintf("%s msr=%#x", e.prefix(), e.MSR)
}

// PagingExit is a nested page fault.
type PagingExit struct {
	exitBase
	GPA       uint64
	FaultType int32
}

func (e *PagingExit) String() string {
	return fmt.Sprintf("%s gpa=%#x fault_type=%d", e.prefix(), e.GPA, e.FaultType)
}

// InstEmulExit asks for emulation of the instruction touching GPA.
type InstEmulExit struct {
	exitBase
	GPA    uint64
	GLA    uint64
	CSBase uint64
}

func (e *InstEmulExit) String() string {
	return fmt.Sprintf("%s gpa=%#x gla=%#x cs_base=%#x", e.prefix(), e.GPA, e.GLA, e.CSBase)
}

// SpinupAPExit asks the caller to start application processor VCPU at
// EntryRIP.
type SpinupAPExit struct {
	exitBase
	VCPU     int
	EntryRIP uint64
}

func (e *SpinupAPExit) String() string {
	return fmt.Sprintf("%s vcpu=%d entry=%#x", e.prefix(), e.VCPU, e.EntryRIP)
}

// HaltExit is a HLT.
type HaltExit struct {
	exitBase
	RFLAGS     uint64
	IntrStatus uint64
}

func (e *HaltExit) String() string {
	return fmt.Sprintf("%s rflags=%#x", e.prefix(), e.RFLAGS)
}

// IOAPICEOIExit is an end-of-interrupt for an I/O APIC vector.
type IOAPICEOIExit struct {
	exitBase
	Vector int
}

func (e *IOAPICEOIExit) String() string {
	return fmt.Sprintf("%s vector=%d", e.prefix(), e.Vector)
}

// SuspendedExit reports that the VM was suspended.
type SuspendedExit struct {
	exitBase
	How SuspendHow
}

func (e *SuspendedExit) String() string {
	return fmt.Sprintf("%s how=%v", e.prefix(), e.How)
}

// SimpleExit is an exit kind that carries no payload.
type SimpleExit struct {
	exitBase
}

func (e *SimpleExit) String() string { return e.prefix() }

// BogusExit is ExitBogus or any exit code outside the known range. Code is
// the raw value the peer returned.
type BogusExit struct {
	exitBase
	Code int32
}

func (e *BogusExit) String() string {
	return fmt.Sprintf("%s code=%d", e.prefix(), e.Code)
}

// Offsets into the exit payload union.
const (
	inoutBitsOff = 0
	inoutPortOff = 2
	inoutEAXOff  = 4

	inoutStrRFLAGSOff  = 32
	inoutStrCR0Off     = 40
	inoutStrIndexOff   = 48
	inoutStrCountOff   = 56
	inoutStrSegNameOff = 64
	inoutStrSegDescOff = 72
)

// decodeExit turns a raw exit record into its typed form. It never fails:
// unknown exit codes become a *BogusExit.
func decodeExit(raw *vmExit) Exit {
	p := raw.payload[:]
	le := binary.LittleEndian
	base := exitBase{
		kind:    ExitKind(raw.exitcode),
		rip:     raw.rip,
		instLen: int(raw.instLength),
	}

	u32 := func(off int) uint32 { return le.Uint32(p[off:]) }
	i32 := func(off int) int32 { return int32(le.Uint32(p[off:])) }
	u64 := func(off int) uint64 { return le.Uint64(p[off:]) }

	inout := func() InOutExit {
		bits := p[inoutBitsOff]
		return InOutExit{
			exitBase: base,
			Size:     int(bits & 0x7),
			In:       bits&(1<<3) != 0,
			StringOp: bits&(1<<4) != 0,
			Rep:      bits&(1<<5) != 0,
			Port:     le.Uint16(p[inoutPortOff:]),
			EAX:      u32(inoutEAXOff),
		}
	}

	switch base.kind {
	case ExitInOut:
		e := inout()
		return &e
	case ExitInOutStr:
		return &InOutStrExit{
			InOutExit: inout(),
			RFLAGS:    u64(inoutStrRFLAGSOff),
			CR0:       u64(inoutStrCR0Off),
			Index:     u64(inoutStrIndexOff),
			Count:     u64(inoutStrCountOff),
			SegReg:    Reg(i32(inoutStrSegNameOff)),
			SegDesc: Descriptor{
				Base:   u64(inoutStrSegDescOff),
				Limit:  u32(inoutStrSegDescOff + 8),
				Access: u32(inoutStrSegDescOff + 12),
			},
		}
	case ExitVMX:
		return &VMXExit{
			exitBase:      base,
			Status:        i32(0),
			Reason:        u32(4),
			Qualification: u64(8),
			InstType:      i32(16),
			InstError:     i32(20),
		}
	case ExitSVM:
		return &SVMExit{exitBase: base, ExitCode: u64(0), Info1: u64(8), Info2: u64(16)}
	case ExitRDMSR, ExitWRMSR:
		return &MSRExit{exitBase: base, MSR: u32(0), Value: u64(8)}
	case ExitPaging:
		return &PagingExit{exitBase: base, GPA: u64(0), FaultType: i32(8)}
	case ExitInstEmul:
		return &InstEmulExit{exitBase: base, GPA: u64(0), GLA: u64(8), CSBase: u64(16)}
	case ExitSpinupAP:
		return &SpinupAPExit{exitBase: base, VCPU: int(i32(0)), EntryRIP: u64(8)}
	case ExitHalt:
		return &HaltExit{exitBase: base, RFLAGS: u64(0), IntrStatus: u64(8)}
	case ExitIOAPICEOI:
		return &IOAPICEOIExit{exitBase: base, Vector: int(i32(0))}
	case ExitSuspended:
		return &SuspendedExit{exitBase: base, How: SuspendHow(i32(0))}
	case ExitMTrap, ExitPause, ExitDeprecated1, ExitRunBlock, ExitTaskSwitch,
		ExitMonitor, ExitMWait, ExitReqIdle, ExitDebug, ExitVMInsn, ExitHT:
		return &SimpleExit{exitBase: base}
	default:
		base.kind = ExitBogus
		return &BogusExit{exitBase: base, Code: raw.exitcode}
	}
}
