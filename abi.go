package bhyve

import "unsafe"

// Request records exchanged with the vmm driver. Field order and widths
// follow machine/vmm_dev.h for amd64; explicit padding fields keep the Go
// layout identical to the C one.

const (
	iocParmShift     = 13
	iocParmMask      = 1<<iocParmShift - 1
	iocParmSizeShift = 16

	iocVoid  = 0x20000000
	iocOut   = 0x40000000
	iocIn    = 0x80000000
	iocInOut = iocIn | iocOut

	vmmIOCGroup = 'v' << 8

	// ioctls against /dev/vmmctl
	vmmIOCBase   = 'V'<<16 | 'M'<<8
	vmmCreateVM  = vmmIOCBase | 0x01
	vmmDestroyVM = vmmIOCBase | 0x02
)

const (
	iocnumRun             = 1
	iocnumSetCapability   = 2
	iocnumGetCapability   = 3
	iocnumSuspend         = 4
	iocnumReinit          = 5
	iocnumAllocMemseg     = 14
	iocnumGetMemseg       = 15
	iocnumMmapMemseg      = 16
	iocnumMmapGetNext     = 17
	iocnumMunmapMemseg    = 19
	iocnumSetRegister     = 20
	iocnumGetRegister     = 21
	iocnumSetSegDesc      = 22
	iocnumGetSegDesc      = 23
	iocnumVMStats         = 50
	iocnumSetX2APICState  = 60
	iocnumGetX2APICState  = 61
	iocnumSetTopology     = 63
	iocnumGetTopology     = 64
	iocnumActivateCPU     = 90
	iocnumSuspendCPU      = 92
	iocnumResumeCPU       = 93
	iocnumRTCRead         = 100
	iocnumRTCWrite        = 101
	iocnumRTCSetTime      = 102
	iocnumRTCGetTime      = 103
	iocnumDevmemGetOffset = 256
)

// ioc encodes a BSD-style ioctl request: direction bits, parameter size,
// group and command number.
func ioc(inout, num uint32, size uintptr) uint {
	return uint(inout | (uint32(size)&iocParmMask)<<iocParmSizeShift | vmmIOCGroup | num)
}

// vmRun carries a vCPU index in and the exit record out.
type vmRun struct {
	cpuid int32
	_     [4]byte
	exit  vmExit
}

// vmExit is the raw exit record. The payload is a C union; it is kept as
// bytes here and decoded eagerly by decodeExit.
type vmExit struct {
	exitcode   int32
	instLength int32
	rip        uint64
	payload    [exitPayloadSize]byte
}

const exitPayloadSize = 120

type vmSuspend struct {
	how int32
}

type vmMemseg struct {
	segid int32
	_     [4]byte
	len   uint64
	name  [segNameBufSize]byte
}

type vmMemmap struct {
	gpa    uint64
	segid  int32
	_      [4]byte
	segoff int64
	len    uint64
	prot   int32
	flags  int32
}

type vmMunmap struct {
	gpa uint64
	len uint64
}

type vmDevmemOffset struct {
	segid  int32
	_      [4]byte
	offset int64
}

type vmRegister struct {
	cpuid  int32
	regnum int32
	regval uint64
}

type segDesc struct {
	base   uint64
	limit  uint32
	access uint32
}

type vmSegDesc struct {
	cpuid  int32
	regnum int32
	desc   segDesc
}

type vmCapability struct {
	cpuid   int32
	captype int32
	capval  int32
	allcpus int32
}

type vmActivateCPU struct {
	vcpuid int32
}

type vmX2APIC struct {
	cpuid int32
	state int32
}

type vmCPUTopology struct {
	sockets uint16
	cores   uint16
	threads uint16
	maxcpus uint16
}

const maxVMStats = 64

type vmStats struct {
	cpuid      int32
	numEntries int32
	tvSec      int64
	tvUsec     int64
	statbuf    [maxVMStats]uint64
}

type vmRTCData struct {
	offset int32
	value  uint8
	_      [3]byte
}

type vmRTCTime struct {
	secs int64
}

var (
	reqRun             = ioc(iocInOut, iocnumRun, unsafe.Sizeof(vmRun{}))
	reqSetCapability   = ioc(iocIn, iocnumSetCapability, unsafe.Sizeof(vmCapability{}))
	reqGetCapability   = ioc(iocInOut, iocnumGetCapability, unsafe.Sizeof(vmCapability{}))
	reqSuspend         = ioc(iocIn, iocnumSuspend, unsafe.Sizeof(vmSuspend{}))
	reqReinit          = ioc(iocVoid, iocnumReinit, 0)
	reqAllocMemseg     = ioc(iocIn, iocnumAllocMemseg, unsafe.Sizeof(vmMemseg{}))
	reqGetMemseg       = ioc(iocInOut, iocnumGetMemseg, unsafe.Sizeof(vmMemseg{}))
	reqMmapMemseg      = ioc(iocIn, iocnumMmapMemseg, unsafe.Sizeof(vmMemmap{}))
	reqMmapGetNext     = ioc(iocInOut, iocnumMmapGetNext, unsafe.Sizeof(vmMemmap{}))
	reqMunmapMemseg    = ioc(iocIn, iocnumMunmapMemseg, unsafe.Sizeof(vmMunmap{}))
	reqSetRegister     = ioc(iocIn, iocnumSetRegister, unsafe.Sizeof(vmRegister{}))
	reqGetRegister     = ioc(iocInOut, iocnumGetRegister, unsafe.Sizeof(vmRegister{}))
	reqSetSegDesc      = ioc(iocIn, iocnumSetSegDesc, unsafe.Sizeof(vmSegDesc{}))
	reqGetSegDesc      = ioc(iocInOut, iocnumGetSegDesc, unsafe.Sizeof(vmSegDesc{}))
	reqStats           = ioc(iocInOut, iocnumVMStats, unsafe.Sizeof(vmStats{}))
	reqSetX2APICState  = ioc(iocIn, iocnumSetX2APICState, unsafe.Sizeof(vmX2APIC{}))
	reqGetX2APICState  = ioc(iocInOut, iocnumGetX2APICState, unsafe.Sizeof(vmX2APIC{}))
	reqSetTopology     = ioc(iocIn, iocnumSetTopology, unsafe.Sizeof(vmCPUTopology{}))
	reqGetTopology     = ioc(iocOut, iocnumGetTopology, unsafe.Sizeof(vmCPUTopology{}))
	reqActivateCPU     = ioc(iocIn, iocnumActivateCPU, unsafe.Sizeof(vmActivateCPU{}))
	reqSuspendCPU      = ioc(iocIn, iocnumSuspendCPU, unsafe.Sizeof(vmActivateCPU{}))
	reqResumeCPU       = ioc(iocIn, iocnumResumeCPU, unsafe.Sizeof(vmActivateCPU{}))
	reqRTCRead         = ioc(iocInOut, iocnumRTCRead, unsafe.Sizeof(vmRTCData{}))
	reqRTCWrite        = ioc(iocIn, iocnumRTCWrite, unsafe.Sizeof(vmRTCData{}))
	reqRTCSetTime      = ioc(iocIn, iocnumRTCSetTime, unsafe.Sizeof(vmRTCTime{}))
	reqRTCGetTime      = ioc(iocOut, iocnumRTCGetTime, unsafe.Sizeof(vmRTCTime{}))
	reqDevmemGetOffset = ioc(iocInOut, iocnumDevmemGetOffset, unsafe.Sizeof(vmDevmemOffset{}))
)
