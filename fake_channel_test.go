package bhyve

import (
	"encoding/binary"
	"sort"
	"sync"
	"syscall"
	"testing"
	"unsafe"
)

// fakeChannel is an in-memory vmm peer. It decodes the same request records
// the driver does and keeps just enough state to answer them.
type fakeChannel struct {
	mu sync.Mutex

	segments map[SegmentID]vmMemseg
	mappings map[uint64]vmMemmap
	regs     map[int]map[Reg]uint64
	descs    map[int]map[Reg]segDesc
	caps     map[int]map[CapType]int32
	x2apic   map[int]int32
	active   map[int]bool
	topology vmCPUTopology
	rtc      [rtcNVRAMSize]byte
	rtcTime  int64
	suspend  SuspendHow
	reinits  int

	hostMaps []fakeHostMap

	// guestMem backs guest-physical 0 for the built-in interpreter.
	guestMem []byte
	// runFn overrides the interpreter when set.
	runFn func(vcpu int32, exit *vmExit) error

	calls  map[uint]int
	fail   map[uint]syscall.Errno
	closed int
}

type fakeHostMap struct {
	addr   uintptr
	length uintptr
	offset int64
}

const fakeDevmemBase = int64(1) << 40

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		segments: make(map[SegmentID]vmMemseg),
		mappings: make(map[uint64]vmMemmap),
		regs:     make(map[int]map[Reg]uint64),
		descs:    make(map[int]map[Reg]segDesc),
		caps:     make(map[int]map[CapType]int32),
		x2apic:   make(map[int]int32),
		active:   make(map[int]bool),
		topology: vmCPUTopology{sockets: 1, cores: 1, threads: 1, maxcpus: MaxCPUs},
		calls:    make(map[uint]int),
		fail:     make(map[uint]syscall.Errno),
	}
}

// newFakeVM returns a VM over a fresh fakeChannel that is closed at the end
// of the test.
func newFakeVM(t *testing.T, opts ...Option) (*VM, *fakeChannel) {
	t.Helper()
	fc := newFakeChannel()
	vm, err := NewVM("test", fc, opts...)
	if err != nil {
		t.Fatalf("NewVM() error = %v", err)
	}
	t.Cleanup(func() { vm.Close() })
	return vm, fc
}

// hostMem returns page-aligned host memory released at the end of the test.
func hostMem(t *testing.T, n int) []byte {
	t.Helper()
	mem, err := AllocHostMemory(n)
	if err != nil {
		t.Fatalf("AllocHostMemory(%d) error = %v", n, err)
	}
	t.Cleanup(func() { FreeHostMemory(mem) })
	return mem
}

func (f *fakeChannel) count(req uint) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[req]
}

func (f *fakeChannel) failWith(req uint, errno syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[req] = errno
}

func (f *fakeChannel) reg(vcpu int, r Reg) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[vcpu][r]
}

func (f *fakeChannel) setReg(vcpu int, r Reg, v uint64) {
	if f.regs[vcpu] == nil {
		f.regs[vcpu] = make(map[Reg]uint64)
	}
	f.regs[vcpu][r] = v
}

func (f *fakeChannel) Ioctl(req uint, arg unsafe.Pointer) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[req]++
	if errno, ok := f.fail[req]; ok {
		return errno
	}

	switch req {
	case vmmCreateVM, vmmDestroyVM:
		return nil

	case reqReinit:
		f.reinits++
		f.suspend = SuspendNone
		return nil

	case reqSuspend:
		f.suspend = SuspendHow((*vmSuspend)(arg).how)
		return nil

	case reqGetMemseg:
		d := (*vmMemseg)(arg)
		if seg, ok := f.segments[SegmentID(d.segid)]; ok {
			*d = seg
		} else {
			d.len = 0
			d.name = [segNameBufSize]byte{}
		}
		return nil

	case reqAllocMemseg:
		d := (*vmMemseg)(arg)
		if _, ok := f.segments[SegmentID(d.segid)]; ok {
			return syscall.EEXIST
		}
		f.segments[SegmentID(d.segid)] = *d
		return nil

	case reqMmapMemseg:
		d := (*vmMemmap)(arg)
		if _, ok := f.segments[SegmentID(d.segid)]; !ok {
			return syscall.EINVAL
		}
		if _, ok := f.mappings[d.gpa]; ok {
			return syscall.EEXIST
		}
		f.mappings[d.gpa] = *d
		return nil

	case reqMmapGetNext:
		d := (*vmMemmap)(arg)
		gpas := make([]uint64, 0, len(f.mappings))
		for gpa := range f.mappings {
			if gpa >= d.gpa {
				gpas = append(gpas, gpa)
			}
		}
		if len(gpas) == 0 {
			return syscall.ENOENT
		}
		sort.Slice(gpas, func(i, j int) bool { return gpas[i] < gpas[j] })
		*d = f.mappings[gpas[0]]
		return nil

	case reqMunmapMemseg:
		d := (*vmMunmap)(arg)
		m, ok := f.mappings[d.gpa]
		if !ok || m.len != d.len {
			return syscall.EINVAL
		}
		delete(f.mappings, d.gpa)
		return nil

	case reqDevmemGetOffset:
		d := (*vmDevmemOffset)(arg)
		seg := SegmentID(d.segid)
		if _, ok := f.segments[seg]; !ok || !seg.IsDeviceMemory() {
			return syscall.EINVAL
		}
		d.offset = fakeDevmemBase + int64(seg)<<32
		return nil

	case reqSetRegister:
		d := (*vmRegister)(arg)
		f.setReg(int(d.cpuid), Reg(d.regnum), d.regval)
		return nil

	case reqGetRegister:
		d := (*vmRegister)(arg)
		d.regval = f.regs[int(d.cpuid)][Reg(d.regnum)]
		return nil

	case reqSetSegDesc:
		d := (*vmSegDesc)(arg)
		if f.descs[int(d.cpuid)] == nil {
			f.descs[int(d.cpuid)] = make(map[Reg]segDesc)
		}
		f.descs[int(d.cpuid)][Reg(d.regnum)] = d.desc
		return nil

	case reqGetSegDesc:
		d := (*vmSegDesc)(arg)
		d.desc = f.descs[int(d.cpuid)][Reg(d.regnum)]
		return nil

	case reqSetCapability:
		d := (*vmCapability)(arg)
		if f.caps[int(d.cpuid)] == nil {
			f.caps[int(d.cpuid)] = make(map[CapType]int32)
		}
		f.caps[int(d.cpuid)][CapType(d.captype)] = d.capval
		return nil

	case reqGetCapability:
		d := (*vmCapability)(arg)
		d.capval = f.caps[int(d.cpuid)][CapType(d.captype)]
		return nil

	case reqSetX2APICState:
		d := (*vmX2APIC)(arg)
		f.x2apic[int(d.cpuid)] = d.state
		return nil

	case reqGetX2APICState:
		d := (*vmX2APIC)(arg)
		d.state = f.x2apic[int(d.cpuid)]
		return nil

	case reqSetTopology:
		d := (*vmCPUTopology)(arg)
		if d.maxcpus != 0 {
			return syscall.EINVAL
		}
		f.topology.sockets, f.topology.cores, f.topology.threads = d.sockets, d.cores, d.threads
		return nil

	case reqGetTopology:
		*(*vmCPUTopology)(arg) = f.topology
		return nil

	case reqActivateCPU:
		d := (*vmActivateCPU)(arg)
		if f.active[int(d.vcpuid)] {
			return syscall.EBUSY
		}
		f.active[int(d.vcpuid)] = true
		return nil

	case reqSuspendCPU, reqResumeCPU:
		return nil

	case reqStats:
		d := (*vmStats)(arg)
		d.numEntries = 3
		d.tvSec = 1700000000
		d.statbuf[0], d.statbuf[1], d.statbuf[2] = 10, 20, 30
		return nil

	case reqRTCRead:
		d := (*vmRTCData)(arg)
		d.value = f.rtc[d.offset]
		return nil

	case reqRTCWrite:
		d := (*vmRTCData)(arg)
		f.rtc[d.offset] = d.value
		return nil

	case reqRTCSetTime:
		f.rtcTime = (*vmRTCTime)(arg).secs
		return nil

	case reqRTCGetTime:
		(*vmRTCTime)(arg).secs = f.rtcTime
		return nil

	case reqRun:
		d := (*vmRun)(arg)
		if f.runFn != nil {
			return f.runFn(d.cpuid, &d.exit)
		}
		return f.interpret(int(d.cpuid), &d.exit)
	}
	return syscall.ENOTTY
}

func (f *fakeChannel) MapFixed(addr, length uintptr, offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostMaps = append(f.hostMaps, fakeHostMap{addr: addr, length: length, offset: offset})
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// interpret executes real-mode code from guestMem until the next exit. It
// knows just the instructions the tests load: mov dx,imm16; add al,bl;
// add al,imm8; out dx,al; hlt.
func (f *fakeChannel) interpret(vcpu int, exit *vmExit) error {
	if f.suspend != SuspendNone {
		exit.exitcode = int32(ExitSuspended)
		binary.LittleEndian.PutUint32(exit.payload[0:], uint32(f.suspend))
		return nil
	}
	for steps := 0; steps < 64; steps++ {
		rip := f.regs[vcpu][RegRIP]
		lin := f.descs[vcpu][RegCS].base + rip
		if lin >= uint64(len(f.guestMem)) {
			exit.exitcode = int32(ExitPaging)
			exit.rip = rip
			binary.LittleEndian.PutUint64(exit.payload[0:], lin)
			return nil
		}
		code := f.guestMem[lin:]
		rax := f.regs[vcpu][RegRAX]
		switch code[0] {
		case 0xba: // mov dx, imm16
			rdx := f.regs[vcpu][RegRDX]&^0xffff | uint64(binary.LittleEndian.Uint16(code[1:]))
			f.setReg(vcpu, RegRDX, rdx)
			f.setReg(vcpu, RegRIP, rip+3)
		case 0x00: // add r/m8, r8 with modrm d8: add al, bl
			al := uint8(rax) + uint8(f.regs[vcpu][RegRBX])
			f.setReg(vcpu, RegRAX, rax&^0xff|uint64(al))
			f.setReg(vcpu, RegRIP, rip+2)
		case 0x04: // add al, imm8
			al := uint8(rax) + code[1]
			f.setReg(vcpu, RegRAX, rax&^0xff|uint64(al))
			f.setReg(vcpu, RegRIP, rip+2)
		case 0xee: // out dx, al
			f.setReg(vcpu, RegRIP, rip+1)
			exit.exitcode = int32(ExitInOut)
			exit.rip = rip
			exit.instLength = 1
			exit.payload[0] = 1 // one byte, out
			binary.LittleEndian.PutUint16(exit.payload[2:], uint16(f.regs[vcpu][RegRDX]))
			binary.LittleEndian.PutUint32(exit.payload[4:], uint32(rax))
			return nil
		case 0xf4: // hlt
			f.setReg(vcpu, RegRIP, rip+1)
			exit.exitcode = int32(ExitHalt)
			exit.rip = rip
			exit.instLength = 1
			binary.LittleEndian.PutUint64(exit.payload[0:], f.regs[vcpu][RegRFLAGS])
			return nil
		default:
			exit.exitcode = int32(ExitInstEmul)
			exit.rip = rip
			binary.LittleEndian.PutUint64(exit.payload[0:], lin)
			return nil
		}
	}
	exit.exitcode = int32(ExitBogus)
	return nil
}
