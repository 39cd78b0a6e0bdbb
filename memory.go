package bhyve

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"unsafe"
)

// SegmentID identifies a memory segment by role.
type SegmentID int32

const (
	SegLowMem SegmentID = iota
	SegHighMem
	SegBootROM
	SegFramebuffer
	segLast
)

func (s SegmentID) String() string {
	switch s {
	case SegLowMem:
		return "lowmem"
	case SegHighMem:
		return "highmem"
	case SegBootROM:
		return "bootrom"
	case SegFramebuffer:
		return "framebuffer"
	default:
		return fmt.Sprintf("SegmentID(%d)", int32(s))
	}
}

// IsDeviceMemory reports whether the segment is device memory. Device
// segments are named; system memory segments are anonymous.
func (s SegmentID) IsDeviceMemory() bool {
	return s == SegBootROM || s == SegFramebuffer
}

func (s SegmentID) valid() bool {
	return s >= SegLowMem && s < segLast
}

const (
	// segNameBufSize is the size of the NUL-terminated name buffer in the
	// segment request record.
	segNameBufSize = 64

	// MaxBootROMSize keeps the boot ROM clear of the MMIO window below 4GiB
	// (APIC, HPET, MSI).
	MaxBootROMSize = 16 * MB

	bootROMName = "bootrom"
)

// SegmentName is a segment name that fits the ABI buffer with its
// terminator.
type SegmentName string

// NewSegmentName rejects names that would not fit with a terminator or that
// contain a NUL byte.
func NewSegmentName(s string) (SegmentName, error) {
	if len(s) >= segNameBufSize {
		return "", fmt.Errorf("%w: segment name %q is %d bytes (max %d)", ErrInvalidInput, s, len(s), segNameBufSize-1)
	}
	if i := bytes.IndexByte([]byte(s), 0); i >= 0 {
		return "", fmt.Errorf("%w: segment name contains NUL at %d", ErrInvalidInput, i)
	}
	return SegmentName(s), nil
}

func (n SegmentName) buf() (b [segNameBufSize]byte) {
	copy(b[:segNameBufSize-1], n)
	return b
}

func segmentNameFromBuf(b [segNameBufSize]byte) SegmentName {
	if i := bytes.IndexByte(b[:], 0); i >= 0 {
		return SegmentName(b[:i])
	}
	return SegmentName(b[:])
}

// SegmentInfo describes a segment as the peer reports it. Length 0 means the
// segment is not allocated.
type SegmentInfo struct {
	ID     SegmentID   `json:"id"`
	Length uint64      `json:"length"`
	Name   SegmentName `json:"name,omitempty"`
}

// Allocated reports whether the segment is present in the VM.
func (s SegmentInfo) Allocated() bool { return s.Length != 0 }

// Prot is a guest mapping protection mask.
type Prot int32

const (
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x2
	ProtExec  Prot = 0x4
	ProtAll        = ProtRead | ProtWrite | ProtExec
)

func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// MapFlags are per-mapping flags.
type MapFlags int32

const (
	MapFlagWired MapFlags = 0x01
	MapFlagIOMMU MapFlags = 0x02
)

// Mapping is one guest-physical range backed by a segment.
type Mapping struct {
	GPA     uint64    `json:"gpa"`
	Segment SegmentID `json:"segment"`
	Offset  int64     `json:"offset"`
	Length  uint64    `json:"length"`
	Prot    Prot      `json:"prot"`
	Flags   MapFlags  `json:"flags"`
}

// End returns the first guest-physical address past the mapping.
func (m Mapping) End() uint64 { return m.GPA + m.Length }

// Wired reports whether the mapping is pinned.
func (m Mapping) Wired() bool { return m.Flags&MapFlagWired != 0 }

// Segment returns the length and name of a segment. An unallocated segment
// is reported with length 0.
func (vm *VM) Segment(seg SegmentID) (SegmentInfo, error) {
	if !seg.valid() {
		return SegmentInfo{}, fmt.Errorf("%w: segment %v", ErrInvalidInput, seg)
	}
	data := vmMemseg{segid: int32(seg)}
	if err := vm.ioctl("get memseg", reqGetMemseg, unsafe.Pointer(&data)); err != nil {
		return SegmentInfo{}, fmt.Errorf("failed to get segment %v: %w", seg, err)
	}
	return SegmentInfo{
		ID:     seg,
		Length: data.len,
		Name:   segmentNameFromBuf(data.name),
	}, nil
}

// AllocateSegment allocates a segment of length bytes. Calling it again with
// the same length and name is a no-op; any other length or name for an
// existing segment fails with ErrConflict. Device memory segments must be
// named, and low memory may not exceed the handle's lowmem limit.
func (vm *VM) AllocateSegment(seg SegmentID, length uint64, name string) error {
	if !seg.valid() {
		return fmt.Errorf("%w: segment %v", ErrInvalidInput, seg)
	}
	if length == 0 {
		return fmt.Errorf("%w: zero-length segment %v", ErrInvalidInput, seg)
	}
	if seg == SegLowMem && length > vm.lowmemLimit {
		return fmt.Errorf("%w: low memory %d bytes exceeds limit %d", ErrInvalidInput, length, vm.lowmemLimit)
	}
	segName, err := NewSegmentName(name)
	if err != nil {
		return err
	}
	if seg.IsDeviceMemory() && segName == "" {
		return fmt.Errorf("%w: device memory segment %v needs a name", ErrInvalidInput, seg)
	}

	existing, err := vm.Segment(seg)
	if err != nil {
		return err
	}
	if existing.Allocated() {
		if existing.Length == length && existing.Name == segName {
			slog.Debug("bhyve: segment already allocated", "vm", vm.name, "segment", seg, "length", length)
			return nil
		}
		return fmt.Errorf("%w: segment %v has length %d name %q, requested length %d name %q",
			ErrConflict, seg, existing.Length, existing.Name, length, segName)
	}

	data := vmMemseg{
		segid: int32(seg),
		len:   length,
		name:  segName.buf(),
	}
	if err := vm.ioctl("alloc memseg", reqAllocMemseg, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to allocate segment %v (%d bytes): %w", seg, length, err)
	}
	recordSegmentAlloc()
	return nil
}

func (vm *VM) mapFlags() MapFlags {
	if vm.memFlags&MemFlagWired != 0 {
		return MapFlagWired
	}
	return 0
}

// MapSegment maps [off, off+length) of seg at guest-physical gpa. If an
// identical mapping already starts at gpa nothing is done; a different
// mapping at gpa fails with ErrAlreadyExists.
func (vm *VM) MapSegment(gpa uint64, seg SegmentID, off int64, length uint64, prot Prot) error {
	if !seg.valid() {
		return fmt.Errorf("%w: segment %v", ErrInvalidInput, seg)
	}
	if length == 0 {
		return fmt.Errorf("%w: zero-length mapping at 0x%x", ErrInvalidInput, gpa)
	}
	if off < 0 {
		return fmt.Errorf("%w: negative segment offset %d", ErrInvalidInput, off)
	}
	if prot&^ProtAll != 0 {
		return fmt.Errorf("%w: invalid protection bits 0x%x", ErrInvalidInput, int32(prot))
	}
	if gpa+length < gpa {
		return fmt.Errorf("%w: guest address range 0x%x+%d would overflow", ErrInvalidInput, gpa, length)
	}
	if seg == SegLowMem && gpa+length > vm.lowmemLimit {
		return fmt.Errorf("%w: low memory mapping 0x%x+%d ends above limit 0x%x", ErrInvalidInput, gpa, length, vm.lowmemLimit)
	}

	want := Mapping{
		GPA:     gpa,
		Segment: seg,
		Offset:  off,
		Length:  length,
		Prot:    prot,
		Flags:   vm.mapFlags(),
	}

	existing, err := vm.FindNextMapping(gpa)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	case existing.GPA == gpa:
		if existing.Segment == want.Segment && existing.Offset == want.Offset &&
			existing.Prot == want.Prot && existing.Flags == want.Flags {
			slog.Debug("bhyve: mapping already present", "vm", vm.name, "gpa", fmt.Sprintf("%#x", gpa), "segment", seg)
			return nil
		}
		return fmt.Errorf("%w: 0x%x is mapped to %v+0x%x %v, requested %v+0x%x %v",
			ErrAlreadyExists, gpa, existing.Segment, existing.Offset, existing.Prot, seg, off, prot)
	}

	data := vmMemmap{
		gpa:    want.GPA,
		segid:  int32(want.Segment),
		segoff: want.Offset,
		len:    want.Length,
		prot:   int32(want.Prot),
		flags:  int32(want.Flags),
	}
	if err := vm.ioctl("mmap memseg", reqMmapMemseg, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to map %v+0x%x at 0x%x (%d bytes, %v): %w", seg, off, gpa, length, prot, err)
	}
	recordMapOperation()
	return nil
}

// FindNextMapping returns the mapping with the lowest start address that is
// >= gpa, or ErrNotFound. Each call is an independent scan.
func (vm *VM) FindNextMapping(gpa uint64) (Mapping, error) {
	data := vmMemmap{gpa: gpa}
	if err := vm.ioctl("mmap getnext", reqMmapGetNext, unsafe.Pointer(&data)); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Mapping{}, fmt.Errorf("no mapping at or above 0x%x: %w", gpa, ErrNotFound)
		}
		return Mapping{}, fmt.Errorf("failed to find mapping at or above 0x%x: %w", gpa, err)
	}
	return Mapping{
		GPA:     data.gpa,
		Segment: SegmentID(data.segid),
		Offset:  data.segoff,
		Length:  data.len,
		Prot:    Prot(data.prot),
		Flags:   MapFlags(data.flags),
	}, nil
}

// Mappings returns every guest-physical mapping in ascending address order.
func (vm *VM) Mappings() ([]Mapping, error) {
	var out []Mapping
	var gpa uint64
	for {
		m, err := vm.FindNextMapping(gpa)
		if errors.Is(err, ErrNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		next := m.End()
		if m.Length == 0 || next <= m.GPA {
			return out, nil
		}
		gpa = next
	}
}

// UnmapSegment removes the mapping covering exactly [gpa, gpa+length).
func (vm *VM) UnmapSegment(gpa, length uint64) error {
	if length == 0 {
		return fmt.Errorf("%w: unmap requires non-zero length", ErrInvalidInput)
	}
	if gpa+length < gpa {
		return fmt.Errorf("%w: guest address range 0x%x+%d would overflow", ErrInvalidInput, gpa, length)
	}
	data := vmMunmap{gpa: gpa, len: length}
	if err := vm.ioctl("munmap memseg", reqMunmapMemseg, unsafe.Pointer(&data)); err != nil {
		return fmt.Errorf("failed to unmap region 0x%x+%d: %w", gpa, length, err)
	}
	recordUnmapOperation()
	return nil
}

// DeviceMemoryOffset returns the offset at which seg can be mapped from the
// VM device into the host.
func (vm *VM) DeviceMemoryOffset(seg SegmentID) (int64, error) {
	if !seg.valid() {
		return 0, fmt.Errorf("%w: segment %v", ErrInvalidInput, seg)
	}
	data := vmDevmemOffset{segid: int32(seg)}
	if err := vm.ioctl("devmem getoffset", reqDevmemGetOffset, unsafe.Pointer(&data)); err != nil {
		return 0, fmt.Errorf("failed to get device memory offset of %v: %w", seg, err)
	}
	return data.offset, nil
}

// hostMap places the VM device at offset over host. host must start on a
// page boundary; mapping over Go heap memory corrupts it, so buffers should
// come from AllocHostMemory.
func (vm *VM) hostMap(host []byte, offset int64) error {
	defer runtime.KeepAlive(host)

	addr := uintptr(unsafe.Pointer(&host[0]))
	if addr%uintptr(pageSize()) != 0 {
		return fmt.Errorf("%w: host buffer at %#x is not page aligned", ErrInvalidInput, addr)
	}
	if err := vm.mapFixed("host mmap", addr, uintptr(len(host)), offset); err != nil {
		if errors.Is(err, ErrAddressUnavailable) || errors.Is(err, ErrVMClosed) {
			return fmt.Errorf("failed to map %d bytes at host %#x: %w", len(host), addr, err)
		}
		return fmt.Errorf("failed to map %d bytes at host %#x: %w: %w", len(host), addr, ErrAddressUnavailable, err)
	}
	recordHostMap()
	return nil
}

// MapDeviceMemory allocates the device segment seg sized to host and maps it
// over host, which must come from AllocHostMemory. The mapping replaces the
// previous contents of host. The first failing step is returned; an
// allocation that already succeeded is left in place.
func (vm *VM) MapDeviceMemory(seg SegmentID, name string, host []byte) error {
	if len(host) == 0 {
		return fmt.Errorf("%w: device memory requires a non-empty host buffer", ErrInvalidInput)
	}
	if err := vm.AllocateSegment(seg, uint64(len(host)), name); err != nil {
		return err
	}
	off, err := vm.DeviceMemoryOffset(seg)
	if err != nil {
		return err
	}
	return vm.hostMap(host, off)
}

// SetupBootROM maps host as the boot ROM: device memory on the host side and
// [4GiB-len, 4GiB) read+exec in the guest. The length must be between one
// page and MaxBootROMSize.
func (vm *VM) SetupBootROM(host []byte) error {
	n := uint64(len(host))
	if n > MaxBootROMSize || n < uint64(pageSize()) {
		return fmt.Errorf("%w: boot ROM size %d outside [%d, %d]", ErrInvalidInput, n, pageSize(), MaxBootROMSize)
	}
	if err := vm.MapDeviceMemory(SegBootROM, bootROMName, host); err != nil {
		return err
	}
	return vm.MapSegment(4*GB-n, SegBootROM, 0, n, ProtRead|ProtExec)
}

// LoadBootROM sets up host as the boot ROM and then reads a size byte image
// from r into it. The image is placed at the end of host so that its last
// byte lands just below 4GiB. The image is copied only after the device
// memory is mapped, since the mapping replaces whatever host held before.
func (vm *VM) LoadBootROM(host []byte, r io.Reader, size int64) error {
	if r == nil {
		return fmt.Errorf("%w: nil boot ROM image", ErrInvalidInput)
	}
	if size <= 0 || size > int64(len(host)) {
		return fmt.Errorf("%w: boot ROM image of %d bytes does not fit in %d", ErrInvalidInput, size, len(host))
	}
	if err := vm.SetupBootROM(host); err != nil {
		return err
	}
	if _, err := io.ReadFull(r, host[int64(len(host))-size:]); err != nil {
		return fmt.Errorf("failed to read boot ROM image: %w", err)
	}
	return nil
}

// SetupLowMem backs guest-physical [0, len(host)) with host. The length may
// not exceed the handle's lowmem limit.
func (vm *VM) SetupLowMem(host []byte) error {
	if uint64(len(host)) > vm.lowmemLimit {
		return fmt.Errorf("%w: low memory %d bytes exceeds limit %d", ErrInvalidInput, len(host), vm.lowmemLimit)
	}
	return vm.addGuestMemory(SegLowMem, 0, host)
}

// SetupHighMem backs guest-physical [4GiB, 4GiB+len(host)) with host.
func (vm *VM) SetupHighMem(host []byte) error {
	return vm.addGuestMemory(SegHighMem, 4*GB, host)
}

func (vm *VM) addGuestMemory(seg SegmentID, gpa uint64, host []byte) error {
	if len(host) == 0 {
		return fmt.Errorf("%w: %v requires a non-empty host buffer", ErrInvalidInput, seg)
	}
	n := uint64(len(host))
	if err := vm.AllocateSegment(seg, n, ""); err != nil {
		return err
	}
	if err := vm.MapSegment(gpa, seg, 0, n, ProtAll); err != nil {
		return err
	}
	return vm.MapGuestMemory(gpa, host)
}

// MapGuestMemory maps guest-physical [gpa, gpa+len(host)) of an existing
// system memory mapping over host, so another process can inspect a VM it
// did not set up. System memory is exposed at its guest-physical address.
// host must come from AllocHostMemory.
func (vm *VM) MapGuestMemory(gpa uint64, host []byte) error {
	if len(host) == 0 {
		return fmt.Errorf("%w: empty host buffer", ErrInvalidInput)
	}
	if gpa%uint64(pageSize()) != 0 {
		return fmt.Errorf("%w: guest address %#x not page aligned", ErrInvalidInput, gpa)
	}
	return vm.hostMap(host, int64(gpa))
}
