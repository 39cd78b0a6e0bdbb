package bhyve

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"
)

const (
	MB = 1024 * 1024
	GB = 1024 * MB

	// DefaultLowmemLimit is the largest low-memory segment a new handle
	// accepts.
	DefaultLowmemLimit uint64 = 3 * GB
)

// MemFlags are guest-memory policy bits carried by a VM handle.
type MemFlags uint32

const (
	// MemFlagWired pins guest memory against eviction for the VM lifetime.
	MemFlagWired MemFlags = 0x02
)

// VM is an open handle on one bhyve virtual machine device. It is the sole
// owner of its Channel.
//
// A VM performs no serialization of its own beyond guarding the closed
// state: callers must serialize changes to VM-wide state such as segments
// and mappings. Different vCPU indices may be driven from different
// goroutines, and Suspend may be called while a Run is blocked.
type VM struct {
	name        string
	ch          Channel
	lowmemLimit uint64
	memFlags    MemFlags

	// mu guards the fields below. Requests count themselves in inflight
	// while they use ch; Close waits on drained until it reaches zero.
	mu       sync.Mutex
	drained  *sync.Cond
	inflight int
	closing  bool
	closed   bool
}

// Option configures a VM handle.
type Option func(*VM)

// WithLowmemLimit overrides DefaultLowmemLimit.
func WithLowmemLimit(n uint64) Option {
	return func(vm *VM) { vm.lowmemLimit = n }
}

// WithMemFlags sets the initial memory flags.
func WithMemFlags(f MemFlags) Option {
	return func(vm *VM) { vm.memFlags = f }
}

// Open opens /dev/vmm/<name>, which must already exist (see System.CreateVM).
func Open(name string, opts ...Option) (*VM, error) {
	if err := validateVMName(name); err != nil {
		return nil, err
	}
	start := time.Now()
	ch, err := openVMChannel(name)
	if err != nil {
		recordChannelError()
		return nil, err
	}
	vm, err := NewVM(name, ch, opts...)
	if err != nil {
		ch.Close()
		return nil, err
	}
	recordVMOpen(time.Since(start))
	return vm, nil
}

// NewVM wraps an already-open channel. The returned VM takes ownership of
// ch and closes it on Close.
func NewVM(name string, ch Channel, opts ...Option) (*VM, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidInput)
	}
	vm := &VM{
		name:        name,
		ch:          ch,
		lowmemLimit: DefaultLowmemLimit,
	}
	vm.drained = sync.NewCond(&vm.mu)
	for _, opt := range opts {
		opt(vm)
	}

	// Set finalizer as safety net in case Close() is not called
	runtime.SetFinalizer(vm, (*VM).finalize)

	return vm, nil
}

func (vm *VM) Name() string { return vm.name }

func (vm *VM) LowmemLimit() uint64 { return vm.lowmemLimit }

func (vm *VM) SetLowmemLimit(n uint64) { vm.lowmemLimit = n }

func (vm *VM) MemFlags() MemFlags { return vm.memFlags }

func (vm *VM) SetMemFlags(f MemFlags) { vm.memFlags = f }

// Close releases the channel. It waits for requests already in flight,
// including a blocked Run; while it waits every new request fails with
// ErrVMClosed except Suspend and SuspendCPU, so a running vCPU can still be
// stopped. Idempotent; every later operation on vm fails with ErrVMClosed.
func (vm *VM) Close() error {
	if vm == nil {
		return nil
	}

	vm.mu.Lock()
	if vm.closing {
		for !vm.closed {
			vm.drained.Wait()
		}
		vm.mu.Unlock()
		return nil
	}
	vm.closing = true
	for vm.inflight > 0 {
		vm.drained.Wait()
	}
	vm.closed = true
	ch := vm.ch
	vm.ch = nil
	vm.drained.Broadcast()
	vm.mu.Unlock()

	runtime.SetFinalizer(vm, nil)
	recordVMClose()
	if err := ch.Close(); err != nil {
		return fmt.Errorf("failed to close VM %s: %w", vm.name, err)
	}
	return nil
}

// finalize is called by the garbage collector as a safety net
func (vm *VM) finalize() {
	if vm.mu.TryLock() {
		defer vm.mu.Unlock()
		if !vm.closing {
			slog.Debug("bhyve: VM was not closed before garbage collection", "vm", vm.name)
			vm.closing, vm.closed = true, true
			if err := vm.ch.Close(); err != nil {
				slog.Debug("bhyve: finalizer close failed", "vm", vm.name, "error", err)
			}
			vm.ch = nil
		}
	}
}

// stopRequest reports whether req is admitted while Close is waiting.
func stopRequest(req uint) bool {
	return req == reqSuspend || req == reqSuspendCPU
}

// acquire registers a request against the channel. Every successful call
// must be paired with release.
func (vm *VM) acquire(req uint) (Channel, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.closed || (vm.closing && !stopRequest(req)) {
		return nil, ErrVMClosed
	}
	vm.inflight++
	return vm.ch, nil
}

func (vm *VM) release() {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.inflight--
	if vm.inflight == 0 {
		vm.drained.Broadcast()
	}
}

// ioctl issues one request unless the VM is closed or closing.
func (vm *VM) ioctl(op string, req uint, arg unsafe.Pointer) error {
	if vm == nil {
		return fmt.Errorf("vmm: %s: VM is nil", op)
	}
	ch, err := vm.acquire(req)
	if err != nil {
		return err
	}
	defer vm.release()
	return channelErr(op, ch.Ioctl(req, arg))
}

func (vm *VM) mapFixed(op string, addr, length uintptr, offset int64) error {
	ch, err := vm.acquire(0)
	if err != nil {
		return err
	}
	defer vm.release()
	return channelErr(op, ch.MapFixed(addr, length, offset))
}

// SuspendHow selects how a VM suspend is requested.
type SuspendHow int32

const (
	SuspendNone SuspendHow = iota
	SuspendReset
	SuspendPowerOff
	SuspendHalt
	SuspendTripleFault
	suspendLast
)

func (h SuspendHow) String() string {
	switch h {
	case SuspendNone:
		return "none"
	case SuspendReset:
		return "reset"
	case SuspendPowerOff:
		return "poweroff"
	case SuspendHalt:
		return "halt"
	case SuspendTripleFault:
		return "triplefault"
	default:
		return fmt.Sprintf("SuspendHow(%d)", int32(h))
	}
}

// Reinit reinitializes the VM to its freshly created state.
func (vm *VM) Reinit() error {
	return vm.ioctl("reinit", reqReinit, nil)
}

// Suspend asks the peer to stop the VM. A vCPU blocked in Run returns with
// a suspended exit. Suspend is still admitted while Close is waiting for
// such a Run.
func (vm *VM) Suspend(how SuspendHow) error {
	if how <= SuspendNone || how >= suspendLast {
		return fmt.Errorf("%w: suspend reason %v", ErrInvalidInput, how)
	}
	data := vmSuspend{how: int32(how)}
	return vm.ioctl("suspend", reqSuspend, unsafe.Pointer(&data))
}

func (vm *VM) Reset() error       { return vm.Suspend(SuspendReset) }
func (vm *VM) PowerOff() error    { return vm.Suspend(SuspendPowerOff) }
func (vm *VM) Halt() error        { return vm.Suspend(SuspendHalt) }
func (vm *VM) TripleFault() error { return vm.Suspend(SuspendTripleFault) }

// System is a handle on /dev/vmmctl, used to create and destroy VM
// devices.
type System struct {
	ch Channel
	mu sync.Mutex
}

// OpenSystem opens /dev/vmmctl exclusively.
func OpenSystem() (*System, error) {
	ch, err := openCtlChannel()
	if err != nil {
		return nil, err
	}
	return NewSystem(ch), nil
}

// NewSystem wraps an already-open control channel.
func NewSystem(ch Channel) *System {
	return &System{ch: ch}
}

// CreateVM creates /dev/vmm/<name>.
func (s *System) CreateVM(name string) error {
	return s.nameRequest("create", vmmCreateVM, name)
}

// DestroyVM destroys /dev/vmm/<name>. Open handles on it stop working.
func (s *System) DestroyVM(name string) error {
	return s.nameRequest("destroy", vmmDestroyVM, name)
}

func (s *System) nameRequest(op string, req uint, name string) error {
	if err := validateVMName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return ErrVMClosed
	}
	buf := append([]byte(name), 0)
	return channelErr(op, s.ch.Ioctl(req, unsafe.Pointer(&buf[0])))
}

// Close releases /dev/vmmctl.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return nil
	}
	ch := s.ch
	s.ch = nil
	return ch.Close()
}

const maxVMNameLen = 31

func validateVMName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty VM name", ErrInvalidInput)
	}
	if len(name) > maxVMNameLen {
		return fmt.Errorf("%w: VM name %q longer than %d bytes", ErrInvalidInput, name, maxVMNameLen)
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c == '/' || c == 0 {
			return fmt.Errorf("%w: VM name %q contains %q", ErrInvalidInput, name, c)
		}
	}
	return nil
}
