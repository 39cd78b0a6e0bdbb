package bhyve

import (
	"errors"
	"sync"
	"syscall"
	"testing"

	"golang.org/x/arch/x86/x86asm"
)

// helloProgram adds BL to AL, converts the digit to ASCII, writes it to
// COM1 and halts.
var helloProgram = []byte{
	0xba, 0xf8, 0x03, // mov $0x3f8, %dx
	0x00, 0xd8, //       add %bl, %al
	0x04, '0', //        add $'0', %al
	0xee, //             out %al, %dx
	0xf4, //             hlt
}

const helloEntry = 0xfff0

func TestInstructionEncoding(t *testing.T) {
	want := []struct {
		op   x86asm.Op
		size int
	}{
		{x86asm.MOV, 3},
		{x86asm.ADD, 2},
		{x86asm.ADD, 2},
		{x86asm.OUT, 1},
		{x86asm.HLT, 1},
	}

	code := helloProgram
	for i, w := range want {
		inst, err := x86asm.Decode(code, 16)
		if err != nil {
			t.Fatalf("instruction %d: %v", i, err)
		}
		t.Logf("%d: %v", i, inst)
		if inst.Op != w.op || inst.Len != w.size {
			t.Errorf("instruction %d = %v (%d bytes), want %v (%d bytes)", i, inst.Op, inst.Len, w.op, w.size)
		}
		code = code[inst.Len:]
	}
	if len(code) != 0 {
		t.Errorf("%d trailing bytes", len(code))
	}
}

// loadHello lays out 20MiB of low memory, copies helloProgram to
// helloEntry and points vCPU 0 at it in real mode.
func loadHello(t *testing.T, vm *VM, fc *fakeChannel) {
	t.Helper()

	mem := hostMem(t, 20*MB)
	if err := vm.SetupLowMem(mem); err != nil {
		t.Fatalf("SetupLowMem() error = %v", err)
	}
	fc.guestMem = mem
	copy(mem[helloEntry:], helloProgram)

	if err := vm.ResetVCPU(0); err != nil {
		t.Fatalf("ResetVCPU() error = %v", err)
	}
	cs, err := vm.GetDescriptor(0, RegCS)
	if err != nil {
		t.Fatalf("GetDescriptor(CS) error = %v", err)
	}
	cs.Base = 0
	if err := vm.SetDescriptor(0, RegCS, cs); err != nil {
		t.Fatalf("SetDescriptor(CS) error = %v", err)
	}
	if err := vm.SetRegisters(0, RegBatch{RegCS: 0, RegRIP: helloEntry, RegRAX: 2, RegRBX: 3}); err != nil {
		t.Fatalf("SetRegisters() error = %v", err)
	}
}

func TestRunHelloWorld(t *testing.T) {
	vm, fc := newFakeVM(t)
	loadHello(t, vm, fc)

	if err := vm.ActivateCPU(0); err != nil {
		t.Fatalf("ActivateCPU() error = %v", err)
	}

	exit, err := vm.Run(0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	io, ok := exit.(*InOutExit)
	if !ok {
		t.Fatalf("first exit = %v, want port I/O", exit)
	}
	if io.Port != 0x3f8 || io.EAX != '5' || io.In || io.Size != 1 {
		t.Errorf("first exit = %v, want out port 0x3f8 eax 53", io)
	}
	if IsTerminal(exit) {
		t.Error("port I/O exit reported terminal")
	}

	exit, err = vm.Run(0)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if exit.Kind() != ExitHalt {
		t.Fatalf("second exit = %v, want halt", exit)
	}
	if !IsTerminal(exit) {
		t.Error("halt exit not terminal")
	}
}

func TestRunLoop(t *testing.T) {
	vm, fc := newFakeVM(t)
	loadHello(t, vm, fc)

	var seen []ExitKind
	last, err := vm.RunLoop(0, 10, func(e Exit) (bool, error) {
		seen = append(seen, e.Kind())
		return true, nil
	})
	if err != nil {
		t.Fatalf("RunLoop() error = %v", err)
	}
	if last.Kind() != ExitHalt {
		t.Errorf("last exit = %v, want halt", last)
	}
	if len(seen) != 2 || seen[0] != ExitInOut || seen[1] != ExitHalt {
		t.Errorf("exits = %v, want [inout halt]", seen)
	}

	t.Run("handler stops loop", func(t *testing.T) {
		vm, fc := newFakeVM(t)
		loadHello(t, vm, fc)
		last, err := vm.RunLoop(0, 0, func(Exit) (bool, error) { return false, nil })
		if err != nil || last.Kind() != ExitInOut {
			t.Errorf("RunLoop() = %v, %v; want inout exit", last, err)
		}
	})

	t.Run("handler error", func(t *testing.T) {
		vm, fc := newFakeVM(t)
		loadHello(t, vm, fc)
		boom := errors.New("unhandled port")
		_, err := vm.RunLoop(0, 0, func(Exit) (bool, error) { return false, boom })
		if !errors.Is(err, boom) {
			t.Errorf("RunLoop() error = %v, want %v", err, boom)
		}
	})

	t.Run("max exits", func(t *testing.T) {
		vm, fc := newFakeVM(t)
		fc.runFn = func(vcpu int32, exit *vmExit) error {
			exit.exitcode = int32(ExitPause)
			return nil
		}
		last, err := vm.RunLoop(0, 3, nil)
		if err != nil {
			t.Fatalf("RunLoop() error = %v", err)
		}
		if last.Kind() != ExitPause || fc.count(reqRun) != 3 {
			t.Errorf("RunLoop() last = %v after %d runs, want pause after 3", last, fc.count(reqRun))
		}
	})
}

func TestRunSuspended(t *testing.T) {
	vm, fc := newFakeVM(t)
	loadHello(t, vm, fc)

	if err := vm.PowerOff(); err != nil {
		t.Fatalf("PowerOff() error = %v", err)
	}
	exit, err := vm.Run(0)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	s, ok := exit.(*SuspendedExit)
	if !ok || s.How != SuspendPowerOff {
		t.Fatalf("Run() = %v, want suspended poweroff", exit)
	}

	if err := vm.Reinit(); err != nil {
		t.Fatalf("Reinit() error = %v", err)
	}
	if fc.suspend != SuspendNone {
		t.Errorf("suspend state after reinit = %v", fc.suspend)
	}
}

func TestSuspendValidation(t *testing.T) {
	vm, fc := newFakeVM(t)
	for _, how := range []SuspendHow{SuspendNone, suspendLast, -1} {
		if err := vm.Suspend(how); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Suspend(%v) error = %v, want ErrInvalidInput", how, err)
		}
	}
	helpers := []struct {
		fn   func() error
		want SuspendHow
	}{
		{vm.Reset, SuspendReset},
		{vm.PowerOff, SuspendPowerOff},
		{vm.Halt, SuspendHalt},
		{vm.TripleFault, SuspendTripleFault},
	}
	for _, h := range helpers {
		if err := h.fn(); err != nil {
			t.Fatalf("%v: error = %v", h.want, err)
		}
		if fc.suspend != h.want {
			t.Errorf("peer saw %v, want %v", fc.suspend, h.want)
		}
	}
}

func TestRunErrors(t *testing.T) {
	vm, fc := newFakeVM(t)

	if _, err := vm.Run(MaxCPUs); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("Run(MaxCPUs) error = %v, want ErrInvalidInput", err)
	}

	fc.failWith(reqRun, syscall.ENXIO)
	_, err := vm.Run(0)
	var vmmErr *VMMError
	if !errors.As(err, &vmmErr) || vmmErr.Errno != syscall.ENXIO || vmmErr.Op != "run" {
		t.Errorf("Run() error = %v, want run ENXIO", err)
	}
}

func TestInterruptedRequestsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		req  uint
		op   func(vm *VM) error
	}{
		{"run", reqRun, func(vm *VM) error { _, err := vm.Run(0); return err }},
		{"get register", reqGetRegister, func(vm *VM) error { _, err := vm.GetRegister(0, RegRIP); return err }},
		{"alloc memseg", reqAllocMemseg, func(vm *VM) error { return vm.AllocateSegment(SegLowMem, MB, "") }},
		{"suspend", reqSuspend, func(vm *VM) error { return vm.Halt() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vm, fc := newFakeVM(t)
			fc.failWith(tt.req, syscall.EINTR)
			err := tt.op(vm)
			if !errors.Is(err, syscall.EINTR) {
				t.Fatalf("error = %v, want EINTR", err)
			}
			if n := fc.count(tt.req); n != 1 {
				t.Errorf("request issued %d times, want 1", n)
			}
		})
	}
}

func TestClosedVM(t *testing.T) {
	vm, fc := newFakeVM(t)
	if err := vm.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := vm.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if fc.closed != 1 {
		t.Errorf("channel closed %d times, want 1", fc.closed)
	}

	ops := map[string]func() error{
		"Run":             func() error { _, err := vm.Run(0); return err },
		"GetRegister":     func() error { _, err := vm.GetRegister(0, RegRIP); return err },
		"AllocateSegment": func() error { return vm.AllocateSegment(SegLowMem, MB, "") },
		"FindNextMapping": func() error { _, err := vm.FindNextMapping(0); return err },
		"Reinit":          vm.Reinit,
		"SetupLowMem":     func() error { return vm.SetupLowMem(make([]byte, MB)) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrVMClosed) {
				t.Errorf("%s after Close error = %v, want ErrVMClosed", name, err)
			}
		})
	}
	if n := fc.count(reqRun) + fc.count(reqGetRegister) + fc.count(reqGetMemseg) + fc.count(reqMmapGetNext); n != 0 {
		t.Errorf("closed VM issued %d requests", n)
	}
}

func TestConcurrentVCPUs(t *testing.T) {
	vm, _ := newFakeVM(t)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for vcpu := 0; vcpu < 4; vcpu++ {
		wg.Add(1)
		go func(vcpu int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := vm.SetRegister(vcpu, RegRAX, uint64(vcpu*1000+i)); err != nil {
					errs <- err
					return
				}
			}
		}(vcpu)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SetRegister() error = %v", err)
	}

	for vcpu := 0; vcpu < 4; vcpu++ {
		got, _ := vm.GetRegister(vcpu, RegRAX)
		if want := uint64(vcpu*1000 + 49); got != want {
			t.Errorf("vCPU %d RAX = %d, want %d", vcpu, got, want)
		}
	}
}
