/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/blacktop/go-bhyve"
	"github.com/fatih/color"
	"golang.org/x/arch/x86/x86asm"
)

// First legacy serial port. Writes to the base are transmitted bytes; the
// line status register reports the transmitter as always empty.
const (
	com1Base = 0x3f8
	com1LSR  = com1Base + 5
	lsrTHRE  = 0x60
)

// bsp is the boot processor.
const bsp = 0

// scratchVM is a VM created for the lifetime of one command.
type scratchVM struct {
	sys  *bhyve.System
	vm   *bhyve.VM
	mem  []byte // low memory, guest-physical 0
	high []byte
	name string
}

// newScratchVM creates and opens cfg.Name and applies cfg, backing low
// and high memory with fresh host memory. rom may be nil.
func newScratchVM(cfg bhyve.Config, rom *romImage) (*scratchVM, error) {
	sys, err := bhyve.OpenSystem()
	if err != nil {
		return nil, err
	}
	if err := sys.CreateVM(cfg.Name); err != nil {
		sys.Close()
		return nil, fmt.Errorf("failed to create %s: %w", cfg.Name, err)
	}
	s := &scratchVM{sys: sys, name: cfg.Name}

	if s.vm, err = bhyve.Open(cfg.Name); err != nil {
		s.Close()
		return nil, err
	}
	if s.mem, err = bhyve.AllocHostMemory(int(cfg.Memory.LowMB * bhyve.MB)); err != nil {
		s.Close()
		return nil, err
	}
	if cfg.Memory.HighMB > 0 {
		if s.high, err = bhyve.AllocHostMemory(int(cfg.Memory.HighMB * bhyve.MB)); err != nil {
			s.Close()
			return nil, err
		}
	}
	layout := bhyve.Layout{LowMem: s.mem, HighMem: s.high}
	if rom != nil {
		rom.layout(&layout)
	}
	if err := s.vm.Configure(cfg, layout); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to configure %s: %w", cfg.Name, err)
	}
	return s, nil
}

// Close unmaps guest memory, closes the handle and destroys the VM.
func (s *scratchVM) Close() error {
	var errs []error
	for _, m := range [][]byte{s.mem, s.high} {
		if m != nil {
			errs = append(errs, bhyve.FreeHostMemory(m))
		}
	}
	if s.vm != nil {
		errs = append(errs, s.vm.Close())
	}
	errs = append(errs, s.sys.DestroyVM(s.name), s.sys.Close())
	return errors.Join(errs...)
}

// loadRealMode copies code to guest-physical entry and points the boot
// processor at it in real mode with CS based at 0. regs are applied last.
func loadRealMode(vm *bhyve.VM, mem []byte, entry uint64, code []byte, regs bhyve.RegBatch) error {
	if entry+uint64(len(code)) > uint64(len(mem)) {
		return fmt.Errorf("code at %#x+%d does not fit in %d bytes of guest memory", entry, len(code), len(mem))
	}
	copy(mem[entry:], code)

	if err := vm.ResetVCPU(bsp); err != nil {
		return err
	}
	cs, err := vm.GetDescriptor(bsp, bhyve.RegCS)
	if err != nil {
		return err
	}
	cs.Base = 0
	if err := vm.SetDescriptor(bsp, bhyve.RegCS, cs); err != nil {
		return err
	}
	batch := bhyve.RegBatch{bhyve.RegCS: 0, bhyve.RegRIP: entry}
	for r, v := range regs {
		batch[r] = v
	}
	if err := vm.SetRegisters(bsp, batch); err != nil {
		return err
	}
	return vm.ActivateCPU(bsp)
}

// console handles exits the way a minimal serial console would: bytes
// written to COM1 go to out and port reads return all ones, except the
// line status register which always reports ready.
type console struct {
	vm   *bhyve.VM
	vcpu int
	out  io.Writer
	mem  []byte // guest-physical 0, for tracing; may be nil
	tr   io.Writer
}

func (c *console) handle(e bhyve.Exit) (bool, error) {
	if c.tr != nil {
		c.trace(e)
	}
	pio, ok := e.(*bhyve.InOutExit)
	if !ok {
		return true, nil
	}
	switch {
	case !pio.In && pio.Port == com1Base:
		if _, err := c.out.Write([]byte{byte(pio.EAX)}); err != nil {
			return false, err
		}
	case pio.In:
		val := uint64(0xffffffff)
		if pio.Port == com1LSR {
			val = lsrTHRE
		}
		rax, err := c.vm.GetRegister(c.vcpu, bhyve.RegRAX)
		if err != nil {
			return false, err
		}
		mask := uint64(1)<<(8*pio.Size) - 1
		if err := c.vm.SetRegister(c.vcpu, bhyve.RegRAX, rax&^mask|val&mask); err != nil {
			return false, err
		}
	}
	return true, nil
}

// trace prints the exit and, when guest memory is mapped, the instruction
// at the exit RIP.
func (c *console) trace(e bhyve.Exit) {
	kind := color.New(color.FgCyan).SprintFunc()
	if bhyve.IsTerminal(e) {
		kind = color.New(color.FgYellow, color.Bold).SprintFunc()
	}
	fmt.Fprintf(c.tr, "%s %v\n", kind(e.Kind()), e)
	if c.mem == nil {
		return
	}
	inst, err := c.decodeAt(e.RIP())
	if err != nil {
		slog.Debug("cannot decode instruction", "rip", fmt.Sprintf("%#x", e.RIP()), "error", err)
		return
	}
	fmt.Fprintf(c.tr, "    %s\n", color.HiBlackString("%s", inst))
}

// decodeAt disassembles the instruction at rip using the operand size the
// current CS and CR0 imply.
func (c *console) decodeAt(rip uint64) (x86asm.Inst, error) {
	cs, err := c.vm.GetDescriptor(c.vcpu, bhyve.RegCS)
	if err != nil {
		return x86asm.Inst{}, err
	}
	cr0, err := c.vm.GetRegister(c.vcpu, bhyve.RegCR0)
	if err != nil {
		return x86asm.Inst{}, err
	}
	lin := cs.Base + rip
	if lin >= uint64(len(c.mem)) {
		return x86asm.Inst{}, fmt.Errorf("linear address %#x outside mapped memory", lin)
	}
	return x86asm.Decode(c.mem[lin:], cpuMode(cr0, cs))
}

const (
	cr0PE      = 1 << 0
	accessLong = 1 << 13
	accessDB   = 1 << 14
)

func cpuMode(cr0 uint64, cs bhyve.Descriptor) int {
	switch {
	case cr0&cr0PE == 0:
		return 16
	case cs.Access&accessLong != 0:
		return 64
	case cs.Access&accessDB != 0:
		return 32
	default:
		return 16
	}
}
