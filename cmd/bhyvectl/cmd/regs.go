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
	"encoding/json"
	"fmt"
	"os"

	"github.com/blacktop/go-bhyve"
	"github.com/spf13/cobra"
)

// Segment is a segment register with its descriptor.
type Segment struct {
	Selector uint64 `json:"selector"`
	Base     uint64 `json:"base"`
	Limit    uint32 `json:"limit"`
	Access   uint32 `json:"access"`
}

// VCPUState is the register dump printed by regs.
type VCPUState struct {
	VCPU     int                `json:"vcpu"`
	General  map[string]uint64  `json:"general"`
	Control  map[string]uint64  `json:"control"`
	Segments map[string]Segment `json:"segments"`
	Tables   map[string]Segment `json:"tables"`
}

func init() {
	rootCmd.AddCommand(regsCmd)
	regsCmd.Flags().IntP("vcpu", "c", bsp, "vCPU to dump")
}

var regsCmd = &cobra.Command{
	Use:   "regs NAME",
	Short: "Dump vCPU registers and descriptors as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vcpu, _ := cmd.Flags().GetInt("vcpu")

		vm, err := bhyve.Open(args[0])
		if err != nil {
			return err
		}
		defer vm.Close()

		state, err := readVCPUState(vm, vcpu)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	},
}

func readVCPUState(vm *bhyve.VM, vcpu int) (*VCPUState, error) {
	state := &VCPUState{
		VCPU:     vcpu,
		General:  make(map[string]uint64),
		Control:  make(map[string]uint64),
		Segments: make(map[string]Segment),
		Tables:   make(map[string]Segment),
	}

	gprs, err := vm.GetRegisters(vcpu, bhyve.GeneralRegs)
	if err != nil {
		return nil, fmt.Errorf("failed to read general registers: %w", err)
	}
	for r, v := range gprs {
		state.General[r.String()] = v
	}
	ctrl, err := vm.GetRegisters(vcpu, bhyve.ControlRegs)
	if err != nil {
		return nil, fmt.Errorf("failed to read control registers: %w", err)
	}
	for r, v := range ctrl {
		state.Control[r.String()] = v
	}

	for _, r := range bhyve.SegmentRegs {
		sel, err := vm.GetRegister(vcpu, r)
		if err != nil {
			return nil, err
		}
		d, err := vm.GetDescriptor(vcpu, r)
		if err != nil {
			return nil, err
		}
		state.Segments[r.String()] = Segment{Selector: sel, Base: d.Base, Limit: d.Limit, Access: d.Access}
	}
	for _, r := range []bhyve.Reg{bhyve.RegGDTR, bhyve.RegIDTR} {
		d, err := vm.GetDescriptor(vcpu, r)
		if err != nil {
			return nil, err
		}
		state.Tables[r.String()] = Segment{Base: d.Base, Limit: d.Limit, Access: d.Access}
	}
	return state, nil
}
