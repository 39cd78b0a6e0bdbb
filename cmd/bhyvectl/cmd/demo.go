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
	"bytes"
	"fmt"
	"os"

	"github.com/blacktop/go-bhyve"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// helloCode adds BL to AL, converts the digit to ASCII, writes it to COM1
// and halts.
var helloCode = []byte{
	0xba, 0xf8, 0x03, // mov $0x3f8, %dx
	0x00, 0xd8, //       add %bl, %al
	0x04, '0', //        add $'0', %al
	0xee, //             out %al, %dx
	0xf4, //             hlt
}

const helloEntry = 0xfff0

// realModeCaps are needed to run real-mode code and to see HLT as an exit.
var realModeCaps = map[string]int{
	bhyve.CapUnrestrictedGuest.String(): 1,
	bhyve.CapHaltExit.String():          1,
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().String("name", "helloworld", "Name of the scratch VM")
	demoCmd.Flags().Uint64("rax", 2, "Initial RAX")
	demoCmd.Flags().Uint64("rbx", 3, "Initial RBX")
	demoCmd.Flags().BoolP("trace", "t", false, "Print every exit and disassemble the instruction at its RIP")
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Create a VM, add two numbers in real mode and print the result",
	Long: `Create a scratch VM with 20MiB of low memory, load a five instruction
real-mode program at 0xfff0 that adds RAX and RBX, writes the ASCII digit to
COM1 and halts, then run it and destroy the VM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		rax, _ := cmd.Flags().GetUint64("rax")
		rbx, _ := cmd.Flags().GetUint64("rbx")
		trace, _ := cmd.Flags().GetBool("trace")

		cfg := bhyve.Config{
			Name:         name,
			Memory:       bhyve.MemoryConfig{LowMB: bhyve.DefaultLowMemMB},
			Capabilities: realModeCaps,
		}
		s, err := newScratchVM(cfg, nil)
		if err != nil {
			return err
		}
		defer s.Close()
		fmt.Printf("created /dev/vmm/%s with %dMiB of low memory\n", name, bhyve.DefaultLowMemMB)

		regs := bhyve.RegBatch{bhyve.RegRAX: rax, bhyve.RegRBX: rbx}
		if err := loadRealMode(s.vm, s.mem, helloEntry, helloCode, regs); err != nil {
			return fmt.Errorf("failed to load program: %w", err)
		}
		fmt.Printf("computing %d + %d\n", rax, rbx)

		var out bytes.Buffer
		con := &console{vm: s.vm, vcpu: bsp, out: &out}
		if trace {
			con.tr, con.mem = os.Stderr, s.mem
		}
		last, err := s.vm.RunLoop(bsp, 16, con.handle)
		if err != nil {
			return err
		}
		printLastExit(last)

		if out.Len() == 0 {
			return fmt.Errorf("guest wrote nothing to COM1")
		}
		fmt.Printf("COM1: %s (%d)\n", color.GreenString("%q", out.String()), out.Bytes()[0])
		if want := byte('0' + rax + rbx); out.Bytes()[0] != want {
			color.New(color.FgRed).Fprintf(os.Stderr, "expected %q\n", want)
		}
		return nil
	},
}
