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
	"fmt"
	"log/slog"
	"os"

	"github.com/blacktop/go-bhyve"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntP("vcpu", "c", bsp, "vCPU to run")
	runCmd.Flags().IntP("max-exits", "n", 0, "Stop after this many exits (0 = until a terminal exit)")
	runCmd.Flags().BoolP("trace", "t", false, "Print every exit and disassemble the instruction at its RIP")
}

var runCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Run a vCPU of an existing VM until it halts",
	Long: `Run a vCPU of an existing, already configured VM.

Bytes the guest writes to COM1 (port 0x3f8) are copied to stdout. The loop
stops at the first halt, suspend or unrecognized exit, or after --max-exits.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vcpu, _ := cmd.Flags().GetInt("vcpu")
		maxExits, _ := cmd.Flags().GetInt("max-exits")
		trace, _ := cmd.Flags().GetBool("trace")

		vm, err := bhyve.Open(args[0])
		if err != nil {
			return err
		}
		defer vm.Close()

		con := &console{vm: vm, vcpu: vcpu, out: os.Stdout}
		if trace {
			con.tr = os.Stderr
			mem, err := mapLowMem(vm)
			if err != nil {
				slog.Warn("tracing without disassembly", "error", err)
			} else {
				defer bhyve.FreeHostMemory(mem)
				con.mem = mem
			}
		}

		last, err := vm.RunLoop(vcpu, maxExits, con.handle)
		if err != nil {
			return err
		}
		printLastExit(last)
		return nil
	},
}

// mapLowMem maps the guest's low memory into this process.
func mapLowMem(vm *bhyve.VM) ([]byte, error) {
	m, err := vm.FindNextMapping(0)
	if err != nil {
		return nil, fmt.Errorf("failed to find low memory: %w", err)
	}
	if m.GPA != 0 || m.Segment != bhyve.SegLowMem {
		return nil, fmt.Errorf("no low memory mapped at guest address 0 (first mapping %v at %#x)", m.Segment, m.GPA)
	}
	mem, err := bhyve.AllocHostMemory(int(m.Length))
	if err != nil {
		return nil, err
	}
	if err := vm.MapGuestMemory(0, mem); err != nil {
		bhyve.FreeHostMemory(mem)
		return nil, err
	}
	return mem, nil
}

func printLastExit(e bhyve.Exit) {
	if e == nil {
		return
	}
	c := color.New(color.FgGreen)
	if e.Kind() != bhyve.ExitHalt {
		c = color.New(color.FgYellow)
	}
	c.Fprintf(os.Stderr, "stopped: %v\n", e)
}
