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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-bhyve"
	"github.com/spf13/cobra"
)

// CPUState represents the general purpose register state
type CPUState struct {
	RAX    uint64 `json:"rax"`
	RBX    uint64 `json:"rbx"`
	RCX    uint64 `json:"rcx"`
	RDX    uint64 `json:"rdx"`
	RSI    uint64 `json:"rsi"`
	RDI    uint64 `json:"rdi"`
	RBP    uint64 `json:"rbp"`
	RSP    uint64 `json:"rsp"`
	R8     uint64 `json:"r8"`
	R9     uint64 `json:"r9"`
	R10    uint64 `json:"r10"`
	R11    uint64 `json:"r11"`
	R12    uint64 `json:"r12"`
	R13    uint64 `json:"r13"`
	R14    uint64 `json:"r14"`
	R15    uint64 `json:"r15"`
	RIP    uint64 `json:"rip"`
	RFLAGS uint64 `json:"rflags"`
}

// ExitRecord is one exit seen while executing.
type ExitRecord struct {
	Kind   string `json:"kind"`
	RIP    uint64 `json:"rip"`
	Detail string `json:"detail"`
}

// ExecuteResult represents the execution result
type ExecuteResult struct {
	State  CPUState          `json:"state"`
	Exits  []ExitRecord      `json:"exits"`
	Output string            `json:"output,omitempty"` // bytes written to COM1
	Memory map[string][]byte `json:"memory,omitempty"` // hex address -> data
	Error  string            `json:"error,omitempty"`
}

var (
	stateFile string
	memMB     uint64
	baseAddr  uint64
	maxExits  int
	execName  string
)

func init() {
	rootCmd.AddCommand(executeCmd)
	executeCmd.Flags().StringVarP(&stateFile, "state", "s", "", "JSON file with initial CPU state")
	executeCmd.Flags().Uint64Var(&memMB, "mem-mb", 1, "Low memory to allocate (MiB)")
	executeCmd.Flags().Uint64VarP(&baseAddr, "base-addr", "a", 0x1000, "Guest-physical address of the code")
	executeCmd.Flags().IntVarP(&maxExits, "max-exits", "n", 16, "Give up after this many exits")
	executeCmd.Flags().StringVar(&execName, "name", fmt.Sprintf("bhyvectl-exec-%d", os.Getpid()), "Name of the scratch VM")
}

var executeCmd = &cobra.Command{
	Use:   "execute [code-file]",
	Short: "Execute real-mode x86 code and return CPU state as JSON",
	Long: `Execute real-mode x86 machine code in a scratch VM and return the
resulting CPU state as JSON.

Code can be provided as:
  - A binary file argument
  - Stdin (if no file argument provided)

Initial CPU state can be provided via --state flag pointing to a JSON file.
Execution stops at the first halt or other terminal exit. Results are output
as JSON to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExecute,
}

func runExecute(cmd *cobra.Command, args []string) error {
	// Check vmm support
	ok, err := bhyve.Supported()
	if err != nil || !ok {
		return fmt.Errorf("bhyve not supported: %v", err)
	}

	// Read initial state if provided
	var initialState CPUState
	if stateFile != "" {
		stateData, err := os.ReadFile(stateFile)
		if err != nil {
			return fmt.Errorf("failed to read state file: %w", err)
		}
		if err := json.Unmarshal(stateData, &initialState); err != nil {
			return fmt.Errorf("failed to parse state JSON: %w", err)
		}
	}

	// Read code input
	var codeData []byte
	if len(args) > 0 {
		codeData, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
	} else {
		codeData, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	}

	if len(codeData) == 0 {
		return fmt.Errorf("no code provided")
	}

	result, err := executeCode(codeData, &initialState)
	if err != nil {
		result = &ExecuteResult{Error: err.Error()}
	}

	output, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	fmt.Println(string(output))
	return nil
}

func executeCode(code []byte, initialState *CPUState) (*ExecuteResult, error) {
	cfg := bhyve.Config{
		Name:         execName,
		Memory:       bhyve.MemoryConfig{LowMB: memMB},
		Capabilities: realModeCaps,
	}
	s, err := newScratchVM(cfg, nil)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if err := loadRealMode(s.vm, s.mem, baseAddr, code, stateToBatch(initialState)); err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}

	var out bytes.Buffer
	con := &console{vm: s.vm, vcpu: bsp, out: &out}
	var exits []ExitRecord
	_, err = s.vm.RunLoop(bsp, maxExits, func(e bhyve.Exit) (bool, error) {
		exits = append(exits, ExitRecord{Kind: e.Kind().String(), RIP: e.RIP(), Detail: e.String()})
		return con.handle(e)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute: %w", err)
	}

	finalState, err := getCPUState(s.vm)
	if err != nil {
		return nil, fmt.Errorf("failed to get final state: %w", err)
	}

	// Copy the executed memory to avoid marshaling mapped guest memory
	memCopy := make([]byte, len(code))
	copy(memCopy, s.mem[baseAddr:])

	return &ExecuteResult{
		State:  *finalState,
		Exits:  exits,
		Output: out.String(),
		Memory: map[string][]byte{fmt.Sprintf("0x%x", baseAddr): memCopy},
	}, nil
}

func stateFields(state *CPUState) map[bhyve.Reg]*uint64 {
	return map[bhyve.Reg]*uint64{
		bhyve.RegRAX:    &state.RAX,
		bhyve.RegRBX:    &state.RBX,
		bhyve.RegRCX:    &state.RCX,
		bhyve.RegRDX:    &state.RDX,
		bhyve.RegRSI:    &state.RSI,
		bhyve.RegRDI:    &state.RDI,
		bhyve.RegRBP:    &state.RBP,
		bhyve.RegRSP:    &state.RSP,
		bhyve.RegR8:     &state.R8,
		bhyve.RegR9:     &state.R9,
		bhyve.RegR10:    &state.R10,
		bhyve.RegR11:    &state.R11,
		bhyve.RegR12:    &state.R12,
		bhyve.RegR13:    &state.R13,
		bhyve.RegR14:    &state.R14,
		bhyve.RegR15:    &state.R15,
		bhyve.RegRIP:    &state.RIP,
		bhyve.RegRFLAGS: &state.RFLAGS,
	}
}

// stateToBatch keeps only the non-zero registers of state, so the reset
// values stay in effect for everything else.
func stateToBatch(state *CPUState) bhyve.RegBatch {
	batch := make(bhyve.RegBatch)
	for reg, val := range stateFields(state) {
		if *val != 0 {
			batch[reg] = *val
		}
	}
	return batch
}

// getCPUState retrieves the general purpose registers into a state struct
func getCPUState(vm *bhyve.VM) (*CPUState, error) {
	state := &CPUState{}
	fields := stateFields(state)
	regs, err := vm.GetRegisters(bsp, bhyve.GeneralRegs)
	if err != nil {
		return nil, err
	}
	for reg, val := range regs {
		if p, ok := fields[reg]; ok {
			*p = val
		}
	}
	return state, nil
}
