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
	"os"

	"github.com/blacktop/go-bhyve"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().IntP("vcpu", "c", bsp, "vCPU whose statistics to read")
}

var statsCmd = &cobra.Command{
	Use:   "stats NAME",
	Short: "Print vCPU statistics and client metrics as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vcpu, _ := cmd.Flags().GetInt("vcpu")

		vm, err := bhyve.Open(args[0])
		if err != nil {
			return err
		}
		defer vm.Close()

		snap, err := vm.StatsSnapshot(vcpu)
		if err != nil {
			return err
		}
		top, err := vm.Topology()
		if err != nil {
			return err
		}

		out := struct {
			VM       string          `json:"vm"`
			Topology bhyve.Topology  `json:"topology"`
			VCPU     int             `json:"vcpu"`
			Stats    bhyve.VCPUStats `json:"stats"`
			Metrics  bhyve.Metrics   `json:"metrics"`
		}{
			VM:       vm.Name(),
			Topology: top,
			VCPU:     vcpu,
			Stats:    snap,
			Metrics:  bhyve.GetMetrics(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}
