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

	"github.com/blacktop/go-bhyve"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check vmm driver support and device access",
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := bhyve.Supported()
		switch {
		case err != nil:
			fmt.Printf("vmm support: %s\n", color.RedString("error: %v", err))
		case ok:
			fmt.Printf("vmm support: %s\n", color.GreenString("yes"))
		default:
			fmt.Printf("vmm support: %s\n", color.YellowString("no (driver not loaded)"))
		}
		if !ok {
			return nil
		}

		sys, err := bhyve.OpenSystem()
		if err != nil {
			fmt.Printf("vmmctl: %s\n", color.RedString("%v", err))
			return nil
		}
		sys.Close()
		fmt.Printf("vmmctl: %s\n", color.GreenString("ok"))
		return nil
	},
}
