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
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(destroyCmd)
}

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create /dev/vmm/NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(func(sys *bhyve.System) error {
			if err := sys.CreateVM(args[0]); err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			fmt.Printf("created %s\n", args[0])
			return nil
		})
	},
}

var destroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Destroy /dev/vmm/NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(func(sys *bhyve.System) error {
			if err := sys.DestroyVM(args[0]); err != nil {
				return fmt.Errorf("failed to destroy %s: %w", args[0], err)
			}
			fmt.Printf("destroyed %s\n", args[0])
			return nil
		})
	},
}

func withSystem(fn func(*bhyve.System) error) error {
	sys, err := bhyve.OpenSystem()
	if err != nil {
		return err
	}
	defer sys.Close()
	return fn(sys)
}
