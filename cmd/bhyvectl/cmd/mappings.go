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
	"os"
	"text/tabwriter"

	"github.com/blacktop/go-bhyve"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(mappingsCmd)
}

var mappingsCmd = &cobra.Command{
	Use:     "mappings NAME",
	Aliases: []string{"maps"},
	Short:   "List memory segments and guest-physical mappings",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vm, err := bhyve.Open(args[0])
		if err != nil {
			return err
		}
		defer vm.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEGMENT\tLENGTH\tNAME")
		for _, seg := range []bhyve.SegmentID{bhyve.SegLowMem, bhyve.SegHighMem, bhyve.SegBootROM, bhyve.SegFramebuffer} {
			info, err := vm.Segment(seg)
			if err != nil {
				return err
			}
			if info.Allocated() {
				fmt.Fprintf(w, "%v\t%#x\t%s\n", seg, info.Length, info.Name)
			}
		}
		fmt.Fprintln(w)

		maps, err := vm.Mappings()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "GPA\tEND\tSEGMENT\tOFFSET\tPROT\tWIRED")
		for _, m := range maps {
			fmt.Fprintf(w, "%#x\t%#x\t%v\t%#x\t%v\t%v\n", m.GPA, m.End(), m.Segment, m.Offset, m.Prot, m.Wired())
		}
		return w.Flush()
	},
}
