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
	"os"

	"github.com/blacktop/go-bhyve"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(bootCmd)
	bootCmd.Flags().StringP("config", "f", "", "YAML VM layout")
	bootCmd.Flags().String("rom", "", "Boot ROM image (overrides the layout's bootrom)")
	bootCmd.Flags().IntP("max-exits", "n", 0, "Stop after this many exits (0 = until a terminal exit)")
	bootCmd.Flags().BoolP("trace", "t", false, "Print every exit and disassemble the instruction at its RIP")
	bootCmd.MarkFlagRequired("config")
}

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Create a VM from a YAML layout, load a boot ROM and run it",
	Long: `Create a VM from a YAML layout, load a boot ROM below 4GiB and run the
boot processor from the reset vector. The VM is destroyed on exit.

Example layout:

  name: guest0
  cpus: {sockets: 1, cores: 1, threads: 1}
  memory: {lowMB: 256, wired: false}
  bootrom: /usr/share/bhyve/firmware/BHYVE.fd
  capabilities: {halt_exit: 1}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		romPath, _ := cmd.Flags().GetString("rom")
		maxExits, _ := cmd.Flags().GetInt("max-exits")
		trace, _ := cmd.Flags().GetBool("trace")

		cfg, err := bhyve.LoadConfig(path)
		if err != nil {
			return err
		}
		if romPath == "" {
			romPath = cfg.BootROM
		}
		if romPath == "" {
			return fmt.Errorf("%s names no bootrom and --rom was not given", path)
		}

		rom, err := openROM(romPath)
		if err != nil {
			return err
		}
		defer rom.Close()

		s, err := newScratchVM(cfg, rom)
		if err != nil {
			return err
		}
		defer s.Close()
		slog.Info("VM configured", "name", cfg.Name, "cpus", cfg.CPUs.Count(), "lowMB", cfg.Memory.LowMB, "highMB", cfg.Memory.HighMB, "rom", romPath)

		if err := s.vm.ResetVCPU(bsp); err != nil {
			return err
		}
		if err := s.vm.ActivateCPU(bsp); err != nil {
			return err
		}

		con := &console{vm: s.vm, vcpu: bsp, out: os.Stdout}
		if trace {
			con.tr, con.mem = os.Stderr, s.mem
		}
		last, err := s.vm.RunLoop(bsp, maxExits, con.handle)
		if err != nil {
			return err
		}
		printLastExit(last)
		return nil
	},
}

// romImage is a boot ROM file and the page-aligned host memory that will
// back it. The file is read only once the memory has been mapped as device
// memory; see bhyve.VM.LoadBootROM.
type romImage struct {
	f    *os.File
	mem  []byte
	size int64
	r    io.Reader
	bar  *progressbar.ProgressBar
}

// openROM opens a boot ROM image and allocates host memory for it. On a
// terminal the image is read through a progress bar.
func openROM(path string) (*romImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size <= 0 || size > bhyve.MaxBootROMSize {
		f.Close()
		return nil, fmt.Errorf("%s: boot ROM size %d outside (0, %d]", path, size, bhyve.MaxBootROMSize)
	}

	mem, err := bhyve.AllocHostMemory(int(size))
	if err != nil {
		f.Close()
		return nil, err
	}
	rom := &romImage{f: f, mem: mem, size: size, r: f}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		rom.bar = progressbar.DefaultBytes(size, "loading "+fi.Name())
		rom.r = io.TeeReader(f, rom.bar)
	}
	return rom, nil
}

func (r *romImage) layout(l *bhyve.Layout) {
	l.BootROM = r.mem
	l.BootROMImage = r.r
	l.BootROMSize = r.size
}

func (r *romImage) Close() error {
	if r.bar != nil {
		r.bar.Close()
	}
	return errors.Join(bhyve.FreeHostMemory(r.mem), r.f.Close())
}
