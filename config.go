package bhyve

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Config describes a VM layout on disk.
type Config struct {
	Name    string       `yaml:"name"`
	CPUs    CPUConfig    `yaml:"cpus"`
	Memory  MemoryConfig `yaml:"memory"`
	BootROM string       `yaml:"bootrom,omitempty"`
	X2APIC  bool         `yaml:"x2apic,omitempty"`

	// Capabilities are set on every vCPU, keyed by CapType name.
	Capabilities map[string]int `yaml:"capabilities,omitempty"`
}

type CPUConfig struct {
	Sockets uint16 `yaml:"sockets,omitempty"`
	Cores   uint16 `yaml:"cores,omitempty"`
	Threads uint16 `yaml:"threads,omitempty"`
}

type MemoryConfig struct {
	LowMB         uint64 `yaml:"lowMB,omitempty"`
	HighMB        uint64 `yaml:"highMB,omitempty"`
	Wired         bool   `yaml:"wired,omitempty"`
	LowmemLimitMB uint64 `yaml:"lowmemLimitMB,omitempty"`
}

// DefaultLowMemMB is the low memory size used when a config names none.
const DefaultLowMemMB = 20

// Count returns the number of vCPUs.
func (c CPUConfig) Count() int {
	return int(c.Sockets) * int(c.Cores) * int(c.Threads)
}

func (c *Config) normalize() {
	if c.CPUs.Sockets == 0 {
		c.CPUs.Sockets = 1
	}
	if c.CPUs.Cores == 0 {
		c.CPUs.Cores = 1
	}
	if c.CPUs.Threads == 0 {
		c.CPUs.Threads = 1
	}
	if c.Memory.LowMB == 0 {
		c.Memory.LowMB = DefaultLowMemMB
	}
	if c.Memory.LowmemLimitMB == 0 {
		c.Memory.LowmemLimitMB = DefaultLowmemLimit / MB
	}
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if err := validateVMName(c.Name); err != nil {
		errs = append(errs, err)
	}
	if n := c.CPUs.Count(); n == 0 || n > MaxCPUs {
		errs = append(errs, fmt.Errorf("%w: %d vCPUs (must be 1-%d)", ErrInvalidInput, n, MaxCPUs))
	}
	if c.Memory.LowMB > c.Memory.LowmemLimitMB {
		errs = append(errs, fmt.Errorf("%w: lowMB %d exceeds lowmemLimitMB %d", ErrInvalidInput, c.Memory.LowMB, c.Memory.LowmemLimitMB))
	}
	for name := range c.Capabilities {
		if _, err := ParseCapType(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ParseConfig decodes and validates a YAML layout.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads a YAML layout from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// WriteConfig writes cfg to path as YAML.
func WriteConfig(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Layout is the host memory backing a configured VM. Nil slices skip the
// corresponding region. Buffers must come from AllocHostMemory.
type Layout struct {
	LowMem  []byte
	HighMem []byte
	BootROM []byte

	// BootROMImage, when set, is read into the end of BootROM once the
	// device memory is mapped over it. BootROMSize is the image length.
	BootROMImage io.Reader
	BootROMSize  int64
}

// Configure brings a VM from any state to the layout in cfg. The order is
// fixed: reinit, topology, per-vCPU x2APIC and capabilities, memory (low,
// high, boot ROM), then the CMOS memory size. The first failure is returned.
func (vm *VM) Configure(cfg Config, layout Layout) error {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	vm.SetLowmemLimit(cfg.Memory.LowmemLimitMB * MB)
	if cfg.Memory.Wired {
		vm.SetMemFlags(vm.MemFlags() | MemFlagWired)
	}

	if err := vm.Reinit(); err != nil {
		return err
	}
	if err := vm.SetTopology(cfg.CPUs.Sockets, cfg.CPUs.Cores, cfg.CPUs.Threads); err != nil {
		return err
	}

	caps := make([]string, 0, len(cfg.Capabilities))
	for name := range cfg.Capabilities {
		caps = append(caps, name)
	}
	sort.Strings(caps)

	for vcpu := 0; vcpu < cfg.CPUs.Count(); vcpu++ {
		if err := vm.SetX2APICState(vcpu, cfg.X2APIC); err != nil {
			return err
		}
		for _, name := range caps {
			ct, _ := ParseCapType(name)
			if err := vm.SetCapability(vcpu, ct, cfg.Capabilities[name]); err != nil {
				return err
			}
		}
	}

	if layout.LowMem != nil {
		if err := vm.SetupLowMem(layout.LowMem); err != nil {
			return err
		}
	}
	if layout.HighMem != nil {
		if err := vm.SetupHighMem(layout.HighMem); err != nil {
			return err
		}
	}
	switch {
	case layout.BootROM != nil && layout.BootROMImage != nil:
		if err := vm.LoadBootROM(layout.BootROM, layout.BootROMImage, layout.BootROMSize); err != nil {
			return err
		}
	case layout.BootROM != nil:
		if err := vm.SetupBootROM(layout.BootROM); err != nil {
			return err
		}
	}

	if err := vm.SetRTCMemorySize(uint64(len(layout.LowMem))); err != nil {
		return err
	}

	slog.Debug("bhyve: VM configured", "vm", vm.name, "cpus", cfg.CPUs.Count(), "lowmem", len(layout.LowMem), "highmem", len(layout.HighMem), "bootrom", len(layout.BootROM))
	return nil
}
