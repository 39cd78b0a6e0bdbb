package bhyve

import (
	"errors"
	"path/filepath"
	"syscall"
	"testing"
)

const sampleConfig = `
name: guest0
cpus:
  cores: 2
memory:
  lowMB: 64
  wired: true
x2apic: true
capabilities:
  halt_exit: 1
  pause_exit: 1
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.Name != "guest0" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.CPUs.Sockets != 1 || cfg.CPUs.Cores != 2 || cfg.CPUs.Threads != 1 {
		t.Errorf("CPUs = %+v, want 1/2/1", cfg.CPUs)
	}
	if cfg.Memory.LowMB != 64 || !cfg.Memory.Wired {
		t.Errorf("Memory = %+v", cfg.Memory)
	}
	if cfg.Memory.LowmemLimitMB != DefaultLowmemLimit/MB {
		t.Errorf("LowmemLimitMB = %d, want default", cfg.Memory.LowmemLimitMB)
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := ParseConfig([]byte("name: tiny\n"))
		if err != nil {
			t.Fatalf("ParseConfig() error = %v", err)
		}
		if cfg.CPUs.Count() != 1 || cfg.Memory.LowMB != DefaultLowMemMB {
			t.Errorf("defaults = %+v", cfg)
		}
	})

	invalid := map[string]string{
		"no name":        "cpus: {cores: 1}\n",
		"too many cpus":  "name: big\ncpus: {sockets: 4, cores: 4, threads: 4}\n",
		"unknown cap":    "name: g\ncapabilities: {turbo: 1}\n",
		"lowmem > limit": "name: g\nmemory: {lowMB: 4096}\n",
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(doc)); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ParseConfig() error = %v, want ErrInvalidInput", err)
			}
		})
	}

	if _, err := ParseConfig([]byte("name: [")); err == nil {
		t.Error("ParseConfig() accepted malformed YAML")
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "guest0.yaml")
	if err := WriteConfig(path, cfg); err != nil {
		t.Fatalf("WriteConfig() error = %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if got.Name != cfg.Name || got.CPUs != cfg.CPUs || got.Memory != cfg.Memory || got.X2APIC != cfg.X2APIC {
		t.Errorf("LoadConfig() = %+v, want %+v", got, cfg)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("capabilities = %v", got.Capabilities)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfig() of missing file succeeded")
	}
}

func TestConfigure(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}
	vm, fc := newFakeVM(t)
	layout := Layout{LowMem: hostMem(t, int(cfg.Memory.LowMB*MB))}

	if err := vm.Configure(cfg, layout); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}

	if fc.reinits != 1 {
		t.Errorf("reinits = %d, want 1", fc.reinits)
	}
	if fc.topology.cores != 2 {
		t.Errorf("peer topology = %+v", fc.topology)
	}
	for vcpu := 0; vcpu < 2; vcpu++ {
		if fc.x2apic[vcpu] != x2apicEnabled {
			t.Errorf("vCPU %d x2APIC = %d", vcpu, fc.x2apic[vcpu])
		}
		if fc.caps[vcpu][CapHaltExit] != 1 || fc.caps[vcpu][CapPauseExit] != 1 {
			t.Errorf("vCPU %d capabilities = %v", vcpu, fc.caps[vcpu])
		}
	}
	if vm.MemFlags()&MemFlagWired == 0 {
		t.Error("wired memory flag not applied")
	}
	m, ok := fc.mappings[0]
	if !ok || m.len != 64*MB || MapFlags(m.flags)&MapFlagWired == 0 {
		t.Errorf("low memory mapping = %+v (present %v)", m, ok)
	}
	if len(fc.hostMaps) != 1 || fc.hostMaps[0].offset != 0 {
		t.Errorf("host maps = %+v", fc.hostMaps)
	}
	// (64MiB - 16MiB) / 64KiB = 768
	if fc.rtc[rtcLowMemLSB] != 0x00 || fc.rtc[rtcLowMemMSB] != 0x03 {
		t.Errorf("CMOS memory size = %#x/%#x, want 0x00/0x03", fc.rtc[rtcLowMemLSB], fc.rtc[rtcLowMemMSB])
	}

	t.Run("stops at first failure", func(t *testing.T) {
		vm, fc := newFakeVM(t)
		fc.failWith(reqSetTopology, syscall.EINVAL)
		if err := vm.Configure(cfg, layout); err == nil {
			t.Fatal("Configure() succeeded with failing topology")
		}
		if fc.count(reqSetX2APICState) != 0 || fc.count(reqAllocMemseg) != 0 {
			t.Error("Configure() continued past the failed step")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		vm, fc := newFakeVM(t)
		bad := cfg
		bad.Name = ""
		if err := vm.Configure(bad, layout); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("Configure() error = %v, want ErrInvalidInput", err)
		}
		if fc.count(reqReinit) != 0 {
			t.Error("invalid config reached the peer")
		}
	})
}
