package bhyve

import (
	"sync/atomic"
	"time"
)

// Performance metrics for monitoring vmm operations
var (
	// Operation counters
	vmOpenCount     uint64
	vmCloseCount    uint64
	segmentAllocs   uint64
	mapOperations   uint64
	unmapOperations uint64
	hostMaps        uint64
	registerOps     uint64
	runOperations   uint64
	exitCount       [exitKindCount]uint64

	// Timing metrics (nanoseconds)
	totalVMOpenTime uint64
	totalRunTime    uint64

	// Error counters
	channelErrors uint64
	bogusExits    uint64
)

// Metrics provides access to performance metrics
type Metrics struct {
	VMOpened        uint64            `json:"vm_opened"`
	VMClosed        uint64            `json:"vm_closed"`
	SegmentAllocs   uint64            `json:"segment_allocs"`
	MapOperations   uint64            `json:"map_operations"`
	UnmapOperations uint64            `json:"unmap_operations"`
	HostMaps        uint64            `json:"host_maps"`
	RegisterOps     uint64            `json:"register_operations"`
	RunOperations   uint64            `json:"run_operations"`
	Exits           map[string]uint64 `json:"exits,omitempty"`
	AvgVMOpenTimeNs uint64            `json:"avg_vm_open_time_ns"`
	AvgRunTimeNs    uint64            `json:"avg_run_time_ns"`
	ChannelErrors   uint64            `json:"channel_errors"`
	BogusExits      uint64            `json:"bogus_exits"`
}

// GetMetrics returns current performance metrics
func GetMetrics() Metrics {
	vmOpened := atomic.LoadUint64(&vmOpenCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgVMOpen, avgRun uint64
	if vmOpened > 0 {
		avgVMOpen = atomic.LoadUint64(&totalVMOpenTime) / vmOpened
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}

	var exits map[string]uint64
	for k := range exitCount {
		if n := atomic.LoadUint64(&exitCount[k]); n > 0 {
			if exits == nil {
				exits = make(map[string]uint64)
			}
			exits[ExitKind(k).String()] = n
		}
	}

	return Metrics{
		VMOpened:        vmOpened,
		VMClosed:        atomic.LoadUint64(&vmCloseCount),
		SegmentAllocs:   atomic.LoadUint64(&segmentAllocs),
		MapOperations:   atomic.LoadUint64(&mapOperations),
		UnmapOperations: atomic.LoadUint64(&unmapOperations),
		HostMaps:        atomic.LoadUint64(&hostMaps),
		RegisterOps:     atomic.LoadUint64(&registerOps),
		RunOperations:   runOps,
		Exits:           exits,
		AvgVMOpenTimeNs: avgVMOpen,
		AvgRunTimeNs:    avgRun,
		ChannelErrors:   atomic.LoadUint64(&channelErrors),
		BogusExits:      atomic.LoadUint64(&bogusExits),
	}
}

// ResetMetrics clears all performance metrics
func ResetMetrics() {
	atomic.StoreUint64(&vmOpenCount, 0)
	atomic.StoreUint64(&vmCloseCount, 0)
	atomic.StoreUint64(&segmentAllocs, 0)
	atomic.StoreUint64(&mapOperations, 0)
	atomic.StoreUint64(&unmapOperations, 0)
	atomic.StoreUint64(&hostMaps, 0)
	atomic.StoreUint64(&registerOps, 0)
	atomic.StoreUint64(&runOperations, 0)
	for k := range exitCount {
		atomic.StoreUint64(&exitCount[k], 0)
	}
	atomic.StoreUint64(&totalVMOpenTime, 0)
	atomic.StoreUint64(&totalRunTime, 0)
	atomic.StoreUint64(&channelErrors, 0)
	atomic.StoreUint64(&bogusExits, 0)
}

// Internal metric recording functions
func recordVMOpen(duration time.Duration) {
	atomic.AddUint64(&vmOpenCount, 1)
	atomic.AddUint64(&totalVMOpenTime, uint64(duration.Nanoseconds()))
}

func recordVMClose() {
	atomic.AddUint64(&vmCloseCount, 1)
}

func recordSegmentAlloc() {
	atomic.AddUint64(&segmentAllocs, 1)
}

func recordMapOperation() {
	atomic.AddUint64(&mapOperations, 1)
}

func recordUnmapOperation() {
	atomic.AddUint64(&unmapOperations, 1)
}

func recordHostMap() {
	atomic.AddUint64(&hostMaps, 1)
}

func recordRegisterOp() {
	atomic.AddUint64(&registerOps, 1)
}

func recordRun(duration time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(duration.Nanoseconds()))
}

func recordExit(kind ExitKind) {
	if kind < exitKindCount {
		atomic.AddUint64(&exitCount[kind], 1)
	}
	if kind == ExitBogus {
		atomic.AddUint64(&bogusExits, 1)
	}
}

func recordChannelError() {
	atomic.AddUint64(&channelErrors, 1)
}
