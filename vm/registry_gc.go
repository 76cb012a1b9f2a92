package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// RegistryGC: periodic sweep of native-handle registries
// ---------------------------------------------------------------------------

// Heap objects are reclaimed by reference counting; a dropped gRPC
// channel's destructor closes its connection and removes it from the
// side registry. RegistryGC sweeps those registries on an interval and
// drops the entries of channels that are already closed, so the
// registries do not grow in long-running programs. It does not close
// connections itself.

// RegistryGCStats holds statistics from a single sweep.
type RegistryGCStats struct {
	GrpcChannels  int
	SweepDuration time.Duration
	Timestamp     time.Time
}

// RegistryGC periodically sweeps the VM's native-handle registries.
type RegistryGC struct {
	vm       *VM
	interval time.Duration
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle
	running  bool

	sweepCount atomic.Uint64
	lastStats  atomic.Value // *RegistryGCStats

	log commonlog.Logger
}

// DefaultGCInterval is the default sweep interval.
const DefaultGCInterval = 30 * time.Second

// NewRegistryGC creates a sweeper for the given VM.
func NewRegistryGC(vm *VM, interval time.Duration) *RegistryGC {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	return &RegistryGC{
		vm:       vm,
		interval: interval,
		log:      commonlog.GetLogger("kestrel.gc"),
	}
}

// Start begins the periodic sweep goroutine. Safe to call more than
// once; only one sweep loop runs.
func (gc *RegistryGC) Start() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if gc.running {
		return
	}
	gc.running = true
	gc.stop = make(chan struct{})
	gc.stopped = make(chan struct{})
	go gc.loop()
}

// Stop halts the sweep goroutine and waits for it to exit.
func (gc *RegistryGC) Stop() {
	gc.mu.Lock()
	defer gc.mu.Unlock()
	if !gc.running {
		return
	}
	close(gc.stop)
	<-gc.stopped
	gc.running = false
}

func (gc *RegistryGC) loop() {
	defer close(gc.stopped)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gc.Sweep()
		case <-gc.stop:
			return
		}
	}
}

// Sweep runs one sweep immediately and records its stats.
func (gc *RegistryGC) Sweep() RegistryGCStats {
	start := time.Now()
	stats := RegistryGCStats{
		GrpcChannels:  gc.vm.grpcRegistry.sweepClosed(),
		SweepDuration: time.Since(start),
		Timestamp:     start,
	}
	gc.sweepCount.Add(1)
	gc.lastStats.Store(&stats)
	if stats.GrpcChannels > 0 {
		gc.log.Debugf("swept %d grpc channel(s)", stats.GrpcChannels)
	}
	return stats
}

// SweepCount returns how many sweeps have run.
func (gc *RegistryGC) SweepCount() uint64 { return gc.sweepCount.Load() }

// LastStats returns the stats of the most recent sweep, or nil.
func (gc *RegistryGC) LastStats() *RegistryGCStats {
	s, _ := gc.lastStats.Load().(*RegistryGCStats)
	return s
}
