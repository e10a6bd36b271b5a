// Package sampler periodically snapshots the tuple space and the host it runs
// on, logging the result at debug level and exporting it as gauges.
package sampler

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"pkt.systems/lindad/internal/clock"
	"pkt.systems/lindad/internal/space"
	"pkt.systems/lindad/internal/svcfields"
	"pkt.systems/pslog"
)

// DefaultInterval is used when Config.Interval is not positive.
const DefaultInterval = 5 * time.Second

// Config controls the sampling cadence.
type Config struct {
	// Interval between samples.
	Interval time.Duration
	// LogInterval throttles the debug log; zero disables it.
	LogInterval time.Duration
	// Clock drives the loop; defaults to the real clock.
	Clock clock.Clock
}

// StatsSource reports space statistics.
type StatsSource interface {
	Stats() space.Stats
}

// Snapshot is one sample.
type Snapshot struct {
	Keys          int
	Values        int
	Waiters       int
	Connections   int64
	Goroutines    int
	RSSBytes      uint64
	MemoryPercent float64
	CPUPercent    float64
	Load1         float64
	Load5         float64
	Load15        float64
	CollectedAt   time.Time
}

// hostProbe isolates the gopsutil calls so tests can substitute them.
type hostProbe interface {
	rss(ctx context.Context) (uint64, error)
	memoryPercent(ctx context.Context) (float64, error)
	cpuPercent(ctx context.Context) (float64, error)
	loadAvg(ctx context.Context) (*load.AvgStat, error)
}

// Sampler collects snapshots on a fixed interval.
type Sampler struct {
	cfg         Config
	clock       clock.Clock
	source      StatsSource
	connections func() int64
	probe       hostProbe
	logger      pslog.Logger
	metrics     *samplerMetrics

	running     atomic.Bool
	latest      atomic.Pointer[Snapshot]
	logMu       sync.Mutex
	lastLogTime time.Time
	wg          sync.WaitGroup
}

// New builds a sampler over source. connections may be nil.
func New(cfg Config, source StatsSource, connections func() int64, logger pslog.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LogInterval < 0 {
		cfg.LogInterval = 0
	}
	if connections == nil {
		connections = func() int64 { return 0 }
	}
	logger = svcfields.WithSubsystem(logger, "control.sampler")
	s := &Sampler{
		cfg:         cfg,
		clock:       clock.Or(cfg.Clock),
		source:      source,
		connections: connections,
		probe:       newGopsutilProbe(),
		logger:      logger,
	}
	s.metrics = newSamplerMetrics(logger, s.Latest)
	return s
}

// Start launches the sampling loop. Only the first call starts it.
func (s *Sampler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Wait blocks until the sampling loop has exited.
func (s *Sampler) Wait() {
	s.wg.Wait()
}

// Latest returns the most recent snapshot, if any.
func (s *Sampler) Latest() (Snapshot, bool) {
	snap := s.latest.Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

func (s *Sampler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.cfg.Interval):
			s.Sample(ctx)
		}
	}
}

// Sample collects one snapshot immediately. Host probe failures leave the
// affected fields at zero.
func (s *Sampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		Connections: s.connections(),
		Goroutines:  runtime.NumGoroutine(),
		CollectedAt: s.clock.Now(),
	}
	if s.source != nil {
		st := s.source.Stats()
		snap.Keys, snap.Values, snap.Waiters = st.Keys, st.Values, st.Waiters
	}
	if rss, err := s.probe.rss(ctx); err == nil {
		snap.RSSBytes = rss
	} else {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		snap.RSSBytes = mem.Sys
	}
	if pct, err := s.probe.memoryPercent(ctx); err == nil {
		snap.MemoryPercent = pct
	}
	if pct, err := s.probe.cpuPercent(ctx); err == nil {
		snap.CPUPercent = pct
	}
	if avg, err := s.probe.loadAvg(ctx); err == nil && avg != nil {
		snap.Load1, snap.Load5, snap.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	s.latest.Store(&snap)
	s.metrics.recordSample(ctx)
	s.maybeLog(snap)
	return snap
}

func (s *Sampler) maybeLog(snap Snapshot) {
	if s.cfg.LogInterval <= 0 {
		return
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if !s.lastLogTime.IsZero() && snap.CollectedAt.Sub(s.lastLogTime) < s.cfg.LogInterval {
		return
	}
	s.lastLogTime = snap.CollectedAt
	s.logger.Debug("lindad.sample",
		"keys", snap.Keys,
		"values", snap.Values,
		"waiters", snap.Waiters,
		"connections", snap.Connections,
		"goroutines", snap.Goroutines,
		"rss_bytes", snap.RSSBytes,
		"system_memory_percent", snap.MemoryPercent,
		"system_cpu_percent", snap.CPUPercent,
		"system_load1", snap.Load1,
		"system_load5", snap.Load5,
		"system_load15", snap.Load15,
	)
}

type gopsutilProbe struct {
	once sync.Once
	proc *process.Process
	err  error
}

func newGopsutilProbe() *gopsutilProbe {
	return &gopsutilProbe{}
}

func (p *gopsutilProbe) self(ctx context.Context) (*process.Process, error) {
	p.once.Do(func() {
		p.proc, p.err = process.NewProcessWithContext(ctx, int32(os.Getpid()))
	})
	return p.proc, p.err
}

func (p *gopsutilProbe) rss(ctx context.Context) (uint64, error) {
	proc, err := p.self(ctx)
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func (p *gopsutilProbe) memoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// cpuPercent reports usage since the previous call; the first call measures
// since boot.
func (p *gopsutilProbe) cpuPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(values) == 0 {
		return 0, err
	}
	return values[0], nil
}

func (p *gopsutilProbe) loadAvg(ctx context.Context) (*load.AvgStat, error) {
	return load.AvgWithContext(ctx)
}
