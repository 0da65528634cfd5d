package dashboard

import (
	"context"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"venuesync/logger"
)

// processSample is one reading of this process's footprint.
type processSample struct {
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	RSSBytes      uint64    `json:"rss_bytes"`
	HostMemoryPct float64   `json:"host_memory_percent"`
	Goroutines    int       `json:"goroutines"`
}

type processStats struct {
	CPUPercent float64
	RSSBytes   uint64
}

var (
	processStatsFn = func(ctx context.Context) (processStats, error) {
		proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
		if err != nil {
			return processStats{}, err
		}
		cpu, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			return processStats{}, err
		}
		info, err := proc.MemoryInfoWithContext(ctx)
		if err != nil {
			return processStats{}, err
		}
		return processStats{CPUPercent: cpu, RSSBytes: info.RSS}, nil
	}
	hostMemoryFn = mem.VirtualMemoryWithContext
)

type processSampler struct {
	mu       sync.RWMutex
	items    []processSample
	limit    int
	interval time.Duration
	log      *logger.Log

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
}

func newProcessSampler(limit int, interval time.Duration, log *logger.Log) *processSampler {
	if limit <= 0 {
		limit = 200
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &processSampler{limit: limit, interval: interval, log: log}
}

func (s *processSampler) start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *processSampler) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *processSampler) snapshot() []processSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]processSample, len(s.items))
	copy(out, s.items)
	return out
}

func (s *processSampler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *processSampler) sample(ctx context.Context) {
	stats, err := processStatsFn(ctx)
	if err != nil {
		s.log.WithComponent("process_sampler").WithError(err).Debug("failed to sample process usage")
		return
	}
	sample := processSample{
		Timestamp:  time.Now(),
		CPUPercent: stats.CPUPercent,
		RSSBytes:   stats.RSSBytes,
		Goroutines: runtime.NumGoroutine(),
	}
	if vm, err := hostMemoryFn(ctx); err == nil {
		sample.HostMemoryPct = vm.UsedPercent
	}

	s.mu.Lock()
	s.items = append(s.items, sample)
	if len(s.items) > s.limit {
		s.items = append([]processSample(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
}
