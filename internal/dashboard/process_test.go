package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"venuesync/logger"
)

func stubProcessStats(t *testing.T, stats processStats, err error) {
	t.Helper()
	origProc, origMem := processStatsFn, hostMemoryFn
	t.Cleanup(func() {
		processStatsFn = origProc
		hostMemoryFn = origMem
	})
	processStatsFn = func(context.Context) (processStats, error) { return stats, err }
	hostMemoryFn = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 40}, nil
	}
}

func TestProcessSamplerCollectsSamples(t *testing.T) {
	stubProcessStats(t, processStats{CPUPercent: 12.5, RSSBytes: 4096}, nil)
	sampler := newProcessSampler(3, 5*time.Millisecond, logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	sampler.stop()

	samples := sampler.snapshot()
	if len(samples) > 3 {
		t.Fatalf("history not bounded: %d samples", len(samples))
	}
	got := samples[len(samples)-1]
	if got.CPUPercent != 12.5 || got.RSSBytes != 4096 || got.HostMemoryPct != 40 || got.Goroutines <= 0 {
		t.Fatalf("unexpected sample: %+v", got)
	}
}

func TestProcessSamplerSkipsFailedReadings(t *testing.T) {
	stubProcessStats(t, processStats{}, errors.New("no such process"))
	sampler := newProcessSampler(3, time.Second, logger.Logger())

	sampler.sample(context.Background())

	if n := len(sampler.snapshot()); n != 0 {
		t.Fatalf("samples = %d, want 0", n)
	}
}
