package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type streamStat struct {
	messages int64
	bytes    int64
}

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	streams     sync.Map // stream name -> *streamStat
)

func recordWarn(component string) {
	incrementCounter(&warnCounts, component)
}

func recordError(component string) {
	incrementCounter(&errorCounts, component)
}

func incrementCounter(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// RecordStreamMessage counts one message of size bytes on the named stream
// (for example "ws_in" or "rest_orders").
func RecordStreamMessage(name string, size int) {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	st := v.(*streamStat)
	atomic.AddInt64(&st.messages, 1)
	atomic.AddInt64(&st.bytes, int64(size))
}

// StreamCounts returns the message and byte totals recorded for a stream.
func StreamCounts(name string) (messages, bytes int64) {
	v, ok := streams.Load(name)
	if !ok {
		return 0, 0
	}
	st := v.(*streamStat)
	return atomic.LoadInt64(&st.messages), atomic.LoadInt64(&st.bytes)
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(reportFields()).Info("runtime report")
			}
		}
	}()
}

func reportFields() Fields {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	streamData := map[string]map[string]int64{}
	streams.Range(func(k, v any) bool {
		st := v.(*streamStat)
		streamData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&st.messages),
			"bytes":    atomic.LoadInt64(&st.bytes),
		}
		return true
	})

	return Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(mem.HeapAlloc) / 1024 / 1024,
		"warns":      counterSnapshot(&warnCounts),
		"errors":     counterSnapshot(&errorCounts),
		"streams":    streamData,
	}
}

func counterSnapshot(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}
