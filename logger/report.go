package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	rawTicks     int64
	pricedTicks  int64
	droppedTicks int64
	broadcasts   int64
	reconnects   int64
	warnCounts   sync.Map // component -> *int64
	errorCounts  sync.Map // component -> *int64
)

func bump(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warnCounts, component) }
func recordError(component string) { bump(&errorCounts, component) }

func IncrementRawTick()    { atomic.AddInt64(&rawTicks, 1) }
func IncrementPricedTick() { atomic.AddInt64(&pricedTicks, 1) }
func IncrementDropped()    { atomic.AddInt64(&droppedTicks, 1) }
func IncrementBroadcast()  { atomic.AddInt64(&broadcasts, 1) }
func IncrementReconnect()  { atomic.AddInt64(&reconnects, 1) }

// Counters is a point-in-time copy of the pipeline counters.
type Counters struct {
	RawTicks     int64            `json:"raw_ticks"`
	PricedTicks  int64            `json:"priced_ticks"`
	DroppedTicks int64            `json:"dropped_ticks"`
	Broadcasts   int64            `json:"broadcasts"`
	Reconnects   int64            `json:"reconnects"`
	Warnings     map[string]int64 `json:"warnings"`
	Errors       map[string]int64 `json:"errors"`
}

func snapshotMap(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// Snapshot returns the current pipeline counters.
func Snapshot() Counters {
	return Counters{
		RawTicks:     atomic.LoadInt64(&rawTicks),
		PricedTicks:  atomic.LoadInt64(&pricedTicks),
		DroppedTicks: atomic.LoadInt64(&droppedTicks),
		Broadcasts:   atomic.LoadInt64(&broadcasts),
		Reconnects:   atomic.LoadInt64(&reconnects),
		Warnings:     snapshotMap(&warnCounts),
		Errors:       snapshotMap(&errorCounts),
	}
}

// StartReport begins periodic logging of runtime and pipeline statistics.
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
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memMB = float64(vm.Used) / 1024 / 1024
	}
	c := Snapshot()
	goroutines := runtime.NumGoroutine()

	log.WithComponent("report").WithFields(Fields{
		"cpu_percent":   cpuPct,
		"memory_mb":     int64(memMB),
		"goroutines":    goroutines,
		"raw_ticks":     c.RawTicks,
		"priced_ticks":  c.PricedTicks,
		"dropped_ticks": c.DroppedTicks,
		"broadcasts":    c.Broadcasts,
		"reconnects":    c.Reconnects,
		"warnings":      c.Warnings,
		"errors":        c.Errors,
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, memMB),
		datum("Goroutines", cwtypes.StandardUnitCount, float64(goroutines)),
		datum("RawTicks", cwtypes.StandardUnitCount, float64(c.RawTicks)),
		datum("PricedTicks", cwtypes.StandardUnitCount, float64(c.PricedTicks)),
		datum("DroppedTicks", cwtypes.StandardUnitCount, float64(c.DroppedTicks)),
		datum("Broadcasts", cwtypes.StandardUnitCount, float64(c.Broadcasts)),
		datum("Reconnects", cwtypes.StandardUnitCount, float64(c.Reconnects)),
	})
}
