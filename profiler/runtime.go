package profiler

import "runtime"

// RuntimeCollector reports heap and scheduler figures of the process.
type RuntimeCollector struct{}

// CollectMetrics implements the MetricsCollector interface.
//
// Returns:
// - A map of metric names to their current values.
func (RuntimeCollector) CollectMetrics() map[string]float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return map[string]float64{
		"heap_alloc_mb": float64(m.HeapAlloc) / 1024 / 1024,
		"heap_sys_mb":   float64(m.HeapSys) / 1024 / 1024,
		"num_gc":        float64(m.NumGC),
		"goroutines":    float64(runtime.NumGoroutine()),
	}
}
