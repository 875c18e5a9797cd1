// Package profiler - Operation timing and metric tracking for the filter pipeline.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Operation names recorded by the pipeline.
const (
	OpPreprocess = "preprocess"
	OpForward    = "forward"
	OpDecode     = "decode"
	OpClassify   = "classify"
	OpFrame      = "frame"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// Profiler tracks operation latencies and custom metrics, and optionally emits periodic
// reports through the injected logger.
//
// All methods are safe for concurrent use and safe to call on a nil *Profiler, which
// records nothing.
type Profiler struct {
	logger         *zap.Logger
	reportInterval time.Duration
	maxSamples     int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started time.Time
	running bool

	customMetrics  map[string]*MetricTracker
	collectors     []MetricsCollector
	operationTimes map[string]*TimeTracker
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	values []float64
	sum    float64
	min    float64
	max    float64
	count  int64
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	durations []time.Duration
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// Options configures the profiler.
type Options struct {
	// ReportInterval specifies how often to emit status reports (default: 10s).
	ReportInterval time.Duration
	// MaxSamples specifies the rolling window kept per operation (default: 600).
	MaxSamples int
}

// OperationStats is a snapshot of one operation's timings.
type OperationStats struct {
	Name  string
	Count int64
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration
}

// New creates a profiler.
//
// Arguments:
// - logger: Destination of periodic reports; nil disables them.
// - opts: Configuration options for the profiler.
//
// Returns:
// - A configured Profiler instance.
func New(logger *zap.Logger, opts Options) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Profiler{
		logger:         logger,
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		ctx:            ctx,
		cancel:         cancel,
		started:        time.Now(),
		customMetrics:  make(map[string]*MetricTracker),
		operationTimes: make(map[string]*TimeTracker),
	}
}

// Start begins periodic reporting. Calling Start on a running profiler does nothing.
func (p *Profiler) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true
	p.started = time.Now()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.Report()
			}
		}
	}()
}

// Stop stops periodic reporting and waits for the reporter goroutine to exit.
func (p *Profiler) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// AddMetricsCollector registers a collector polled before every report.
func (p *Profiler) AddMetricsCollector(collector MetricsCollector) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collectors = append(p.collectors, collector)
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track.
//
// Returns:
// - A function to call when the operation completes.
func (p *Profiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		p.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the duration of one completed operation.
func (p *Profiler) RecordOperation(name string, duration time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	tracker, exists := p.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{minTime: duration, maxTime: duration}
		p.operationTimes[name] = tracker
	}

	tracker.durations = append(tracker.durations, duration)
	tracker.totalTime += duration
	if len(tracker.durations) > p.maxSamples {
		tracker.totalTime -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// RecordMetric records a custom metric value.
func (p *Profiler) RecordMetric(name string, value float64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordMetricLocked(name, value)
}

func (p *Profiler) recordMetricLocked(name string, value float64) {
	tracker, exists := p.customMetrics[name]
	if !exists {
		tracker = &MetricTracker{min: value, max: value}
		p.customMetrics[name] = tracker
	}

	tracker.values = append(tracker.values, value)
	tracker.sum += value
	if len(tracker.values) > p.maxSamples {
		tracker.sum -= tracker.values[0]
		tracker.values = tracker.values[1:]
	}
	tracker.count++

	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// collect polls the registered collectors.
func (p *Profiler) collect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, collector := range p.collectors {
		for name, value := range collector.CollectMetrics() {
			p.recordMetricLocked(name, value)
		}
	}
}

// Operation returns a snapshot of the named operation.
//
// Returns:
// - OperationStats: The snapshot.
// - bool: False when the operation was never recorded.
func (p *Profiler) Operation(name string) (OperationStats, bool) {
	if p == nil {
		return OperationStats{}, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	tracker, ok := p.operationTimes[name]
	if !ok || len(tracker.durations) == 0 {
		return OperationStats{}, false
	}
	return OperationStats{
		Name:  name,
		Count: tracker.count,
		Avg:   tracker.totalTime / time.Duration(len(tracker.durations)),
		Min:   tracker.minTime,
		Max:   tracker.maxTime,
	}, true
}

// Operations returns snapshots of every recorded operation sorted by name.
func (p *Profiler) Operations() []OperationStats {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	names := make([]string, 0, len(p.operationTimes))
	for name := range p.operationTimes {
		names = append(names, name)
	}
	p.mu.RUnlock()

	sort.Strings(names)
	stats := make([]OperationStats, 0, len(names))
	for _, name := range names {
		if s, ok := p.Operation(name); ok {
			stats = append(stats, s)
		}
	}
	return stats
}

// Report polls the registered collectors, then logs the current operation timings and
// metrics.
func (p *Profiler) Report() {
	if p == nil {
		return
	}
	p.collect()

	for _, s := range p.Operations() {
		p.logger.Info("operation timing",
			zap.String("operation", s.Name),
			zap.Int64("count", s.Count),
			zap.Duration("avg", s.Avg),
			zap.Duration("min", s.Min),
			zap.Duration("max", s.Max),
		)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for name, tracker := range p.customMetrics {
		if len(tracker.values) == 0 {
			continue
		}
		p.logger.Info("metric",
			zap.String("metric", name),
			zap.Float64("avg", tracker.sum/float64(len(tracker.values))),
			zap.Float64("min", tracker.min),
			zap.Float64("max", tracker.max),
			zap.Int("samples", len(tracker.values)),
		)
	}
	p.logger.Debug("runtime",
		zap.Duration("uptime", time.Since(p.started).Truncate(time.Millisecond)),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Int64("cgo_calls", runtime.NumCgoCall()),
	)
}
