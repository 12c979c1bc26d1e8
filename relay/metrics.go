package relay

import (
	"fmt"
	goruntime "runtime"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// MetricsSnapshot holds one reporting window's counter values plus the
// lifetime peak heap gauge.
type MetricsSnapshot struct {
	Fetched      int64
	Dispatched   int64
	Acknowledged int64
	Failed       int64
	// PeakHeapBytes is the lifetime maximum observed heap allocation; unlike
	// the counters it is never reset by Snapshot.
	PeakHeapBytes uint64
}

// MetricsRecorder holds process-wide windowed counters for both engines.
// All increments are atomic and safe under concurrent dispatch and batcher
// goroutines. Snapshot returns the current window and resets the counters;
// it is intended to be called by a single reporting task.
type MetricsRecorder struct {
	fetched      atomic.Int64
	dispatched   atomic.Int64
	acknowledged atomic.Int64
	failed       atomic.Int64
	peakHeap     atomic.Uint64
}

// NewMetricsRecorder creates a zeroed recorder.
func NewMetricsRecorder() *MetricsRecorder {
	return &MetricsRecorder{}
}

// AddFetched increments the fetched counter.
func (recorder *MetricsRecorder) AddFetched(n int64) {
	if recorder == nil || n <= 0 {
		return
	}

	recorder.fetched.Add(n)
}

// AddDispatched increments the dispatched counter.
func (recorder *MetricsRecorder) AddDispatched(n int64) {
	if recorder == nil || n <= 0 {
		return
	}

	recorder.dispatched.Add(n)
}

// AddAcknowledged increments the acknowledged counter.
func (recorder *MetricsRecorder) AddAcknowledged(n int64) {
	if recorder == nil || n <= 0 {
		return
	}

	recorder.acknowledged.Add(n)
}

// AddFailed increments the failed counter.
func (recorder *MetricsRecorder) AddFailed(n int64) {
	if recorder == nil || n <= 0 {
		return
	}

	recorder.failed.Add(n)
}

// SampleMemory reads the current heap allocation and raises the lifetime
// peak gauge if exceeded.
func (recorder *MetricsRecorder) SampleMemory() {
	if recorder == nil {
		return
	}

	var stats goruntime.MemStats

	goruntime.ReadMemStats(&stats)

	for {
		peak := recorder.peakHeap.Load()
		if stats.HeapAlloc <= peak {
			return
		}

		if recorder.peakHeap.CompareAndSwap(peak, stats.HeapAlloc) {
			return
		}
	}
}

// Snapshot returns the current window values and resets the counters to
// zero. The peak heap gauge is read without resetting.
func (recorder *MetricsRecorder) Snapshot() MetricsSnapshot {
	if recorder == nil {
		return MetricsSnapshot{}
	}

	return MetricsSnapshot{
		Fetched:       recorder.fetched.Swap(0),
		Dispatched:    recorder.dispatched.Swap(0),
		Acknowledged:  recorder.acknowledged.Swap(0),
		Failed:        recorder.failed.Swap(0),
		PeakHeapBytes: recorder.peakHeap.Load(),
	}
}

// engineMetrics are the OpenTelemetry instruments shared by both engines.
// The windowed MetricsRecorder feeds logs; these feed whatever metrics
// backend the hosting process wires in.
type engineMetrics struct {
	recordsFetched      metric.Int64Counter
	recordsDispatched   metric.Int64Counter
	recordsAcknowledged metric.Int64Counter
	recordsFailed       metric.Int64Counter
	cycleLatency        metric.Float64Histogram
	queueDepth          metric.Int64Gauge
	trackedLocks        metric.Int64Gauge
}

func newEngineMetrics(provider metric.MeterProvider) (engineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("relay.engine")

	var (
		metrics engineMetrics
		err     error
	)

	metrics.recordsFetched, err = meter.Int64Counter(
		"outbox.records.fetched",
		metric.WithDescription("Number of pending outbox records fetched for dispatch"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.records.fetched counter: %w", err)
	}

	metrics.recordsDispatched, err = meter.Int64Counter(
		"outbox.records.dispatched",
		metric.WithDescription("Number of outbox records acknowledged by the broker"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.records.dispatched counter: %w", err)
	}

	metrics.recordsAcknowledged, err = meter.Int64Counter(
		"outbox.records.acknowledged",
		metric.WithDescription("Number of delivery acknowledgements reconciled to storage"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.records.acknowledged counter: %w", err)
	}

	metrics.recordsFailed, err = meter.Int64Counter(
		"outbox.records.failed",
		metric.WithDescription("Number of outbox records marked failed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.records.failed counter: %w", err)
	}

	metrics.cycleLatency, err = meter.Float64Histogram(
		"outbox.cycle.latency",
		metric.WithDescription("Time taken per dispatch cycle or consumer flush"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.cycle.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of records selected in a dispatch cycle"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	metrics.trackedLocks, err = meter.Int64Gauge(
		"outbox.locks.tracked",
		metric.WithDescription("Number of partition locks held in the registry"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		return engineMetrics{}, fmt.Errorf("create outbox.locks.tracked gauge: %w", err)
	}

	return metrics, nil
}

// throughput converts a window counter to a per-second figure for reporting.
// Per-message logging in hot loops is a measured throughput killer, so
// window rates are the only per-message signal that surfaces.
func throughput(counter int64, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}

	return float64(counter) / window.Seconds()
}
