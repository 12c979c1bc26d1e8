package relay

import (
	"context"
	"time"

	"github.com/LerianStudio/lib-outbox-relay/relay/log"
	"github.com/LerianStudio/lib-outbox-relay/relay/runtime"
)

// MetricsReporter is the single task that snapshots windowed counters and
// logs them once per reporting window. Counters live for the process
// duration and are mutated only through the recorder's atomic increments;
// the reporter is the only caller of Snapshot.
type MetricsReporter struct {
	recorders []*MetricsRecorder
	locks     *LockRegistry
	logger    log.Logger
	interval  time.Duration
}

// ReporterOption mutates reporter configuration at construction.
type ReporterOption func(*MetricsReporter)

// WithReporterInterval sets the reporting window.
func WithReporterInterval(interval time.Duration) ReporterOption {
	return func(reporter *MetricsReporter) {
		if interval > 0 {
			reporter.interval = interval
		}
	}
}

// WithReporterLockRegistry includes tracked lock counts in each report.
func WithReporterLockRegistry(locks *LockRegistry) ReporterOption {
	return func(reporter *MetricsReporter) {
		reporter.locks = locks
	}
}

// NewMetricsReporter creates a reporter over one or more engine recorders.
func NewMetricsReporter(logger log.Logger, recorders []*MetricsRecorder, opts ...ReporterOption) *MetricsReporter {
	if logger == nil {
		logger = log.NewNop()
	}

	kept := make([]*MetricsRecorder, 0, len(recorders))

	for _, recorder := range recorders {
		if recorder != nil {
			kept = append(kept, recorder)
		}
	}

	reporter := &MetricsReporter{
		recorders: kept,
		logger:    logger,
		interval:  defaultReportInterval,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(reporter)
		}
	}

	return reporter
}

// Run emits one report per window until ctx is cancelled.
func (reporter *MetricsReporter) Run(ctx context.Context) error {
	if reporter == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	defer runtime.RecoverAndLog(ctx, reporter.logger, "relay", "metrics_reporter")

	ticker := time.NewTicker(reporter.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			reporter.reportOnce(ctx)
		}
	}
}

func (reporter *MetricsReporter) reportOnce(ctx context.Context) {
	var window MetricsSnapshot

	for _, recorder := range reporter.recorders {
		recorder.SampleMemory()

		snapshot := recorder.Snapshot()
		window.Fetched += snapshot.Fetched
		window.Dispatched += snapshot.Dispatched
		window.Acknowledged += snapshot.Acknowledged
		window.Failed += snapshot.Failed

		if snapshot.PeakHeapBytes > window.PeakHeapBytes {
			window.PeakHeapBytes = snapshot.PeakHeapBytes
		}
	}

	fields := []log.Field{
		log.Int64("fetched", window.Fetched),
		log.Int64("dispatched", window.Dispatched),
		log.Int64("acknowledged", window.Acknowledged),
		log.Int64("failed", window.Failed),
		log.Float64("dispatched_per_sec", throughput(window.Dispatched, reporter.interval)),
		log.Float64("acknowledged_per_sec", throughput(window.Acknowledged, reporter.interval)),
		log.Uint64("peak_heap_bytes", window.PeakHeapBytes),
	}

	if reporter.locks != nil {
		fields = append(fields, log.Int("tracked_locks", reporter.locks.Len()))
	}

	reporter.logger.Log(ctx, log.LevelInfo, "relay window report", fields...)
}
