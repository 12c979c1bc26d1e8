package relay

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultProducerBatchSize    = 500
	defaultMaxParallelGroups    = 8
	defaultPollInterval         = 1 * time.Second
	defaultLockIdleWindow       = 5 * time.Minute
	defaultLockSweepInterval    = 1 * time.Minute
	defaultPublishMaxAttempts   = 3
	defaultPublishBackoff       = 200 * time.Millisecond
	defaultFetchFailThreshold   = 3
	defaultConsumerBatchSize    = 1000
	defaultFlushInterval        = 100 * time.Millisecond
	defaultPollTimeout          = 25 * time.Millisecond
	defaultReportInterval       = 10 * time.Second
	defaultShutdownFlushTimeout = 5 * time.Second

	// maxPollTimeout caps the consumer poll timeout. A multi-second value
	// silently serializes batching and destroys throughput, so anything over
	// one second is clamped back to the default.
	maxPollTimeout = 1 * time.Second
)

// ProducerConfig controls the partitioned dispatcher.
type ProducerConfig struct {
	// BatchSize is the max number of pending records fetched per cycle.
	BatchSize int
	// MaxParallelGroups bounds how many per-key dispatch loops run at once.
	MaxParallelGroups int
	// PollInterval is the sleep between dispatch cycles absent a wake signal.
	PollInterval time.Duration
	// LockIdleWindow is the quiescence window before an unreferenced
	// partition lock is reclaimed.
	LockIdleWindow time.Duration
	// LockSweepInterval is the period of the background lock eviction scan.
	LockSweepInterval time.Duration
	// PublishMaxAttempts is the max broker publish attempts for one record.
	PublishMaxAttempts int
	// PublishBackoff is the base backoff between publish retries.
	PublishBackoff time.Duration
	// FetchFailureThreshold emits an error log once consecutive fetch
	// failures reach this count.
	FetchFailureThreshold int
	// PreStepCode is the sentinel operation discriminator that triggers the
	// synchronous pre-step. Empty string is the conventional sentinel.
	PreStepCode string
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultProducerConfig returns the baseline dispatcher configuration.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		BatchSize:             defaultProducerBatchSize,
		MaxParallelGroups:     defaultMaxParallelGroups,
		PollInterval:          defaultPollInterval,
		LockIdleWindow:        defaultLockIdleWindow,
		LockSweepInterval:     defaultLockSweepInterval,
		PublishMaxAttempts:    defaultPublishMaxAttempts,
		PublishBackoff:        defaultPublishBackoff,
		FetchFailureThreshold: defaultFetchFailThreshold,
		PreStepCode:           "",
		MeterProvider:         nil,
	}
}

func (cfg *ProducerConfig) normalize() {
	defaults := DefaultProducerConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxParallelGroups <= 0 {
		cfg.MaxParallelGroups = defaults.MaxParallelGroups
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.LockIdleWindow <= 0 {
		cfg.LockIdleWindow = defaults.LockIdleWindow
	}

	if cfg.LockSweepInterval <= 0 {
		cfg.LockSweepInterval = defaults.LockSweepInterval
	}

	if cfg.PublishMaxAttempts <= 0 {
		cfg.PublishMaxAttempts = defaults.PublishMaxAttempts
	}

	if cfg.PublishBackoff <= 0 {
		cfg.PublishBackoff = defaults.PublishBackoff
	}

	if cfg.FetchFailureThreshold <= 0 {
		cfg.FetchFailureThreshold = defaults.FetchFailureThreshold
	}
}

// ConsumerConfig controls the ack batcher.
type ConsumerConfig struct {
	// BatchSize is the flush trigger on buffered acknowledgements. Default
	// 1000; very high volume deployments tune toward 5000.
	BatchSize int
	// FlushInterval is the elapsed-time flush trigger for non-empty buffers.
	// Default 100ms; tune toward 50ms for lower reconciliation latency.
	FlushInterval time.Duration
	// PollTimeout bounds each broker poll. It must stay in the tens of
	// milliseconds: the flush clock is only checked between polls, so a
	// multi-second timeout serializes batching.
	PollTimeout time.Duration
	// ShutdownFlushTimeout bounds the final forced flush after cancellation.
	ShutdownFlushTimeout time.Duration
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConsumerConfig returns the baseline batcher configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		BatchSize:            defaultConsumerBatchSize,
		FlushInterval:        defaultFlushInterval,
		PollTimeout:          defaultPollTimeout,
		ShutdownFlushTimeout: defaultShutdownFlushTimeout,
		MeterProvider:        nil,
	}
}

func (cfg *ConsumerConfig) normalize() {
	defaults := DefaultConsumerConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaults.FlushInterval
	}

	if cfg.PollTimeout <= 0 || cfg.PollTimeout > maxPollTimeout {
		cfg.PollTimeout = defaults.PollTimeout
	}

	if cfg.ShutdownFlushTimeout <= 0 {
		cfg.ShutdownFlushTimeout = defaults.ShutdownFlushTimeout
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*PartitionedDispatcher)

// WithBatchSize sets the max records fetched per dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxParallelGroups sets the per-key dispatch concurrency bound.
func WithMaxParallelGroups(groups int) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if groups > 0 {
			dispatcher.cfg.MaxParallelGroups = groups
		}
	}
}

// WithPollInterval sets the dispatch polling interval.
func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if interval > 0 {
			dispatcher.cfg.PollInterval = interval
		}
	}
}

// WithLockIdleWindow sets the quiescence window before idle partition locks
// are reclaimed.
func WithLockIdleWindow(window time.Duration) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if window > 0 {
			dispatcher.cfg.LockIdleWindow = window
		}
	}
}

// WithLockSweepInterval sets the period of the lock eviction scan.
func WithLockSweepInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if interval > 0 {
			dispatcher.cfg.LockSweepInterval = interval
		}
	}
}

// WithPublishMaxAttempts sets max broker publish attempts per record.
func WithPublishMaxAttempts(maxAttempts int) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.PublishMaxAttempts = maxAttempts
		}
	}
}

// WithPublishBackoff sets base backoff for publish retry attempts.
func WithPublishBackoff(base time.Duration) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if base > 0 {
			dispatcher.cfg.PublishBackoff = base
		}
	}
}

// WithFetchFailureThreshold sets the log threshold for consecutive fetch
// failures.
func WithFetchFailureThreshold(threshold int) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if threshold > 0 {
			dispatcher.cfg.FetchFailureThreshold = threshold
		}
	}
}

// WithPreStep installs the synchronous pre-step handler invoked for leading
// records whose code matches the sentinel.
func WithPreStep(preStep PreStepFunc) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		dispatcher.preStep = preStep
	}
}

// WithPreStepCode overrides the sentinel code value that triggers the
// pre-step.
func WithPreStepCode(code string) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		dispatcher.cfg.PreStepCode = code
	}
}

// WithLockRegistry shares an external lock registry, for deployments running
// several dispatcher instances in one process.
func WithLockRegistry(registry *LockRegistry) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if registry != nil {
			dispatcher.locks = registry
		}
	}
}

// WithMetricsRecorder shares a metrics recorder between engines so one
// reporting task sees both sides.
func WithMetricsRecorder(recorder *MetricsRecorder) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		if recorder != nil {
			dispatcher.recorder = recorder
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *PartitionedDispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}

// BatcherOption mutates batcher configuration at construction.
type BatcherOption func(*AckBatcher)

// WithConsumerBatchSize sets the size flush trigger.
func WithConsumerBatchSize(size int) BatcherOption {
	return func(batcher *AckBatcher) {
		if size > 0 {
			batcher.cfg.BatchSize = size
		}
	}
}

// WithFlushInterval sets the elapsed-time flush trigger.
func WithFlushInterval(interval time.Duration) BatcherOption {
	return func(batcher *AckBatcher) {
		if interval > 0 {
			batcher.cfg.FlushInterval = interval
		}
	}
}

// WithPollTimeout sets the broker poll timeout. Values above one second are
// rejected by normalization; see ConsumerConfig.PollTimeout.
func WithPollTimeout(timeout time.Duration) BatcherOption {
	return func(batcher *AckBatcher) {
		if timeout > 0 {
			batcher.cfg.PollTimeout = timeout
		}
	}
}

// WithShutdownFlushTimeout bounds the final forced flush on shutdown.
func WithShutdownFlushTimeout(timeout time.Duration) BatcherOption {
	return func(batcher *AckBatcher) {
		if timeout > 0 {
			batcher.cfg.ShutdownFlushTimeout = timeout
		}
	}
}

// WithConsumerMetricsRecorder shares a metrics recorder between engines.
func WithConsumerMetricsRecorder(recorder *MetricsRecorder) BatcherOption {
	return func(batcher *AckBatcher) {
		if recorder != nil {
			batcher.recorder = recorder
		}
	}
}

// WithConsumerMeterProvider injects a custom meter provider for batcher
// metrics.
func WithConsumerMeterProvider(provider metric.MeterProvider) BatcherOption {
	return func(batcher *AckBatcher) {
		batcher.cfg.MeterProvider = provider
	}
}
