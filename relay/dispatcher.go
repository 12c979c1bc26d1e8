package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-outbox-relay/relay/backoff"
	"github.com/LerianStudio/lib-outbox-relay/relay/log"
	"github.com/LerianStudio/lib-outbox-relay/relay/runtime"
)

// PreStepFunc performs the synchronous special action required before normal
// dispatch for a sentinel-coded record. It must block until the action's own
// completion or delivery confirmation; returning nil means the record is
// done and the key's normal dispatch may resume.
type PreStepFunc func(ctx context.Context, record *OutboxRecord) error

// CycleResult captures one dispatch cycle outcome.
type CycleResult struct {
	Fetched           int
	Dispatched        int
	Failed            int
	StateUpdateFailed int
}

// DispatcherStats is a point-in-time view for external control endpoints.
type DispatcherStats struct {
	InFlightGroups int
	TrackedLocks   int
}

// PartitionedDispatcher is the producer engine: it polls pending outbox
// records, groups them by partition key, and runs bounded-parallel per-key
// dispatch loops that preserve intra-key rank order.
type PartitionedDispatcher struct {
	gateway  StorageGateway
	broker   BrokerClient
	locks    *LockRegistry
	recorder *MetricsRecorder
	preStep  PreStepFunc
	logger   log.Logger
	tracer   trace.Tracer
	cfg      ProducerConfig

	wake          chan struct{}
	inFlight      atomic.Int64
	fetchFailures atomic.Int32

	runStateMu sync.Mutex
	running    bool

	metrics engineMetrics
}

// NewPartitionedDispatcher creates the producer engine.
func NewPartitionedDispatcher(
	gateway StorageGateway,
	broker BrokerClient,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*PartitionedDispatcher, error) {
	if gateway == nil {
		return nil, ErrStorageGatewayRequired
	}

	if broker == nil {
		return nil, ErrBrokerClientRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("relay.noop")
	}

	dispatcher := &PartitionedDispatcher{
		gateway: gateway,
		broker:  broker,
		logger:  logger,
		tracer:  tracer,
		cfg:     DefaultProducerConfig(),
		wake:    make(chan struct{}, 1),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.locks == nil {
		dispatcher.locks = NewLockRegistry()
	}

	if dispatcher.recorder == nil {
		dispatcher.recorder = NewMetricsRecorder()
	}

	metrics, err := newEngineMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run executes the poll/dispatch loop until ctx is cancelled. A cancellation
// lets the in-flight per-key batches finish their current record, then
// returns nil.
func (dispatcher *PartitionedDispatcher) Run(ctx context.Context) error {
	if dispatcher == nil || dispatcher.gateway == nil || dispatcher.broker == nil {
		return ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !dispatcher.registerRun() {
		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "relay", "dispatcher_run")

	dispatcher.logger.Log(ctx, log.LevelInfo, "partitioned dispatcher started",
		log.Int("batch_size", dispatcher.cfg.BatchSize),
		log.Int("max_parallel_groups", dispatcher.cfg.MaxParallelGroups),
		log.Duration("poll_interval", dispatcher.cfg.PollInterval),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "partitioned dispatcher stopped")

	runtime.SafeGo(ctx, dispatcher.logger, "relay", "lock_sweeper", func() {
		dispatcher.sweepLocks(ctx)
	})

	ticker := time.NewTicker(dispatcher.cfg.PollInterval)
	defer ticker.Stop()

	dispatcher.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dispatcher.cycle(ctx)
		case <-dispatcher.wake:
			dispatcher.cycle(ctx)
		}
	}
}

// Wake requests an immediate dispatch cycle, bypassing the poll timer. The
// signal slot holds a single pending request, so redundant triggers coalesce
// and Wake never blocks.
func (dispatcher *PartitionedDispatcher) Wake() {
	if dispatcher == nil {
		return
	}

	select {
	case dispatcher.wake <- struct{}{}:
	default:
	}
}

// Stats reports in-flight group and tracked lock counts for external control
// endpoints.
func (dispatcher *PartitionedDispatcher) Stats() DispatcherStats {
	if dispatcher == nil {
		return DispatcherStats{}
	}

	return DispatcherStats{
		InFlightGroups: int(dispatcher.inFlight.Load()),
		TrackedLocks:   dispatcher.locks.Len(),
	}
}

// Recorder exposes the windowed metrics recorder for the reporting task.
func (dispatcher *PartitionedDispatcher) Recorder() *MetricsRecorder {
	if dispatcher == nil {
		return nil
	}

	return dispatcher.recorder
}

// Locks exposes the partition lock registry for external stats queries.
func (dispatcher *PartitionedDispatcher) Locks() *LockRegistry {
	if dispatcher == nil {
		return nil
	}

	return dispatcher.locks
}

func (dispatcher *PartitionedDispatcher) cycle(ctx context.Context) {
	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "relay", "dispatch_cycle")

	if ctx.Err() != nil {
		return
	}

	dispatcher.DispatchOnce(ctx)
}

// DispatchOnce runs a single fetch/group/dispatch cycle and returns its
// counters. External trigger collaborators may call it directly; Run calls
// it on every tick and wake signal.
func (dispatcher *PartitionedDispatcher) DispatchOnce(ctx context.Context) CycleResult {
	if dispatcher == nil || dispatcher.gateway == nil || dispatcher.broker == nil {
		return CycleResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "relay.dispatch_cycle")
	defer span.End()

	records, err := dispatcher.gateway.FetchPending(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		dispatcher.handleFetchError(ctx, err)

		return CycleResult{}
	}

	dispatcher.fetchFailures.Store(0)

	if len(records) == 0 {
		return CycleResult{}
	}

	groups := groupByPartitionKey(records)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total groupResult
	)

	sem := make(chan struct{}, dispatcher.cfg.MaxParallelGroups)

	for key, group := range groups {
		wg.Add(1)
		sem <- struct{}{}

		go func(key string, group []*OutboxRecord) {
			defer wg.Done()
			defer func() { <-sem }()

			result := dispatcher.dispatchGroup(ctx, key, group)

			mu.Lock()
			total.add(result)
			mu.Unlock()
		}(key, group)
	}

	wg.Wait()

	dispatcher.recorder.AddFetched(int64(len(records)))
	dispatcher.recorder.AddDispatched(int64(total.dispatched))
	dispatcher.recorder.AddFailed(int64(total.failed))

	dispatcher.metrics.recordsFetched.Add(ctx, int64(len(records)))
	dispatcher.metrics.recordsDispatched.Add(ctx, int64(total.dispatched))
	dispatcher.metrics.recordsFailed.Add(ctx, int64(total.failed))
	dispatcher.metrics.queueDepth.Record(ctx, int64(len(records)))
	dispatcher.metrics.trackedLocks.Record(ctx, int64(dispatcher.locks.Len()))
	dispatcher.metrics.cycleLatency.Record(ctx, time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int("relay.cycle.fetched", len(records)),
		attribute.Int("relay.cycle.dispatched", total.dispatched),
		attribute.Int("relay.cycle.failed", total.failed),
		attribute.Int("relay.cycle.state_update_failed", total.stateUpdateFailed),
	)

	return CycleResult{
		Fetched:           len(records),
		Dispatched:        total.dispatched,
		Failed:            total.failed,
		StateUpdateFailed: total.stateUpdateFailed,
	}
}

type groupResult struct {
	dispatched        int
	failed            int
	stateUpdateFailed int
}

func (result *groupResult) add(other groupResult) {
	result.dispatched += other.dispatched
	result.failed += other.failed
	result.stateUpdateFailed += other.stateUpdateFailed
}

// dispatchGroup delivers one partition key's records in ascending rank order
// while holding the key's exclusive lock. A panic inside the group is caught
// at this boundary and converted into a dispatch failure for the key; sibling
// groups and the dispatcher loop are unaffected.
func (dispatcher *PartitionedDispatcher) dispatchGroup(
	ctx context.Context,
	key string,
	records []*OutboxRecord,
) (result groupResult) {
	dispatcher.inFlight.Add(1)
	defer dispatcher.inFlight.Add(-1)

	dispatcher.locks.Acquire(key)
	defer dispatcher.locks.Release(key)

	next := 0

	defer func() {
		if recovered := recover(); recovered != nil {
			err := runtime.Recovered(recovered)

			dispatcher.logger.Log(ctx, log.LevelError, "dispatch group panicked",
				log.String("partition_key", key),
				log.Err(err),
			)

			result.failed += dispatcher.failRemaining(ctx, key, records[next:], err)
		}
	}()

	for next < len(records) && dispatcher.isPreStep(records[next]) {
		record := records[next]

		if err := dispatcher.runPreStep(ctx, record); err != nil {
			dispatcher.logger.Log(ctx, log.LevelWarn, "pre-step failed; abandoning key batch",
				log.String("partition_key", key),
				log.Int64("record_id", record.ID),
				log.String("error", sanitizeErrorCode(err)),
			)

			failed := dispatcher.failRemaining(ctx, key, records[next:], err)
			next = len(records)
			result.failed += failed

			return result
		}

		// The pre-step awaited its own completion confirmation; the record
		// is done without a broker publish.
		next++
		result.dispatched++

		if err := dispatcher.gateway.MarkProcessed(ctx, record.ID, time.Now().UTC()); err != nil {
			dispatcher.logStateUpdateFailure(ctx, record, err)

			result.stateUpdateFailed++
		}
	}

	for next < len(records) {
		// Shutdown lets the current record finish but starts no new one.
		if ctx.Err() != nil {
			break
		}

		record := records[next]

		data, err := EncodeEnvelope(record)
		if err == nil {
			err = dispatcher.publishWithRetry(ctx, record.PartitionKey, data)
		}

		if err != nil {
			failed := dispatcher.failRemaining(ctx, key, records[next:], err)
			next = len(records)
			result.failed += failed

			return result
		}

		next++
		result.dispatched++

		if err := dispatcher.gateway.MarkProcessed(ctx, record.ID, time.Now().UTC()); err != nil {
			dispatcher.logStateUpdateFailure(ctx, record, err)

			result.stateUpdateFailed++
		}
	}

	return result
}

func (dispatcher *PartitionedDispatcher) isPreStep(record *OutboxRecord) bool {
	return dispatcher.preStep != nil && record != nil && record.Code == dispatcher.cfg.PreStepCode
}

func (dispatcher *PartitionedDispatcher) runPreStep(ctx context.Context, record *OutboxRecord) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = runtime.Recovered(recovered)
		}
	}()

	return dispatcher.preStep(ctx, record)
}

// failRemaining marks the failing record and every later rank of the key as
// failed in storage, preserving the no-reorder invariant, and returns the
// number of records failed.
func (dispatcher *PartitionedDispatcher) failRemaining(
	ctx context.Context,
	key string,
	remaining []*OutboxRecord,
	cause error,
) int {
	if len(remaining) == 0 {
		return 0
	}

	code := sanitizeErrorCode(cause)

	dispatcher.logger.Log(ctx, log.LevelWarn, "dispatch halted for partition key",
		log.String("partition_key", key),
		log.Int64("rank", remaining[0].Rank),
		log.Int("records_failed", len(remaining)),
		log.String("error", code),
	)

	if err := dispatcher.gateway.MarkFailed(ctx, remaining[0].ID, code); err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to mark record failed", err,
			log.Int64("record_id", remaining[0].ID))
	}

	if len(remaining) > 1 {
		if err := dispatcher.gateway.MarkFailedBatch(ctx, collectRecordIDs(remaining[1:]), code); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to mark record batch failed", err,
				log.String("partition_key", key))
		}
	}

	return len(remaining)
}

func (dispatcher *PartitionedDispatcher) publishWithRetry(ctx context.Context, key string, value []byte) error {
	maxAttempts := dispatcher.cfg.PublishMaxAttempts

	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := dispatcher.broker.Publish(ctx, key, value)
		if err == nil {
			return nil
		}

		lastErr = fmt.Errorf("publish attempt %d/%d failed: %w", attempt+1, maxAttempts, err)
		if attempt == maxAttempts-1 {
			break
		}

		delay := backoff.ExponentialWithJitter(dispatcher.cfg.PublishBackoff, attempt)
		if waitErr := backoff.SleepWithContext(ctx, delay); waitErr != nil {
			lastErr = fmt.Errorf("publish retry wait interrupted: %w", waitErr)

			break
		}
	}

	return lastErr
}

func (dispatcher *PartitionedDispatcher) logStateUpdateFailure(ctx context.Context, record *OutboxRecord, err error) {
	dispatcher.logger.Log(ctx, log.LevelError,
		"record delivered to broker but failed to persist processed state; it may be redelivered",
		log.Int64("record_id", record.ID),
		log.String("partition_key", record.PartitionKey),
		log.String("error", sanitizeErrorCode(err)),
	)
}

// handleFetchError logs transient storage errors and escalates to error level
// once consecutive failures reach the configured threshold. The loop itself
// never dies on a fetch error; the next poll retries.
func (dispatcher *PartitionedDispatcher) handleFetchError(ctx context.Context, err error) {
	failures := dispatcher.fetchFailures.Add(1)

	if int(failures) >= dispatcher.cfg.FetchFailureThreshold {
		dispatcher.logger.Log(ctx, log.LevelError, "pending fetch failures exceeded threshold",
			log.Int("count", int(failures)),
			log.String("error", sanitizeErrorCode(err)),
		)

		return
	}

	log.SafeError(dispatcher.logger, ctx, "failed to fetch pending records", err)
}

func (dispatcher *PartitionedDispatcher) sweepLocks(ctx context.Context) {
	ticker := time.NewTicker(dispatcher.cfg.LockSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := dispatcher.locks.EvictIdle(dispatcher.cfg.LockIdleWindow); evicted > 0 {
				dispatcher.logger.Log(ctx, log.LevelDebug, "evicted idle partition locks",
					log.Int("evicted", evicted),
					log.Int("tracked", dispatcher.locks.Len()),
				)
			}
		}
	}
}

func (dispatcher *PartitionedDispatcher) registerRun() bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true

	return true
}

func (dispatcher *PartitionedDispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
}

// groupByPartitionKey splits a fetched batch into per-key groups, each sorted
// by ascending rank.
func groupByPartitionKey(records []*OutboxRecord) map[string][]*OutboxRecord {
	groups := make(map[string][]*OutboxRecord)

	for _, record := range records {
		if record == nil {
			continue
		}

		groups[record.PartitionKey] = append(groups[record.PartitionKey], record)
	}

	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			return group[i].Rank < group[j].Rank
		})
	}

	return groups
}

func collectRecordIDs(records []*OutboxRecord) []int64 {
	ids := make([]int64, 0, len(records))

	for _, record := range records {
		if record == nil {
			continue
		}

		ids = append(ids, record.ID)
	}

	return ids
}
