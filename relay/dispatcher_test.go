//go:build unit

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

type fakeGateway struct {
	mu                sync.Mutex
	pending           []*OutboxRecord
	fetchErr          error
	fetchCalls        int32
	processed         []int64
	processedErr      error
	failed            []int64
	failedCodes       map[int64]string
	failedBatches     [][]int64
	markFailedErr     error
	received          [][]int64
	receivedTimes     []time.Time
	markReceivedErr   error
	markReceivedCalls int32
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{failedCodes: make(map[int64]string)}
}

func (gw *fakeGateway) FetchPending(_ context.Context, limit int) ([]*OutboxRecord, error) {
	atomic.AddInt32(&gw.fetchCalls, 1)

	if gw.fetchErr != nil {
		return nil, gw.fetchErr
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()

	if limit > len(gw.pending) {
		limit = len(gw.pending)
	}

	return append([]*OutboxRecord(nil), gw.pending[:limit]...), nil
}

func (gw *fakeGateway) MarkProcessed(_ context.Context, id int64, _ time.Time) error {
	if gw.processedErr != nil {
		return gw.processedErr
	}

	gw.mu.Lock()
	gw.processed = append(gw.processed, id)
	gw.mu.Unlock()

	return nil
}

func (gw *fakeGateway) MarkFailed(_ context.Context, id int64, errorCode string) error {
	if gw.markFailedErr != nil {
		return gw.markFailedErr
	}

	gw.mu.Lock()
	gw.failed = append(gw.failed, id)
	gw.failedCodes[id] = errorCode
	gw.mu.Unlock()

	return nil
}

func (gw *fakeGateway) MarkFailedBatch(_ context.Context, ids []int64, errorCode string) error {
	if gw.markFailedErr != nil {
		return gw.markFailedErr
	}

	gw.mu.Lock()
	gw.failedBatches = append(gw.failedBatches, append([]int64(nil), ids...))

	for _, id := range ids {
		gw.failed = append(gw.failed, id)
		gw.failedCodes[id] = errorCode
	}
	gw.mu.Unlock()

	return nil
}

func (gw *fakeGateway) MarkReceived(_ context.Context, ids []int64, receivedAt time.Time) error {
	atomic.AddInt32(&gw.markReceivedCalls, 1)

	if gw.markReceivedErr != nil {
		return gw.markReceivedErr
	}

	gw.mu.Lock()
	gw.received = append(gw.received, append([]int64(nil), ids...))
	gw.receivedTimes = append(gw.receivedTimes, receivedAt)
	gw.mu.Unlock()

	return nil
}

func (gw *fakeGateway) processedIDs() []int64 {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	return append([]int64(nil), gw.processed...)
}

func (gw *fakeGateway) failedIDs() []int64 {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	return append([]int64(nil), gw.failed...)
}

func (gw *fakeGateway) receivedBatches() [][]int64 {
	gw.mu.Lock()
	defer gw.mu.Unlock()

	return append([][]int64(nil), gw.received...)
}

type publishedMessage struct {
	key   string
	value []byte
}

type fakeBroker struct {
	mu            sync.Mutex
	published     []publishedMessage
	publishErrFor map[int64]error
	publishErr    error
	failuresLeft  int32
	queue          [][]byte
	pollErr        error
	pollEmptyDelay time.Duration
	pollCalls      atomic.Int32
	closed         atomic.Bool

	concurrentByKey map[string]*atomic.Int32
	maxConcurrent   map[string]int32
	publishDelay    time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		publishErrFor:   make(map[int64]error),
		concurrentByKey: make(map[string]*atomic.Int32),
		maxConcurrent:   make(map[string]int32),
	}
}

func (broker *fakeBroker) Publish(_ context.Context, key string, value []byte) error {
	broker.mu.Lock()

	counter, ok := broker.concurrentByKey[key]
	if !ok {
		counter = &atomic.Int32{}
		broker.concurrentByKey[key] = counter
	}
	broker.mu.Unlock()

	current := counter.Add(1)
	defer counter.Add(-1)

	broker.mu.Lock()
	if current > broker.maxConcurrent[key] {
		broker.maxConcurrent[key] = current
	}
	broker.mu.Unlock()

	if broker.publishDelay > 0 {
		time.Sleep(broker.publishDelay)
	}

	if remaining := atomic.LoadInt32(&broker.failuresLeft); remaining > 0 {
		atomic.AddInt32(&broker.failuresLeft, -1)

		return errors.New("transient publish failure")
	}

	if broker.publishErr != nil {
		return broker.publishErr
	}

	envelope, err := DecodeEnvelope(value)
	if err == nil {
		if perRecordErr, exists := broker.publishErrFor[envelope.ID]; exists {
			return perRecordErr
		}
	}

	broker.mu.Lock()
	broker.published = append(broker.published, publishedMessage{key: key, value: value})
	broker.mu.Unlock()

	return nil
}

func (broker *fakeBroker) Poll(ctx context.Context, _ time.Duration) ([]byte, error) {
	broker.pollCalls.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if broker.pollErr != nil {
		return nil, broker.pollErr
	}

	broker.mu.Lock()

	if len(broker.queue) == 0 {
		broker.mu.Unlock()

		// A real broker blocks for the poll window on a quiet topic.
		if broker.pollEmptyDelay > 0 {
			time.Sleep(broker.pollEmptyDelay)
		}

		return nil, ErrNoMessage
	}

	message := broker.queue[0]
	broker.queue = broker.queue[1:]
	broker.mu.Unlock()

	return message, nil
}

func (broker *fakeBroker) Close() error {
	broker.closed.Store(true)

	return nil
}

func (broker *fakeBroker) publishedKeys() []string {
	broker.mu.Lock()
	defer broker.mu.Unlock()

	keys := make([]string, 0, len(broker.published))
	for _, message := range broker.published {
		keys = append(keys, message.key)
	}

	return keys
}

func (broker *fakeBroker) publishedIDs(t *testing.T) []int64 {
	t.Helper()

	broker.mu.Lock()
	defer broker.mu.Unlock()

	ids := make([]int64, 0, len(broker.published))

	for _, message := range broker.published {
		envelope, err := DecodeEnvelope(message.value)
		require.NoError(t, err)

		ids = append(ids, envelope.ID)
	}

	return ids
}

func testRecord(id int64, key string, rank int64) *OutboxRecord {
	return &OutboxRecord{
		ID:           id,
		PartitionKey: key,
		Code:         "transfer.created",
		Rank:         rank,
		Payload:      []byte(`{"amount":100}`),
	}
}

func newTestDispatcher(t *testing.T, gateway *fakeGateway, broker *fakeBroker, opts ...DispatcherOption) *PartitionedDispatcher {
	t.Helper()

	base := []DispatcherOption{WithPublishMaxAttempts(1), WithPublishBackoff(time.Millisecond)}

	dispatcher, err := NewPartitionedDispatcher(
		gateway,
		broker,
		nil,
		noop.NewTracerProvider().Tracer("test"),
		append(base, opts...)...,
	)
	require.NoError(t, err)

	return dispatcher
}

func TestNewPartitionedDispatcher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPartitionedDispatcher(nil, newFakeBroker(), nil, nil)
	require.ErrorIs(t, err, ErrStorageGatewayRequired)

	_, err = NewPartitionedDispatcher(newFakeGateway(), nil, nil, nil)
	require.ErrorIs(t, err, ErrBrokerClientRequired)
}

func TestDispatchOnce_PublishesInRankOrder(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	// Fetched out of rank order; the group must still dispatch ascending.
	gateway.pending = []*OutboxRecord{
		testRecord(3, "acct-1", 3),
		testRecord(1, "acct-1", 1),
		testRecord(2, "acct-1", 2),
	}

	dispatcher := newTestDispatcher(t, gateway, broker)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 3, result.Fetched)
	require.Equal(t, 3, result.Dispatched)
	require.Zero(t, result.Failed)

	require.Equal(t, []int64{1, 2, 3}, broker.publishedIDs(t))
	require.Equal(t, []int64{1, 2, 3}, gateway.processedIDs())
	require.Equal(t, []string{"acct-1", "acct-1", "acct-1"}, broker.publishedKeys())
}

func TestDispatchOnce_FailureHaltsRemainingRanks(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	gateway.pending = []*OutboxRecord{
		testRecord(1, "acct-1", 1),
		testRecord(2, "acct-1", 2),
		testRecord(3, "acct-1", 3),
	}
	broker.publishErrFor[2] = errors.New("broker rejected")

	dispatcher := newTestDispatcher(t, gateway, broker)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 1, result.Dispatched)
	require.Equal(t, 2, result.Failed)

	// Rank 1 made it; ranks 2 and 3 failed with the same code, and rank 3
	// was never offered to the broker.
	require.Equal(t, []int64{1}, broker.publishedIDs(t))
	require.Equal(t, []int64{1}, gateway.processedIDs())
	require.ElementsMatch(t, []int64{2, 3}, gateway.failedIDs())
	require.Equal(t, gateway.failedCodes[2], gateway.failedCodes[3])
	require.Contains(t, gateway.failedCodes[2], "broker rejected")
	require.Equal(t, [][]int64{{3}}, gateway.failedBatches)
}

func TestDispatchOnce_FailureInOneKeyDoesNotAffectOthers(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	gateway.pending = []*OutboxRecord{
		testRecord(1, "acct-1", 1),
		testRecord(2, "acct-2", 1),
		testRecord(3, "acct-2", 2),
	}
	broker.publishErrFor[1] = errors.New("broker rejected")

	dispatcher := newTestDispatcher(t, gateway, broker)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 2, result.Dispatched)
	require.Equal(t, 1, result.Failed)
	require.ElementsMatch(t, []int64{2, 3}, broker.publishedIDs(t))
	require.Equal(t, []int64{1}, gateway.failedIDs())
}

func TestDispatchOnce_PublishRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	gateway.pending = []*OutboxRecord{testRecord(1, "acct-1", 1)}
	broker.failuresLeft = 2

	dispatcher := newTestDispatcher(t, gateway, broker, WithPublishMaxAttempts(3))

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 1, result.Dispatched)
	require.Zero(t, result.Failed)
	require.Equal(t, []int64{1}, gateway.processedIDs())
}

func TestDispatchOnce_PreStepCompletesRecordWithoutPublish(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	special := testRecord(1, "acct-1", 1)
	special.Code = "balance.check"
	gateway.pending = []*OutboxRecord{special, testRecord(2, "acct-1", 2)}

	var preStepRan atomic.Bool

	dispatcher := newTestDispatcher(t, gateway, broker,
		WithPreStepCode("balance.check"),
		WithPreStep(func(_ context.Context, record *OutboxRecord) error {
			preStepRan.Store(true)
			require.Equal(t, int64(1), record.ID)

			return nil
		}),
	)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 2, result.Dispatched)
	require.True(t, preStepRan.Load())

	// The special record completes through the pre-step alone; only the
	// normal record reaches the broker.
	require.Equal(t, []int64{2}, broker.publishedIDs(t))
	require.Equal(t, []int64{1, 2}, gateway.processedIDs())
}

func TestDispatchOnce_PreStepFailureFailsWholeKeyBatch(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	special := testRecord(1, "acct-1", 1)
	special.Code = "balance.check"
	gateway.pending = []*OutboxRecord{special, testRecord(2, "acct-1", 2), testRecord(3, "acct-1", 3)}

	dispatcher := newTestDispatcher(t, gateway, broker,
		WithPreStepCode("balance.check"),
		WithPreStep(func(context.Context, *OutboxRecord) error {
			return errors.New("precondition not met")
		}),
	)

	result := dispatcher.DispatchOnce(context.Background())
	require.Zero(t, result.Dispatched)
	require.Equal(t, 3, result.Failed)
	require.Empty(t, broker.publishedIDs(t))
	require.ElementsMatch(t, []int64{1, 2, 3}, gateway.failedIDs())
}

func TestDispatchOnce_PreStepPanicIsContained(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	special := testRecord(1, "acct-1", 1)
	special.Code = "balance.check"
	gateway.pending = []*OutboxRecord{special, testRecord(2, "acct-2", 1)}

	dispatcher := newTestDispatcher(t, gateway, broker,
		WithPreStepCode("balance.check"),
		WithPreStep(func(context.Context, *OutboxRecord) error {
			panic("pre-step exploded")
		}),
	)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 1, result.Dispatched)
	require.Equal(t, 1, result.Failed)

	// The sibling key dispatched normally; the panicking key's record failed
	// with the panic captured as its error code.
	require.Equal(t, []int64{2}, broker.publishedIDs(t))
	require.Equal(t, []int64{1}, gateway.failedIDs())
	require.Contains(t, gateway.failedCodes[1], "pre-step exploded")
}

func TestDispatchOnce_SameKeyNeverDispatchesConcurrently(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()
	broker.publishDelay = 2 * time.Millisecond

	gateway.pending = []*OutboxRecord{
		testRecord(1, "acct-1", 1),
		testRecord(2, "acct-1", 2),
		testRecord(3, "acct-2", 1),
	}

	dispatcher := newTestDispatcher(t, gateway, broker, WithMaxParallelGroups(4))

	// Two overlapping cycles race on the same keys; the lock registry must
	// keep each key's dispatch loop exclusive.
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			dispatcher.DispatchOnce(context.Background())
		}()
	}

	wg.Wait()

	broker.mu.Lock()
	defer broker.mu.Unlock()

	for key, peak := range broker.maxConcurrent {
		require.LessOrEqual(t, peak, int32(1), "key %s dispatched concurrently", key)
	}
}

func TestDispatchOnce_StopsStartingNewRecordsOnCancellation(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	gateway.pending = []*OutboxRecord{
		testRecord(1, "acct-1", 1),
		testRecord(2, "acct-1", 2),
	}

	ctx, cancel := context.WithCancel(context.Background())

	dispatcher := newTestDispatcher(t, gateway, broker)

	// The first publish triggers cancellation; the current record still
	// completes, the next one must not start.
	dispatcher.broker = &cancelAfterFirstBroker{inner: broker, cancel: cancel}

	result := dispatcher.DispatchOnce(ctx)
	require.Equal(t, 1, result.Dispatched)
	require.Zero(t, result.Failed)

	// The second record neither published nor failed; it stays pending for
	// the next process lifetime.
	require.Equal(t, []int64{1}, gateway.processedIDs())
	require.Empty(t, gateway.failedIDs())
}

type cancelAfterFirstBroker struct {
	inner  *fakeBroker
	cancel context.CancelFunc
	calls  atomic.Int32
}

func (broker *cancelAfterFirstBroker) Publish(ctx context.Context, key string, value []byte) error {
	if broker.calls.Add(1) == 1 {
		defer broker.cancel()
	}

	return broker.inner.Publish(ctx, key, value)
}

func (broker *cancelAfterFirstBroker) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return broker.inner.Poll(ctx, timeout)
}

func (broker *cancelAfterFirstBroker) Close() error { return broker.inner.Close() }

func TestDispatchOnce_FetchErrorReturnsEmptyResult(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.fetchErr = errors.New("connection refused")

	dispatcher := newTestDispatcher(t, gateway, newFakeBroker(), WithFetchFailureThreshold(2))

	for i := 0; i < 3; i++ {
		result := dispatcher.DispatchOnce(context.Background())
		require.Equal(t, CycleResult{}, result)
	}

	// Recovery resets the consecutive failure counter.
	gateway.fetchErr = nil
	dispatcher.DispatchOnce(context.Background())
	require.Zero(t, dispatcher.fetchFailures.Load())
}

func TestDispatchOnce_StateUpdateFailureDoesNotHaltKey(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.processedErr = errors.New("db write failed")
	broker := newFakeBroker()

	gateway.pending = []*OutboxRecord{
		testRecord(1, "acct-1", 1),
		testRecord(2, "acct-1", 2),
	}

	dispatcher := newTestDispatcher(t, gateway, broker)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 2, result.Dispatched)
	require.Equal(t, 2, result.StateUpdateFailed)
	require.Zero(t, result.Failed)
	require.Equal(t, []int64{1, 2}, broker.publishedIDs(t))
	require.Empty(t, gateway.failedIDs())
}

func TestDispatcher_WakeNeverBlocks(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeGateway(), newFakeBroker())

	// Redundant triggers coalesce into the single pending slot.
	for i := 0; i < 100; i++ {
		dispatcher.Wake()
	}

	require.Len(t, dispatcher.wake, 1)
}

func TestDispatcher_WakeTriggersImmediateCycle(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	broker := newFakeBroker()

	dispatcher := newTestDispatcher(t, gateway, broker, WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(ctx)
	}()

	// Wait for the startup cycle, then confirm a wake forces another one long
	// before the hour-long poll interval elapses.
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gateway.fetchCalls) >= 1
	}, time.Second, time.Millisecond)

	dispatcher.Wake()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gateway.fetchCalls) >= 2
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_RunRejectsSecondConcurrentRun(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeGateway(), newFakeBroker(), WithPollInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		dispatcher.runStateMu.Lock()
		defer dispatcher.runStateMu.Unlock()

		return dispatcher.running
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, dispatcher.Run(ctx), ErrDispatcherRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestDispatcher_StatsReportsTrackedLocks(t *testing.T) {
	t.Parallel()

	gateway := newFakeGateway()
	gateway.pending = []*OutboxRecord{testRecord(1, "acct-1", 1)}

	dispatcher := newTestDispatcher(t, gateway, newFakeBroker())
	dispatcher.DispatchOnce(context.Background())

	stats := dispatcher.Stats()
	require.Zero(t, stats.InFlightGroups)
	require.Equal(t, 1, stats.TrackedLocks)
}

func TestGroupByPartitionKey_SortsByRankAndSkipsNil(t *testing.T) {
	t.Parallel()

	groups := groupByPartitionKey([]*OutboxRecord{
		testRecord(2, "a", 5),
		nil,
		testRecord(1, "a", 1),
		testRecord(3, "b", 7),
	})

	require.Len(t, groups, 2)
	require.Equal(t, []int64{1, 2}, collectRecordIDs(groups["a"]))
	require.Equal(t, []int64{3}, collectRecordIDs(groups["b"]))
}
