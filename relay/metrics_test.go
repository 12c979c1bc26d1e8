//go:build unit

package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestMetricsRecorder_SnapshotResetsCountersButNotPeak(t *testing.T) {
	t.Parallel()

	recorder := NewMetricsRecorder()
	recorder.AddFetched(10)
	recorder.AddDispatched(8)
	recorder.AddAcknowledged(6)
	recorder.AddFailed(2)
	recorder.SampleMemory()

	first := recorder.Snapshot()
	require.Equal(t, int64(10), first.Fetched)
	require.Equal(t, int64(8), first.Dispatched)
	require.Equal(t, int64(6), first.Acknowledged)
	require.Equal(t, int64(2), first.Failed)
	require.Positive(t, first.PeakHeapBytes)

	second := recorder.Snapshot()
	require.Zero(t, second.Fetched)
	require.Zero(t, second.Dispatched)
	require.Zero(t, second.Acknowledged)
	require.Zero(t, second.Failed)

	// The peak heap gauge survives window resets for the life of the process.
	require.Equal(t, first.PeakHeapBytes, second.PeakHeapBytes)
}

func TestMetricsRecorder_IgnoresNonPositiveIncrements(t *testing.T) {
	t.Parallel()

	recorder := NewMetricsRecorder()
	recorder.AddFetched(0)
	recorder.AddDispatched(-5)
	recorder.AddAcknowledged(-1)
	recorder.AddFailed(0)

	snapshot := recorder.Snapshot()
	require.Equal(t, MetricsSnapshot{PeakHeapBytes: snapshot.PeakHeapBytes}, snapshot)
}

func TestMetricsRecorder_NilReceiverIsSafe(t *testing.T) {
	t.Parallel()

	var recorder *MetricsRecorder

	require.NotPanics(t, func() {
		recorder.AddFetched(1)
		recorder.SampleMemory()
		_ = recorder.Snapshot()
	})
}

func TestMetricsRecorder_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	recorder := NewMetricsRecorder()

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for j := 0; j < 100; j++ {
				recorder.AddDispatched(1)
			}
		}()
	}

	wg.Wait()

	require.Equal(t, int64(1000), recorder.Snapshot().Dispatched)
}

func TestNewEngineMetrics_CreatesAllInstruments(t *testing.T) {
	t.Parallel()

	provider := sdkmetric.NewMeterProvider()
	t.Cleanup(func() {
		_ = provider.Shutdown(t.Context())
	})

	metrics, err := newEngineMetrics(provider)
	require.NoError(t, err)
	require.NotNil(t, metrics.recordsFetched)
	require.NotNil(t, metrics.recordsDispatched)
	require.NotNil(t, metrics.recordsAcknowledged)
	require.NotNil(t, metrics.recordsFailed)
	require.NotNil(t, metrics.cycleLatency)
	require.NotNil(t, metrics.queueDepth)
	require.NotNil(t, metrics.trackedLocks)
}

func TestThroughput(t *testing.T) {
	t.Parallel()

	require.Zero(t, throughput(100, 0))
	require.InDelta(t, 10.0, throughput(100, 10*time.Second), 0.001)
	require.InDelta(t, 0.5, throughput(5, 10*time.Second), 0.001)
}
