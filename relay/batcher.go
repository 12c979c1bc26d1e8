package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/LerianStudio/lib-outbox-relay/relay/backoff"
	"github.com/LerianStudio/lib-outbox-relay/relay/log"
	"github.com/LerianStudio/lib-outbox-relay/relay/runtime"
)

// AckBatcher is the consumer engine: it reads delivery messages from the
// broker and reconciles them back into storage through time/size bounded
// bulk updates that keep row locks in the single-digit-millisecond range.
//
// The buffer of pending acknowledgements is owned exclusively by the
// batcher goroutine; no other code touches it.
type AckBatcher struct {
	gateway  StorageGateway
	broker   BrokerClient
	recorder *MetricsRecorder
	logger   log.Logger
	tracer   trace.Tracer
	cfg      ConsumerConfig

	runStateMu sync.Mutex
	running    bool

	metrics engineMetrics
}

// NewAckBatcher creates the consumer engine.
func NewAckBatcher(
	gateway StorageGateway,
	broker BrokerClient,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...BatcherOption,
) (*AckBatcher, error) {
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

	batcher := &AckBatcher{
		gateway: gateway,
		broker:  broker,
		logger:  logger,
		tracer:  tracer,
		cfg:     DefaultConsumerConfig(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(batcher)
		}
	}

	batcher.cfg.normalize()

	if batcher.recorder == nil {
		batcher.recorder = NewMetricsRecorder()
	}

	metrics, err := newEngineMetrics(batcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init batcher metrics: %w", err)
	}

	batcher.metrics = metrics

	return batcher, nil
}

// Recorder exposes the windowed metrics recorder for the reporting task.
func (batcher *AckBatcher) Recorder() *MetricsRecorder {
	if batcher == nil {
		return nil
	}

	return batcher.recorder
}

// Run consumes delivery messages until ctx is cancelled. Cancellation forces
// one final flush of any buffered acknowledgements before Run returns.
func (batcher *AckBatcher) Run(ctx context.Context) error {
	if batcher == nil || batcher.gateway == nil || batcher.broker == nil {
		return ErrBatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !batcher.registerRun() {
		return ErrBatcherRunning
	}

	defer batcher.clearRun()

	defer runtime.RecoverAndLog(ctx, batcher.logger, "relay", "batcher_run")

	batcher.logger.Log(ctx, log.LevelInfo, "ack batcher started",
		log.Int("batch_size", batcher.cfg.BatchSize),
		log.Duration("flush_interval", batcher.cfg.FlushInterval),
		log.Duration("poll_timeout", batcher.cfg.PollTimeout),
	)
	defer batcher.logger.Log(context.Background(), log.LevelInfo, "ack batcher stopped")

	// Buffer capacity equals the size trigger, so memory stays bounded: the
	// flush fires before the buffer can grow past it.
	buffer := make([]int64, 0, batcher.cfg.BatchSize)
	lastFlush := time.Now()

	for {
		if ctx.Err() != nil {
			batcher.finalFlush(buffer)

			return nil
		}

		payload, err := batcher.broker.Poll(ctx, batcher.cfg.PollTimeout)

		switch {
		case err == nil:
			envelope, decodeErr := DecodeEnvelope(payload)
			if decodeErr != nil {
				log.SafeError(batcher.logger, ctx, "dropping undecodable delivery message", decodeErr)
			} else {
				buffer = append(buffer, envelope.ID)
			}
		case errors.Is(err, ErrNoMessage):
			// Empty arrival: fall through to the flush clock.
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Shutdown in progress; the top of the loop forces the final flush.
			continue
		default:
			log.SafeError(batcher.logger, ctx, "broker poll failed", err)

			// A broker that fails instantly must not spin the loop.
			_ = backoff.SleepWithContext(ctx, batcher.cfg.PollTimeout)
		}

		if len(buffer) >= batcher.cfg.BatchSize {
			buffer = batcher.flush(ctx, buffer)
			lastFlush = time.Now()

			continue
		}

		if len(buffer) > 0 && time.Since(lastFlush) >= batcher.cfg.FlushInterval {
			buffer = batcher.flush(ctx, buffer)
			lastFlush = time.Now()
		}
	}
}

// flush applies the buffered acknowledgements in one bulk update with a
// single flush-time timestamp. The buffer is cleared and the flush clock
// reset regardless of outcome: a storage error drops the batch (logged)
// rather than retrying indefinitely, bounding memory during storage outages.
func (batcher *AckBatcher) flush(ctx context.Context, buffer []int64) []int64 {
	if len(buffer) == 0 {
		return buffer
	}

	start := time.Now()

	flushCtx, span := batcher.tracer.Start(ctx, "relay.ack_flush")
	defer span.End()

	span.SetAttributes(attribute.Int("relay.flush.size", len(buffer)))

	err := batcher.gateway.MarkReceived(flushCtx, buffer, time.Now().UTC())
	if err != nil {
		batcher.logger.Log(flushCtx, log.LevelError, "acknowledgement flush failed; batch dropped",
			log.Int("dropped", len(buffer)),
			log.String("error", sanitizeErrorCode(err)),
		)
	} else {
		batcher.recorder.AddAcknowledged(int64(len(buffer)))
		batcher.metrics.recordsAcknowledged.Add(flushCtx, int64(len(buffer)))
		batcher.metrics.cycleLatency.Record(flushCtx, time.Since(start).Seconds())
	}

	return buffer[:0]
}

// finalFlush runs the forced shutdown flush on a fresh bounded context, since
// the loop context is already cancelled by the time it runs.
func (batcher *AckBatcher) finalFlush(buffer []int64) {
	if len(buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), batcher.cfg.ShutdownFlushTimeout)
	defer cancel()

	batcher.logger.Log(ctx, log.LevelInfo, "flushing buffered acknowledgements before shutdown",
		log.Int("buffered", len(buffer)),
	)

	batcher.flush(ctx, buffer)
}

func (batcher *AckBatcher) registerRun() bool {
	batcher.runStateMu.Lock()
	defer batcher.runStateMu.Unlock()

	if batcher.running {
		return false
	}

	batcher.running = true

	return true
}

func (batcher *AckBatcher) clearRun() {
	batcher.runStateMu.Lock()
	defer batcher.runStateMu.Unlock()

	batcher.running = false
}
