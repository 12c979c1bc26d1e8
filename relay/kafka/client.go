package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-outbox-relay/relay"
	"github.com/LerianStudio/lib-outbox-relay/relay/log"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const (
	defaultWriterPoolSize = 4
	defaultBatchTimeout   = 10 * time.Millisecond

	correlationIDHeader = "correlation-id"
)

var (
	ErrBrokersRequired = errors.New("at least one broker address is required")
	ErrTopicRequired   = errors.New("topic is required")
	ErrGroupIDRequired = errors.New("consumer group id is required")
	ErrClientClosed    = errors.New("kafka client is closed")
)

// Config holds the connection settings for the relay's Kafka transport.
type Config struct {
	Brokers []string
	Topic   string
	// GroupID names the consumer group used by Poll. Required only when
	// the client serves an acknowledgement consumer.
	GroupID string
	// WriterPoolSize is the number of writers Publish round-robins over.
	WriterPoolSize int
	BatchTimeout   time.Duration
}

func (cfg *Config) normalize() {
	if cfg.WriterPoolSize <= 0 {
		cfg.WriterPoolSize = defaultWriterPoolSize
	}

	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
}

// Option mutates client configuration at construction.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger log.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// Client is the relay's Kafka transport. Publish routes every message by
// its partition key through a hash balancer, so records that share a key
// always land on the same topic partition and keep their relative order.
// Poll reads acknowledgement traffic through a consumer group reader.
type Client struct {
	cfg    Config
	logger log.Logger

	writers []*kafka.Writer
	next    atomic.Uint64

	readerMu sync.Mutex
	reader   *kafka.Reader

	closed atomic.Bool
}

var _ relay.BrokerClient = (*Client)(nil)

// NewClient creates a Kafka client for the given configuration.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrBrokersRequired
	}

	if cfg.Topic == "" {
		return nil, ErrTopicRequired
	}

	cfg.normalize()

	client := &Client{
		cfg:    cfg,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	client.writers = make([]*kafka.Writer, cfg.WriterPoolSize)
	for i := range client.writers {
		client.writers[i] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: cfg.BatchTimeout,
		}
	}

	return client, nil
}

// Publish sends one envelope keyed by partition key and waits for the
// broker acknowledgement. A nil error means the broker accepted the
// message with the configured acks.
func (client *Client) Publish(ctx context.Context, partitionKey string, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if client.closed.Load() {
		return ErrClientClosed
	}

	if len(payload) == 0 {
		return relay.ErrPayloadRequired
	}

	message := kafka.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: []kafka.Header{
			{Key: correlationIDHeader, Value: []byte(uuid.New().String())},
		},
	}

	writer := client.writers[client.next.Add(1)%uint64(len(client.writers))]

	if err := writer.WriteMessages(ctx, message); err != nil {
		return fmt.Errorf("publishing to topic %s: %w", client.cfg.Topic, err)
	}

	return nil
}

// Poll returns the next available message payload, waiting at most timeout.
// It returns relay.ErrNoMessage when nothing arrives within the window.
func (client *Client) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if client.closed.Load() {
		return nil, ErrClientClosed
	}

	reader, err := client.getReader()
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	message, err := reader.ReadMessage(pollCtx)
	if err != nil {
		// The poll window expiring is the quiet-topic case, not a
		// failure. Parent cancellation is reported as is.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, relay.ErrNoMessage
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("reading from topic %s: %w", client.cfg.Topic, err)
	}

	return message.Value, nil
}

// getReader lazily creates the consumer group reader on first Poll.
func (client *Client) getReader() (*kafka.Reader, error) {
	client.readerMu.Lock()
	defer client.readerMu.Unlock()

	if client.reader != nil {
		return client.reader, nil
	}

	if client.cfg.GroupID == "" {
		return nil, ErrGroupIDRequired
	}

	client.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: client.cfg.Brokers,
		Topic:   client.cfg.Topic,
		GroupID: client.cfg.GroupID,
	})

	return client.reader, nil
}

// Close releases all writers and the reader. Further calls are no-ops.
func (client *Client) Close() error {
	if !client.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error

	for _, writer := range client.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	client.readerMu.Lock()
	if client.reader != nil {
		if err := client.reader.Close(); err != nil {
			errs = append(errs, err)
		}

		client.reader = nil
	}
	client.readerMu.Unlock()

	return errors.Join(errs...)
}
