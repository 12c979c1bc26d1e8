package relay

import (
	"context"
	"time"
)

// StorageGateway abstracts the relational reads and writes the engines need.
// It owns no concurrency logic; callers serialize per partition key through
// the LockRegistry.
//
// Implementations must keep the producer read path (FetchPending) and the
// consumer write path (MarkReceived) on disjoint indexes so the two engines
// do not compete for the same index pages under load.
type StorageGateway interface {
	// FetchPending returns up to limit unprocessed records, ordered to keep
	// dispatch fair across partition keys.
	FetchPending(ctx context.Context, limit int) ([]*OutboxRecord, error)

	// MarkProcessed records a broker-acknowledged dispatch. Re-marking an
	// already processed record is a no-op.
	MarkProcessed(ctx context.Context, id int64, producedAt time.Time) error

	// MarkFailed increments the record's retry count and stores a sanitized
	// error code for operational follow-up.
	MarkFailed(ctx context.Context, id int64, errorCode string) error

	// MarkFailedBatch fails a set of records in one statement. Used when a
	// pre-step failure invalidates a key's whole batch and when a dispatch
	// failure halts the remaining ranks of a key.
	MarkFailedBatch(ctx context.Context, ids []int64, errorCode string) error

	// MarkReceived sets receivedAt on the given ids in bulk. The update must
	// be idempotent: re-applying the same ids is a no-op in effect.
	MarkReceived(ctx context.Context, ids []int64, receivedAt time.Time) error
}

// BrokerClient abstracts publish-with-acknowledgement and consume against the
// partitioned broker.
type BrokerClient interface {
	// Publish sends value to the delivery topic keyed by key and blocks until
	// the broker acknowledges per the configured acknowledgement level. The
	// key must equal or derive from the record's partition key so the broker
	// does not reorder same-key traffic.
	Publish(ctx context.Context, key string, value []byte) error

	// Poll fetches one message, waiting at most timeout. It returns
	// ErrNoMessage on an empty arrival.
	Poll(ctx context.Context, timeout time.Duration) ([]byte, error)

	Close() error
}
