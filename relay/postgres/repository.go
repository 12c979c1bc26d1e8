package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/LerianStudio/lib-outbox-relay/relay"
	"github.com/LerianStudio/lib-outbox-relay/relay/log"
)

const (
	maxSQLIdentifierLength = 63

	// defaultSmallBatchThreshold is the largest acknowledgement batch that
	// still uses a parameterized IN list. Larger batches stage the ids in a
	// single array parameter and update through an unnest join, keeping the
	// parameter count constant and the query plan stable.
	defaultSmallBatchThreshold = 64

	outboxColumns = "id, partition_key, code, rank, payload, processed, publish_flag, " +
		"produced_at, received_at, retry_count, error_code"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrLimitMustBePositive      = errors.New("limit must be greater than zero")
	ErrIDRequired               = errors.New("id is required")
	ErrNoIDs                    = errors.New("at least one id is required")
	ErrInvalidIdentifier        = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the outbox table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// WithSmallBatchThreshold overrides the IN-list / array-update cutover.
func WithSmallBatchThreshold(threshold int) Option {
	return func(repo *Repository) {
		if threshold > 0 {
			repo.smallBatchThreshold = threshold
		}
	}
}

// Repository persists outbox records in PostgreSQL. It is the relay's
// StorageGateway: the producer read path and the consumer write path are
// served by disjoint partial indexes (see the shipped migrations), which is
// a schema contract, not an optimization.
type Repository struct {
	db                  *sql.DB
	logger              log.Logger
	tableName           string
	smallBatchThreshold int
}

// Compile-time assertion: *Repository implements relay.StorageGateway.
var _ relay.StorageGateway = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository over db. Engine
// access paths must run against the primary; hand in Connection.Primary().
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:                  db,
		logger:              log.NewNop(),
		tableName:           "outbox_records",
		smallBatchThreshold: defaultSmallBatchThreshold,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	if repo.logger == nil {
		repo.logger = log.NewNop()
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_records"
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.db != nil
}

// FetchPending returns up to limit unprocessed records. The order interleaves
// partition keys round-robin (every key's head rank before any key's second
// rank) so one hot key cannot fill the batch and starve the rest; a key whose
// head record keeps failing still leaves room for every other key each cycle.
func (repo *Repository) FetchPending(ctx context.Context, limit int) ([]*relay.OutboxRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + outboxColumns + " FROM " + quoteIdentifier(repo.tableName) +
		" WHERE NOT processed" +
		" ORDER BY ROW_NUMBER() OVER (PARTITION BY partition_key ORDER BY rank), partition_key" +
		" LIMIT $1"

	rows, err := repo.db.QueryContext(ctx, query, limit)
	if err != nil {
		log.SafeError(repo.logger, ctx, "failed to fetch pending records", err)

		return nil, fmt.Errorf("fetching pending records: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*relay.OutboxRecord, 0, limit)

	for rows.Next() {
		record, scanErr := scanOutboxRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning pending record: %w", scanErr)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending records: %w", err)
	}

	return records, nil
}

// MarkProcessed records a broker-acknowledged dispatch. Re-marking an
// already processed record affects zero rows and is treated as success,
// which keeps crash-redelivery (at-least-once) harmless.
func (repo *Repository) MarkProcessed(ctx context.Context, id int64, producedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id <= 0 {
		return ErrIDRequired
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) +
		" SET processed = TRUE, produced_at = $2, error_code = '' WHERE id = $1 AND NOT processed"

	if _, err := repo.db.ExecContext(ctx, query, id, producedAt.UTC()); err != nil {
		log.SafeError(repo.logger, ctx, "failed to mark record processed", err, log.Int64("record_id", id))

		return fmt.Errorf("marking record processed: %w", err)
	}

	return nil
}

// MarkFailed increments the retry count and stores the error code for one
// record.
func (repo *Repository) MarkFailed(ctx context.Context, id int64, errorCode string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id <= 0 {
		return ErrIDRequired
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) +
		" SET retry_count = retry_count + 1, error_code = $2 WHERE id = $1 AND NOT processed"

	if _, err := repo.db.ExecContext(ctx, query, id, errorCode); err != nil {
		log.SafeError(repo.logger, ctx, "failed to mark record failed", err, log.Int64("record_id", id))

		return fmt.Errorf("marking record failed: %w", err)
	}

	return nil
}

// MarkFailedBatch fails a set of records in one statement.
func (repo *Repository) MarkFailedBatch(ctx context.Context, ids []int64, errorCode string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if len(ids) == 0 {
		return ErrNoIDs
	}

	query := "UPDATE " + quoteIdentifier(repo.tableName) +
		" SET retry_count = retry_count + 1, error_code = $2 WHERE id = ANY($1::bigint[]) AND NOT processed"

	if _, err := repo.db.ExecContext(ctx, query, int64Array(ids), errorCode); err != nil {
		log.SafeError(repo.logger, ctx, "failed to mark record batch failed", err, log.Int("batch", len(ids)))

		return fmt.Errorf("marking record batch failed: %w", err)
	}

	return nil
}

// MarkReceived sets received_at on the given ids in bulk. The update is
// guarded by received_at IS NULL, so re-applying the same ids is a no-op and
// duplicate acknowledgements are safe. Both strategies touch only the
// consumer's partial index on unacknowledged rows, never the producer's.
func (repo *Repository) MarkReceived(ctx context.Context, ids []int64, receivedAt time.Time) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if len(ids) == 0 {
		return ErrNoIDs
	}

	query, args := repo.buildMarkReceivedQuery(ids, receivedAt.UTC())

	if _, err := repo.db.ExecContext(ctx, query, args...); err != nil {
		log.SafeError(repo.logger, ctx, "failed to mark records received", err, log.Int("batch", len(ids)))

		return fmt.Errorf("marking records received: %w", err)
	}

	return nil
}

// buildMarkReceivedQuery picks the bulk update strategy by batch size: a
// parameterized IN list for small batches, an unnest join against a single
// staged array parameter for large ones. The large form holds the row locks
// for single-digit milliseconds regardless of batch size and avoids
// query-plan degradation from very large literal lists.
func (repo *Repository) buildMarkReceivedQuery(ids []int64, receivedAt time.Time) (string, []any) {
	table := quoteIdentifier(repo.tableName)

	if len(ids) <= repo.smallBatchThreshold {
		var placeholders strings.Builder

		args := make([]any, 0, len(ids)+1)
		args = append(args, receivedAt)

		for i, id := range ids {
			if i > 0 {
				placeholders.WriteString(", ")
			}

			placeholders.WriteString("$" + strconv.Itoa(i+2))

			args = append(args, id)
		}

		query := "UPDATE " + table + " SET received_at = $1 WHERE received_at IS NULL AND id IN (" +
			placeholders.String() + ")"

		return query, args
	}

	query := "UPDATE " + table + " AS outbox SET received_at = $1 " +
		"FROM unnest($2::bigint[]) AS acked(id) " +
		"WHERE outbox.id = acked.id AND outbox.received_at IS NULL"

	return query, []any{receivedAt, int64Array(ids)}
}

// CountPending returns the number of unprocessed records. Monitoring only;
// safe to run against a replica.
func (repo *Repository) CountPending(ctx context.Context) (int64, error) {
	return repo.countWhere(ctx, "NOT processed")
}

// CountUnacknowledged returns the number of records not yet reconciled by
// the consumer. Monitoring only; safe to run against a replica.
func (repo *Repository) CountUnacknowledged(ctx context.Context) (int64, error) {
	return repo.countWhere(ctx, "received_at IS NULL")
}

func (repo *Repository) countWhere(ctx context.Context, predicate string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	query := "SELECT COUNT(*) FROM " + quoteIdentifier(repo.tableName) + " WHERE " + predicate

	var count int64
	if err := repo.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}

	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxRecord(row rowScanner) (*relay.OutboxRecord, error) {
	var (
		record     relay.OutboxRecord
		producedAt sql.NullTime
		receivedAt sql.NullTime
		errorCode  sql.NullString
	)

	err := row.Scan(
		&record.ID,
		&record.PartitionKey,
		&record.Code,
		&record.Rank,
		&record.Payload,
		&record.Processed,
		&record.PublishFlag,
		&producedAt,
		&receivedAt,
		&record.RetryCount,
		&errorCode,
	)
	if err != nil {
		return nil, err
	}

	if producedAt.Valid {
		value := producedAt.Time

		record.ProducedAt = &value
	}

	if receivedAt.Valid {
		value := receivedAt.Time

		record.ReceivedAt = &value
	}

	record.ErrorCode = errorCode.String

	return &record, nil
}

// int64Array renders ids as a postgres bigint array literal. The pgx stdlib
// driver passes it through as a single text parameter cast server-side.
func int64Array(ids []int64) string {
	var builder strings.Builder

	builder.WriteByte('{')

	for i, id := range ids {
		if i > 0 {
			builder.WriteByte(',')
		}

		builder.WriteString(strconv.FormatInt(id, 10))
	}

	builder.WriteByte('}')

	return builder.String()
}

func validateIdentifier(identifier string) error {
	if identifier == "" || len(identifier) > maxSQLIdentifierLength {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	if !identifierPattern.MatchString(identifier) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, identifier)
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
