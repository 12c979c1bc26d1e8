package relay

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxRecord is one row of the outbox table: a business fact awaiting
// delivery to the broker.
//
// Records sharing a PartitionKey must be delivered in ascending Rank order.
// The dispatcher mutates Processed, ProducedAt, RetryCount, and ErrorCode;
// the ack batcher mutates ReceivedAt. PublishFlag is a secondary "forwarded
// downstream" marker owned by external collaborators. Records are never
// deleted by the engine; archival is an external maintenance concern.
type OutboxRecord struct {
	ID           int64
	PartitionKey string
	Code         string
	Rank         int64
	Payload      []byte
	Processed    bool
	PublishFlag  bool
	ProducedAt   *time.Time
	ReceivedAt   *time.Time
	RetryCount   int
	ErrorCode    string
}

// Envelope is the wire format published to the shared delivery topic. The
// record ID must survive the round trip so the consumer can reconcile the
// acknowledgement, and the partition key rides along so downstream consumers
// can re-key without decoding the payload.
type Envelope struct {
	ID           int64  `json:"id"`
	PartitionKey string `json:"partition_key"`
	Code         string `json:"code,omitempty"`
	Rank         int64  `json:"rank"`
	Payload      []byte `json:"payload,omitempty"`
}

// EncodeEnvelope serializes the record into its delivery envelope.
func EncodeEnvelope(record *OutboxRecord) ([]byte, error) {
	if record == nil {
		return nil, ErrRecordRequired
	}

	if record.ID <= 0 {
		return nil, ErrEnvelopeIDRequired
	}

	data, err := json.Marshal(Envelope{
		ID:           record.ID,
		PartitionKey: record.PartitionKey,
		Code:         record.Code,
		Rank:         record.Rank,
		Payload:      record.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	return data, nil
}

// DecodeEnvelope parses a delivery envelope received from the broker.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, ErrEnvelopeEmpty
	}

	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	if envelope.ID <= 0 {
		return nil, ErrEnvelopeIDRequired
	}

	return &envelope, nil
}
