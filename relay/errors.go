package relay

import "errors"

var (
	ErrStorageGatewayRequired = errors.New("storage gateway is required")
	ErrBrokerClientRequired   = errors.New("broker client is required")
	ErrDispatcherRequired     = errors.New("dispatcher is required")
	ErrDispatcherRunning      = errors.New("dispatcher is already running")
	ErrBatcherRequired        = errors.New("ack batcher is required")
	ErrBatcherRunning         = errors.New("ack batcher is already running")
	ErrRecordRequired         = errors.New("outbox record is required")
	ErrPayloadRequired        = errors.New("outbox record payload is required")
	ErrEnvelopeEmpty          = errors.New("message envelope is empty")
	ErrEnvelopeIDRequired     = errors.New("message envelope id is required")

	// ErrNoMessage is returned by BrokerClient.Poll when no message arrived
	// within the poll timeout. It is an expected, non-fatal outcome of every
	// consumer loop iteration.
	ErrNoMessage = errors.New("no message available")
)
