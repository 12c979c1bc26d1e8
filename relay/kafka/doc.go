// Package kafka implements the relay's broker transport on top of
// segmentio/kafka-go. Messages are keyed by partition key with a hash
// balancer, which pins every key to a single topic partition and preserves
// per-key ordering end to end.
package kafka
