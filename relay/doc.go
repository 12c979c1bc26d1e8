// Package relay implements the dispatch and acknowledgement engine of the
// transactional outbox pattern over a relational store and a partitioned
// message broker.
//
// The PartitionedDispatcher polls pending outbox records, groups them by
// partition key, and runs bounded-parallel per-key dispatch loops that
// preserve intra-key rank order. The AckBatcher consumes the delivery topic
// and reconciles acknowledgements back into the store through time/size
// bounded bulk updates. The two engines run independently and touch the
// shared table through disjoint index paths, so they do not contend.
//
// Delivery semantics are at-least-once: records are marked processed only
// after the broker acknowledges, and acknowledgement reconciliation is
// idempotent.
package relay
