// Package postgres provides the PostgreSQL storage gateway for the outbox
// relay, plus a primary/replica connection hub that runs schema migrations
// on connect.
//
// The shipped migrations create two disjoint partial indexes over the
// outbox table: one covering the producer's unprocessed-row fetch, one
// covering the consumer's unacknowledged-row bulk updates. Keeping the two
// hot paths on separate index structures is part of the storage contract.
package postgres
