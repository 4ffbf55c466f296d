// Package metastore persists job records with optimistic concurrency.
// Every mutation is a compare-and-swap on the record's version; a stale
// writer gets ErrVersionConflict and must reload. Records are created
// atomically against a unique idempotency key, and terminal records are
// frozen: no conditional update ever succeeds against a completed or
// failed job.
package metastore
