// Package archive drains closed batches from the batcher and persists their
// events to Postgres.
//
// Inserts are idempotent (ON CONFLICT (id) DO NOTHING) so redelivered
// events count as duplicates instead of rows. A circuit breaker guards the
// database: while open, batches are dropped and counted rather than piling
// retries onto a down server. The events table schema is managed outside
// this process; the writer only inserts.
package archive
