// Package store implements the persistent collection layer: one typed
// in-memory table per entity kind, mirrored to a JSON document on disk.
//
// Guarantees:
//   - Writes to a table are strictly FIFO. Each Save marshals a snapshot,
//     queues it behind every earlier write, and returns only after its own
//     write finished (success or failure).
//   - A failed write never aborts the chain; it is reported on the event
//     bus so the operator channel can be notified, and later writes still
//     run.
//   - IDs are monotonically increasing per table and are never reused,
//     even when the highest-ID record was just removed. The high-water
//     mark is persisted with the table.
package store
