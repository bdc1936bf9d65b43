// Package writer archives routed message events to PostgreSQL.
//
// The EventWriter listens on a client's event bus, buffers message events
// without blocking the dispatcher, and inserts them in batches. Rows are
// append-only; every event gets its own id, so nothing is merged or
// deduplicated.
package writer
