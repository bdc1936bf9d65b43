package writer

import "time"

// WriterConfig holds batching settings.
type WriterConfig struct {
	// BatchSize is the number of rows to accumulate before flushing.
	BatchSize int

	// FlushInterval is the maximum time between flushes.
	FlushInterval time.Duration
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: 5 * time.Second,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts int64
	Errors  int64
	Flushes int64
	Skipped int64 // Payloads that could not be encoded as JSON
}

// eventRow represents a row to be inserted into the session_events table.
type eventRow struct {
	ID         string
	Source     string
	Topic      string
	ReceivedAt time.Time
	Payload    []byte // JSON, nil when the payload has no JSON form
	Raw        string
}

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS session_events (
	id          UUID PRIMARY KEY,
	source      TEXT NOT NULL,
	topic       TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	payload     JSONB,
	raw         TEXT NOT NULL
)`

const createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS session_events_topic_received_at
	ON session_events (topic, received_at)`

const insertEventSQL = `
INSERT INTO session_events (id, source, topic, received_at, payload, raw)
VALUES ($1, $2, $3, $4, $5, $6)
`
