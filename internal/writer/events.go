package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/twitchkit/internal/router"
)

// DB is the subset of *pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// EventWriter consumes message events and writes them to the session_events
// table.
type EventWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	// Input from the event bus
	input *router.GrowableBuffer[router.Event]

	// Database
	db DB

	// Batching
	batch       []eventRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker
	// flushCtx bounds batch-size flushes. It ignores cancellation of the
	// Start context; Stop replaces it with its own to bound the drain.
	flushCtx context.Context

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	consumers sync.WaitGroup
	wg        sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewEventWriter creates a new EventWriter.
func NewEventWriter(cfg WriterConfig, db DB, logger *slog.Logger) *EventWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	return &EventWriter{
		cfg:    cfg,
		input:  router.NewGrowableBuffer[router.Event](cfg.BatchSize),
		db:     db,
		logger: logger.With("component", "writer"),
		batch:  make([]eventRow, 0, cfg.BatchSize),
	}
}

// EnsureSchema creates the session_events table if it does not exist.
func (w *EventWriter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createEventsSQL, createEventsIndexSQL} {
		if _, err := w.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create session_events: %w", err)
		}
	}
	return nil
}

// HandleEvent queues message events. It never blocks.
func (w *EventWriter) HandleEvent(ev router.Event) {
	if ev.Kind != router.KindMessage {
		return
	}
	if !w.input.Push(ev) {
		w.logger.Debug("writer stopped, dropping event", "topic", ev.Topic)
	}
}

// Start begins consuming events and writing to the database.
func (w *EventWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.batchMu.Lock()
	w.flushCtx = context.WithoutCancel(ctx)
	w.batchMu.Unlock()
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.consumers.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued events, flushes them and shuts down the writer.
func (w *EventWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping event writer")

	w.batchMu.Lock()
	w.flushCtx = ctx
	w.batchMu.Unlock()

	// Closing the input lets consumeLoop drain what is queued.
	w.input.Close()

	done := make(chan struct{})
	go func() {
		w.consumers.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
		err = ctx.Err()
	}

	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Final flush
	w.flush(ctx)

	w.logger.Info("event writer stopped", "inserts", w.Stats().Inserts)
	return err
}

// Stats returns current metrics.
func (w *EventWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads from the input buffer and accumulates batches until
// the buffer is closed and drained.
func (w *EventWriter) consumeLoop() {
	defer w.consumers.Done()

	for {
		ev, ok := w.input.Pop()
		if !ok {
			return
		}
		w.handleEvent(ev)
	}
}

// flushLoop periodically flushes the batch.
func (w *EventWriter) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEvent transforms and adds an event to the batch.
func (w *EventWriter) handleEvent(ev router.Event) {
	row := w.transform(ev)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	ctx := w.flushCtx
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

// transform converts an event to an eventRow.
func (w *EventWriter) transform(ev router.Event) eventRow {
	row := eventRow{
		ID:         uuid.NewString(),
		Source:     ev.Source,
		Topic:      ev.Topic,
		ReceivedAt: ev.At.UTC(),
		Raw:        string(ev.Raw),
	}

	payload, err := json.Marshal(ev.Payload)
	if err != nil || ev.Payload == nil {
		if err != nil {
			w.batchMu.Lock()
			w.metrics.Skipped++
			w.batchMu.Unlock()
		}
		return row
	}
	row.Payload = payload
	return row
}

// flush writes the current batch to the database.
func (w *EventWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch.
func (w *EventWriter) batchInsert(ctx context.Context, rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertEventSQL, r.ID, r.Source, r.Topic, r.ReceivedAt, r.Payload, r.Raw)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}
