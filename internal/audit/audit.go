// Package audit records domain events (the order events the notification
// dispatcher handles, such as orders created and pledges applied) to a
// durable log without slowing down the request or engine call that
// triggered them. IAP credit top-ups are not audit-logged.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bundl/bundl/internal/db"
)

// Entry is a single audit log record.
type Entry struct {
	OrderID   uuid.UUID
	UserID    uuid.UUID
	Action    string
	Detail    json.RawMessage
	CreatedAt time.Time
}

// Writer is an async, buffered audit log writer. Entries are pushed onto an
// internal channel and flushed by a background goroutine, so logging an
// event never blocks the order engine or an HTTP handler.
type Writer struct {
	dbtx    db.DBTX
	logger  *slog.Logger
	entries chan Entry
	wg      sync.WaitGroup
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates an audit Writer. Call Start to begin processing entries.
func NewWriter(dbtx db.DBTX, logger *slog.Logger) *Writer {
	return &Writer{
		dbtx:    dbtx,
		logger:  logger,
		entries: make(chan Entry, bufferSize),
	}
}

// Start begins the background goroutine that flushes audit entries to the
// database. It returns when the context is cancelled and all pending
// entries are flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an audit entry for async writing. It never blocks the
// caller; if the buffer is full the entry is dropped and a warning is
// logged.
func (w *Writer) Log(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"action", entry.Action, "order_id", entry.OrderID)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, e := range entries {
		_, err := w.dbtx.Exec(ctx,
			`INSERT INTO audit_log (order_id, user_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5)`,
			nullableUUID(e.OrderID), nullableUUID(e.UserID), e.Action, e.Detail, e.CreatedAt,
		)
		if err != nil {
			w.logger.Error("writing audit log entry", "error", err, "action", e.Action, "order_id", e.OrderID)
		}
	}
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id
}
