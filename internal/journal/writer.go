package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
)

const (
	insertNotification = `INSERT INTO notifications (id, severity, title, message, category, read, created_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	insertJobEvent = `INSERT INTO job_events (job_id, action, status, progress, error, line, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	insertTransition = `INSERT INTO transitions (from_status, to_status, detail, recorded_at)
		VALUES ($1, $2, $3, $4)`

	flushTimeout = 10 * time.Second
)

// record is one pending journal row.
type record struct {
	table string
	query string
	args  []any
}

// batchExecer is the slice of DB the writer needs. Split out so the
// batching logic tests without a database.
type batchExecer interface {
	executeBatch(ctx context.Context, batch *pgx.Batch) error
}

// Writer batches journal rows and flushes them when the batch fills or the
// flush interval elapses. Record methods never block; when the buffer is
// full the row is dropped and counted.
type Writer struct {
	db            batchExecer
	in            chan record
	flushReq      chan chan error
	batchSize     int
	flushInterval time.Duration
	log           *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// closeDB releases the connection pool after the final flush; ping
	// checks store reachability for health. Both are set by Open.
	closeDB func() error
	ping    func() error
}

// newWriter starts the flush loop.
func newWriter(db batchExecer, batchSize, bufferSize int, flushInterval time.Duration, log *zap.Logger) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		db:            db,
		in:            make(chan record, bufferSize),
		flushReq:      make(chan chan error, 1),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go w.run(ctx)
	return w
}

// RecordNotification queues one notification row.
func (w *Writer) RecordNotification(n models.Notification) {
	w.enqueue(record{
		table: "notifications",
		query: insertNotification,
		args:  []any{n.ID, n.Severity, n.Title, n.Message, n.Category, n.Read, n.CreatedAt, time.Now().UTC()},
	})
}

// RecordJobEvent queues one job event row.
func (w *Writer) RecordJobEvent(ev models.JobEvent) {
	w.enqueue(record{
		table: "job_events",
		query: insertJobEvent,
		args:  []any{ev.JobID, ev.Action, ev.Status, ev.Progress, ev.Error, ev.Line, time.Now().UTC()},
	})
}

// RecordTransition queues one connection status transition row.
func (w *Writer) RecordTransition(from, to, detail string) {
	w.enqueue(record{
		table: "transitions",
		query: insertTransition,
		args:  []any{from, to, detail, time.Now().UTC()},
	})
}

// Ping verifies the journal store is reachable.
func (w *Writer) Ping() error {
	if w.ping == nil {
		return nil
	}
	return w.ping()
}

// Flush drains the buffer and writes all pending rows.
func (w *Writer) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case w.flushReq <- ack:
	case <-w.done:
		return fmt.Errorf("journal writer is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes remaining rows and stops the writer.
func (w *Writer) Close(ctx context.Context) error {
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if w.closeDB != nil {
		return w.closeDB()
	}
	return nil
}

func (w *Writer) enqueue(rec record) {
	select {
	case w.in <- rec:
	default:
		metrics.JournalErrors.WithLabelValues("buffer_full").Inc()
		w.log.Warn("Journal buffer full, dropping row",
			zap.String("table", rec.table))
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	pending := make([]record, 0, w.batchSize)

	for {
		select {
		case <-ctx.Done():
			pending = w.drain(pending)
			w.flush(pending)
			return

		case rec := <-w.in:
			pending = append(pending, rec)
			if len(pending) >= w.batchSize {
				w.flush(pending)
				pending = pending[:0]
			}

		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(pending)
				pending = pending[:0]
			}

		case ack := <-w.flushReq:
			pending = w.drain(pending)
			ack <- w.flush(pending)
			pending = pending[:0]
		}
	}
}

// drain moves everything already queued into pending without blocking.
func (w *Writer) drain(pending []record) []record {
	for {
		select {
		case rec := <-w.in:
			pending = append(pending, rec)
		default:
			return pending
		}
	}
}

// flush writes pending rows in one transaction.
func (w *Writer) flush(pending []record) error {
	if len(pending) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	rows := make(map[string]int, 3)
	for _, rec := range pending {
		batch.Queue(rec.query, rec.args...)
		rows[rec.table]++
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	start := time.Now()
	err := w.db.executeBatch(ctx, batch)
	metrics.JournalFlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		w.log.Error("Journal flush failed",
			zap.Int("rows", len(pending)),
			zap.Error(err))
		return err
	}

	for table, n := range rows {
		metrics.IncrementJournalWrites(table, n)
	}
	w.log.Debug("Journal batch flushed",
		zap.Int("rows", len(pending)),
		zap.Duration("took", time.Since(start)))
	return nil
}
