package journal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/models"
)

// fakeExecer records the size of each flushed batch.
type fakeExecer struct {
	mu      sync.Mutex
	batches []int
	err     error
}

func (f *fakeExecer) executeBatch(_ context.Context, b *pgx.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b.Len())
	return nil
}

func (f *fakeExecer) snapshot() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.batches...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWriterFlushesWhenBatchFills(t *testing.T) {
	db := &fakeExecer{}
	w := newWriter(db, 3, 64, time.Hour, zap.NewNop())
	defer w.Close(context.Background())

	w.RecordTransition("connecting", "connected", "")
	w.RecordNotification(models.Notification{ID: "n1", Severity: models.SeverityInfo, Title: "t"})
	w.RecordJobEvent(models.JobEvent{JobID: "j1", Action: models.ActionStatus, Status: models.JobRunning})

	waitFor(t, "batch flush", func() bool {
		got := db.snapshot()
		return len(got) == 1 && got[0] == 3
	})
}

func TestWriterFlushesOnInterval(t *testing.T) {
	db := &fakeExecer{}
	w := newWriter(db, 100, 64, 20*time.Millisecond, zap.NewNop())
	defer w.Close(context.Background())

	w.RecordTransition("connected", "reconnecting", "read error")
	w.RecordTransition("reconnecting", "connecting", "")

	waitFor(t, "interval flush", func() bool {
		got := db.snapshot()
		return len(got) == 1 && got[0] == 2
	})
}

func TestWriterManualFlush(t *testing.T) {
	db := &fakeExecer{}
	w := newWriter(db, 100, 64, time.Hour, zap.NewNop())
	defer w.Close(context.Background())

	w.RecordTransition("idle", "connecting", "")
	w.RecordTransition("connecting", "connected", "")

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got := db.snapshot()
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("batches = %v, want [2]", got)
	}

	// Nothing pending; a second flush writes nothing.
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if got := db.snapshot(); len(got) != 1 {
		t.Fatalf("batches = %v, want one batch after empty flush", got)
	}
}

func TestWriterCloseDrainsPending(t *testing.T) {
	db := &fakeExecer{}
	var poolClosed bool
	w := newWriter(db, 100, 64, time.Hour, zap.NewNop())
	w.closeDB = func() error {
		poolClosed = true
		return nil
	}

	w.RecordTransition("connected", "disconnected", "closed by client")

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got := db.snapshot()
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("batches = %v, want [1] from final drain", got)
	}
	if !poolClosed {
		t.Error("Close must release the connection pool")
	}
}

func TestWriterFlushPropagatesError(t *testing.T) {
	db := &fakeExecer{err: errors.New("connection reset")}
	w := newWriter(db, 100, 64, time.Hour, zap.NewNop())
	defer w.Close(context.Background())

	w.RecordTransition("idle", "connecting", "")
	err := w.Flush(context.Background())
	if err == nil || !errors.Is(err, db.err) {
		t.Fatalf("Flush err = %v, want %v", err, db.err)
	}
}

// gateExecer blocks each flush until released, so the writer's inbound
// buffer can be filled deterministically.
type gateExecer struct {
	gate chan struct{}
	rows int32
}

func (g *gateExecer) executeBatch(_ context.Context, b *pgx.Batch) error {
	<-g.gate
	atomic.AddInt32(&g.rows, int32(b.Len()))
	return nil
}

func TestWriterDropsWhenBufferFull(t *testing.T) {
	db := &gateExecer{gate: make(chan struct{})}
	w := newWriter(db, 1, 1, time.Hour, zap.NewNop())

	// First row is picked up immediately and its flush blocks.
	w.RecordTransition("idle", "connecting", "")
	waitFor(t, "first flush to start", func() bool {
		return len(w.in) == 0
	})

	// Second row fills the one-slot buffer; third must drop.
	w.RecordTransition("connecting", "connected", "")
	w.RecordTransition("connected", "reconnecting", "")

	close(db.gate)
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := atomic.LoadInt32(&db.rows); got != 2 {
		t.Fatalf("rows written = %d, want 2 (one dropped)", got)
	}
}

func TestOpenDisabledReturnsNoop(t *testing.T) {
	j, err := Open(context.Background(), &config.JournalConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	j.RecordTransition("idle", "connecting", "")
	j.RecordNotification(models.Notification{ID: "n1"})
	j.RecordJobEvent(models.JobEvent{JobID: "j1"})
	if err := j.Flush(context.Background()); err != nil {
		t.Errorf("noop Flush: %v", err)
	}
	if err := j.Close(context.Background()); err != nil {
		t.Errorf("noop Close: %v", err)
	}
}
