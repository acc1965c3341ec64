// Package journal persists the console's stream traffic to PostgreSQL:
// notifications, job events, and connection status transitions land in
// append-only tables through a batching writer. The journal is optional;
// when disabled every call is a no-op.
package journal

import (
	"context"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/models"
)

var _ domain.Journal = (*Writer)(nil)

// Open connects to the journal database, applies the schema, and starts the
// batch writer. When the journal is disabled it returns a no-op journal and
// never touches the network.
func Open(ctx context.Context, cfg *config.JournalConfig) (domain.Journal, error) {
	log := logger.New("journal")

	if !cfg.Enabled {
		log.Debug("Journal disabled")
		return Noop(), nil
	}

	db, err := initDB(ctx, cfg)
	if err != nil {
		return nil, apperrors.DatabaseConnectionError(err)
	}

	if err := db.initializeSchema(ctx); err != nil {
		_ = db.closeDB()
		return nil, err
	}
	if err := db.verifySchema(ctx); err != nil {
		_ = db.closeDB()
		return nil, err
	}

	w := newWriter(db, cfg.BatchSize, cfg.BufferSize, cfg.FlushInterval, log)
	w.closeDB = db.closeDB
	w.ping = db.Ping

	log.Info("Journal ready",
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval))
	return w, nil
}

// Noop returns a journal that discards everything.
func Noop() domain.Journal {
	return noopJournal{}
}

type noopJournal struct{}

func (noopJournal) RecordNotification(models.Notification)  {}
func (noopJournal) RecordJobEvent(models.JobEvent)          {}
func (noopJournal) RecordTransition(string, string, string) {}
func (noopJournal) Flush(context.Context) error             { return nil }
func (noopJournal) Close(context.Context) error             { return nil }
