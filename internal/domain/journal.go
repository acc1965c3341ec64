package domain

import (
	"context"

	"github.com/vmscope/console/internal/models"
)

// Journal persists stream traffic for later inspection. Implementations
// buffer internally; the Record methods never block the caller.
type Journal interface {
	RecordNotification(n models.Notification)
	RecordJobEvent(ev models.JobEvent)
	RecordTransition(from, to, detail string)

	// Flush writes any buffered rows. Close flushes and releases the
	// underlying store.
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}
