package domain

import (
	"github.com/vmscope/console/internal/models"
)

// ListenerID is an opaque handle for a registered listener.
type ListenerID int64

// EnvelopeFunc handles one inbound envelope of a registered kind.
type EnvelopeFunc func(models.Envelope)

// JobFunc handles one event on a followed job stream.
type JobFunc func(models.JobEvent)

// EventStream is the live gateway session as feature code sees it.
// This abstraction is used by the notifications, jobs and inventory packages.
type EventStream interface {
	// Kind-scoped listener registration
	On(kind string, fn EnvelopeFunc) ListenerID
	Off(kind string, id ListenerID)

	// Job-scoped listener registration. The first listener for a job
	// acquires its topic, the last one removed releases it.
	OnJob(jobID string, fn JobFunc) ListenerID
	OffJob(jobID string, id ListenerID)

	// Topic bookkeeping, independent of connection state
	Subscribe(topics ...string)
	Unsubscribe(topics ...string)

	// Send writes an envelope to the live socket. It reports false when
	// no socket is open; nothing is queued.
	Send(env models.Envelope) bool
}

// StatusSource reports the current session state for health checks.
type StatusSource interface {
	// StatusName returns the lifecycle state, e.g. "connected".
	StatusName() string

	// Connected reports whether a socket is currently open.
	Connected() bool
}
