package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Status is one observable value on the connection status feed. The feed
// vocabulary is wider than the lifecycle states: disconnected, error and
// auth_failed are emissions that accompany a transition, not states the
// session can rest in.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusReconnecting
	StatusError
	StatusAuthFailed
	StatusFailed
)

// String returns the wire/log name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusError:
		return "error"
	case StatusAuthFailed:
		return "auth_failed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrorFamily reports whether the status should raise a degraded indicator.
// Connecting never raises one on its own; only Connected clears it.
func (s Status) ErrorFamily() bool {
	switch s {
	case StatusDisconnected, StatusReconnecting, StatusError, StatusAuthFailed, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status requires manual intervention.
func (s Status) Terminal() bool {
	return s == StatusFailed
}

// StatusUpdate is one emission on the status feed. During Reconnecting the
// update carries the attempt number and the retry deadline so consumers can
// recompute a countdown instead of trusting a single timer tick.
type StatusUpdate struct {
	Status      Status        `json:"status"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Delay       time.Duration `json:"delay,omitempty"`
	Deadline    time.Time     `json:"deadline,omitempty"`
	Code        int           `json:"code,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	At          time.Time     `json:"at"`
}

// statusFeed fans status updates out to subscribers. Publishing never
// blocks: a subscriber whose buffer is full loses the update.
type statusFeed struct {
	mu     sync.RWMutex
	subs   map[int64]chan StatusUpdate
	nextID int64
	buf    int
	closed bool

	current atomic.Value // StatusUpdate
	log     *zap.Logger
}

func newStatusFeed(buf int, log *zap.Logger) *statusFeed {
	if buf < 1 {
		buf = 1
	}
	f := &statusFeed{
		subs: make(map[int64]chan StatusUpdate),
		buf:  buf,
		log:  log,
	}
	f.current.Store(StatusUpdate{Status: StatusIdle})
	return f
}

// Subscribe registers a consumer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (f *statusFeed) Subscribe() (<-chan StatusUpdate, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan StatusUpdate, f.buf)
	if f.closed {
		close(ch)
		return ch, func() {}
	}

	f.nextID++
	id := f.nextID
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// Current returns the most recent emission, or an idle update if nothing
// has been published yet.
func (f *statusFeed) Current() StatusUpdate {
	return f.current.Load().(StatusUpdate)
}

func (f *statusFeed) publish(u StatusUpdate) {
	f.current.Store(u)

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for id, ch := range f.subs {
		select {
		case ch <- u:
		default:
			f.log.Debug("status subscriber lagging, update dropped",
				zap.Int64("subscriber", id),
				zap.String("status", u.Status.String()))
		}
	}
}

// close shuts every subscriber channel so consumer loops terminate.
func (f *statusFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
