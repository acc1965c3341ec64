// Package notifications maintains the console's local copy of the gateway
// notification feed. The feed seeds from the initial_state frame delivered
// on every (re)connect, applies live created/updated envelopes, and fans
// changes out to local subscribers.
package notifications

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/models"
)

// Change is one observed feed mutation. Reset marks a wholesale replacement
// from a fresh initial_state; otherwise exactly one notification changed.
type Change struct {
	Reset        bool
	Notification models.Notification
	New          bool
	UnreadCount  int
}

const changeBuffer = 16

// Feed mirrors the gateway notification feed.
type Feed struct {
	stream  domain.EventStream
	gateway domain.GatewayAPI
	journal domain.Journal
	log     *zap.Logger

	mu     sync.RWMutex
	items  map[string]models.Notification
	unread int
	seeded bool

	subsMu sync.RWMutex
	subs   map[int64]chan Change
	nextID int64
	closed bool

	lInitial domain.ListenerID
	lNotif   domain.ListenerID
}

// Option configures a Feed.
type Option func(*Feed)

// WithGateway enables remote mark-read acks.
func WithGateway(gw domain.GatewayAPI) Option {
	return func(f *Feed) {
		f.gateway = gw
	}
}

// WithJournal records live notifications to the journal.
func WithJournal(j domain.Journal) Option {
	return func(f *Feed) {
		f.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(f *Feed) {
		f.log = log
	}
}

// New builds the feed and attaches it to the stream. The feed stays empty
// until the first initial_state arrives.
func New(stream domain.EventStream, opts ...Option) *Feed {
	f := &Feed{
		stream: stream,
		items:  make(map[string]models.Notification),
		subs:   make(map[int64]chan Change),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.log == nil {
		f.log = logger.New("notifications")
	}

	// The feed holds one registry ref on the notifications topic for as
	// long as it is attached; the stream replays it across reconnects.
	stream.Subscribe(models.TopicNotifications)
	f.lInitial = stream.On(models.KindInitialState, f.handleInitialState)
	f.lNotif = stream.On(models.KindNotification, f.handleNotification)
	return f
}

// Close detaches the feed from the stream and closes subscriber channels.
func (f *Feed) Close() {
	f.stream.Off(models.KindInitialState, f.lInitial)
	f.stream.Off(models.KindNotification, f.lNotif)
	f.stream.Unsubscribe(models.TopicNotifications)

	f.subsMu.Lock()
	defer f.subsMu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// Subscribe registers a change listener. The returned cancel function
// detaches it. Slow subscribers lose changes rather than stall the feed;
// List and UnreadCount always have the current state.
func (f *Feed) Subscribe() (<-chan Change, func()) {
	f.subsMu.Lock()
	defer f.subsMu.Unlock()

	if f.closed {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}

	f.nextID++
	id := f.nextID
	ch := make(chan Change, changeBuffer)
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.subsMu.Lock()
			defer f.subsMu.Unlock()
			if sub, ok := f.subs[id]; ok {
				close(sub)
				delete(f.subs, id)
			}
		})
	}
	return ch, cancel
}

// List returns the feed newest first.
func (f *Feed) List() []models.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]models.Notification, 0, len(f.items))
	for _, n := range f.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Get returns one notification by id.
func (f *Feed) Get(id string) (models.Notification, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, ok := f.items[id]
	return n, ok
}

// UnreadCount returns the number of unread notifications.
func (f *Feed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.unread
}

// Seeded reports whether an initial_state has arrived since startup.
func (f *Feed) Seeded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.seeded
}

// MarkRead marks a notification read locally and acks it on the gateway.
// The local update is optimistic: a failed ack is returned to the caller
// but not rolled back, since the next initial_state reconciles the feed.
func (f *Feed) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	n, ok := f.items[id]
	if ok && !n.Read {
		n.Read = true
		f.items[id] = n
		f.unread--
	}
	unread := f.unread
	f.mu.Unlock()

	if ok {
		f.publish(Change{Notification: n, UnreadCount: unread})
	}

	if f.gateway == nil {
		return nil
	}
	if err := f.gateway.MarkNotificationRead(ctx, id); err != nil {
		f.log.Warn("Mark-read ack failed",
			zap.String("id", id),
			zap.Error(err))
		return err
	}
	return nil
}

func (f *Feed) handleInitialState(env models.Envelope) {
	state, err := env.InitialStatePayload()
	if err != nil {
		f.log.Warn("Dropping malformed initial_state", zap.Error(err))
		return
	}

	f.mu.Lock()
	f.items = make(map[string]models.Notification, len(state.Notifications))
	unread := 0
	for _, n := range state.Notifications {
		f.items[n.ID] = n
		if !n.Read {
			unread++
		}
	}
	// Trust the wire count when the gateway sends one; it may know about
	// unread items beyond the snapshot window.
	if state.UnreadCount > unread {
		unread = state.UnreadCount
	}
	f.unread = unread
	f.seeded = true
	f.mu.Unlock()

	f.log.Info("Notification feed seeded",
		zap.Int("notifications", len(state.Notifications)),
		zap.Int("unread", unread))
	f.publish(Change{Reset: true, UnreadCount: unread})
}

func (f *Feed) handleNotification(env models.Envelope) {
	n, err := env.NotificationPayload()
	if err != nil {
		f.log.Warn("Dropping malformed notification", zap.Error(err))
		return
	}
	if n.ID == "" {
		f.log.Warn("Dropping notification without id")
		return
	}

	f.mu.Lock()
	prev, existed := f.items[n.ID]
	f.items[n.ID] = n
	switch {
	case !existed && !n.Read:
		f.unread++
	case existed && prev.Read != n.Read:
		if n.Read {
			f.unread--
		} else {
			f.unread++
		}
	}
	unread := f.unread
	f.mu.Unlock()

	if f.journal != nil {
		f.journal.RecordNotification(n)
	}

	f.publish(Change{Notification: n, New: !existed, UnreadCount: unread})
}

func (f *Feed) publish(c Change) {
	f.subsMu.RLock()
	defer f.subsMu.RUnlock()

	for id, ch := range f.subs {
		select {
		case ch <- c:
		default:
			f.log.Debug("Dropped feed change for slow subscriber",
				zap.Int64("subscriber", id))
		}
	}
}
