// Package jobs follows per-job event streams over the gateway session.
// Following a job acquires its topic through the stream; the tracker keeps
// the last known status and a bounded output tail per job and fans events
// out to any number of followers.
package jobs

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/models"
)

const (
	// followerBuffer is the per-follower channel capacity. A follower that
	// falls this far behind loses events; Status and Tail stay current.
	followerBuffer = 32

	// tailLimit bounds the retained output lines per job.
	tailLimit = 256
)

// Follow is one follower's handle on a job stream. Events closes when the
// job reaches a terminal status or the handle is closed.
type Follow struct {
	JobID  string
	Events <-chan models.JobEvent

	cancel func()
}

// Close detaches the follower. The last follower of a live job releases
// its topic.
func (f *Follow) Close() {
	f.cancel()
}

// jobState is the tracker's record of one followed job.
type jobState struct {
	listener  domain.ListenerID
	followers map[int64]chan models.JobEvent
	last      models.JobEvent
	hasStatus bool
	tail      []string
	terminal  bool
}

// Tracker multiplexes job streams to followers.
type Tracker struct {
	stream  domain.EventStream
	gateway domain.GatewayAPI
	journal domain.Journal
	log     *zap.Logger

	mu     sync.Mutex
	jobs   map[string]*jobState
	nextID int64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGateway enables Sync against the gateway job endpoint.
func WithGateway(gw domain.GatewayAPI) Option {
	return func(t *Tracker) {
		t.gateway = gw
	}
}

// WithJournal records job events to the journal.
func WithJournal(j domain.Journal) Option {
	return func(t *Tracker) {
		t.journal = j
	}
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Tracker) {
		t.log = log
	}
}

// New builds a tracker on top of the stream.
func New(stream domain.EventStream, opts ...Option) *Tracker {
	t := &Tracker{
		stream: stream,
		jobs:   make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logger.New("jobs")
	}
	return t
}

// Follow attaches a follower to a job stream. The first follower of a job
// registers the tracker on the stream, which acquires the job topic. A
// follower attaching to a job already known to be terminal receives the
// final status and an immediately closed channel.
func (t *Tracker) Follow(jobID string) *Follow {
	t.mu.Lock()

	st, ok := t.jobs[jobID]
	if ok && st.terminal {
		last, hasStatus := st.last, st.hasStatus
		t.mu.Unlock()

		ch := make(chan models.JobEvent, 1)
		if hasStatus {
			ch <- last
		}
		close(ch)
		return &Follow{JobID: jobID, Events: ch, cancel: func() {}}
	}

	if !ok {
		st = &jobState{followers: make(map[int64]chan models.JobEvent)}
		t.jobs[jobID] = st
		st.listener = t.stream.OnJob(jobID, func(ev models.JobEvent) {
			t.handle(jobID, ev)
		})
		t.log.Debug("Following job", zap.String("job_id", jobID))
	}

	t.nextID++
	id := t.nextID
	ch := make(chan models.JobEvent, followerBuffer)
	if st.hasStatus {
		// Prime late followers with the current status.
		ch <- st.last
	}
	st.followers[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.unfollow(jobID, id)
		})
	}
	return &Follow{JobID: jobID, Events: ch, cancel: cancel}
}

// Status returns the last status event seen for a job.
func (t *Tracker) Status(jobID string) (models.JobEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.jobs[jobID]
	if !ok || !st.hasStatus {
		return models.JobEvent{}, false
	}
	return st.last, true
}

// Tail returns a copy of the retained output lines for a job.
func (t *Tracker) Tail(jobID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.jobs[jobID]
	if !ok || len(st.tail) == 0 {
		return nil
	}
	return append([]string(nil), st.tail...)
}

// Followed returns the ids of jobs with a live stream listener.
func (t *Tracker) Followed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.jobs))
	for id, st := range t.jobs {
		if !st.terminal {
			out = append(out, id)
		}
	}
	return out
}

// Forget drops the retained state of a terminal job. Live jobs are kept.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.jobs[jobID]; ok && st.terminal {
		delete(t.jobs, jobID)
	}
}

// Sync fetches the authoritative job record from the gateway and folds its
// status into the tracker. Useful when a follower attaches mid-stream and
// cannot know what it missed.
func (t *Tracker) Sync(ctx context.Context, jobID string) (models.Job, error) {
	if t.gateway == nil {
		return models.Job{}, nil
	}
	job, err := t.gateway.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	ev := models.JobEvent{
		JobID:    job.ID,
		Action:   models.ActionStatus,
		Status:   job.Status,
		Progress: job.Progress,
		Error:    job.Error,
	}

	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if ok && !st.terminal {
		st.last = ev
		st.hasStatus = true
	}
	t.mu.Unlock()
	return job, nil
}

// Close detaches every live job from the stream and closes all followers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for jobID, st := range t.jobs {
		if !st.terminal {
			t.stream.OffJob(jobID, st.listener)
		}
		for id, ch := range st.followers {
			close(ch)
			delete(st.followers, id)
		}
	}
	t.jobs = make(map[string]*jobState)
}

// handle applies one stream event. It runs on the stream's dispatch
// goroutine.
func (t *Tracker) handle(jobID string, ev models.JobEvent) {
	if t.journal != nil {
		t.journal.RecordJobEvent(ev)
	}

	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok || st.terminal {
		t.mu.Unlock()
		return
	}

	switch ev.Action {
	case models.ActionStatus:
		st.last = ev
		st.hasStatus = true
	case models.ActionOutput:
		st.tail = append(st.tail, ev.Line)
		if len(st.tail) > tailLimit {
			st.tail = st.tail[len(st.tail)-tailLimit:]
		}
	}

	for id, ch := range st.followers {
		select {
		case ch <- ev:
		default:
			t.log.Debug("Dropped job event for slow follower",
				zap.String("job_id", jobID),
				zap.Int64("follower", id))
		}
	}

	done := ev.Terminal()
	if done {
		st.terminal = true
		listener := st.listener
		for id, ch := range st.followers {
			close(ch)
			delete(st.followers, id)
		}
		t.mu.Unlock()

		// The stream's dispatch loop queues this safely from inside a
		// handler; the job topic is released once applied.
		t.stream.OffJob(jobID, listener)
		t.log.Info("Job reached terminal status",
			zap.String("job_id", jobID),
			zap.String("status", ev.Status))
		return
	}
	t.mu.Unlock()
}

// unfollow removes one follower; the last follower of a live job detaches
// the tracker from the stream and drops the job.
func (t *Tracker) unfollow(jobID string, id int64) {
	t.mu.Lock()
	st, ok := t.jobs[jobID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ch, ok := st.followers[id]
	if ok {
		close(ch)
		delete(st.followers, id)
	}

	if len(st.followers) == 0 && !st.terminal {
		listener := st.listener
		delete(t.jobs, jobID)
		t.mu.Unlock()
		t.stream.OffJob(jobID, listener)
		t.log.Debug("Stopped following job", zap.String("job_id", jobID))
		return
	}
	t.mu.Unlock()
}
