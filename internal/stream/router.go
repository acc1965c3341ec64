package stream

import (
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
)

// router demultiplexes inbound envelopes to registered listeners. Listener
// slices keep registration order, and dispatch runs synchronously on the
// client loop. A panicking handler is recovered per handler: the rest of
// the listeners for the same message still run.
type router struct {
	kinds map[string][]kindListener
	jobs  map[string][]jobListener
	log   *zap.Logger
}

type kindListener struct {
	id domain.ListenerID
	fn domain.EnvelopeFunc
}

type jobListener struct {
	id domain.ListenerID
	fn domain.JobFunc
}

func newRouter(log *zap.Logger) *router {
	return &router{
		kinds: make(map[string][]kindListener),
		jobs:  make(map[string][]jobListener),
		log:   log,
	}
}

func (rt *router) on(kind string, id domain.ListenerID, fn domain.EnvelopeFunc) {
	if fn == nil {
		return
	}
	rt.kinds[kind] = append(rt.kinds[kind], kindListener{id: id, fn: fn})
}

func (rt *router) off(kind string, id domain.ListenerID) {
	listeners := rt.kinds[kind]
	for i, l := range listeners {
		if l.id == id {
			rt.kinds[kind] = append(listeners[:i:i], listeners[i+1:]...)
			break
		}
	}
	if len(rt.kinds[kind]) == 0 {
		delete(rt.kinds, kind)
	}
}

// onJob registers a job-scoped listener and reports whether it is the
// first one for that job. The caller acquires the job topic on true.
func (rt *router) onJob(jobID string, id domain.ListenerID, fn domain.JobFunc) bool {
	if fn == nil || jobID == "" {
		return false
	}
	first := len(rt.jobs[jobID]) == 0
	rt.jobs[jobID] = append(rt.jobs[jobID], jobListener{id: id, fn: fn})
	return first
}

// offJob removes a job-scoped listener and reports whether it was the last
// one for that job. The caller releases the job topic on true.
func (rt *router) offJob(jobID string, id domain.ListenerID) bool {
	listeners, ok := rt.jobs[jobID]
	if !ok {
		return false
	}
	for i, l := range listeners {
		if l.id == id {
			listeners = append(listeners[:i:i], listeners[i+1:]...)
			break
		}
	}
	if len(listeners) == 0 {
		delete(rt.jobs, jobID)
		return true
	}
	rt.jobs[jobID] = listeners
	return false
}

// jobCount returns the number of job ids with at least one listener.
func (rt *router) jobCount() int {
	return len(rt.jobs)
}

// dispatch delivers one envelope: kind listeners first, then the per-job
// fan-out for job envelopes. Unknown kinds with nobody listening are
// dropped quietly.
func (rt *router) dispatch(env models.Envelope) {
	listeners := rt.kinds[env.Type]
	for _, l := range listeners {
		rt.invoke(env.Type, l.fn, env)
	}

	if env.Type == models.KindJob && env.JobID != "" {
		jobs := rt.jobs[env.JobID]
		if len(jobs) == 0 {
			return
		}
		ev, err := env.JobPayload()
		if err != nil {
			metrics.IncrementMalformedFrames()
			rt.log.Warn("dropping job event with bad payload",
				zap.String("job_id", env.JobID),
				zap.Error(err))
			return
		}
		for _, l := range jobs {
			rt.invokeJob(env.JobID, l.fn, ev)
		}
		return
	}

	if len(listeners) == 0 {
		rt.log.Debug("no listener for message kind", zap.String("type", env.Type))
	}
}

func (rt *router) invoke(kind string, fn domain.EnvelopeFunc, env models.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrementHandlerPanics(kind)
			rt.log.Error("message handler panicked",
				zap.String("type", kind),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn(env)
}

func (rt *router) invokeJob(jobID string, fn domain.JobFunc, ev models.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrementHandlerPanics(models.KindJob)
			rt.log.Error("job handler panicked",
				zap.String("job_id", jobID),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn(ev)
}
