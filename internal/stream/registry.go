package stream

import "sort"

// registry is the refcounted topic map. Bookkeeping is independent of
// connection state: nothing here is cleared by a disconnect. Owned by the
// client loop, so no locking.
type registry struct {
	refs map[string]int
}

func newRegistry() *registry {
	return &registry{refs: make(map[string]int)}
}

// acquire adds one reference per topic and returns, in input order, the
// topics that crossed 0 to 1. Only those need an incremental subscribe.
func (r *registry) acquire(topics ...string) []string {
	var added []string
	for _, t := range topics {
		if t == "" {
			continue
		}
		r.refs[t]++
		if r.refs[t] == 1 {
			added = append(added, t)
		}
	}
	return added
}

// release drops one reference per topic and returns the topics that
// crossed 1 to 0. Releasing an unheld topic is a no-op.
func (r *registry) release(topics ...string) []string {
	var removed []string
	for _, t := range topics {
		n, ok := r.refs[t]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(r.refs, t)
			removed = append(removed, t)
			continue
		}
		r.refs[t] = n - 1
	}
	return removed
}

// snapshot returns every held topic, sorted for a stable wire replay.
func (r *registry) snapshot() []string {
	if len(r.refs) == 0 {
		return nil
	}
	topics := make([]string, 0, len(r.refs))
	for t := range r.refs {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (r *registry) size() int {
	return len(r.refs)
}

// count returns the reference count held for one topic.
func (r *registry) count(topic string) int {
	return r.refs[topic]
}
