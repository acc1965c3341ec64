package simulator

import (
	"sync"

	"github.com/vmscope/console/internal/models"
)

// hub tracks the attached console connections and fans events out to
// the ones whose subscriptions match.
type hub struct {
	mu    sync.RWMutex
	conns map[string]*conn // by client id
}

func newHub() *hub {
	return &hub{conns: make(map[string]*conn)}
}

func (h *hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// broadcast queues env on every connection subscribed to topic and
// reports how many connections it reached. Delivery never blocks the
// caller; slow consumers are dropped by their own send path.
func (h *hub) broadcast(topic string, env models.Envelope) int {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.send(env)
	}
	return len(targets)
}

// closeAll disconnects every attached console, used at shutdown.
func (h *hub) closeAll() {
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.close()
	}
}
