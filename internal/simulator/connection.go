package simulator

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/constants"
	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
)

const (
	// outBuffer is the per-connection outbound queue. A console that
	// stops draining for this many events is dropped as a slow consumer.
	outBuffer = 64

	// pingPeriod is how often the simulator probes an attached console
	// with a protocol-level ping.
	pingPeriod = 30 * time.Second

	// rateViolationLimit is how many rate-limited messages a connection
	// gets away with before it is closed.
	rateViolationLimit = 20
)

// conn is one attached console session. A read loop applies the
// console's commands and a write loop drains the outbound queue; either
// side failing tears the whole session down exactly once.
type conn struct {
	id     string
	ws     *websocket.Conn
	sim    *Simulator
	logger *zap.Logger

	idleTimeout  time.Duration
	writeTimeout time.Duration

	out  chan models.Envelope
	done chan struct{}

	topicMu sync.RWMutex
	topics  map[string]struct{}

	rateViolations int

	closeOnce sync.Once
}

func newConn(sim *Simulator, ws *websocket.Conn) *conn {
	id := uuid.NewString()
	return &conn{
		id:           id,
		ws:           ws,
		sim:          sim,
		logger:       sim.logger.With(zap.String("client_id", id), zap.String("remote_addr", ws.RemoteAddr().String())),
		idleTimeout:  sim.cfg.Simulator.IdleTimeout,
		writeTimeout: sim.cfg.Simulator.WriteTimeout,
		out:          make(chan models.Envelope, outBuffer),
		done:         make(chan struct{}),
		topics:       make(map[string]struct{}),
	}
}

// send queues an envelope for delivery. It never blocks; a full queue
// means the console stopped reading and the session is dropped.
func (c *conn) send(env models.Envelope) {
	select {
	case c.out <- env:
	default:
		c.logger.Warn("outbound queue full, dropping slow consumer")
		c.close()
	}
}

// subscribed reports whether the connection should receive events
// published on topic.
func (c *conn) subscribed(topic string) bool {
	c.topicMu.RLock()
	defer c.topicMu.RUnlock()

	if _, ok := c.topics[models.TopicAll]; ok {
		return true
	}
	_, ok := c.topics[topic]
	return ok
}

// subscribe adds topics to the connection's set, enforcing the
// advertised topic count and length limits.
func (c *conn) subscribe(topics []string) {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()

	for _, topic := range topics {
		if topic == "" || len(topic) > constants.MaxTopicLength {
			c.logger.Debug("rejecting invalid topic", zap.Int("length", len(topic)))
			continue
		}
		if _, ok := c.topics[topic]; ok {
			continue
		}
		if len(c.topics) >= constants.MaxTopics {
			c.logger.Warn("topic limit reached, ignoring subscription",
				zap.Int("limit", constants.MaxTopics))
			return
		}
		c.topics[topic] = struct{}{}
	}
	c.logger.Debug("subscriptions updated", zap.Int("topics", len(c.topics)))
}

func (c *conn) unsubscribe(topics []string) {
	c.topicMu.Lock()
	defer c.topicMu.Unlock()

	for _, topic := range topics {
		delete(c.topics, topic)
	}
	c.logger.Debug("subscriptions updated", zap.Int("topics", len(c.topics)))
}

// readLoop pumps commands from the console until the socket dies or the
// session is torn down. It runs on the HTTP handler goroutine.
func (c *conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("connection handler panic", zap.Any("panic", r))
		}
		c.close()
	}()

	c.ws.SetReadLimit(constants.MaxMessageLength)
	c.refreshDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.refreshDeadline()
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("console connection lost", zap.Error(err))
			} else {
				c.logger.Debug("console disconnected", zap.Error(err))
			}
			return
		}
		c.refreshDeadline()

		if !c.sim.limiter.Allow(c.id) {
			c.rateViolations++
			if c.rateViolations >= rateViolationLimit {
				c.logger.Warn("message rate exceeded, closing connection",
					zap.Int("violations", c.rateViolations))
				c.closeWith(websocket.CloseTryAgainLater, "message rate exceeded")
				return
			}
			continue
		}

		env, err := models.DecodeEnvelope(raw)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		c.handleEnvelope(env)
	}
}

func (c *conn) handleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.KindPing:
		c.send(models.Envelope{Type: models.KindPong})
	case models.KindSubscribe:
		c.subscribe(env.Topics)
	case models.KindUnsubscribe:
		c.unsubscribe(env.Topics)
	default:
		c.logger.Debug("ignoring unknown message type", zap.String("type", env.Type))
	}
}

// writeLoop drains the outbound queue and keeps the protocol-level
// keepalive going.
func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
			metrics.SimEventsEmitted.WithLabelValues(env.Type).Inc()
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("keepalive ping failed", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *conn) refreshDeadline() {
	c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
}

// close tears the session down: deregisters, releases the rate bucket,
// and closes the socket after a best-effort close frame.
func (c *conn) close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.sim.hub.remove(c.id)
		c.sim.limiter.Forget(c.id)
		metrics.DecrementSimConnections()

		deadline := time.Now().Add(2 * time.Second)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.Close()
		close(c.done)

		c.logger.Debug("session closed", zap.Int("code", code))
	})
}
