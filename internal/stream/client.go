package stream

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/domain"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
)

// Client maintains the console's one persistent session with the gateway:
// dial, liveness, reconnection with backoff, subscription replay and
// inbound dispatch. A single run goroutine owns all lifecycle state;
// public methods hand it commands through a mailbox and never touch that
// state directly. Send is the one concurrent entry, served by an atomic
// snapshot of the live socket.
type Client struct {
	cfg    config.StreamConfig
	wsURL  string
	tokens domain.TokenSource
	header http.Header
	log    *zap.Logger

	// loop-owned state
	machine    machine
	registry   *registry
	router     *router
	keep       *keepalive
	sock       *socket
	authToken  string
	curGen     uint64
	lastGen    uint64
	dialCancel context.CancelFunc
	retryTimer *time.Timer
	retrySeq   uint64

	feed *statusFeed

	// mirrors readable off the loop
	live     atomic.Pointer[socket]
	state    atomic.Int32
	clientID atomic.Value // string

	events chan socketEvent

	cmdMu  sync.Mutex
	cmdq   []func()
	cmdSig chan struct{}

	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once

	nextListener atomic.Int64
}

var (
	_ domain.EventStream  = (*Client)(nil)
	_ domain.StatusSource = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithTokenSource sets the source of stream tokens. Without one the client
// always dials unauthenticated.
func WithTokenSource(ts domain.TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithLogger overrides the component logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDialHeader adds headers to every dial, e.g. the instance id.
func WithDialHeader(header http.Header) Option {
	return func(c *Client) {
		for k, vs := range header {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// New builds a client for the given socket URL and starts its run loop.
// The session stays idle until Open is called.
func New(cfg config.StreamConfig, wsURL string, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		wsURL:  wsURL,
		header: http.Header{},
		log:    logger.New("stream"),
		events: make(chan socketEvent, cfg.InboundBuffer),
		cmdSig: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.machine = newMachine(backoffPolicy{
		Base:        cfg.BaseDelay,
		Max:         cfg.MaxDelay,
		Growth:      cfg.GrowthFactor,
		MaxAttempts: cfg.MaxAttempts,
	})
	c.registry = newRegistry()
	c.router = newRouter(c.log)
	c.feed = newStatusFeed(cfg.StatusBuffer, c.log)
	c.keep = newKeepalive(cfg.KeepaliveInterval, cfg.PongTimeout, c.Send, c.staleSocket, c.log)
	c.clientID.Store("")
	metrics.SetStreamStatus(StateIdle.String())

	go c.run()
	return c
}

// Open starts the session. While already connecting or connected it is a
// no-op, and while a retry is pending it defers to the scheduled attempt;
// ReconnectNow is the way to jump the queue.
func (c *Client) Open() {
	c.post(func() {
		switch c.machine.state {
		case StateConnecting, StateConnected:
			c.log.Debug("open ignored, session already active",
				zap.String("state", c.machine.state.String()))
		case StateReconnecting:
			c.log.Debug("open ignored, retry already scheduled")
		default:
			c.apply(event{kind: evOpen})
		}
	})
}

// Close deliberately ends the session and suppresses auto-reconnect. The
// client stays usable; Open starts a new cycle.
func (c *Client) Close() {
	c.post(func() { c.apply(event{kind: evCloseReq}) })
}

// ReconnectNow cancels any pending backoff timer or in-flight dial, resets
// the attempt counter and connects immediately. This is also the only way
// out of the failed state.
func (c *Client) ReconnectNow() {
	c.post(func() { c.apply(event{kind: evReconnectNow}) })
}

// Shutdown closes the session and stops the run loop. Idempotent; the
// client cannot be reused afterwards.
func (c *Client) Shutdown(ctx context.Context) error {
	c.quitOnce.Do(func() { close(c.quit) })
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe acquires one reference per topic. Topics crossing zero to one
// go out as an incremental subscribe when connected; otherwise the next
// replay picks them up.
func (c *Client) Subscribe(topics ...string) {
	c.post(func() {
		added := c.registry.acquire(topics...)
		metrics.SetActiveSubscriptions(int64(c.registry.size()))
		if len(added) > 0 && c.machine.state == StateConnected {
			c.sendEnvelope(models.SubscribeEnvelope(added))
		}
	})
}

// Unsubscribe releases one reference per topic; topics crossing one to
// zero go out as an incremental unsubscribe when connected.
func (c *Client) Unsubscribe(topics ...string) {
	c.post(func() {
		removed := c.registry.release(topics...)
		metrics.SetActiveSubscriptions(int64(c.registry.size()))
		if len(removed) > 0 && c.machine.state == StateConnected {
			c.sendEnvelope(models.UnsubscribeEnvelope(removed))
		}
	})
}

// On registers a listener for a message kind and returns its handle.
func (c *Client) On(kind string, fn domain.EnvelopeFunc) domain.ListenerID {
	id := domain.ListenerID(c.nextListener.Add(1))
	c.post(func() { c.router.on(kind, id, fn) })
	return id
}

// Off removes a listener registered with On.
func (c *Client) Off(kind string, id domain.ListenerID) {
	c.post(func() { c.router.off(kind, id) })
}

// OnJob registers a listener for one job's stream. The first listener for
// a job acquires topic "jobs:<id>"; feature code never subscribes to job
// topics itself.
func (c *Client) OnJob(jobID string, fn domain.JobFunc) domain.ListenerID {
	id := domain.ListenerID(c.nextListener.Add(1))
	c.post(func() {
		first := c.router.onJob(jobID, id, fn)
		metrics.SetActiveJobStreams(int64(c.router.jobCount()))
		if !first {
			return
		}
		added := c.registry.acquire(models.JobTopic(jobID))
		metrics.SetActiveSubscriptions(int64(c.registry.size()))
		if len(added) > 0 && c.machine.state == StateConnected {
			c.sendEnvelope(models.SubscribeEnvelope(added))
		}
	})
	return id
}

// OffJob removes a job listener; the last one for a job releases its topic.
func (c *Client) OffJob(jobID string, id domain.ListenerID) {
	c.post(func() {
		last := c.router.offJob(jobID, id)
		metrics.SetActiveJobStreams(int64(c.router.jobCount()))
		if !last {
			return
		}
		removed := c.registry.release(models.JobTopic(jobID))
		metrics.SetActiveSubscriptions(int64(c.registry.size()))
		if len(removed) > 0 && c.machine.state == StateConnected {
			c.sendEnvelope(models.UnsubscribeEnvelope(removed))
		}
	})
}

// Send writes an envelope to the live socket. It reports false without
// queueing when no socket is open; subscription replay, not a queue, is
// what restores state after a reconnect.
func (c *Client) Send(env models.Envelope) bool {
	s := c.live.Load()
	if s == nil {
		return false
	}
	if err := s.send(env); err != nil {
		return false
	}
	metrics.IncrementMessagesSent(env.Type)
	return true
}

// StatusFeed subscribes to connection status updates.
func (c *Client) StatusFeed() (<-chan StatusUpdate, func()) {
	return c.feed.Subscribe()
}

// Status returns the most recent status emission.
func (c *Client) Status() StatusUpdate {
	return c.feed.Current()
}

// StatusName returns the current lifecycle state name.
func (c *Client) StatusName() string {
	return State(c.state.Load()).String()
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	return c.live.Load() != nil
}

// ClientID returns the server-assigned id, empty until the connection
// envelope arrives.
func (c *Client) ClientID() string {
	return c.clientID.Load().(string)
}

// post hands a command to the run loop. The mailbox is unbounded so a
// handler running inside the loop can register or remove listeners without
// deadlocking.
func (c *Client) post(f func()) {
	select {
	case <-c.done:
		return
	default:
	}
	c.cmdMu.Lock()
	c.cmdq = append(c.cmdq, f)
	c.cmdMu.Unlock()
	select {
	case c.cmdSig <- struct{}{}:
	default:
	}
}

func (c *Client) drainCommands() []func() {
	c.cmdMu.Lock()
	cmds := c.cmdq
	c.cmdq = nil
	c.cmdMu.Unlock()
	return cmds
}

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			c.apply(event{kind: evCloseReq})
			c.feed.close()
			return
		case <-c.cmdSig:
			for _, f := range c.drainCommands() {
				f()
			}
		case e := <-c.events:
			c.handleSocketEvent(e)
		}
	}
}

func (c *Client) handleSocketEvent(e socketEvent) {
	if e.gen != c.curGen {
		// A dial that finished after being superseded still opened a
		// socket; close it instead of leaking it.
		if e.kind == sockOpened && e.sock != nil {
			e.sock.close()
		}
		c.log.Debug("discarding event from superseded socket", zap.Uint64("gen", e.gen))
		return
	}

	switch e.kind {
	case sockOpened:
		if c.dialCancel != nil {
			c.dialCancel()
			c.dialCancel = nil
		}
		c.sock = e.sock
		c.live.Store(e.sock)
		c.authToken = e.token
		go e.sock.readLoop(c.events, c.done)
		c.apply(event{kind: evOpened})

	case sockFrame:
		metrics.MessageSizeBytes.Observe(float64(len(e.frame)))
		env, err := models.DecodeEnvelope(e.frame)
		if err != nil {
			metrics.IncrementMalformedFrames()
			c.log.Warn("dropping malformed frame",
				zap.Int("bytes", len(e.frame)),
				zap.Error(err))
			return
		}
		metrics.IncrementMessagesReceived(env.Type)
		c.handleEnvelope(env)

	case sockClosed:
		c.teardownSocket()
		c.apply(event{kind: evClosed, code: e.code, reason: e.reason})

	case sockErrored:
		c.teardownSocket()
		c.apply(event{kind: evErrored, err: e.err})
	}
}

// handleEnvelope runs the kind-specific bookkeeping, then hands the
// envelope to the router. Connection and pong frames still dispatch so
// listeners can observe them.
func (c *Client) handleEnvelope(env models.Envelope) {
	switch env.Type {
	case models.KindConnection:
		if env.ClientID != "" {
			c.clientID.Store(env.ClientID)
			c.log.Info("gateway assigned client id", zap.String("client_id", env.ClientID))
		}
	case models.KindPong:
		c.keep.notePong()
	}
	c.router.dispatch(env)
}

// apply runs one event through the lifecycle machine and executes the
// resulting actions in order.
func (c *Client) apply(ev event) {
	next, actions := c.machine.transition(ev)
	prev := c.machine.state
	c.machine = next
	if next.state != prev {
		c.state.Store(int32(next.state))
		metrics.SetStreamStatus(next.state.String())
	}
	for _, act := range actions {
		c.execute(act)
	}
}

func (c *Client) execute(act action) {
	switch act.kind {
	case actDial:
		c.startDial()
	case actScheduleRetry:
		c.scheduleRetry(act.delay)
	case actCancelRetry:
		c.cancelRetry()
	case actCancelDial:
		c.cancelDial()
	case actCloseSocket:
		c.teardownSocket()
	case actStartKeepalive:
		c.keep.start(c.curGen)
	case actStopKeepalive:
		c.keep.stop()
	case actReplaySubscriptions:
		c.replaySubscriptions()
	case actDiscardToken:
		c.authToken = ""
		c.clientID.Store("")
		metrics.StreamAuthFailures.Inc()
	case actStatus:
		c.emitStatus(act.status)
	}
}

// startDial launches one connect attempt off the loop. Its generation
// becomes the only one whose events the loop accepts.
func (c *Client) startDial() {
	c.lastGen++
	gen := c.lastGen
	c.curGen = gen

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	go c.attempt(ctx, gen, c.authToken)
}

// attempt fetches a token when none is cached, dials, and posts the result
// back to the loop. A cancelled attempt posts nothing.
func (c *Client) attempt(ctx context.Context, gen uint64, token string) {
	if token == "" && c.tokens != nil {
		fetched, err := c.tokens.StreamToken(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.postSocketEvent(socketEvent{gen: gen, kind: sockErrored, err: err})
			return
		}
		token = fetched
	}

	s, err := dialSocket(ctx, gen, c.wsURL, token, c.header, c.cfg, c.log)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.postSocketEvent(socketEvent{gen: gen, kind: sockErrored, err: err})
		return
	}
	if !c.postSocketEvent(socketEvent{gen: gen, kind: sockOpened, sock: s, token: token}) {
		s.close()
	}
}

func (c *Client) postSocketEvent(e socketEvent) bool {
	select {
	case c.events <- e:
		return true
	case <-c.done:
		return false
	}
}

// staleSocket is the keepalive's way of reporting a silent death.
func (c *Client) staleSocket(gen uint64) {
	c.postSocketEvent(socketEvent{
		gen:  gen,
		kind: sockErrored,
		err:  stderrors.New("keepalive timeout: no pong from gateway"),
	})
}

// teardownSocket closes and forgets the current socket so posthumous
// events from its read loop are discarded.
func (c *Client) teardownSocket() {
	if c.sock != nil {
		c.sock.close()
		c.sock = nil
	}
	c.live.Store(nil)
	c.curGen = 0
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
}

func (c *Client) cancelDial() {
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.curGen = 0
}

// scheduleRetry arms the backoff timer. The sequence guard keeps a fire
// that raced a cancel from driving a stale transition.
func (c *Client) scheduleRetry(delay time.Duration) {
	c.cancelRetry()
	c.retrySeq++
	seq := c.retrySeq
	c.retryTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if c.retrySeq != seq || c.machine.state != StateReconnecting {
				return
			}
			c.apply(event{kind: evRetryDue})
		})
	})
	metrics.IncrementReconnects()
}

func (c *Client) cancelRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.retrySeq++
}

// replaySubscriptions sends the full topic snapshot as one subscribe. The
// gateway treats re-subscribing as a no-op, so replaying everything is
// safe whether or not it kept state across the reconnect.
func (c *Client) replaySubscriptions() {
	topics := c.registry.snapshot()
	if len(topics) == 0 {
		return
	}
	c.sendEnvelope(models.SubscribeEnvelope(topics))
	c.log.Debug("replayed subscriptions", zap.Int("topics", len(topics)))
}

// sendEnvelope writes through the loop's own socket reference.
func (c *Client) sendEnvelope(env models.Envelope) bool {
	if c.sock == nil {
		return false
	}
	if err := c.sock.send(env); err != nil {
		c.log.Warn("outbound send failed", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	metrics.IncrementMessagesSent(env.Type)
	return true
}

// emitStatus stamps and publishes one status update.
func (c *Client) emitStatus(u StatusUpdate) {
	u.At = time.Now()
	if u.Status == StatusReconnecting {
		u.Deadline = u.At.Add(u.Delay)
	}

	switch u.Status {
	case StatusConnecting:
		c.log.Info("connecting to gateway", zap.String("url", c.wsURL), zap.Int("attempt", u.Attempt))
	case StatusConnected:
		c.log.Info("gateway stream connected")
	case StatusDisconnected:
		c.log.Info("gateway stream disconnected",
			zap.Int("code", u.Code), zap.String("reason", u.Reason))
	case StatusReconnecting:
		c.log.Warn("gateway stream lost, retrying",
			zap.Int("attempt", u.Attempt),
			zap.Int("max_attempts", u.MaxAttempts),
			zap.Duration("delay", u.Delay))
	case StatusError:
		c.log.Warn("gateway stream error", zap.String("reason", u.Reason))
	case StatusAuthFailed:
		c.log.Warn("gateway rejected stream auth, token discarded", zap.Int("code", u.Code))
	case StatusFailed:
		c.log.Error("gateway stream failed, retries exhausted",
			zap.Int("attempts", u.Attempt),
			zap.Int("max_attempts", u.MaxAttempts))
	}

	c.feed.publish(u)
}
