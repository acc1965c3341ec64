package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/models"
)

// gatewayStub is a scriptable stand-in for the gateway's stream endpoint.
// It records every inbound envelope and every attach, and can refuse
// upgrades or close connections with a chosen code.
type gatewayStub struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	refuse   atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn

	inbound  chan models.Envelope
	attached chan stubConn
}

type stubConn struct {
	conn  *websocket.Conn
	token string
}

func newGatewayStub(t *testing.T) *gatewayStub {
	g := &gatewayStub{
		t:        t,
		inbound:  make(chan models.Envelope, 64),
		attached: make(chan stubConn, 16),
	}
	g.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gatewayStub) handle(w http.ResponseWriter, r *http.Request) {
	if g.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.mu.Unlock()

	select {
	case g.attached <- stubConn{conn: conn, token: r.URL.Query().Get("token")}:
	default:
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env models.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		select {
		case g.inbound <- env:
		default:
		}
	}
}

func (g *gatewayStub) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *gatewayStub) push(conn *websocket.Conn, env models.Envelope) {
	g.t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		g.t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		g.t.Fatalf("push envelope: %v", err)
	}
}

func (g *gatewayStub) closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// tokenStub hands out tokens in order, repeating the last one.
type tokenStub struct {
	mu     sync.Mutex
	tokens []string
	calls  int
	err    error
}

func (ts *tokenStub) StreamToken(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.calls++
	if ts.err != nil {
		return "", ts.err
	}
	if len(ts.tokens) == 0 {
		return "", nil
	}
	tok := ts.tokens[0]
	if len(ts.tokens) > 1 {
		ts.tokens = ts.tokens[1:]
	}
	return tok, nil
}

func (ts *tokenStub) callCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.calls
}

func testStreamConfig() config.StreamConfig {
	return config.StreamConfig{
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          120 * time.Millisecond,
		GrowthFactor:      1.5,
		MaxAttempts:       10,
		KeepaliveInterval: time.Hour,
		PongTimeout:       0,
		HandshakeTimeout:  2 * time.Second,
		WriteTimeout:      2 * time.Second,
		InboundBuffer:     64,
		StatusBuffer:      64,
	}
}

func newTestClient(t *testing.T, cfg config.StreamConfig, g *gatewayStub, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	c := New(cfg, g.url(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func awaitAttach(t *testing.T, g *gatewayStub) stubConn {
	t.Helper()
	select {
	case sc := <-g.attached:
		return sc
	case <-time.After(3 * time.Second):
		t.Fatal("no connection attached")
		return stubConn{}
	}
}

func awaitInbound(t *testing.T, g *gatewayStub) models.Envelope {
	t.Helper()
	select {
	case env := <-g.inbound:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("no inbound message")
		return models.Envelope{}
	}
}

func assertQuiet(t *testing.T, g *gatewayStub, d time.Duration) {
	t.Helper()
	select {
	case env := <-g.inbound:
		t.Fatalf("unexpected %q message", env.Type)
	case <-time.After(d):
	}
}

// awaitStatus skips emissions until want arrives.
func awaitStatus(t *testing.T, ch <-chan StatusUpdate, want Status) StatusUpdate {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("status feed closed waiting for %s", want)
			}
			if u.Status == want {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", want)
		}
	}
}

// nextStatus returns the very next emission.
func nextStatus(t *testing.T, ch <-chan StatusUpdate) StatusUpdate {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("status feed closed")
		}
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a status update")
		return StatusUpdate{}
	}
}

func TestOpenWhileActiveIsNoop(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	c.Open()
	select {
	case <-g.attached:
		t.Fatal("second open created another socket")
	case <-time.After(200 * time.Millisecond):
	}
	if got := c.StatusName(); got != "connected" {
		t.Fatalf("state = %q after redundant open, want connected", got)
	}
}

func TestSubscriptionReplayOnConnect(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	// Subscribed while disconnected, with one duplicate.
	c.Subscribe("notifications")
	c.Subscribe("all", "notifications")
	c.Subscribe("jobs:j9")

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	env := awaitInbound(t, g)
	if env.Type != models.KindSubscribe {
		t.Fatalf("first outbound message = %q, want subscribe", env.Type)
	}
	want := []string{"all", "jobs:j9", "notifications"}
	if !reflect.DeepEqual(env.Topics, want) {
		t.Fatalf("replayed topics = %v, want %v", env.Topics, want)
	}
}

func TestIncrementalSubscribeUsesRefcounts(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	c.Subscribe("notifications")
	env := awaitInbound(t, g)
	if env.Type != models.KindSubscribe || !reflect.DeepEqual(env.Topics, []string{"notifications"}) {
		t.Fatalf("incremental subscribe = %+v", env)
	}

	// Second reference: no wire traffic.
	c.Subscribe("notifications")
	assertQuiet(t, g, 150*time.Millisecond)

	// First release: still held.
	c.Unsubscribe("notifications")
	assertQuiet(t, g, 150*time.Millisecond)

	// Final release goes out.
	c.Unsubscribe("notifications")
	env = awaitInbound(t, g)
	if env.Type != models.KindUnsubscribe || !reflect.DeepEqual(env.Topics, []string{"notifications"}) {
		t.Fatalf("incremental unsubscribe = %+v", env)
	}
}

func TestJobListenerLifecycle(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	id1 := c.OnJob("J1", func(models.JobEvent) {})
	env := awaitInbound(t, g)
	if env.Type != models.KindSubscribe || !reflect.DeepEqual(env.Topics, []string{"jobs:J1"}) {
		t.Fatalf("first job listener sent %+v", env)
	}

	// A second listener for the same job must not resubscribe.
	id2 := c.OnJob("J1", func(models.JobEvent) {})
	assertQuiet(t, g, 150*time.Millisecond)

	// Removing one of two listeners keeps the topic.
	c.OffJob("J1", id1)
	assertQuiet(t, g, 150*time.Millisecond)

	// The last listener out releases it.
	c.OffJob("J1", id2)
	env = awaitInbound(t, g)
	if env.Type != models.KindUnsubscribe || !reflect.DeepEqual(env.Topics, []string{"jobs:J1"}) {
		t.Fatalf("last job listener sent %+v", env)
	}
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	received := make(chan models.Envelope, 1)
	c.On(models.KindNotification, func(models.Envelope) { panic("boom") })
	c.On(models.KindNotification, func(env models.Envelope) { received <- env })

	c.Open()
	sc := awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	data, _ := json.Marshal(map[string]any{"id": "n1", "message": "host hv-03 offline"})
	g.push(sc.conn, models.Envelope{Type: models.KindNotification, Action: models.ActionCreated, Data: data})

	select {
	case env := <-received:
		if env.Action != models.ActionCreated {
			t.Fatalf("action = %q", env.Action)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second handler never received the message")
	}

	if got := c.StatusName(); got != "connected" {
		t.Fatalf("state = %q after handler panic, want connected", got)
	}
}

func TestAuthRejectionDiscardsToken(t *testing.T) {
	g := newGatewayStub(t)
	ts := &tokenStub{tokens: []string{"tok-1", "tok-2"}}
	c := newTestClient(t, testStreamConfig(), g, WithTokenSource(ts))
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	sc1 := awaitAttach(t, g)
	if sc1.token != "tok-1" {
		t.Fatalf("first dial token = %q, want tok-1", sc1.token)
	}
	if u := nextStatus(t, feed); u.Status != StatusConnecting {
		t.Fatalf("first status = %s, want connecting", u.Status)
	}
	if u := nextStatus(t, feed); u.Status != StatusConnected {
		t.Fatalf("second status = %s, want connected", u.Status)
	}

	g.closeWithCode(sc1.conn, websocket.ClosePolicyViolation, "token expired")

	// The close must surface as auth_failed, never as plain disconnected.
	u := nextStatus(t, feed)
	if u.Status != StatusAuthFailed {
		t.Fatalf("status after 1008 close = %s, want auth_failed", u.Status)
	}
	if u.Code != websocket.ClosePolicyViolation {
		t.Fatalf("auth_failed code = %d, want 1008", u.Code)
	}
	if u := nextStatus(t, feed); u.Status != StatusReconnecting {
		t.Fatalf("status after auth_failed = %s, want reconnecting", u.Status)
	}

	// The discarded token forces a fresh fetch for the retry.
	sc2 := awaitAttach(t, g)
	if sc2.token != "tok-2" {
		t.Fatalf("retry dial token = %q, want tok-2", sc2.token)
	}
	if got := ts.callCount(); got != 2 {
		t.Fatalf("token fetches = %d, want 2", got)
	}
}

func TestTokenCachedAcrossOrdinaryReconnect(t *testing.T) {
	g := newGatewayStub(t)
	ts := &tokenStub{tokens: []string{"tok-1", "tok-2"}}
	c := newTestClient(t, testStreamConfig(), g, WithTokenSource(ts))
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	sc1 := awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	g.closeWithCode(sc1.conn, websocket.CloseNormalClosure, "gateway restart")
	awaitStatus(t, feed, StatusReconnecting)

	sc2 := awaitAttach(t, g)
	if sc2.token != "tok-1" {
		t.Fatalf("retry dial token = %q, want cached tok-1", sc2.token)
	}
	if got := ts.callCount(); got != 1 {
		t.Fatalf("token fetches = %d, want 1", got)
	}
}

func TestUnauthenticatedPathDialsWithoutToken(t *testing.T) {
	g := newGatewayStub(t)
	ts := &tokenStub{} // returns "", nil: auth disabled or endpoint missing
	c := newTestClient(t, testStreamConfig(), g, WithTokenSource(ts))
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	sc := awaitAttach(t, g)
	if sc.token != "" {
		t.Fatalf("dial carried token %q, want none", sc.token)
	}
	awaitStatus(t, feed, StatusConnected)
}

func TestRetriesExhaustedEndsFailed(t *testing.T) {
	g := newGatewayStub(t)
	g.refuse.Store(true)

	cfg := testStreamConfig()
	cfg.MaxAttempts = 3
	c := newTestClient(t, cfg, g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()

	var connecting, reconnecting, failed int
	var lastDelay time.Duration
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case u := <-feed:
			switch u.Status {
			case StatusConnecting:
				connecting++
			case StatusReconnecting:
				reconnecting++
				if u.Attempt != reconnecting {
					t.Fatalf("reconnecting attempt = %d, want %d", u.Attempt, reconnecting)
				}
				if u.MaxAttempts != 3 {
					t.Fatalf("reconnecting max_attempts = %d, want 3", u.MaxAttempts)
				}
				if u.Delay < lastDelay {
					t.Fatalf("delay %v shrank below %v", u.Delay, lastDelay)
				}
				if u.Deadline.Before(u.At) {
					t.Fatalf("deadline %v before emission time %v", u.Deadline, u.At)
				}
				lastDelay = u.Delay
			case StatusFailed:
				failed++
				break collect
			}
		case <-deadline:
			t.Fatalf("never reached failed: connecting=%d reconnecting=%d", connecting, reconnecting)
		}
	}

	if reconnecting != 3 {
		t.Fatalf("reconnecting emissions = %d, want 3", reconnecting)
	}
	if failed != 1 {
		t.Fatalf("failed emissions = %d, want 1", failed)
	}
	// Three connect attempts total: the initial open and two retries. The
	// third backoff timer resolves to terminal failure without a dial.
	if connecting != 3 {
		t.Fatalf("connecting emissions = %d, want 3 (initial + 2 retries)", connecting)
	}

	// Terminal: no further attempts on their own.
	select {
	case u := <-feed:
		t.Fatalf("emission after failed: %s", u.Status)
	case <-time.After(300 * time.Millisecond):
	}
	if got := c.StatusName(); got != "failed" {
		t.Fatalf("state = %q, want failed", got)
	}

	// Manual trigger is the way back.
	g.refuse.Store(false)
	c.ReconnectNow()
	awaitStatus(t, feed, StatusConnected)
}

func TestManualReconnectDuringBackoff(t *testing.T) {
	g := newGatewayStub(t)
	g.refuse.Store(true)

	cfg := testStreamConfig()
	cfg.BaseDelay = 10 * time.Second
	cfg.MaxDelay = 20 * time.Second
	c := newTestClient(t, cfg, g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	awaitStatus(t, feed, StatusReconnecting)

	g.refuse.Store(false)
	start := time.Now()
	c.ReconnectNow()

	awaitStatus(t, feed, StatusConnecting)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("connecting took %v, the pending 10s timer was not cancelled", elapsed)
	}
	sc := awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	// The manual trigger reset the counter: the next drop retries at 1.
	g.closeWithCode(sc.conn, websocket.CloseNormalClosure, "bye")
	u := awaitStatus(t, feed, StatusReconnecting)
	if u.Attempt != 1 {
		t.Fatalf("attempt after manual reset = %d, want 1", u.Attempt)
	}
}

func TestDeliberateCloseStopsSession(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	c.Close()
	awaitStatus(t, feed, StatusDisconnected)

	select {
	case <-g.attached:
		t.Fatal("client reconnected after deliberate close")
	case <-time.After(300 * time.Millisecond):
	}
	if got := c.StatusName(); got != "idle" {
		t.Fatalf("state = %q after close, want idle", got)
	}

	// The client stays usable.
	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)
}

func TestSendRequiresOpenSocket(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	if c.Send(models.PingEnvelope()) {
		t.Fatal("send succeeded with no socket")
	}

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	if !c.Send(models.PingEnvelope()) {
		t.Fatal("send failed while connected")
	}
	if env := awaitInbound(t, g); env.Type != models.KindPing {
		t.Fatalf("gateway received %q, want ping", env.Type)
	}
}

func TestConnectionEnvelopeAssignsClientID(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	sc := awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	g.push(sc.conn, models.Envelope{Type: models.KindConnection, ClientID: "c-42"})

	deadline := time.Now().Add(3 * time.Second)
	for c.ClientID() != "c-42" {
		if time.Now().After(deadline) {
			t.Fatalf("client id = %q, want c-42", c.ClientID())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	g := newGatewayStub(t)
	c := newTestClient(t, testStreamConfig(), g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	received := make(chan struct{}, 1)
	c.On(models.KindNotification, func(models.Envelope) { received <- struct{}{} })

	c.Open()
	sc := awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := sc.conn.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)); err != nil {
		t.Fatalf("write untyped: %v", err)
	}
	g.push(sc.conn, models.Envelope{Type: models.KindNotification, Action: models.ActionCreated})

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("frame after malformed input never delivered")
	}
	if got := c.StatusName(); got != "connected" {
		t.Fatalf("state = %q after malformed frames, want connected", got)
	}
}

func TestKeepaliveProbesAndAcks(t *testing.T) {
	g := newGatewayStub(t)

	cfg := testStreamConfig()
	cfg.KeepaliveInterval = 30 * time.Millisecond
	cfg.PongTimeout = 200 * time.Millisecond
	c := newTestClient(t, cfg, g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	sc := awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	// Answer every ping for a few keepalive windows.
	stop := time.After(400 * time.Millisecond)
	pings := 0
answer:
	for {
		select {
		case env := <-g.inbound:
			if env.Type == models.KindPing {
				pings++
				g.push(sc.conn, models.Envelope{Type: models.KindPong})
			}
		case <-stop:
			break answer
		}
	}

	if pings == 0 {
		t.Fatal("no keepalive pings observed")
	}
	if got := c.StatusName(); got != "connected" {
		t.Fatalf("state = %q with healthy pongs, want connected", got)
	}
}

func TestKeepaliveTimeoutForcesReconnect(t *testing.T) {
	g := newGatewayStub(t)

	cfg := testStreamConfig()
	cfg.KeepaliveInterval = 25 * time.Millisecond
	cfg.PongTimeout = 60 * time.Millisecond
	c := newTestClient(t, cfg, g)
	feed, cancel := c.StatusFeed()
	defer cancel()

	c.Open()
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)

	// The gateway never answers; the monitor must force the close.
	u := awaitStatus(t, feed, StatusError)
	if !strings.Contains(u.Reason, "keepalive") {
		t.Fatalf("error reason = %q, want keepalive timeout", u.Reason)
	}
	awaitStatus(t, feed, StatusReconnecting)

	// The ordinary recovery path takes over.
	awaitAttach(t, g)
	awaitStatus(t, feed, StatusConnected)
}
