package stream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/models"
)

// authRejectionCode is the close code the gateway sends when it refuses
// the stream token.
const authRejectionCode = websocket.ClosePolicyViolation

type socketEventKind int

const (
	sockOpened socketEventKind = iota
	sockFrame
	sockClosed
	sockErrored
)

// socketEvent is what a socket (or a failed attempt) reports back to the
// client loop. The generation tag lets the loop discard events from a
// superseded attempt.
type socketEvent struct {
	gen    uint64
	kind   socketEventKind
	sock   *socket
	token  string // token the dial carried; cached by the loop on open
	frame  []byte
	code   int
	reason string
	err    error
}

// socket wraps one live websocket. A fresh instance is created per dial
// attempt and never reused.
type socket struct {
	gen          uint64
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	log          *zap.Logger
}

// dialSocket performs one connect attempt. The token, when present, rides
// the query string; an empty token dials unauthenticated.
func dialSocket(ctx context.Context, gen uint64, rawURL, token string, header http.Header, cfg config.StreamConfig, log *zap.Logger) (*socket, error) {
	dialURL := rawURL
	if token != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, apperrors.SocketError("parse dial url", err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		dialURL = u.String()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, dialURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, apperrors.SocketError("dial", err)
	}

	return &socket{
		gen:          gen,
		conn:         conn,
		writeTimeout: cfg.WriteTimeout,
		log:          log,
	}, nil
}

// readLoop pumps inbound frames to the client loop until the socket dies.
// It always finishes with exactly one closed or errored event.
func (s *socket) readLoop(events chan<- socketEvent, done <-chan struct{}) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			ev := socketEvent{gen: s.gen, kind: sockErrored, err: err}
			if stderrors.As(err, &closeErr) {
				ev = socketEvent{gen: s.gen, kind: sockClosed, code: closeErr.Code, reason: closeErr.Text}
			}
			select {
			case events <- ev:
			case <-done:
			}
			return
		}
		select {
		case events <- socketEvent{gen: s.gen, kind: sockFrame, frame: data}:
		case <-done:
			return
		}
	}
}

// send marshals the envelope and writes it as one text frame. Writers are
// serialized; a write deadline bounds a stuck peer.
func (s *socket) send(env models.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return apperrors.SocketError("encode envelope", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return apperrors.SocketError("set write deadline", err)
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return apperrors.SocketError("write", err)
	}
	return nil
}

// close tears the connection down once. Safe from any goroutine; gorilla
// allows WriteControl and Close concurrently with other methods.
func (s *socket) close() {
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			s.log.Debug("close frame not sent", zap.Uint64("gen", s.gen), zap.Error(err))
		}
		if err := s.conn.Close(); err != nil {
			s.log.Debug("socket close", zap.Uint64("gen", s.gen), zap.Error(err))
		}
	})
}
