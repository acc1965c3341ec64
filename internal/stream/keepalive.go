package stream

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
)

// keepalive probes the gateway with application-level pings while a socket
// is open and watches for pongs to come back. It catches the silent deaths
// the transport never reports, like a NAT dropping the path without a
// close frame.
type keepalive struct {
	interval    time.Duration
	pongTimeout time.Duration // 0 disables the forced close
	send        func(models.Envelope) bool
	stale       func(gen uint64)
	log         *zap.Logger

	lastPong atomic.Int64 // unix nanos of the most recent pong
	cancel   context.CancelFunc
}

func newKeepalive(interval, pongTimeout time.Duration, send func(models.Envelope) bool, stale func(gen uint64), log *zap.Logger) *keepalive {
	return &keepalive{
		interval:    interval,
		pongTimeout: pongTimeout,
		send:        send,
		stale:       stale,
		log:         log,
	}
}

// start begins probing for socket generation gen. Starting while a probe
// is already running replaces it, so a stray timer can never outlive its
// session. Called only from the client loop.
func (k *keepalive) start(gen uint64) {
	k.stop()
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.lastPong.Store(time.Now().UnixNano())
	go k.probe(ctx, gen)
}

// stop cancels the running probe, if any. Called only from the client loop.
func (k *keepalive) stop() {
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
}

// notePong records a liveness ack from the gateway.
func (k *keepalive) notePong() {
	k.lastPong.Store(time.Now().UnixNano())
}

func (k *keepalive) probe(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if k.pongTimeout > 0 {
				silent := time.Since(time.Unix(0, k.lastPong.Load()))
				if silent > k.pongTimeout {
					metrics.KeepaliveMisses.Inc()
					k.log.Warn("no pong within timeout, forcing close",
						zap.Uint64("gen", gen),
						zap.Duration("silent_for", silent),
						zap.Duration("pong_timeout", k.pongTimeout))
					k.stale(gen)
					return
				}
			}
			if !k.send(models.PingEnvelope()) {
				// Socket already gone; the loop will stop us.
				return
			}
		}
	}
}
