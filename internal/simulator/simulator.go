// Package simulator is a self-contained stand-in for a VMScope
// virtualization gateway. It serves the gateway's REST surface and
// realtime socket on one listener and generates synthetic inventory,
// job, and notification traffic, so a console can be developed and
// load-tested without real infrastructure behind it.
package simulator

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/constants"
	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/limiter"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/metrics"
	"github.com/vmscope/console/internal/models"
	"github.com/vmscope/console/internal/web"
)

// housekeepingInterval paces the limiter sweep and the connection gauge
// resync.
const housekeepingInterval = time.Minute

// Simulator owns the fixture store, the attached console connections,
// and the synthetic activity generator.
type Simulator struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store
	hub      *hub
	tokens   *tokenIssuer // nil when auth is disabled
	limiter  *limiter.Registry
	upgrader websocket.Upgrader
	errMW    *apperrors.ErrorMiddleware

	activeJobs atomic.Int32
}

// New builds a simulator from the configuration, seeding the fixture
// inventory and a boot entry on the notification feed.
func New(cfg *config.Config) *Simulator {
	s := &Simulator{
		cfg:     cfg,
		logger:  logger.New("simulator"),
		store:   newStore(cfg.Simulator.HostCount, cfg.Simulator.VMsPerHost),
		hub:     newHub(),
		limiter: limiter.NewRegistry(cfg.Simulator.RateLimit),
		errMW:   apperrors.NewErrorMiddleware(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				// Development tool, any origin may attach.
				return true
			},
		},
	}
	if cfg.Simulator.AuthEnabled {
		s.tokens = newTokenIssuer(cfg.Simulator.AuthSecret, cfg.Simulator.TokenTTL)
	}

	s.store.AddNotification(models.Notification{
		ID:       uuid.NewString(),
		Severity: models.SeverityInfo,
		Title:    "Simulator online",
		Message: fmt.Sprintf("Gateway simulator seeded with %d hosts and %d VMs",
			cfg.Simulator.HostCount, cfg.Simulator.HostCount*cfg.Simulator.VMsPerHost),
		Category:  models.CategorySystem,
		CreatedAt: time.Now(),
	})
	return s
}

// Handler returns the simulator's HTTP surface: the info document, the
// inventory and notification REST endpoints, the token endpoint, and
// the realtime socket.
func (s *Simulator) Handler() http.Handler {
	return web.NewHandler(s.cfg, logger.New("web"), s)
}

// Run serves the simulator until ctx is cancelled. The activity
// generator and housekeeping run alongside the HTTP listener.
func (s *Simulator) Run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.cfg.Simulator.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.runActivity(ctx)
	go s.runHousekeeping(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down simulator")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("simulator shutdown incomplete", zap.Error(err))
		}
		s.hub.closeAll()
	}()

	s.logger.Info("simulator listening",
		zap.String("addr", s.cfg.Simulator.Listen),
		zap.Bool("auth", s.cfg.Simulator.AuthEnabled),
		zap.Int("hosts", s.cfg.Simulator.HostCount),
		zap.Int("vms", s.cfg.Simulator.HostCount*s.cfg.Simulator.VMsPerHost))

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("simulator listen on %s: %w", s.cfg.Simulator.Listen, err)
	}
	return nil
}

// runHousekeeping sweeps idle rate buckets and keeps the connection
// gauge honest.
func (s *Simulator) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.limiter.Sweep(s.cfg.Simulator.IdleTimeout); removed > 0 {
				s.logger.Debug("swept idle rate buckets", zap.Int("removed", removed))
			}
			metrics.SyncSimConnectionsCount(int64(s.hub.count()))
		}
	}
}

// Info returns the gateway info document with the live connection count.
func (s *Simulator) Info() constants.GatewayInfo {
	info := constants.DefaultGatewayInfo(s.cfg)
	info.ActiveConnections = metrics.GetSimConnectionsCount()
	info.Status = "online"
	if info.ActiveConnections == 0 {
		info.Status = "idle"
	}
	return info
}

// Hosts returns the fixture hosts.
func (s *Simulator) Hosts() []models.Host {
	return s.store.Hosts()
}

// VMs returns the fixture VMs.
func (s *Simulator) VMs() []models.VM {
	return s.store.VMs()
}

// Job returns one job by id.
func (s *Simulator) Job(id string) (models.Job, bool) {
	return s.store.Job(id)
}

// InitialState returns the notification feed snapshot.
func (s *Simulator) InitialState() models.InitialState {
	return s.store.Snapshot()
}

// MarkNotificationRead flags a feed entry as read and pushes the update
// to attached consoles so their unread counts stay in step.
func (s *Simulator) MarkNotificationRead(id string) (models.Notification, bool) {
	n, ok := s.store.MarkRead(id)
	if !ok {
		return models.Notification{}, false
	}
	if env, err := notificationEnvelope(n, models.ActionUpdated); err == nil {
		s.hub.broadcast(models.TopicNotifications, env)
	} else {
		s.logger.Error("failed to encode notification update", zap.Error(err))
	}
	return n, true
}

// AuthEnabled reports whether the simulator requires session tokens.
func (s *Simulator) AuthEnabled() bool {
	return s.tokens != nil
}

// IssueToken mints a session token for the socket dial.
func (s *Simulator) IssueToken() (string, error) {
	if s.tokens == nil {
		return "", fmt.Errorf("authentication is disabled")
	}
	return s.tokens.Issue()
}

// HandleSocket upgrades a console's request and runs the session until
// either side disconnects. A bad token is reported after the upgrade
// with a policy violation close, so the console can tell a rejected
// credential apart from a network fault.
func (s *Simulator) HandleSocket(w http.ResponseWriter, r *http.Request) {
	if current := s.hub.count(); current >= s.cfg.Simulator.MaxConnections {
		s.errMW.HandleError(w, r, apperrors.ConnectionLimitError(current, s.cfg.Simulator.MaxConnections))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	if s.tokens != nil {
		if err := s.tokens.Verify(r.URL.Query().Get("token")); err != nil {
			s.logger.Warn("rejecting console with bad token",
				zap.String("remote_addr", ws.RemoteAddr().String()),
				zap.Error(err))
			deadline := time.Now().Add(s.cfg.Simulator.WriteTimeout)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid session token"), deadline)
			ws.Close()
			return
		}
	}

	c := newConn(s, ws)
	c.send(connectionEnvelope(c.id))
	if env, err := initialStateEnvelope(s.store.Snapshot()); err == nil {
		c.send(env)
	} else {
		s.logger.Error("failed to encode initial state", zap.Error(err))
	}

	s.hub.add(c)
	metrics.IncrementSimConnections()
	s.logger.Info("console attached",
		zap.String("client_id", c.id),
		zap.String("remote_addr", ws.RemoteAddr().String()),
		zap.Int("connections", s.hub.count()))

	go c.writeLoop()
	c.readLoop()
}
