// Package web serves the simulated gateway's HTTP surface: the info
// document, the inventory and notification REST endpoints, the session
// token endpoint, and the realtime socket.
package web

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/constants"
	apperrors "github.com/vmscope/console/internal/errors"
	"github.com/vmscope/console/internal/models"
)

// Backend is what the HTTP layer needs from the simulator. Handlers
// stay thin; all state lives behind this interface.
type Backend interface {
	Info() constants.GatewayInfo
	Hosts() []models.Host
	VMs() []models.VM
	Job(id string) (models.Job, bool)
	InitialState() models.InitialState
	MarkNotificationRead(id string) (models.Notification, bool)
	AuthEnabled() bool
	IssueToken() (string, error)
	HandleSocket(w http.ResponseWriter, r *http.Request)
}

// Handler routes requests to the backend.
type Handler struct {
	config  *config.Config
	logger  *zap.Logger
	backend Backend
}

// NewHandler wires the routes and the middleware chain: panic recovery
// outermost, then request logging, then security headers.
func NewHandler(cfg *config.Config, logger *zap.Logger, backend Backend) http.Handler {
	h := &Handler{
		config:  cfg,
		logger:  logger,
		backend: backend,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", apperrors.WrapHandler(h.handleInfo))
	mux.Handle("GET /api/hosts", apperrors.WrapHandler(h.handleHosts))
	mux.Handle("GET /api/vms", apperrors.WrapHandler(h.handleVMs))
	mux.Handle("GET /api/jobs/{id}", apperrors.WrapHandler(h.handleJob))
	mux.Handle("GET /api/notifications", apperrors.WrapHandler(h.handleNotifications))
	mux.Handle("POST /api/notifications/{id}/read", apperrors.WrapHandler(h.handleMarkRead))
	mux.Handle("GET /api/ws/token", apperrors.WrapHandler(h.handleToken))
	mux.HandleFunc("GET /api/ws", backend.HandleSocket)

	chain := SecurityMiddleware(APISecurityHeaders())(mux)
	chain = RequestLogger(logger)(chain)
	return apperrors.NewErrorMiddleware().RecoveryMiddleware(chain)
}

// handleInfo serves the gateway info document at the root, so a plain
// GET against the listener tells a client what it is talking to.
func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) error {
	return h.writeJSON(w, http.StatusOK, h.backend.Info())
}

func (h *Handler) handleHosts(w http.ResponseWriter, r *http.Request) error {
	return h.writeJSON(w, http.StatusOK, models.HostList{Hosts: h.backend.Hosts()})
}

func (h *Handler) handleVMs(w http.ResponseWriter, r *http.Request) error {
	return h.writeJSON(w, http.StatusOK, models.VMList{VMs: h.backend.VMs()})
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) error {
	job, ok := h.backend.Job(r.PathValue("id"))
	if !ok {
		return apperrors.NotFoundError("job")
	}
	return h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) error {
	return h.writeJSON(w, http.StatusOK, h.backend.InitialState())
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) error {
	if _, ok := h.backend.MarkNotificationRead(r.PathValue("id")); !ok {
		return apperrors.NotFoundError("notification")
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// handleToken mints a session token. With auth disabled the endpoint
// does not exist, which is how a console discovers it can dial without
// credentials.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) error {
	if !h.backend.AuthEnabled() {
		return apperrors.NotFoundError("token endpoint")
	}
	token, err := h.backend.IssueToken()
	if err != nil {
		return apperrors.InternalError("Session token issue failed", err)
	}
	return h.writeJSON(w, http.StatusOK, models.TokenResponse{Token: token})
}

// writeJSON encodes v with status. Encoding failures after the header
// has gone out can only be logged.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
	return nil
}
