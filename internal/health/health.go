// Package health reports per-component health for the admin endpoint.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/vmscope/console/internal/constants"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the status of a specific component
type ComponentStatus struct {
	Name    string                 `json:"name"`
	Status  HealthStatus           `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus           `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Version    string                 `json:"version"`
	Instance   string                 `json:"instance,omitempty"`
	Uptime     string                 `json:"uptime"`
	Components []*ComponentStatus     `json:"components"`
	Summary    map[string]interface{} `json:"summary"`
}

// StreamInterface is the stream state view the checker needs.
type StreamInterface interface {
	StatusName() string
	Connected() bool
}

// JournalInterface is the journal store view the checker needs.
type JournalInterface interface {
	Ping() error
}

// GatewayInterface is the REST reachability probe the checker needs.
type GatewayInterface interface {
	Info(ctx context.Context) (constants.GatewayInfo, error)
}

// InventoryInterface is the mirror freshness view the checker needs.
type InventoryInterface interface {
	LastSync() time.Time
	LastError() error
}

// HealthChecker aggregates component checks. Components are optional;
// only the wired ones are probed. The runtime check always runs.
type HealthChecker struct {
	stream     StreamInterface
	journal    JournalInterface
	gateway    GatewayInterface
	inventory  InventoryInterface
	staleAfter time.Duration

	logger    *zap.Logger
	startTime time.Time
	version   string
	instance  string
}

// Option wires one optional component into the checker.
type Option func(*HealthChecker)

// WithStream probes the gateway stream session state.
func WithStream(s StreamInterface) Option {
	return func(h *HealthChecker) { h.stream = s }
}

// WithJournal probes journal store reachability.
func WithJournal(j JournalInterface) Option {
	return func(h *HealthChecker) { h.journal = j }
}

// WithGateway probes the gateway REST API via the info endpoint.
func WithGateway(g GatewayInterface) Option {
	return func(h *HealthChecker) { h.gateway = g }
}

// WithInventory probes mirror freshness; older than staleAfter degrades.
func WithInventory(inv InventoryInterface, staleAfter time.Duration) Option {
	return func(h *HealthChecker) {
		h.inventory = inv
		h.staleAfter = staleAfter
	}
}

// WithInstance stamps responses with the persisted instance id.
func WithInstance(id string) Option {
	return func(h *HealthChecker) { h.instance = id }
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(logger *zap.Logger, version string, opts ...Option) *HealthChecker {
	h := &HealthChecker{
		logger:    logger.Named("health"),
		startTime: time.Now(),
		version:   version,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckHealth probes every wired component and aggregates the result.
func (h *HealthChecker) CheckHealth(ctx context.Context) *HealthResponse {
	started := time.Now()
	components := make([]*ComponentStatus, 0, 5)

	if h.stream != nil {
		components = append(components, h.checkStream())
	}
	if h.gateway != nil {
		components = append(components, h.checkGateway(ctx))
	}
	if h.journal != nil {
		components = append(components, h.checkJournal())
	}
	if h.inventory != nil {
		components = append(components, h.checkInventory())
	}
	components = append(components, h.checkRuntime())

	overallStatus := h.determineOverallStatus(components)
	uptime := time.Since(h.startTime)

	return &HealthResponse{
		Status:     overallStatus,
		Timestamp:  time.Now(),
		Version:    h.version,
		Instance:   h.instance,
		Uptime:     h.formatUptime(uptime),
		Components: components,
		Summary: map[string]interface{}{
			"total_components":     len(components),
			"healthy_components":   h.countComponentsByStatus(components, StatusHealthy),
			"degraded_components":  h.countComponentsByStatus(components, StatusDegraded),
			"unhealthy_components": h.countComponentsByStatus(components, StatusUnhealthy),
			"check_duration_ms":    time.Since(started).Milliseconds(),
		},
	}
}

// checkStream maps the session lifecycle state to a health status. Only a
// stream that gave up reconnecting makes the console unhealthy; the
// in-between states are the normal churn of a gateway restart.
func (h *HealthChecker) checkStream() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "stream",
		Details: make(map[string]interface{}),
	}

	state := h.stream.StatusName()
	status.Details["state"] = state

	switch {
	case h.stream.Connected():
		status.Status = StatusHealthy
		status.Message = "Gateway stream connected"
	case state == "failed":
		status.Status = StatusUnhealthy
		status.Message = "Reconnection attempts exhausted"
	case state == "idle":
		status.Status = StatusDegraded
		status.Message = "Stream not started"
	default:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Stream %s", state)
	}

	return status
}

// checkGateway fetches the info document as a REST reachability probe. A
// REST outage degrades rather than kills: the realtime layer is judged by
// the stream check.
func (h *HealthChecker) checkGateway(ctx context.Context) *ComponentStatus {
	status := &ComponentStatus{
		Name:    "gateway_api",
		Details: make(map[string]interface{}),
	}

	info, err := h.gateway.Info(ctx)
	if err != nil {
		status.Status = StatusDegraded
		status.Message = "Gateway REST API unreachable"
		status.Details["error"] = err.Error()
		return status
	}

	status.Details["gateway"] = info.Name
	status.Details["gateway_version"] = info.Version
	status.Details["protocol_version"] = info.ProtocolVersion

	if info.ProtocolVersion != "" && info.ProtocolVersion != constants.ProtocolVersion {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Gateway speaks protocol %s, console speaks %s",
			info.ProtocolVersion, constants.ProtocolVersion)
		return status
	}

	status.Status = StatusHealthy
	status.Message = "Gateway REST API reachable"
	return status
}

// checkJournal pings the journal store. An unreachable journal degrades
// but never makes the console unhealthy; losing the journal must not trip
// liveness restarts while the stream still works.
func (h *HealthChecker) checkJournal() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "journal",
		Details: make(map[string]interface{}),
	}

	if err := h.journal.Ping(); err != nil {
		status.Status = StatusDegraded
		status.Message = "Journal store unreachable"
		status.Details["error"] = err.Error()
		return status
	}

	status.Status = StatusHealthy
	status.Message = "Journal store reachable"
	return status
}

// checkInventory reports mirror freshness.
func (h *HealthChecker) checkInventory() *ComponentStatus {
	status := &ComponentStatus{
		Name:    "inventory",
		Details: make(map[string]interface{}),
	}

	if err := h.inventory.LastError(); err != nil {
		status.Details["error"] = err.Error()
	}

	lastSync := h.inventory.LastSync()
	if lastSync.IsZero() {
		status.Status = StatusDegraded
		status.Message = "Inventory has not synced yet"
		return status
	}

	age := time.Since(lastSync)
	status.Details["last_sync"] = lastSync.UTC().Format(time.RFC3339)
	status.Details["age_seconds"] = int64(age.Seconds())

	if h.staleAfter > 0 && age > h.staleAfter {
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Inventory stale for %s", age.Round(time.Second))
		return status
	}

	status.Status = StatusHealthy
	status.Message = "Inventory mirror is fresh"
	return status
}

// checkRuntime checks process-level resources.
func (h *HealthChecker) checkRuntime() *ComponentStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := &ComponentStatus{
		Name:    "runtime",
		Details: make(map[string]interface{}),
	}

	allocMB := float64(m.Alloc) / 1024 / 1024
	goroutines := runtime.NumGoroutine()

	status.Details["alloc_mb"] = allocMB
	status.Details["sys_mb"] = float64(m.Sys) / 1024 / 1024
	status.Details["num_gc"] = m.NumGC
	status.Details["goroutines"] = goroutines

	const (
		memoryWarningMB   = 500
		memoryCriticalMB  = 1000
		goroutineWarning  = 1000
		goroutineCritical = 5000
	)

	switch {
	case allocMB > memoryCriticalMB:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High memory usage: %.1f MB", allocMB)
	case goroutines > goroutineCritical:
		status.Status = StatusUnhealthy
		status.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	case allocMB > memoryWarningMB:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated memory usage: %.1f MB", allocMB)
	case goroutines > goroutineWarning:
		status.Status = StatusDegraded
		status.Message = fmt.Sprintf("Elevated goroutine count: %d", goroutines)
	default:
		status.Status = StatusHealthy
		status.Message = fmt.Sprintf("Runtime normal: %.1f MB, %d goroutines", allocMB, goroutines)
	}

	return status
}

// determineOverallStatus determines the overall health status from components
func (h *HealthChecker) determineOverallStatus(components []*ComponentStatus) HealthStatus {
	degraded := false
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// countComponentsByStatus counts components with a specific status
func (h *HealthChecker) countComponentsByStatus(components []*ComponentStatus, status HealthStatus) int {
	count := 0
	for _, comp := range components {
		if comp.Status == status {
			count++
		}
	}
	return count
}

// formatUptime formats uptime duration as a human-readable string
func (h *HealthChecker) formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	} else if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

// HandleHealth is the HTTP handler for health checks. Healthy and degraded
// both answer 200; only unhealthy answers 503.
func (h *HealthChecker) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), constants.HealthCheckTimeout*time.Second)
	defer cancel()

	healthResponse := h.CheckHealth(ctx)

	statusCode := http.StatusOK
	if healthResponse.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(healthResponse); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
		return
	}

	h.logger.Debug("Health check completed",
		zap.String("status", string(healthResponse.Status)),
		zap.Int("status_code", statusCode),
		zap.String("client_ip", r.RemoteAddr))
}
