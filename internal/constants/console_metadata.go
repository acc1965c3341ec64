package constants

import (
	"time"

	"github.com/vmscope/console/internal/config"
)

// Database constants
const (
	DatabaseName = "vmscope"
)

// Default service metadata constants
const (
	DefaultServiceName        = "vmscope-console"
	DefaultServiceDescription = "Headless console agent for VMScope virtualization gateways. Maintains the realtime event stream, mirrors inventory, and journals gateway activity."
	DefaultServiceContact     = "support@vmscope.io"
	DefaultServiceSoftware    = "vmscope-console"
)

// Wire protocol identifiers shared by the stream client and the simulator
const (
	ProtocolVersion = "1"

	TopicNotifications = "notifications"
	TopicAll           = "all"
	TopicJobPrefix     = "jobs:"
)

// Simulator limitations advertised on the info endpoint
const (
	MaxMessageLength = 65536
	MaxTopics        = 256
	MaxTopicLength   = 128
)

// Database operation constants
const (
	MaxDBRetries = 3 // Maximum database connection retry attempts
	DBRetryDelay = 1 // Database retry delay in seconds

	// Database connection pool constants. Pool sizes are picked from the
	// journal buffer size: the console holds one gateway session, so the
	// pool only has to keep up with the batch writer and health checks.
	DBPoolSmallMaxConns  = 4
	DBPoolSmallMinConns  = 1
	DBPoolMediumMaxConns = 8
	DBPoolMediumMinConns = 2
	DBPoolLargeMaxConns  = 16
	DBPoolLargeMinConns  = 4
)

// Duration constants
const (
	DBConnMaxLifetime    = 60 * time.Minute
	DBConnMaxIdleTime    = 15 * time.Minute
	DBConnAcquireTimeout = 10 * time.Second
)

// Timeout constants (in seconds)
const (
	HealthCheckTimeout = 5 // Timeout for health check operations
)

// GatewayInfo is the document served by the simulator's info endpoint so
// clients can discover the wire contract before connecting. Status and
// ActiveConnections are filled in live by the simulator.
type GatewayInfo struct {
	Name              string             `json:"name"`
	Description       string             `json:"description"`
	Contact           string             `json:"contact"`
	Software          string             `json:"software"`
	Version           string             `json:"version"`
	ProtocolVersion   string             `json:"protocol_version"`
	Status            string             `json:"status"`
	ActiveConnections int64              `json:"active_connections"`
	AuthRequired      bool               `json:"auth_required"`
	InboundKinds      []string           `json:"inbound_kinds"`
	OutboundKinds     []string           `json:"outbound_kinds"`
	Topics            []string           `json:"topics"`
	Limitation        *GatewayLimitation `json:"limitation,omitempty"`
}

// GatewayLimitation advertises simulator limits.
type GatewayLimitation struct {
	MaxMessageLength int `json:"max_message_length"`
	MaxTopics        int `json:"max_topics"`
	MaxTopicLength   int `json:"max_topic_length"`
	MaxConnections   int `json:"max_connections"`
}

// DefaultGatewayInfo returns the info document for the simulator.
func DefaultGatewayInfo(cfg *config.Config) GatewayInfo {
	return GatewayInfo{
		Name:            DefaultServiceName,
		Description:     DefaultServiceDescription,
		Contact:         DefaultServiceContact,
		Software:        DefaultServiceSoftware,
		Version:         config.Version,
		ProtocolVersion: ProtocolVersion,
		AuthRequired:    cfg.Simulator.AuthEnabled,
		InboundKinds:    []string{"connection", "initial_state", "notification", "job", "pong"},
		OutboundKinds:   []string{"ping", "subscribe", "unsubscribe"},
		Topics:          []string{TopicNotifications, TopicAll, TopicJobPrefix + "<job_id>"},
		Limitation: &GatewayLimitation{
			MaxMessageLength: MaxMessageLength,
			MaxTopics:        MaxTopics,
			MaxTopicLength:   MaxTopicLength,
			MaxConnections:   cfg.Simulator.MaxConnections,
		},
	}
}
