package config

import "time"

// StreamConfig holds the realtime stream settings: reconnection backoff,
// keepalive cadence, and channel buffer sizes.
type StreamConfig struct {
	BaseDelay         time.Duration `mapstructure:"BASE_DELAY"         json:"base_delay"         validate:"required,backoff_duration"`
	MaxDelay          time.Duration `mapstructure:"MAX_DELAY"          json:"max_delay"          validate:"required,backoff_duration"`
	GrowthFactor      float64       `mapstructure:"GROWTH_FACTOR"      json:"growth_factor"      validate:"required,growth_factor"`
	MaxAttempts       int           `mapstructure:"MAX_ATTEMPTS"       json:"max_attempts"       validate:"required,min=1,max=100"`
	KeepaliveInterval time.Duration `mapstructure:"KEEPALIVE_INTERVAL" json:"keepalive_interval" validate:"required,reasonable_duration"`
	// PongTimeout is how long the liveness monitor waits for a pong before
	// force-closing the socket. Zero disables the force close; the monitor
	// then only observes.
	PongTimeout      time.Duration `mapstructure:"PONG_TIMEOUT"      json:"pong_timeout"      validate:"omitempty"`
	HandshakeTimeout time.Duration `mapstructure:"HANDSHAKE_TIMEOUT" json:"handshake_timeout" validate:"required,timeout_duration"`
	WriteTimeout     time.Duration `mapstructure:"WRITE_TIMEOUT"     json:"write_timeout"     validate:"required,timeout_duration"`
	InboundBuffer    int           `mapstructure:"INBOUND_BUFFER"    json:"inbound_buffer"    validate:"required,min=16,max=65536"`
	StatusBuffer     int           `mapstructure:"STATUS_BUFFER"     json:"status_buffer"     validate:"required,min=1,max=1024"`
}
