package config

import "time"

// SimulatorConfig holds settings for the development gateway simulator.
type SimulatorConfig struct {
	Listen         string        `mapstructure:"LISTEN"          json:"listen"          validate:"required,wsaddr"`
	AuthEnabled    bool          `mapstructure:"AUTH_ENABLED"    json:"auth_enabled"`
	AuthSecret     string        `mapstructure:"AUTH_SECRET"     json:"auth_secret"     validate:"omitempty,min=16"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"       json:"token_ttl"       validate:"required,timeout_duration"`
	MaxConnections int           `mapstructure:"MAX_CONNECTIONS" json:"max_connections" validate:"required,min=1,max=10000"`
	IdleTimeout    time.Duration `mapstructure:"IDLE_TIMEOUT"    json:"idle_timeout"    validate:"required,reasonable_duration"`
	WriteTimeout   time.Duration `mapstructure:"WRITE_TIMEOUT"   json:"write_timeout"   validate:"required,timeout_duration"`
	RateLimit      SimRateLimit  `mapstructure:"RATE_LIMIT"      json:"rate_limit"`

	// Synthetic activity
	ActivityInterval time.Duration `mapstructure:"ACTIVITY_INTERVAL" json:"activity_interval" validate:"required,reasonable_duration"`
	HostCount        int           `mapstructure:"HOST_COUNT"        json:"host_count"        validate:"required,min=1,max=100"`
	VMsPerHost       int           `mapstructure:"VMS_PER_HOST"      json:"vms_per_host"      validate:"required,min=1,max=100"`
}

// SimRateLimit holds per-connection message rate limits.
type SimRateLimit struct {
	Enabled           bool    `mapstructure:"ENABLED"             json:"enabled"`
	MessagesPerSecond float64 `mapstructure:"MESSAGES_PER_SECOND" json:"messages_per_second" validate:"min=0,max=10000"`
	Burst             int     `mapstructure:"BURST"               json:"burst"               validate:"min=0,max=1000"`
}
