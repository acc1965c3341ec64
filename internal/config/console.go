package config

import "time"

// GeneralConfig holds process-wide settings.
type GeneralConfig struct {
	DataDir         string        `mapstructure:"DATA_DIR"         json:"data_dir"         validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"required,timeout_duration"`
}

// LoggingConfig holds logging-related settings.
type LoggingConfig struct {
	Level      string `mapstructure:"LEVEL"       json:"level"       validate:"required,log_level"`
	FilePath   string `mapstructure:"FILE"        json:"file"        validate:"omitempty"`
	Format     string `mapstructure:"FORMAT"      json:"format"      validate:"omitempty,log_format"`
	MaxSize    int    `mapstructure:"MAX_SIZE"    json:"max_size"    validate:"required,min=1,max=1000"`
	MaxBackups int    `mapstructure:"MAX_BACKUPS" json:"max_backups" validate:"required,min=0,max=100"`
	MaxAge     int    `mapstructure:"MAX_AGE"     json:"max_age"     validate:"required,min=1,max=365"`
}

// MetricsConfig holds the admin endpoint settings (metrics and health).
type MetricsConfig struct {
	Enabled bool `mapstructure:"ENABLED" json:"enabled"`
	Port    int  `mapstructure:"PORT"    json:"port"    validate:"required,min=1024,max=65535"`
}
