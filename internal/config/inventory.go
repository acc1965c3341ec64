package config

import "time"

// InventoryConfig holds settings for the local host/VM mirror.
type InventoryConfig struct {
	Enabled        bool          `mapstructure:"ENABLED"         json:"enabled"`
	ResyncInterval time.Duration `mapstructure:"RESYNC_INTERVAL" json:"resync_interval" validate:"required,reasonable_duration"`
	Workers        int           `mapstructure:"WORKERS"         json:"workers"         validate:"required,min=1,max=32"`
	QueueSize      int           `mapstructure:"QUEUE_SIZE"      json:"queue_size"      validate:"required,min=1,max=4096"`
}
