package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/vmscope/console/internal/logger"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev" // This will be set by the main package during initialization

var validate = validator.New()

// Config holds every sub-config.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"   validate:"required"`
	Logging   LoggingConfig   `mapstructure:"logging"   validate:"required"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   validate:"required"`
	Gateway   GatewayConfig   `mapstructure:"gateway"   validate:"required"`
	Stream    StreamConfig    `mapstructure:"stream"    validate:"required"`
	Inventory InventoryConfig `mapstructure:"inventory" validate:"required"`
	Journal   JournalConfig   `mapstructure:"journal"   validate:"required"`
	Simulator SimulatorConfig `mapstructure:"simulator" validate:"required"`
}

// Register custom validation rules
func init() {
	registerCustomValidators()

	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cfg := sl.Current().Interface().(Config)

		// Validate nested structs
		if err := validate.Struct(cfg.General); err != nil {
			sl.ReportError(cfg.General, "General", "General", "required", "")
		}
		if err := validate.Struct(cfg.Logging); err != nil {
			sl.ReportError(cfg.Logging, "Logging", "Logging", "required", "")
		}
		if err := validate.Struct(cfg.Metrics); err != nil {
			sl.ReportError(cfg.Metrics, "Metrics", "Metrics", "required", "")
		}
		if err := validate.Struct(cfg.Gateway); err != nil {
			sl.ReportError(cfg.Gateway, "Gateway", "Gateway", "required", "")
		}
		if err := validate.Struct(cfg.Stream); err != nil {
			sl.ReportError(cfg.Stream, "Stream", "Stream", "required", "")
		}
		if err := validate.Struct(cfg.Inventory); err != nil {
			sl.ReportError(cfg.Inventory, "Inventory", "Inventory", "required", "")
		}
		if err := validate.Struct(cfg.Journal); err != nil {
			sl.ReportError(cfg.Journal, "Journal", "Journal", "required", "")
		}
		if err := validate.Struct(cfg.Simulator); err != nil {
			sl.ReportError(cfg.Simulator, "Simulator", "Simulator", "required", "")
		}

		// Cross-field validation
		performCrossFieldValidation(sl, cfg)
	}, Config{})
}

// registerCustomValidators registers custom validation functions
func registerCustomValidators() {
	// Validate listen address format
	if err := validate.RegisterValidation("wsaddr", func(fl validator.FieldLevel) bool {
		addr := fl.Field().String()
		if addr == "" {
			return false
		}

		// Port only format like ":8080"
		if strings.HasPrefix(addr, ":") {
			port := addr[1:]
			if port == "" {
				return false
			}
			if _, err := net.LookupPort("tcp", port); err != nil {
				return false
			}
			return true
		}

		// Host:port format
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		if host != "" {
			if ip := net.ParseIP(host); ip == nil {
				if matched, _ := regexp.MatchString(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`, host); !matched {
					return false
				}
			}
		}

		return true
	}); err != nil {
		logger.Error("Failed to register wsaddr validator", zap.Error(err))
	}

	// Validate gateway base URL (http or https; the socket URL is derived)
	if err := validate.RegisterValidation("gateway_url", func(fl validator.FieldLevel) bool {
		raw := fl.Field().String()
		if raw == "" {
			return false
		}
		parsed, err := url.Parse(raw)
		if err != nil {
			return false
		}
		return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
	}); err != nil {
		logger.Error("Failed to register gateway_url validator", zap.Error(err))
	}

	// Validate duration is reasonable (not too short or too long)
	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 24 hours
		return duration >= time.Second && duration <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	// Validate timeout duration (shorter range)
	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		// Should be between 1 second and 1 hour
		return duration >= time.Second && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	// Validate backoff delay (sub-second bases are legitimate)
	if err := validate.RegisterValidation("backoff_duration", func(fl validator.FieldLevel) bool {
		duration := fl.Field().Interface().(time.Duration)
		return duration >= 10*time.Millisecond && duration <= time.Hour
	}); err != nil {
		logger.Error("Failed to register backoff_duration validator", zap.Error(err))
	}

	// Validate backoff growth factor
	if err := validate.RegisterValidation("growth_factor", func(fl validator.FieldLevel) bool {
		factor := fl.Field().Float()
		return factor >= 1.0 && factor <= 10.0
	}); err != nil {
		logger.Error("Failed to register growth_factor validator", zap.Error(err))
	}

	// Validate log level
	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		level := fl.Field().String()
		validLevels := []string{"debug", "info", "warn", "error", "fatal"}
		for _, valid := range validLevels {
			if level == valid {
				return true
			}
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	// Validate log format
	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	// Validate hostname or IP
	if err := validate.RegisterValidation("host", func(fl validator.FieldLevel) bool {
		host := fl.Field().String()
		if host == "" {
			return false
		}
		if ip := net.ParseIP(host); ip != nil {
			return true
		}
		matched, _ := regexp.MatchString(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`, host)
		return matched
	}); err != nil {
		logger.Error("Failed to register host validator", zap.Error(err))
	}
}

// performCrossFieldValidation performs validation across multiple fields
func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	// Backoff must not shrink between base and cap
	if cfg.Stream.BaseDelay > cfg.Stream.MaxDelay {
		sl.ReportError(cfg.Stream.BaseDelay, "BaseDelay", "BaseDelay", "base_delay_exceeds_max", "")
	}

	// A pong timeout shorter than the probe interval can never be satisfied.
	// Zero disables the missed-ack force close entirely.
	if cfg.Stream.PongTimeout != 0 && cfg.Stream.PongTimeout < cfg.Stream.KeepaliveInterval {
		sl.ReportError(cfg.Stream.PongTimeout, "PongTimeout", "PongTimeout", "pong_timeout_too_short", "")
	}

	// The simulator cannot mint tokens without a secret
	if cfg.Simulator.AuthEnabled && cfg.Simulator.AuthSecret == "" {
		sl.ReportError(cfg.Simulator.AuthSecret, "AuthSecret", "AuthSecret", "auth_secret_required", "")
	}

	// Validate that journal port is not the same as metrics port
	if cfg.Journal.Enabled && cfg.Journal.Port == cfg.Metrics.Port {
		sl.ReportError(cfg.Journal.Port, "Port", "Port", "port_conflict", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Load merges defaults → file (optional) → env vars, validates, and returns cfg.
func Load(path string, log *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VMSCOPE") // VMSCOPE_STREAM_MAX_ATTEMPTS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		// Check for config.yaml in current directory if no path specified
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			// Config file not found is okay, we'll use defaults
			if log != nil {
				log.Info("No config.yaml found, using defaults")
			}
		} else {
			if log != nil {
				log.Info("Loaded config.yaml from current directory")
			}
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}

	if log != nil {
		log.Info("configuration loaded",
			zap.String("version", Version),
		)
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return &cfg, nil
}

// initializeLogger initializes the logger using the LoggingConfig
func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var messages []string

		for _, fieldError := range validationErrors {
			message := getFieldErrorMessage(fieldError)
			messages = append(messages, message)
		}

		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}

	return fmt.Errorf("configuration validation failed: %w", err)
}

// getFieldErrorMessage returns a user-friendly error message for a field validation error
func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	value := fe.Value()
	tag := fe.Tag()
	param := fe.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a valid listen address in format ':port' or 'host:port' (got: %v)", field, value)
	case "gateway_url":
		return fmt.Sprintf("%s must be an http:// or https:// URL with a host (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 1 second and 1 hour (got: %v)", field, value)
	case "backoff_duration":
		return fmt.Sprintf("%s must be between 10ms and 1 hour (got: %v)", field, value)
	case "growth_factor":
		return fmt.Sprintf("%s must be between 1.0 and 10.0 (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "host":
		return fmt.Sprintf("%s must be a valid hostname or IP address (got: %v)", field, value)
	case "base_delay_exceeds_max":
		return "stream base delay must not exceed the max delay"
	case "pong_timeout_too_short":
		return "stream pong timeout must be zero (disabled) or at least the keepalive interval"
	case "auth_secret_required":
		return "simulator auth secret is required when simulator auth is enabled"
	case "port_conflict":
		return "journal port conflicts with metrics port, they must be different"
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, tag, value)
	}
}
