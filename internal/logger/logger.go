// Package logger owns the process-wide zap logger. Every component asks
// for a named child via New; the root is rebuilt in place when the
// configuration is reloaded.
package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config collects everything Init needs. Callers never build one
// directly; they pass Options.
type Config struct {
	Level      string
	FilePath   string
	Format     string
	Version    string
	Instance   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

type Option func(*Config)

func WithLevel(lvl string) Option   { return func(c *Config) { c.Level = lvl } }
func WithFormat(fmt string) Option  { return func(c *Config) { c.Format = fmt } }
func WithFile(path string) Option   { return func(c *Config) { c.FilePath = path } }
func WithVersion(v string) Option   { return func(c *Config) { c.Version = v } }
func WithInstance(id string) Option { return func(c *Config) { c.Instance = id } }

// WithRotation sets the lumberjack limits: size in MiB, number of
// rotated files kept, and retention in days.
func WithRotation(size, backups, age int) Option {
	return func(c *Config) {
		c.MaxSize, c.MaxBackups, c.MaxAge = size, backups, age
	}
}

// global holds the live logger. Reads go through snapshot so hot paths
// take the read lock only.
var global struct {
	mu    sync.RWMutex
	root  *zap.Logger
	level zap.AtomicLevel
	ready bool
}

func snapshot() (*zap.Logger, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.root, global.ready
}

// Init builds (or rebuilds) the root logger. A second call replaces the
// previous core after flushing it, so config reload is a plain re-Init.
func Init(opts ...Option) error {
	cfg := &Config{
		Level:      "info",
		Format:     "console",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
	}
	for _, apply := range opts {
		apply(cfg)
	}

	enc, err := newEncoder(cfg.Format)
	if err != nil {
		return err
	}
	sink, toFile, err := newSink(cfg)
	if err != nil {
		return err
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	stamp := []zap.Field{zap.String("version", cfg.Version)}
	if cfg.Instance != "" {
		stamp = append(stamp, zap.String("instance", cfg.Instance))
	}

	global.mu.Lock()
	defer global.mu.Unlock()

	if global.ready && global.root != nil && toFile {
		_ = global.root.Sync()
	}

	global.level = level
	global.root = zap.New(
		zapcore.NewCore(enc, sink, level),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(stamp...),
	)
	global.ready = true
	return nil
}

// Shutdown flushes buffered entries. Sync on a stdout sink reports a
// path error on some platforms; that one is not worth surfacing.
func Shutdown() error {
	global.mu.Lock()
	defer global.mu.Unlock()

	if !global.ready || global.root == nil {
		return fmt.Errorf("logger not initialized")
	}
	if err := global.root.Sync(); err != nil {
		if _, pathErr := err.(*os.PathError); !pathErr {
			return err
		}
	}
	global.ready = false
	return nil
}

// UpdateLevel changes the live level without rebuilding the core.
func UpdateLevel(lvl string) error {
	global.mu.RLock()
	defer global.mu.RUnlock()

	if !global.ready {
		return fmt.Errorf("logger not initialized")
	}
	parsed, err := zap.ParseAtomicLevel(lvl)
	if err != nil {
		return err
	}
	global.level.SetLevel(parsed.Level())
	return nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func newSink(cfg *Config) (zapcore.WriteSyncer, bool, error) {
	if cfg.FilePath == "" {
		return zapcore.AddSync(os.Stdout), false, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, false, fmt.Errorf("create log dir: %w", err)
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	})
	return file, true, nil
}

// New returns a child logger tagged with the component name. Before
// Init it degrades to a nop logger so package-level construction order
// does not matter.
func New(component string) *zap.Logger {
	root, ready := snapshot()
	if !ready {
		return zap.NewNop()
	}
	return root.With(zap.String("component", component))
}

type loggerKey struct{}

type requestIDKey struct{}

// WithLogger attaches a request-scoped logger to the context.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// WithRequestID marks the context so FromContext stamps entries with
// the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// FromContext resolves the logger for a context: an attached one wins,
// otherwise the root, annotated with the request id when present.
func FromContext(ctx context.Context) *zap.Logger {
	root, ready := snapshot()
	if !ready {
		return zap.NewNop()
	}
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return l
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return root.With(zap.String("request_id", id))
	}
	return root
}

// Root-level convenience wrappers for code that has no component of its
// own, mostly cmd.

func Debug(msg string, fields ...zap.Field) { emit(zapcore.DebugLevel, msg, fields) }
func Info(msg string, fields ...zap.Field)  { emit(zapcore.InfoLevel, msg, fields) }
func Warn(msg string, fields ...zap.Field)  { emit(zapcore.WarnLevel, msg, fields) }
func Error(msg string, fields ...zap.Field) { emit(zapcore.ErrorLevel, msg, fields) }

func emit(lvl zapcore.Level, msg string, fields []zap.Field) {
	root, ready := snapshot()
	if !ready {
		return
	}
	if ce := root.Check(lvl, msg); ce != nil {
		ce.Write(fields...)
	}
}
