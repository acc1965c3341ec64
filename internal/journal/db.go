package journal

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/vmscope/console/internal/config"
	"github.com/vmscope/console/internal/constants"
	"github.com/vmscope/console/internal/logger"
	"github.com/vmscope/console/internal/metrics"
)

//go:embed schema.sql
var schemaDDL string

// DBState represents the current state of the journal database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// DB holds the PostgreSQL connection pool backing the journal.
type DB struct {
	Pool    *pgxpool.Pool
	state   DBState
	stateMu sync.RWMutex
}

// dsn builds the connection string. A full URL takes priority; otherwise
// an insecure local connection is assembled from Server and Port.
func dsn(cfg *config.JournalConfig) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return fmt.Sprintf("postgres://root@%s:%d/%s?sslmode=disable",
		cfg.Server, cfg.Port, constants.DatabaseName)
}

// createPool builds a pool sized to the journal buffer. The console holds a
// single gateway session, so the pool only has to keep up with the batch
// writer plus health checks.
func createPool(ctx context.Context, cfg *config.JournalConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse journal connection string: %w", err)
	}

	var maxConns, minConns int32
	var scaleType string
	switch {
	case cfg.BufferSize <= 4096:
		maxConns = int32(constants.DBPoolSmallMaxConns)
		minConns = int32(constants.DBPoolSmallMinConns)
		scaleType = "small"
	case cfg.BufferSize <= 65536:
		maxConns = int32(constants.DBPoolMediumMaxConns)
		minConns = int32(constants.DBPoolMediumMinConns)
		scaleType = "medium"
	default:
		maxConns = int32(constants.DBPoolLargeMaxConns)
		minConns = int32(constants.DBPoolLargeMinConns)
		scaleType = "large"
	}

	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = minConns
	poolCfg.MaxConnLifetime = constants.DBConnMaxLifetime
	poolCfg.MaxConnIdleTime = constants.DBConnMaxIdleTime
	poolCfg.ConnConfig.ConnectTimeout = constants.DBConnAcquireTimeout
	poolCfg.HealthCheckPeriod = 30 * time.Second

	logger.Info("Journal connection pool configured",
		zap.String("scale_type", scaleType),
		zap.Int("buffer_size", cfg.BufferSize),
		zap.Int32("db_max_conns", maxConns),
		zap.Int32("db_min_conns", minConns))

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// initDB connects to the journal database with retries and exponential
// backoff.
func initDB(ctx context.Context, cfg *config.JournalConfig) (*DB, error) {
	var pool *pgxpool.Pool
	var err error
	backoff := constants.DBRetryDelay * time.Second

	db := &DB{state: DBStateConnecting}

	attempts := 0
	for i := 0; i <= constants.MaxDBRetries; i++ {
		attempts++
		pool, err = createPool(ctx, cfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				db.Pool = pool
				db.state = DBStateConnected

				stat := pool.Stat()
				logger.Info("Journal database connected",
					zap.Int("attempts", attempts),
					zap.Int32("db_max_connections", stat.MaxConns()),
					zap.Int32("db_total_connections", stat.TotalConns()))
				return db, nil
			}
			pool.Close()
		}

		logger.Warn("Failed to connect to journal database, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			db.state = DBStateClosed
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	db.state = DBStateClosed
	metrics.JournalErrors.WithLabelValues("connection_failed").Inc()
	return nil, fmt.Errorf("failed to connect to journal database after %d attempts: %w", attempts, err)
}

// initializeSchema creates the journal tables if they do not exist.
func (db *DB) initializeSchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("journal database is not connected")
	}

	logger.Info("Initializing journal schema...")
	if _, err := db.Pool.Exec(ctx, schemaDDL); err != nil {
		logger.Error("Failed to initialize journal schema", zap.Error(err))
		return fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	logger.Info("Journal schema initialized")
	return nil
}

// verifySchema checks that the journal tables exist.
func (db *DB) verifySchema(ctx context.Context) error {
	if !db.isConnected() {
		return fmt.Errorf("journal database is not connected")
	}

	for _, table := range []string{"notifications", "job_events", "transitions"} {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM information_schema.tables
				WHERE table_schema = 'public'
				AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}

	logger.Debug("Journal schema verification completed")
	return nil
}

// executeBatch runs a batch inside one transaction.
func (db *DB) executeBatch(ctx context.Context, batch *pgx.Batch) error {
	if !db.isConnected() {
		return fmt.Errorf("journal database is not connected")
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		metrics.JournalErrors.WithLabelValues("batch_execution_failed").Inc()
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	br := tx.SendBatch(ctx, batch)
	if err := br.Close(); err != nil {
		metrics.JournalErrors.WithLabelValues("batch_execution_failed").Inc()
		return fmt.Errorf("batch execution failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		metrics.JournalErrors.WithLabelValues("batch_execution_failed").Inc()
		return fmt.Errorf("transaction commit failed: %w", err)
	}
	return nil
}

// closeDB closes the database connection.
func (db *DB) closeDB() error {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return nil
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
		db.stateMu.Lock()
		db.state = DBStateClosed
		db.stateMu.Unlock()
		logger.Debug("Journal database connection closed")
		return nil
	}
	return fmt.Errorf("journal database pool is nil")
}

// Ping checks database connectivity.
func (db *DB) Ping() error {
	if db.Pool == nil {
		return fmt.Errorf("journal database pool is not initialized")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.Pool.Ping(ctx)
}

func (db *DB) isConnected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}
