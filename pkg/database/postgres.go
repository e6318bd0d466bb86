package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"meteo-platform/pkg/logging"
	"meteo-platform/pkg/metrics"
)

// Config holds database connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	Schema          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DSN builds the lib/pq connection string. The schema becomes the session
// search_path so unqualified table names resolve inside it.
func (c *Config) DSN() string {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
	if c.Schema != "" {
		dsn += " search_path=" + c.Schema
	}
	return dsn
}

// PostgresDB wraps sqlx.DB with monitoring and metrics
type PostgresDB struct {
	db      *sqlx.DB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	config  *Config

	stop     chan struct{}
	stopOnce sync.Once
}

// NewPostgresDB opens and verifies a PostgreSQL connection pool
func NewPostgresDB(cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*PostgresDB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info(ctx, "[DB_INIT] PostgreSQL connection established", logging.Fields{
		"host":              cfg.Host,
		"port":              cfg.Port,
		"database":          cfg.Database,
		"schema":            cfg.Schema,
		"max_open_conns":    cfg.MaxOpenConns,
		"conn_max_lifetime": cfg.ConnMaxLifetime.String(),
	})

	pgDB := NewFromDB(db, cfg, logger, metricsCollector)
	go pgDB.monitorConnectionPool()

	return pgDB, nil
}

// NewFromDB wraps an existing pool without pinging or monitoring it
func NewFromDB(db *sqlx.DB, cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *PostgresDB {
	return &PostgresDB{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
		config:  cfg,
		stop:    make(chan struct{}),
	}
}

// Close stops the pool monitor and closes the database connection
func (p *PostgresDB) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	p.logger.Info(context.Background(), "[DB_CLOSE] Closing database connection", logging.Fields{
		"database": p.config.Database,
	})
	return p.db.Close()
}

// DB returns the underlying sqlx.DB instance
func (p *PostgresDB) DB() *sqlx.DB {
	return p.db
}

// Schema returns the schema holding the station tables
func (p *PostgresDB) Schema() string {
	return p.config.Schema
}

// slowQuery is the duration above which a statement is logged as a warning
const slowQuery = 2 * time.Second

// QueryContext runs a read statement, timing it under queryType
func (p *PostgresDB) QueryContext(ctx context.Context, queryType, query string, args ...interface{}) (*sqlx.Rows, error) {
	done := p.observe(ctx, queryType, query)
	rows, err := p.db.QueryxContext(ctx, query, args...)
	done(err, "query_error")
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ExecContext runs a statement without result rows, timing it under queryType
func (p *PostgresDB) ExecContext(ctx context.Context, queryType, query string, args ...interface{}) (sql.Result, error) {
	done := p.observe(ctx, queryType, query)
	result, err := p.db.ExecContext(ctx, query, args...)
	done(err, "exec_error")
	if err != nil {
		return nil, err
	}
	return result, nil
}

// observe starts timing a statement. The returned func records the duration
// and, for a non-nil err, counts it under errorType.
func (p *PostgresDB) observe(ctx context.Context, queryType, query string) func(err error, errorType string) {
	timer := p.metrics.NewTimer(p.metrics.DBQueryDuration.WithLabelValues(queryType))
	return func(err error, errorType string) {
		duration := timer.ObserveDuration()
		fields := logging.Fields{
			"query_type":  queryType,
			"duration_ms": duration.Milliseconds(),
			"query":       query,
		}

		switch {
		case err != nil:
			p.metrics.RecordDBError(errorType)
			p.logger.Error(ctx, "[DB_STATEMENT_ERROR] Statement failed", fields, err)
		case duration > slowQuery:
			p.logger.Warn(ctx, "[DB_SLOW_STATEMENT] Statement exceeded slow threshold", fields)
		default:
			p.logger.Debug(ctx, "[DB_STATEMENT] Statement executed", fields)
		}
	}
}

// BeginTx begins a new read-committed transaction
func (p *PostgresDB) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		p.metrics.RecordDBError("transaction_begin_error")
		p.logger.Error(ctx, "[DB_TX_ERROR] Failed to begin transaction", logging.Fields{}, err)
		return nil, err
	}

	return tx, nil
}

// CreateSchema creates the station schema if it does not exist
func (p *PostgresDB) CreateSchema(ctx context.Context) error {
	_, err := p.ExecContext(ctx, "create_schema", "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(p.config.Schema))
	if err != nil {
		return fmt.Errorf("failed to create schema %s: %w", p.config.Schema, err)
	}
	return nil
}

// DropSchema removes the station schema and everything in it
func (p *PostgresDB) DropSchema(ctx context.Context) error {
	_, err := p.ExecContext(ctx, "drop_schema", "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(p.config.Schema)+" CASCADE")
	if err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", p.config.Schema, err)
	}
	p.logger.Warn(ctx, "[DB_DROP_SCHEMA] Schema dropped", logging.Fields{
		"schema": p.config.Schema,
	})
	return nil
}

func (p *PostgresDB) monitorConnectionPool() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.publishPoolStats()
		}
	}
}

// publishPoolStats exports pool gauges and warns above 80% utilisation
func (p *PostgresDB) publishPoolStats() {
	stats := p.db.Stats()
	p.metrics.UpdateDBConnectionPool(stats.InUse, stats.Idle, stats.OpenConnections)

	if p.config.MaxOpenConns <= 0 {
		return
	}
	if utilisation := float64(stats.InUse) / float64(p.config.MaxOpenConns); utilisation > 0.8 {
		p.logger.Warn(context.Background(), "[DB_POOL_WARNING] Connection pool utilization high", logging.Fields{
			"in_use":      stats.InUse,
			"max_open":    p.config.MaxOpenConns,
			"utilization": fmt.Sprintf("%.2f%%", utilisation*100),
		})
	}
}

// HealthCheck performs a database health check
func (p *PostgresDB) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
