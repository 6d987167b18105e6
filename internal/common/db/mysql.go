package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloudeval/pkg/utils/logger"

	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig holds the configuration for MySQL connection pool
type MySQLConfig struct {
	// DSN format: "user:password@tcp(host:port)/dbname?parseTime=true&loc=UTC"
	DSN                string        `yaml:"dsn"`
	MaxOpenConnections int           `yaml:"maxOpenConnections"`
	MaxIdleConnections int           `yaml:"maxIdleConnections"`
	ConnMaxLifetime    time.Duration `yaml:"connMaxLifetime"`
	ConnMaxIdleTime    time.Duration `yaml:"connMaxIdleTime"`
	// TxRetries is how many times a transaction aborted by a deadlock or lock
	// wait timeout is replayed.
	TxRetries   int           `yaml:"txRetries"`
	PingTimeout time.Duration `yaml:"pingTimeout"`
}

// DefaultMySQLConfig returns the default MySQL configuration
func DefaultMySQLConfig() *MySQLConfig {
	return &MySQLConfig{
		MaxOpenConnections: 25,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    5 * time.Minute,
		ConnMaxIdleTime:    10 * time.Minute,
		TxRetries:          2,
		PingTimeout:        5 * time.Second,
	}
}

func (c *MySQLConfig) applyDefaults() {
	d := DefaultMySQLConfig()
	if c.MaxOpenConnections == 0 {
		c.MaxOpenConnections = d.MaxOpenConnections
	}
	if c.MaxIdleConnections == 0 {
		c.MaxIdleConnections = d.MaxIdleConnections
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if c.TxRetries == 0 {
		c.TxRetries = d.TxRetries
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = d.PingTimeout
	}
}

// executor is the subset shared by *sql.DB and *sql.Tx.
type executor interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// querier adapts an executor to Querier, prefixing errors with scope.
type querier struct {
	exec  executor
	scope string
}

func (q querier) Query(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	rows, err := q.exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%squery failed: %w", q.scope, err)
	}
	return rows, nil
}

func (q querier) QueryRow(ctx context.Context, query string, args ...interface{}) Row {
	return q.exec.QueryRowContext(ctx, query, args...)
}

func (q querier) Exec(ctx context.Context, query string, args ...interface{}) (Result, error) {
	result, err := q.exec.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%sexec failed: %w", q.scope, err)
	}
	return result, nil
}

// MySQL implements Database on top of database/sql and the go-sql-driver pool.
type MySQL struct {
	querier
	db        *sql.DB
	txRetries int
}

// NewMySQLWithConfig opens a pooled connection and verifies it with a ping.
func NewMySQLWithConfig(config *MySQLConfig) (*MySQL, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.DSN == "" {
		return nil, fmt.Errorf("DSN cannot be empty")
	}
	config.applyDefaults()

	db, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConnections)
	db.SetMaxIdleConns(config.MaxIdleConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &MySQL{querier: querier{exec: db}, db: db, txRetries: config.TxRetries}, nil
}

// Transaction runs fn inside a transaction, rolling back when fn fails. A
// transaction aborted by a deadlock or lock wait timeout is replayed from the
// start, so fn must not have side effects outside tx.
func (m *MySQL) Transaction(ctx context.Context, fn func(tx Transaction) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = m.runTx(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt >= m.txRetries || ctx.Err() != nil {
			return err
		}
		logger.Warn(ctx, "retrying aborted transaction", zap.Int("attempt", attempt+1), zap.Error(err))
	}
}

func (m *MySQL) runTx(ctx context.Context, fn func(tx Transaction) error) error {
	sqlTx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction failed: %w", err)
	}
	tx := &mysqlTx{querier: querier{exec: sqlTx, scope: "transaction "}, tx: sqlTx}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			logger.Warn(ctx, "transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit()
}

// Ping verifies a connection to the database is still alive
func (m *MySQL) Ping(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	return nil
}

func (m *MySQL) Close() error {
	if err := m.db.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}
	return nil
}

type mysqlTx struct {
	querier
	tx *sql.Tx
}

func (t *mysqlTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (t *mysqlTx) Rollback() error {
	return t.tx.Rollback()
}
