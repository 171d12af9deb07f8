// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations
	SaveTransactions(ctx context.Context, txs []*Transaction) (stored int, duplicates int, err error)
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	TransactionsByCustomer(ctx context.Context, customerID string, since, until time.Time) ([]*Transaction, error)
	TransactionsByDevice(ctx context.Context, deviceID string, since, until time.Time) ([]*Transaction, error)
	CustomerActiveBefore(ctx context.Context, customerID string, before time.Time) (bool, error)
	CustomerTransactions(ctx context.Context, customerID string, limit int) ([]*Transaction, error)

	// Alert operations
	SaveAlert(ctx context.Context, alert *Alert) error
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	GetAlertByTransaction(ctx context.Context, txID string) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	CustomerAlerts(ctx context.Context, customerID string) ([]*Alert, error)

	// ApplyAlertUpdate persists an updated alert together with its audit entry.
	// The update only applies if the stored status still equals expected.
	ApplyAlertUpdate(ctx context.Context, alert *Alert, expected AlertStatus, entry *AuditLogEntry) error
	ListAuditLog(ctx context.Context, alertID string) ([]*AuditLogEntry, error)

	// Processing ledger
	IsProcessed(ctx context.Context, txID string) (bool, error)
	// CommitOutcome marks txID processed and stores alert (if non-nil) atomically.
	CommitOutcome(ctx context.Context, txID string, alert *Alert, processedAt time.Time) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" (lib/pq) or "pgx"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
