// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SQLRepository implements domain.Repository using database/sql.
// Works with SQLite and with PostgreSQL through lib/pq or pgx.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var _ domain.Repository = (*SQLRepository)(nil)

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres", "pgx":
		db, err = openPostgres(cfg.Driver, cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := r.db.Exec(stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

const transactionColumns = `id, customer_id, merchant, amount, currency, timestamp,
	card_type, device_id, ip_address, country, city, mcc, status, created_at`

// SaveTransactions stores txs in one database transaction. Rows whose ID is
// already stored are left untouched and counted as duplicates.
func (r *SQLRepository) SaveTransactions(ctx context.Context, txs []*domain.Transaction) (int, int, error) {
	if len(txs) == 0 {
		return 0, 0, nil
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.PrepareContext(ctx, r.rebind(`
		INSERT INTO transactions (
			id, customer_id, merchant, amount, currency, timestamp, ts_unix,
			card_type, device_id, ip_address, country, city, mcc, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	stored, duplicates := 0, 0
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		createdAt := tx.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}

		res, err := stmt.ExecContext(ctx,
			tx.ID, tx.CustomerID, tx.Merchant, tx.Amount.String(), tx.Currency,
			formatTime(tx.Timestamp), tx.Timestamp.UnixNano(),
			tx.CardType, tx.DeviceID, tx.IPAddress, tx.Country, tx.City, tx.MCC, tx.Status,
			formatTime(createdAt.UTC()),
		)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to insert transaction %s: %w", tx.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			duplicates++
		} else {
			stored++
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transactions: %w", err)
	}
	return stored, duplicates, nil
}

// GetTransaction retrieves a transaction by ID.
func (r *SQLRepository) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingTransaction, txID)
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// TransactionsByCustomer returns the customer's transactions with timestamps
// in [since, until], oldest first.
func (r *SQLRepository) TransactionsByCustomer(ctx context.Context, customerID string, since, until time.Time) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE customer_id = ? AND ts_unix >= ? AND ts_unix <= ?
		ORDER BY ts_unix, id
	`
	return r.queryTransactions(ctx, query, customerID, since.UnixNano(), until.UnixNano())
}

// TransactionsByDevice returns the device's transactions with timestamps in
// [since, until], oldest first.
func (r *SQLRepository) TransactionsByDevice(ctx context.Context, deviceID string, since, until time.Time) ([]*domain.Transaction, error) {
	if deviceID == "" {
		return nil, nil
	}
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE device_id = ? AND ts_unix >= ? AND ts_unix <= ?
		ORDER BY ts_unix, id
	`
	return r.queryTransactions(ctx, query, deviceID, since.UnixNano(), until.UnixNano())
}

// CustomerActiveBefore reports whether the customer has any transaction
// strictly before the given time.
func (r *SQLRepository) CustomerActiveBefore(ctx context.Context, customerID string, before time.Time) (bool, error) {
	query := `SELECT 1 FROM transactions WHERE customer_id = ? AND ts_unix < ? LIMIT 1`

	var one int
	err := r.db.QueryRowContext(ctx, r.rebind(query), customerID, before.UnixNano()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CustomerTransactions returns the customer's most recent transactions, newest
// first. A limit of zero or less returns all of them.
func (r *SQLRepository) CustomerTransactions(ctx context.Context, customerID string, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE customer_id = ?
		ORDER BY ts_unix DESC, id DESC
	`
	args := []any{customerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.queryTransactions(ctx, query, args...)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var ts, createdAt string

	if err := row.Scan(
		&tx.ID, &tx.CustomerID, &tx.Merchant, &tx.Amount, &tx.Currency, &ts,
		&tx.CardType, &tx.DeviceID, &tx.IPAddress, &tx.Country, &tx.City, &tx.MCC, &tx.Status,
		&createdAt,
	); err != nil {
		return nil, err
	}

	var err error
	if tx.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	if tx.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	return &tx, nil
}

// IsProcessed reports whether txID has been through the batch processor.
func (r *SQLRepository) IsProcessed(ctx context.Context, txID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM processed_transactions WHERE transaction_id = ?`), txID,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ProcessedIDs returns every processed transaction ID.
func (r *SQLRepository) ProcessedIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT transaction_id FROM processed_transactions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CommitOutcome marks txID processed and stores alert, if any, in a single
// database transaction. If txID was already processed nothing is written and
// the error wraps domain.ErrConflict.
func (r *SQLRepository) CommitOutcome(ctx context.Context, txID string, alert *domain.Alert, processedAt time.Time) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	var alertID sql.NullString
	if alert != nil {
		alertID = sql.NullString{String: alert.ID, Valid: true}
	}

	res, err := dbTx.ExecContext(ctx, r.rebind(`
		INSERT INTO processed_transactions (transaction_id, alert_id, processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`), txID, alertID, formatTime(processedAt.UTC()))
	if err != nil {
		return fmt.Errorf("failed to mark transaction processed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transaction %s already processed", domain.ErrConflict, txID)
	}

	if alert != nil {
		if err := r.insertAlert(ctx, dbTx, alert); err != nil {
			return err
		}
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" && r.driver != "pgx" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

// timeLayout is RFC 3339 with a fixed nine-digit fraction.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
