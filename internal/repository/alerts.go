package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/opensource-finance/harrier/internal/domain"
)

const alertColumns = `a.id, a.transaction_id, a.rules, a.severity, a.risk_score, a.status,
	a.analyst_id, a.notes, a.reasons, a.created_at, a.resolved_at`

// SaveAlert stores a new alert. A second alert for the same transaction is
// rejected with domain.ErrConflict.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) error {
	if alert == nil || alert.ID == "" || alert.TransactionID == "" {
		return fmt.Errorf("%w: alert id and transaction id are required", domain.ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	if err := r.insertAlert(ctx, dbTx, alert); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (r *SQLRepository) insertAlert(ctx context.Context, dbTx *sql.Tx, alert *domain.Alert) error {
	reasons, err := json.Marshal(alert.Reasons)
	if err != nil {
		return fmt.Errorf("failed to encode alert reasons: %w", err)
	}

	res, err := dbTx.ExecContext(ctx, r.rebind(`
		INSERT INTO alerts (
			id, transaction_id, rules, severity, risk_score, status,
			analyst_id, notes, reasons, created_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING
	`),
		alert.ID, alert.TransactionID, alert.RuleList(), string(alert.Severity), alert.RiskScore,
		string(alert.Status), alert.AnalystID, alert.Notes, string(reasons),
		formatTime(alert.CreatedAt.UTC()), nullTime(alert),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transaction %s already has an alert", domain.ErrConflict, alert.TransactionID)
	}
	return nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts a WHERE a.id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingAlert, alertID)
	}
	return alert, err
}

// GetAlertByTransaction retrieves the alert raised for a transaction.
func (r *SQLRepository) GetAlertByTransaction(ctx context.Context, txID string) (*domain.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts a WHERE a.transaction_id = ?`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no alert for transaction %s", domain.ErrMissingAlert, txID)
	}
	return alert, err
}

// ListAlerts returns alerts matching filter, oldest first.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var (
		where []string
		args  []any
	)

	query := `SELECT ` + alertColumns + ` FROM alerts a`
	if filter.CustomerID != "" {
		query += ` JOIN transactions t ON t.id = a.transaction_id`
		where = append(where, "t.customer_id = ?")
		args = append(args, filter.CustomerID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "a.status IN ("+placeholders(len(filter.Statuses))+")")
		for _, s := range filter.Statuses {
			args = append(args, string(s))
		}
	}
	if len(filter.Severities) > 0 {
		where = append(where, "a.severity IN ("+placeholders(len(filter.Severities))+")")
		for _, s := range filter.Severities {
			args = append(args, string(s))
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.created_at, a.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// CustomerAlerts returns every alert raised on the customer's transactions,
// newest first.
func (r *SQLRepository) CustomerAlerts(ctx context.Context, customerID string) ([]*domain.Alert, error) {
	alerts, err := r.ListAlerts(ctx, domain.AlertFilter{CustomerID: customerID})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(alerts)-1; i < j; i, j = i+1, j-1 {
		alerts[i], alerts[j] = alerts[j], alerts[i]
	}
	return alerts, nil
}

// ApplyAlertUpdate writes the alert's mutable fields and appends entry in one
// database transaction. The update only applies while the stored status is
// still expected; otherwise nothing is written and the error wraps
// domain.ErrConflict (or domain.ErrMissingAlert if the alert is gone).
func (r *SQLRepository) ApplyAlertUpdate(ctx context.Context, alert *domain.Alert, expected domain.AlertStatus, entry *domain.AuditLogEntry) error {
	if alert == nil || entry == nil {
		return fmt.Errorf("%w: alert and audit entry are required", domain.ErrInvalidInput)
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	res, err := dbTx.ExecContext(ctx, r.rebind(`
		UPDATE alerts
		SET status = ?, analyst_id = ?, notes = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`),
		string(alert.Status), alert.AnalystID, alert.Notes, nullTime(alert),
		alert.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update alert %s: %w", alert.ID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := dbTx.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM alerts WHERE id = ?`), alert.ID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", domain.ErrMissingAlert, alert.ID)
		}
		return fmt.Errorf("%w: %s is no longer %s", domain.ErrConflict, alert.ID, expected)
	}

	if _, err := dbTx.ExecContext(ctx, r.rebind(`
		INSERT INTO audit_log (id, alert_id, analyst_id, action, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`),
		entry.ID, entry.AlertID, entry.AnalystID, string(entry.Action), entry.Details,
		formatTime(entry.Timestamp.UTC()),
	); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit alert update: %w", err)
	}
	return nil
}

// ListAuditLog returns the alert's audit entries, oldest first.
func (r *SQLRepository) ListAuditLog(ctx context.Context, alertID string) ([]*domain.AuditLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, alert_id, analyst_id, action, details, timestamp
		FROM audit_log
		WHERE alert_id = ?
		ORDER BY timestamp, id
	`), alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditLogEntry
	for rows.Next() {
		var e domain.AuditLogEntry
		var action, ts string
		if err := rows.Scan(&e.ID, &e.AlertID, &e.AnalystID, &action, &e.Details, &ts); err != nil {
			return nil, err
		}
		e.Action = domain.AuditAction(action)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func scanAlert(row scanner) (*domain.Alert, error) {
	var (
		a                       domain.Alert
		rules, severity, status string
		reasons, createdAt      string
		resolvedAt              sql.NullString
	)

	if err := row.Scan(
		&a.ID, &a.TransactionID, &rules, &severity, &a.RiskScore, &status,
		&a.AnalystID, &a.Notes, &reasons, &createdAt, &resolvedAt,
	); err != nil {
		return nil, err
	}

	a.Rules = domain.ParseRules(rules)
	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	if reasons != "" {
		if err := json.Unmarshal([]byte(reasons), &a.Reasons); err != nil {
			return nil, fmt.Errorf("alert %s: failed to decode reasons: %w", a.ID, err)
		}
	}

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err != nil {
			return nil, err
		}
		a.ResolvedAt = &t
	}
	return &a, nil
}

func nullTime(alert *domain.Alert) sql.NullString {
	if alert.ResolvedAt == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(alert.ResolvedAt.UTC()), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
