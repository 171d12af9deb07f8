package repository

// Schema definitions for the Harrier database.
// Compatible with SQLite and PostgreSQL. Timestamps are stored as fixed-width
// RFC 3339 text so they keep their zone and sort lexically when in UTC;
// transactions also carry ts_unix for range queries across zones.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    customer_id TEXT NOT NULL,
    merchant TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    ts_unix BIGINT NOT NULL,
    card_type TEXT NOT NULL DEFAULT '',
    device_id TEXT NOT NULL DEFAULT '',
    ip_address TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT '',
    city TEXT NOT NULL DEFAULT '',
    mcc TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_customer_ts ON transactions(customer_id, ts_unix);
CREATE INDEX IF NOT EXISTS idx_transactions_device_ts ON transactions(device_id, ts_unix);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE,
    rules TEXT NOT NULL,
    severity TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    status TEXT NOT NULL,
    analyst_id TEXT NOT NULL DEFAULT '',
    notes TEXT NOT NULL DEFAULT '',
    reasons TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL,
    resolved_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity);
CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
`

// schemaAuditLog is append-only; nothing in the repository updates or deletes rows.
const schemaAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    alert_id TEXT NOT NULL,
    analyst_id TEXT NOT NULL,
    action TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_log_alert ON audit_log(alert_id, timestamp);
`

const schemaProcessed = `
CREATE TABLE IF NOT EXISTS processed_transactions (
    transaction_id TEXT PRIMARY KEY,
    alert_id TEXT,
    processed_at TEXT NOT NULL
);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaAlerts,
		schemaAuditLog,
		schemaProcessed,
	}
}
