package domain

import "time"

// AuditAction is the kind of analyst action recorded in the audit log.
type AuditAction string

const (
	AuditReviewing AuditAction = "REVIEWING"
	AuditEscalated AuditAction = "ESCALATED"
	AuditResolved  AuditAction = "RESOLVED"
	AuditDismissed AuditAction = "DISMISSED"
	AuditNoteAdded AuditAction = "NOTE_ADDED"
	AuditAssigned  AuditAction = "ASSIGNED"
)

// AuditLogEntry records one state-changing analyst action. Entries are never
// updated or deleted.
type AuditLogEntry struct {
	ID        string      `json:"id"`
	AlertID   string      `json:"alertId"`
	AnalystID string      `json:"analystId"`
	Action    AuditAction `json:"action"`
	Details   string      `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
