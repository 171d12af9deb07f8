package domain

import (
	"time"
)

// Severity is the alert tier derived from the risk score.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Severity tier lower bounds (inclusive).
const (
	CriticalScoreFloor = 80
	HighScoreFloor     = 60
	MediumScoreFloor   = 40
)

// SeverityForScore maps a risk score to its tier. First match wins.
func SeverityForScore(score int) Severity {
	switch {
	case score >= CriticalScoreFloor:
		return SeverityCritical
	case score >= HighScoreFloor:
		return SeverityHigh
	case score >= MediumScoreFloor:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Valid reports whether s is a known tier.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// AlertStatus is the analyst workflow state of an alert.
type AlertStatus string

const (
	AlertStatusOpen      AlertStatus = "OPEN"
	AlertStatusReviewing AlertStatus = "REVIEWING"
	AlertStatusEscalated AlertStatus = "ESCALATED"
	AlertStatusDismissed AlertStatus = "DISMISSED"
	AlertStatusResolved  AlertStatus = "RESOLVED"
)

// Terminal reports whether no further status changes are accepted.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusDismissed || s == AlertStatusResolved
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusReviewing, AlertStatusEscalated, AlertStatusDismissed, AlertStatusResolved:
		return true
	}
	return false
}

// Alert is a flagged transaction awaiting analyst triage.
type Alert struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transactionId"`
	Rules         []RuleName  `json:"rules"`
	Severity      Severity    `json:"severity"`
	RiskScore     int         `json:"riskScore"`
	Status        AlertStatus `json:"status"`
	AnalystID     string      `json:"analystId,omitempty"`
	Notes         string      `json:"notes,omitempty"`
	Reasons       []string    `json:"reasons,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	ResolvedAt    *time.Time  `json:"resolvedAt,omitempty"`
}

// RuleList returns the triggered rules in their serialized form.
func (a *Alert) RuleList() string {
	return FormatRules(a.Rules)
}

// Clone returns a deep copy so callers can mutate without touching a shared value.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	c.Rules = append([]RuleName(nil), a.Rules...)
	c.Reasons = append([]string(nil), a.Reasons...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// AlertFilter narrows alert listings. Zero values match everything.
type AlertFilter struct {
	Statuses   []AlertStatus
	Severities []Severity
	CustomerID string
	Limit      int
}
