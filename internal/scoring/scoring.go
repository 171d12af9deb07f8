// Package scoring turns rule triggers into a risk score, a severity tier and,
// when anything fired, a new alert.
package scoring

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Score sums the trigger weights, capped at domain.MaxRiskScore, and maps the
// result to a severity. The result does not depend on trigger order.
func Score(triggers []domain.RuleTrigger) (int, domain.Severity) {
	total := 0
	for _, t := range triggers {
		if t.Weight > 0 {
			total += t.Weight
		}
	}
	if total > domain.MaxRiskScore {
		total = domain.MaxRiskScore
	}
	return total, domain.SeverityForScore(total)
}

// NewAlert builds the alert for tx. It returns false when no rule fired; that
// is the only case in which no alert is produced.
func NewAlert(tx *domain.Transaction, triggers []domain.RuleTrigger, processedAt time.Time) (*domain.Alert, bool) {
	if len(triggers) == 0 {
		return nil, false
	}

	score, severity := Score(triggers)

	names := make([]domain.RuleName, 0, len(triggers))
	byRule := make(map[domain.RuleName]string, len(triggers))
	for _, t := range triggers {
		names = append(names, t.Rule)
		byRule[t.Rule] = t.Reason
	}
	names = domain.SortRules(names)

	var reasons []string
	for _, n := range names {
		if r := byRule[n]; r != "" {
			reasons = append(reasons, r)
		}
	}

	return &domain.Alert{
		ID:            NewAlertID(),
		TransactionID: tx.ID,
		Rules:         names,
		Severity:      severity,
		RiskScore:     score,
		Status:        domain.AlertStatusOpen,
		Reasons:       reasons,
		CreatedAt:     processedAt.UTC(),
	}, true
}

// NewAlertID returns an identifier of the form ALT1A2B3C4D5E6F.
func NewAlertID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "ALT" + strings.ToUpper(hex[:12])
}
