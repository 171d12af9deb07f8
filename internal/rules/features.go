package rules

import (
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// History is the look-back context for one transaction, taken as of the
// transaction's own timestamp. Neither slice contains the transaction itself.
type History struct {
	// CustomerTxns are the customer's transactions within domain.HistoryHorizon.
	CustomerTxns []*domain.Transaction

	// DeviceTxns are transactions on the same device within domain.DeviceSharingWindow.
	DeviceTxns []*domain.Transaction

	// EarlierActivity reports that the customer transacted before the
	// horizon covered by CustomerTxns.
	EarlierActivity bool
}

// Features are the values the rule expressions are written against.
type Features struct {
	Amount              float64
	MCC                 string
	Hour                int
	HasHistory          bool
	VelocityCount       int
	RecentLocationCount int
	LocationSeen        bool
	RecentLocations     []domain.Location
	DeviceCustomerCount int
}

// ExtractFeatures derives rule features from a transaction and its history.
// It only looks at history inside each rule's window ending at tx.Timestamp,
// so callers may pass a wider snapshot than needed.
func ExtractFeatures(tx *domain.Transaction, h History) Features {
	f := Features{
		Amount: tx.Amount.InexactFloat64(),
		MCC:    tx.MCC,
		Hour:   tx.Timestamp.Hour(),
	}

	at := tx.Timestamp
	loc := tx.Location()
	seenLoc := make(map[domain.Location]bool)
	f.HasHistory = h.EarlierActivity

	for _, prior := range h.CustomerTxns {
		if !isPrior(prior, tx) || prior.CustomerID != tx.CustomerID {
			continue
		}
		if within(prior.Timestamp, at, domain.HistoryHorizon) {
			f.HasHistory = true
		}
		if within(prior.Timestamp, at, domain.VelocityWindow) {
			f.VelocityCount++
		}
		if within(prior.Timestamp, at, domain.GeoJumpWindow) {
			f.RecentLocationCount++
			pl := prior.Location()
			if pl == loc {
				f.LocationSeen = true
			}
			if !seenLoc[pl] {
				seenLoc[pl] = true
				f.RecentLocations = append(f.RecentLocations, pl)
			}
		}
	}
	// The current transaction counts toward its own velocity.
	f.VelocityCount++

	if tx.DeviceID != "" {
		customers := map[string]bool{tx.CustomerID: true}
		for _, prior := range h.DeviceTxns {
			if !isPrior(prior, tx) || prior.DeviceID != tx.DeviceID {
				continue
			}
			if within(prior.Timestamp, at, domain.DeviceSharingWindow) {
				customers[prior.CustomerID] = true
			}
		}
		f.DeviceCustomerCount = len(customers)
	}

	return f
}

// isPrior orders transactions by timestamp, then by ID, so transactions
// sharing a timestamp see the same predecessors whatever the history source.
func isPrior(prior, tx *domain.Transaction) bool {
	if prior == nil || prior.ID == tx.ID {
		return false
	}
	if !prior.Timestamp.Equal(tx.Timestamp) {
		return prior.Timestamp.Before(tx.Timestamp)
	}
	return prior.ID < tx.ID
}

// within reports whether t lies in the closed window [at-window, at].
func within(t, at time.Time, window time.Duration) bool {
	return !t.Before(at.Add(-window)) && !t.After(at)
}

func (f Features) activation() map[string]any {
	return map[string]any{
		"amount":                f.Amount,
		"mcc":                   f.MCC,
		"hour":                  int64(f.Hour),
		"has_history":           f.HasHistory,
		"velocity_count":        int64(f.VelocityCount),
		"recent_location_count": int64(f.RecentLocationCount),
		"location_seen":         f.LocationSeen,
		"device_customer_count": int64(f.DeviceCustomerCount),
		"high_risk_mccs":        domain.HighRiskMCCs,
	}
}
