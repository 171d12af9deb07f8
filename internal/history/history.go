// Package history provides the look-back snapshots the rule engine evaluates
// a transaction against.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
)

// Source answers range queries over stored transactions. Both bounds are
// inclusive. domain.Repository satisfies it, as does Memory.
type Source interface {
	TransactionsByCustomer(ctx context.Context, customerID string, since, until time.Time) ([]*domain.Transaction, error)
	TransactionsByDevice(ctx context.Context, deviceID string, since, until time.Time) ([]*domain.Transaction, error)
	// CustomerActiveBefore reports whether the customer has any transaction
	// strictly before the given time.
	CustomerActiveBefore(ctx context.Context, customerID string, before time.Time) (bool, error)
}

// Service builds rule history for transactions.
type Service struct {
	source Source
}

// NewService creates a history service over source.
func NewService(source Source) *Service {
	return &Service{source: source}
}

// Snapshot returns the customer's and the device's transactions inside
// domain.HistoryHorizon, as of tx.Timestamp. Transactions after tx.Timestamp
// and tx itself are never included, so the result does not depend on
// wall-clock time or on what was ingested after tx. Older customer activity
// is only reported as a flag.
func (s *Service) Snapshot(ctx context.Context, tx *domain.Transaction) (rules.History, error) {
	if tx == nil || tx.CustomerID == "" {
		return rules.History{}, fmt.Errorf("%w: customer id is required", domain.ErrInvalidTransaction)
	}
	if s.source == nil {
		return rules.History{}, fmt.Errorf("no history source available")
	}

	until := tx.Timestamp
	since := until.Add(-domain.HistoryHorizon)

	customerTxns, err := s.source.TransactionsByCustomer(ctx, tx.CustomerID, since, until)
	if err != nil {
		return rules.History{}, fmt.Errorf("failed to load customer history: %w", err)
	}

	earlier, err := s.source.CustomerActiveBefore(ctx, tx.CustomerID, since)
	if err != nil {
		return rules.History{}, fmt.Errorf("failed to check earlier customer activity: %w", err)
	}

	var deviceTxns []*domain.Transaction
	if tx.DeviceID != "" {
		deviceTxns, err = s.source.TransactionsByDevice(ctx, tx.DeviceID, until.Add(-domain.DeviceSharingWindow), until)
		if err != nil {
			return rules.History{}, fmt.Errorf("failed to load device history: %w", err)
		}
	}

	return rules.History{
		CustomerTxns:    exclude(customerTxns, tx.ID),
		DeviceTxns:      exclude(deviceTxns, tx.ID),
		EarlierActivity: earlier,
	}, nil
}

func exclude(txs []*domain.Transaction, id string) []*domain.Transaction {
	out := txs[:0:0]
	for _, t := range txs {
		if t != nil && t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

type merged []Source

// Merge returns a Source that answers from every source in turn and drops
// repeated transaction IDs. Nil sources are skipped.
func Merge(sources ...Source) Source {
	var m merged
	for _, s := range sources {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m merged) TransactionsByCustomer(ctx context.Context, customerID string, since, until time.Time) ([]*domain.Transaction, error) {
	return m.collect(func(s Source) ([]*domain.Transaction, error) {
		return s.TransactionsByCustomer(ctx, customerID, since, until)
	})
}

func (m merged) TransactionsByDevice(ctx context.Context, deviceID string, since, until time.Time) ([]*domain.Transaction, error) {
	return m.collect(func(s Source) ([]*domain.Transaction, error) {
		return s.TransactionsByDevice(ctx, deviceID, since, until)
	})
}

func (m merged) CustomerActiveBefore(ctx context.Context, customerID string, before time.Time) (bool, error) {
	for _, s := range m {
		ok, err := s.CustomerActiveBefore(ctx, customerID, before)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

func (m merged) collect(query func(Source) ([]*domain.Transaction, error)) ([]*domain.Transaction, error) {
	seen := make(map[string]bool)
	var out []*domain.Transaction
	for _, s := range m {
		txs, err := query(s)
		if err != nil {
			return nil, err
		}
		for _, tx := range txs {
			if tx == nil || seen[tx.ID] {
				continue
			}
			seen[tx.ID] = true
			out = append(out, tx)
		}
	}
	return out, nil
}
