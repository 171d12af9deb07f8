package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/opensource-finance/harrier/internal/domain"
)

// TransactionStore persists incoming transactions.
type TransactionStore interface {
	SaveTransactions(ctx context.Context, txs []*domain.Transaction) (stored int, duplicates int, err error)
}

// Summary is the outcome of storing and processing one submission.
type Summary struct {
	Received   int         `json:"received"`
	Stored     int         `json:"stored"`
	Duplicates int         `json:"duplicates"`
	Rejected   int         `json:"rejected"`
	Processed  int         `json:"processed"`
	Skipped    int         `json:"skipped"`
	Created    int         `json:"alertsCreated"`
	AlertIDs   []string    `json:"alertIds"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Ingest stores the valid transactions of a submission and then runs them
// through p. Invalid transactions are never stored; they surface as
// rejections of the run. When anything new was stored and p has a bus, the
// affected customers are announced on domain.TopicTransactionsStored.
func Ingest(ctx context.Context, store TransactionStore, p *Processor, txs []*domain.Transaction) (*Summary, error) {
	valid := make([]*domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		c := *tx
		c.Normalize()
		if c.Validate() == nil {
			valid = append(valid, &c)
		}
	}

	stored, duplicates, err := store.SaveTransactions(ctx, valid)
	if err != nil {
		return nil, fmt.Errorf("failed to store transactions: %w", err)
	}
	if stored > 0 {
		p.publishStored(ctx, valid)
	}

	res, err := p.Process(ctx, txs)
	sum := &Summary{
		Received:   len(txs),
		Stored:     stored,
		Duplicates: duplicates,
		AlertIDs:   []string{},
	}
	if res != nil {
		sum.Rejected = res.Rejected
		sum.Processed = res.Processed
		sum.Skipped = res.Skipped
		sum.Created = res.Created
		sum.Rejections = res.Rejections
		for _, a := range res.Alerts {
			sum.AlertIDs = append(sum.AlertIDs, a.ID)
		}
	}
	return sum, err
}

func (p *Processor) publishStored(ctx context.Context, txs []*domain.Transaction) {
	if p.bus == nil {
		return
	}
	seen := make(map[string]bool)
	event := domain.TransactionsStoredEvent{}
	for _, tx := range txs {
		if !seen[tx.CustomerID] {
			seen[tx.CustomerID] = true
			event.CustomerIDs = append(event.CustomerIDs, tx.CustomerID)
		}
	}
	sort.Strings(event.CustomerIDs)

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to encode transactions stored event", "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicTransactionsStored, payload); err != nil {
		slog.Warn("failed to publish transactions stored event", "customers", len(event.CustomerIDs), "error", err)
	}
}
