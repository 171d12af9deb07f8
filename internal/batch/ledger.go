package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// MemoryLedger is an in-process Ledger for offline runs and tests.
type MemoryLedger struct {
	mu        sync.RWMutex
	processed map[string]time.Time
	alerts    []*domain.Alert
}

// NewMemoryLedger creates a ledger that already considers processedIDs done.
func NewMemoryLedger(processedIDs ...string) *MemoryLedger {
	l := &MemoryLedger{processed: make(map[string]time.Time, len(processedIDs))}
	for _, id := range processedIDs {
		l.processed[id] = time.Time{}
	}
	return l
}

// IsProcessed implements Ledger.
func (l *MemoryLedger) IsProcessed(_ context.Context, txID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.processed[txID]
	return ok, nil
}

// CommitOutcome implements Ledger.
func (l *MemoryLedger) CommitOutcome(_ context.Context, txID string, alert *domain.Alert, processedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.processed[txID]; ok {
		return fmt.Errorf("%w: transaction %s already processed", domain.ErrConflict, txID)
	}
	l.processed[txID] = processedAt
	if alert != nil {
		l.alerts = append(l.alerts, alert)
	}
	return nil
}

// Alerts returns the alerts committed so far.
func (l *MemoryLedger) Alerts() []*domain.Alert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*domain.Alert(nil), l.alerts...)
}

// ProcessedCount returns the number of transactions marked processed.
func (l *MemoryLedger) ProcessedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}
