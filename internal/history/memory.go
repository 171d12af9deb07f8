package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Memory is an in-process Source. The batch processor records every
// transaction it evaluates so later transactions in the same run see it.
type Memory struct {
	mu         sync.RWMutex
	ids        map[string]bool
	byCustomer map[string][]*domain.Transaction
	byDevice   map[string][]*domain.Transaction
}

// NewMemory creates an empty in-memory source seeded with txs.
func NewMemory(txs ...*domain.Transaction) *Memory {
	m := &Memory{
		ids:        make(map[string]bool),
		byCustomer: make(map[string][]*domain.Transaction),
		byDevice:   make(map[string][]*domain.Transaction),
	}
	for _, tx := range txs {
		m.Record(tx)
	}
	return m
}

// Record adds tx. Recording the same ID twice is a no-op.
func (m *Memory) Record(tx *domain.Transaction) {
	if tx == nil || tx.ID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ids[tx.ID] {
		return
	}
	m.ids[tx.ID] = true
	m.byCustomer[tx.CustomerID] = insertSorted(m.byCustomer[tx.CustomerID], tx)
	if tx.DeviceID != "" {
		m.byDevice[tx.DeviceID] = insertSorted(m.byDevice[tx.DeviceID], tx)
	}
}

// Len returns the number of recorded transactions.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// TransactionsByCustomer implements Source.
func (m *Memory) TransactionsByCustomer(_ context.Context, customerID string, since, until time.Time) ([]*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return between(m.byCustomer[customerID], since, until), nil
}

// TransactionsByDevice implements Source.
func (m *Memory) TransactionsByDevice(_ context.Context, deviceID string, since, until time.Time) ([]*domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return between(m.byDevice[deviceID], since, until), nil
}

// CustomerActiveBefore implements Source.
func (m *Memory) CustomerActiveBefore(_ context.Context, customerID string, before time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byCustomer[customerID]
	return len(list) > 0 && list[0].Timestamp.Before(before), nil
}

func insertSorted(list []*domain.Transaction, tx *domain.Transaction) []*domain.Transaction {
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Timestamp.After(tx.Timestamp)
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = tx
	return list
}

func between(list []*domain.Transaction, since, until time.Time) []*domain.Transaction {
	lo := sort.Search(len(list), func(i int) bool {
		return !list[i].Timestamp.Before(since)
	})
	var out []*domain.Transaction
	for _, tx := range list[lo:] {
		if tx.Timestamp.After(until) {
			break
		}
		out = append(out, tx)
	}
	return out
}
