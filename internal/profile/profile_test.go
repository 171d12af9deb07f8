package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 3, 20, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "profile.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func tx(id, customer string, ts time.Time, amount string, city, device string) *domain.Transaction {
	return &domain.Transaction{
		ID:         id,
		CustomerID: customer,
		Merchant:   "Shop",
		Amount:     decimal.RequireFromString(amount),
		Currency:   "USD",
		Timestamp:  ts,
		City:       city,
		Country:    "US",
		DeviceID:   device,
		Status:     "completed",
	}
}

func alert(id, txID string, score int, status domain.AlertStatus, created time.Time) *domain.Alert {
	return &domain.Alert{
		ID:            id,
		TransactionID: txID,
		Rules:         []domain.RuleName{domain.RuleHighAmount},
		Severity:      domain.SeverityForScore(score),
		RiskScore:     score,
		Status:        status,
		CreatedAt:     created,
	}
}

func seed(t *testing.T, repo *repository.SQLRepository) {
	t.Helper()
	ctx := context.Background()
	txs := []*domain.Transaction{
		tx("T1", "C1", now.Add(-30*24*time.Hour), "100.00", "Denver", "d1"),
		tx("T2", "C1", now.Add(-3*24*time.Hour), "250.50", "Denver", "d1"),
		tx("T3", "C1", now.Add(-time.Hour), "7000.00", "Miami", "d2"),
		tx("T4", "C1", now.Add(-30*time.Minute), "49.50", "", ""),
		tx("OTHER", "C2", now.Add(-time.Hour), "10.00", "Denver", "d1"),
	}
	_, _, err := repo.SaveTransactions(ctx, txs)
	require.NoError(t, err)

	require.NoError(t, repo.SaveAlert(ctx, alert("A1", "T2", 45, domain.AlertStatusResolved, now.Add(-3*24*time.Hour))))
	require.NoError(t, repo.SaveAlert(ctx, alert("A2", "T3", 80, domain.AlertStatusOpen, now.Add(-time.Hour))))
	require.NoError(t, repo.SaveAlert(ctx, alert("A3", "OTHER", 30, domain.AlertStatusOpen, now.Add(-time.Hour))))
}

func TestBuildProfile(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)

	svc := NewService(repo, nil, 0).WithClock(func() time.Time { return now })
	p, err := svc.Get(context.Background(), "C1")
	require.NoError(t, err)

	assert.Equal(t, "C1", p.CustomerID)
	assert.Equal(t, 4, p.TotalTransactions)
	assert.Equal(t, 2, p.TotalAlerts)
	assert.Equal(t, 62.5, p.AvgRiskScore)
	assert.Equal(t, 80, p.MaxRiskScore)

	assert.Equal(t, 1, p.SeverityCounts[domain.SeverityCritical])
	assert.Equal(t, 1, p.SeverityCounts[domain.SeverityMedium])
	assert.Equal(t, 0, p.SeverityCounts[domain.SeverityLow])
	assert.Len(t, p.SeverityCounts, 4)
	assert.Equal(t, 1, p.StatusCounts[domain.AlertStatusOpen])
	assert.Equal(t, 1, p.StatusCounts[domain.AlertStatusResolved])
	assert.Len(t, p.StatusCounts, 5)

	assert.True(t, p.TotalAmount.Equal(decimal.RequireFromString("7400.00")), p.TotalAmount.String())
	assert.True(t, p.AvgAmount.Equal(decimal.RequireFromString("1850.00")), p.AvgAmount.String())
	assert.True(t, p.MaxAmount.Equal(decimal.RequireFromString("7000.00")), p.MaxAmount.String())

	assert.Equal(t, 3, p.RecentCount)
	assert.True(t, p.RecentAmount.Equal(decimal.RequireFromString("7300.00")), p.RecentAmount.String())

	assert.Equal(t, 2, p.UniqueLocations, "blank cities are not locations")
	assert.Equal(t, 2, p.UniqueDevices)

	require.Len(t, p.Alerts, 2)
	assert.Equal(t, "A2", p.Alerts[0].ID, "alerts are newest first")
	require.Len(t, p.Transactions, 4)
	assert.Equal(t, "T4", p.Transactions[0].ID, "transactions are newest first")
}

func TestBuildTruncatesDetailLists(t *testing.T) {
	var txs []*domain.Transaction
	var alerts []*domain.Alert
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("T%02d", i)
		txs = append(txs, tx(id, "C1", now.Add(-time.Duration(i)*time.Minute), "1", "Denver", "d1"))
		alerts = append(alerts, alert("A"+id, id, 10, domain.AlertStatusOpen, now))
	}

	p := Build("C1", txs, alerts, now)
	assert.Equal(t, 30, p.TotalTransactions)
	assert.Equal(t, 30, p.TotalAlerts)
	assert.Len(t, p.Transactions, RecentTransactionsLimit)
	assert.Len(t, p.Alerts, RecentAlertsLimit)
	assert.Equal(t, "T00", p.Transactions[0].ID)
}

func TestAvgRiskScoreRounding(t *testing.T) {
	alerts := []*domain.Alert{
		alert("A1", "T1", 10, domain.AlertStatusOpen, now),
		alert("A2", "T2", 10, domain.AlertStatusOpen, now),
		alert("A3", "T3", 15, domain.AlertStatusOpen, now),
	}
	p := Build("C1", []*domain.Transaction{tx("T1", "C1", now, "3", "", "")}, alerts, now)
	assert.Equal(t, 11.7, p.AvgRiskScore)
}

func TestProfileErrors(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, nil, 0)

	_, err := svc.Get(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = svc.Get(context.Background(), "UNKNOWN")
	assert.ErrorIs(t, err, domain.ErrMissingTransaction)
}

func TestProfileIsCached(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	ctx := context.Background()
	lru := cache.NewLRUCache(10)

	svc := NewService(repo, lru, time.Minute).WithClock(func() time.Time { return now })
	first, err := svc.Get(ctx, "C1")
	require.NoError(t, err)

	// New activity is not visible until the cached profile goes away.
	_, _, err = repo.SaveTransactions(ctx, []*domain.Transaction{tx("T5", "C1", now, "5.00", "Denver", "d1")})
	require.NoError(t, err)

	cached, err := svc.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, first.TotalTransactions, cached.TotalTransactions)
	assert.True(t, first.TotalAmount.Equal(cached.TotalAmount))

	require.NoError(t, svc.Invalidate(ctx, "C1"))
	fresh, err := svc.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, 5, fresh.TotalTransactions)
}

func TestWatchInvalidatesOnAlertEvents(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	ctx := context.Background()
	lru := cache.NewLRUCache(10)
	b := bus.NewChannelBus(10)
	defer b.Close()

	svc := NewService(repo, lru, time.Minute).WithClock(func() time.Time { return now })
	subs, err := svc.Watch(ctx, b)
	require.NoError(t, err)
	assert.Len(t, subs, 3)

	_, err = svc.Get(ctx, "C1")
	require.NoError(t, err)
	size, _ := lru.Stats()
	require.Equal(t, 1, size)

	payload, err := json.Marshal(domain.AlertEvent{Alert: alert("A2", "T3", 80, domain.AlertStatusReviewing, now)})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, domain.TopicAlertUpdated, payload))

	assert.Eventually(t, func() bool {
		size, _ := lru.Stats()
		return size == 0
	}, time.Second, 10*time.Millisecond)
}

func TestWatchInvalidatesOnStoredTransactions(t *testing.T) {
	repo := newRepo(t)
	seed(t, repo)
	ctx := context.Background()
	lru := cache.NewLRUCache(10)
	b := bus.NewChannelBus(10)
	defer b.Close()

	svc := NewService(repo, lru, time.Minute).WithClock(func() time.Time { return now })
	_, err := svc.Watch(ctx, b)
	require.NoError(t, err)

	first, err := svc.Get(ctx, "C1")
	require.NoError(t, err)
	require.Equal(t, 4, first.TotalTransactions)

	// A transaction that raises no alert still changes the totals.
	_, _, err = repo.SaveTransactions(ctx, []*domain.Transaction{tx("T5", "C1", now, "5.00", "Miami", "d2")})
	require.NoError(t, err)
	payload, err := json.Marshal(domain.TransactionsStoredEvent{CustomerIDs: []string{"C1"}})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, domain.TopicTransactionsStored, payload))

	assert.Eventually(t, func() bool {
		p, err := svc.Get(ctx, "C1")
		return err == nil && p.TotalTransactions == 5 && p.TotalAmount.Equal(first.TotalAmount.Add(decimal.RequireFromString("5.00")))
	}, time.Second, 10*time.Millisecond)
}
