// Package profile builds customer risk profiles for investigation.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

// Limits on the detail lists carried by a profile.
const (
	RecentAlertsLimit       = 10
	RecentTransactionsLimit = 20
	RecentActivityWindow    = 7 * 24 * time.Hour
)

// Store is the read side the profile service needs.
type Store interface {
	CustomerTransactions(ctx context.Context, customerID string, limit int) ([]*domain.Transaction, error)
	CustomerAlerts(ctx context.Context, customerID string) ([]*domain.Alert, error)
	GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error)
}

// Profile aggregates a customer's activity and alert history.
type Profile struct {
	CustomerID        string                     `json:"customerId"`
	TotalTransactions int                        `json:"totalTransactions"`
	TotalAlerts       int                        `json:"totalAlerts"`
	AvgRiskScore      float64                    `json:"avgRiskScore"`
	MaxRiskScore      int                        `json:"maxRiskScore"`
	SeverityCounts    map[domain.Severity]int    `json:"severityCounts"`
	StatusCounts      map[domain.AlertStatus]int `json:"statusCounts"`
	TotalAmount       decimal.Decimal            `json:"totalAmount"`
	AvgAmount         decimal.Decimal            `json:"avgAmount"`
	MaxAmount         decimal.Decimal            `json:"maxAmount"`
	RecentCount       int                        `json:"recentCount"`
	RecentAmount      decimal.Decimal            `json:"recentAmount"`
	UniqueLocations   int                        `json:"uniqueLocations"`
	UniqueDevices     int                        `json:"uniqueDevices"`
	Alerts            []*domain.Alert            `json:"alerts"`
	Transactions      []*domain.Transaction      `json:"transactions"`
	GeneratedAt       time.Time                  `json:"generatedAt"`
}

// Service builds profiles and caches them for ttl.
type Service struct {
	store Store
	cache domain.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates a profile service. A nil cache or non-positive ttl
// disables caching.
func NewService(store Store, c domain.Cache, ttl time.Duration) *Service {
	return &Service{
		store: store,
		cache: c,
		ttl:   ttl,
		now:   time.Now,
	}
}

// WithClock replaces the time source used for the recent-activity window.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func cacheKey(customerID string) string {
	return "profile:" + customerID
}

func (s *Service) caching() bool {
	return s.cache != nil && s.ttl > 0
}

// Get returns the customer's profile, served from cache when fresh.
// A customer with no transactions yields domain.ErrMissingTransaction.
func (s *Service) Get(ctx context.Context, customerID string) (*Profile, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is required", domain.ErrInvalidInput)
	}

	if s.caching() {
		var cached Profile
		hit, err := cache.GetJSON(ctx, s.cache, cacheKey(customerID), &cached)
		if err != nil {
			slog.Warn("profile cache read failed", "customer_id", customerID, "error", err)
		}
		if hit {
			return &cached, nil
		}
	}

	p, err := s.build(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if s.caching() {
		if err := cache.SetJSON(ctx, s.cache, cacheKey(customerID), p, s.ttl); err != nil {
			slog.Warn("profile cache write failed", "customer_id", customerID, "error", err)
		}
	}
	return p, nil
}

// Invalidate drops the cached profile of customerID.
func (s *Service) Invalidate(ctx context.Context, customerID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, cacheKey(customerID))
}

func (s *Service) build(ctx context.Context, customerID string) (*Profile, error) {
	txs, err := s.store.CustomerTransactions(ctx, customerID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions for %s: %w", customerID, err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no transactions for customer %s", domain.ErrMissingTransaction, customerID)
	}
	alerts, err := s.store.CustomerAlerts(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for %s: %w", customerID, err)
	}
	return Build(customerID, txs, alerts, s.now()), nil
}

// Build aggregates a profile from the customer's transactions and alerts, both
// ordered newest first.
func Build(customerID string, txs []*domain.Transaction, alerts []*domain.Alert, now time.Time) *Profile {
	p := &Profile{
		CustomerID:        customerID,
		TotalTransactions: len(txs),
		TotalAlerts:       len(alerts),
		SeverityCounts: map[domain.Severity]int{
			domain.SeverityCritical: 0,
			domain.SeverityHigh:     0,
			domain.SeverityMedium:   0,
			domain.SeverityLow:      0,
		},
		StatusCounts: map[domain.AlertStatus]int{
			domain.AlertStatusOpen:      0,
			domain.AlertStatusReviewing: 0,
			domain.AlertStatusEscalated: 0,
			domain.AlertStatusResolved:  0,
			domain.AlertStatusDismissed: 0,
		},
		TotalAmount:  decimal.Zero,
		AvgAmount:    decimal.Zero,
		MaxAmount:    decimal.Zero,
		RecentAmount: decimal.Zero,
		Alerts:       head(alerts, RecentAlertsLimit),
		Transactions: head(txs, RecentTransactionsLimit),
		GeneratedAt:  now,
	}

	riskTotal := 0
	for _, a := range alerts {
		p.SeverityCounts[a.Severity]++
		p.StatusCounts[a.Status]++
		riskTotal += a.RiskScore
		if a.RiskScore > p.MaxRiskScore {
			p.MaxRiskScore = a.RiskScore
		}
	}
	if len(alerts) > 0 {
		p.AvgRiskScore = math.Round(float64(riskTotal)/float64(len(alerts))*10) / 10
	}

	since := now.Add(-RecentActivityWindow)
	locations := make(map[domain.Location]bool)
	devices := make(map[string]bool)
	for _, tx := range txs {
		p.TotalAmount = p.TotalAmount.Add(tx.Amount)
		if tx.Amount.GreaterThan(p.MaxAmount) {
			p.MaxAmount = tx.Amount
		}
		if !tx.Timestamp.Before(since) {
			p.RecentCount++
			p.RecentAmount = p.RecentAmount.Add(tx.Amount)
		}
		if tx.City != "" {
			locations[tx.Location()] = true
		}
		if tx.DeviceID != "" {
			devices[tx.DeviceID] = true
		}
	}
	if len(txs) > 0 {
		p.AvgAmount = p.TotalAmount.Div(decimal.NewFromInt(int64(len(txs)))).Round(2)
	}
	p.UniqueLocations = len(locations)
	p.UniqueDevices = len(devices)

	return p
}

func head[T any](list []T, n int) []T {
	if len(list) > n {
		list = list[:n]
	}
	return append([]T{}, list...)
}

// Watch keeps the cache honest: every alert event and every stored
// transaction drops the affected customer's cached profile.
func (s *Service) Watch(ctx context.Context, bus domain.EventBus) ([]domain.Subscription, error) {
	handlers := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicAlertCreated, s.handleAlertEvent},
		{domain.TopicAlertUpdated, s.handleAlertEvent},
		{domain.TopicTransactionsStored, s.handleStoredEvent},
	}

	var subs []domain.Subscription
	for _, h := range handlers {
		sub, err := bus.Subscribe(ctx, h.topic, h.handler)
		if err != nil {
			for _, prev := range subs {
				_ = prev.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", h.topic, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func (s *Service) handleAlertEvent(ctx context.Context, msg *domain.Message) error {
	var event domain.AlertEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("failed to decode alert event: %w", err)
	}
	if event.Alert == nil {
		return nil
	}

	tx, err := s.store.GetTransaction(ctx, event.Alert.TransactionID)
	if errors.Is(err, domain.ErrMissingTransaction) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.Invalidate(ctx, tx.CustomerID)
}

func (s *Service) handleStoredEvent(ctx context.Context, msg *domain.Message) error {
	var event domain.TransactionsStoredEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("failed to decode transactions stored event: %w", err)
	}
	for _, id := range event.CustomerIDs {
		if err := s.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
