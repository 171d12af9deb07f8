package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a card transaction as delivered by ingestion.
// It is never modified after it has been stored.
type Transaction struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customerId"`
	Merchant   string          `json:"merchant"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Timestamp  time.Time       `json:"timestamp"`
	CardType   string          `json:"cardType,omitempty"`
	DeviceID   string          `json:"deviceId,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	Country    string          `json:"country,omitempty"`
	City       string          `json:"city,omitempty"`
	MCC        string          `json:"mcc,omitempty"`
	Status     string          `json:"status,omitempty"`

	// CreatedAt is when the record was stored, not when the card was used.
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// Defaults applied to optional transaction fields at ingestion.
const (
	DefaultCurrency          = "USD"
	DefaultTransactionStatus = "completed"
)

// Validate rejects transactions that cannot be scored.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is nil", ErrInvalidTransaction)
	}
	var missing []string
	if strings.TrimSpace(t.ID) == "" {
		missing = append(missing, "id")
	}
	if strings.TrimSpace(t.CustomerID) == "" {
		missing = append(missing, "customerId")
	}
	if strings.TrimSpace(t.Merchant) == "" {
		missing = append(missing, "merchant")
	}
	if t.Timestamp.IsZero() {
		missing = append(missing, "timestamp")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTransaction, strings.Join(missing, ", "))
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidTransaction, t.Amount.String())
	}
	return nil
}

// Normalize fills optional fields with their ingestion defaults.
func (t *Transaction) Normalize() {
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if t.Status == "" {
		t.Status = DefaultTransactionStatus
	}
	t.MCC = strings.TrimSpace(t.MCC)
}

// Location returns the city/country pair used for geographic comparison.
func (t *Transaction) Location() Location {
	return Location{City: t.City, Country: t.Country}
}

// Location is a city within a country.
type Location struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

func (l Location) String() string {
	return l.City + ", " + l.Country
}
