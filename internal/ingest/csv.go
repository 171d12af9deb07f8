// Package ingest turns CSV exports into validated transactions.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/shopspring/decimal"
)

// RowError describes a CSV row that could not become a transaction.
type RowError struct {
	Line   int    `json:"line"`
	TxID   string `json:"txId,omitempty"`
	Reason string `json:"reason"`
}

// Result is the outcome of parsing one CSV document.
type Result struct {
	Transactions []*domain.Transaction `json:"-"`
	Duplicates   int                   `json:"duplicates"`
	Rejections   []RowError            `json:"rejections,omitempty"`
}

// Rejected returns the number of rows that failed validation.
func (r *Result) Rejected() int {
	return len(r.Rejections)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// column aliases, keyed by the canonical field name.
var aliases = map[string][]string{
	"id":        {"transaction_id", "id", "txn_id", "tx_id"},
	"customer":  {"customer_id", "customer", "customerid"},
	"merchant":  {"merchant", "merchant_name"},
	"amount":    {"amount"},
	"currency":  {"currency"},
	"timestamp": {"transaction_date", "timestamp", "date", "ts"},
	"card_type": {"card_type", "cardtype"},
	"device":    {"device_id", "device", "deviceid"},
	"ip":        {"ip_address", "ip"},
	"country":   {"country"},
	"city":      {"city"},
	"mcc":       {"mcc_code", "mcc"},
	"status":    {"status"},
}

var required = []string{"id", "customer", "merchant", "amount", "timestamp"}

// ParseCSV reads a header row followed by one transaction per row. Rows that
// fail validation are reported and skipped; a repeated transaction ID keeps
// the first occurrence. Timestamps without a zone are read as UTC.
func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: csv is empty", domain.ErrInvalidInput)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read csv header: %v", domain.ErrInvalidInput, err)
	}

	columns, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	seen := make(map[string]bool)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				res.Rejections = append(res.Rejections, RowError{Line: parseErr.StartLine, Reason: parseErr.Err.Error()})
				continue
			}
			return nil, fmt.Errorf("failed to read csv: %w", err)
		}
		if blank(record) {
			continue
		}
		line, _ := reader.FieldPos(0)

		tx, err := columns.transaction(record)
		if err == nil {
			err = tx.Validate()
		}
		if err != nil {
			id := ""
			if tx != nil {
				id = tx.ID
			}
			res.Rejections = append(res.Rejections, RowError{Line: line, TxID: id, Reason: err.Error()})
			continue
		}
		if seen[tx.ID] {
			res.Duplicates++
			continue
		}
		seen[tx.ID] = true
		res.Transactions = append(res.Transactions, tx)
	}
	return res, nil
}

type columnMap map[string]int

func mapHeader(header []string) (columnMap, error) {
	index := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, dup := index[name]; !dup {
			index[name] = i
		}
	}

	cols := columnMap{}
	for field, names := range aliases {
		for _, name := range names {
			if i, ok := index[name]; ok {
				cols[field] = i
				break
			}
		}
	}

	var missing []string
	for _, field := range required {
		if _, ok := cols[field]; !ok {
			missing = append(missing, aliases[field][0])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: csv header missing %s", domain.ErrInvalidInput, strings.Join(missing, ", "))
	}
	return cols, nil
}

func (c columnMap) get(record []string, field string) string {
	i, ok := c[field]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (c columnMap) transaction(record []string) (*domain.Transaction, error) {
	tx := &domain.Transaction{
		ID:         c.get(record, "id"),
		CustomerID: c.get(record, "customer"),
		Merchant:   c.get(record, "merchant"),
		Currency:   strings.ToUpper(c.get(record, "currency")),
		CardType:   c.get(record, "card_type"),
		DeviceID:   c.get(record, "device"),
		IPAddress:  c.get(record, "ip"),
		Country:    c.get(record, "country"),
		City:       c.get(record, "city"),
		MCC:        c.get(record, "mcc"),
		Status:     c.get(record, "status"),
	}

	if raw := c.get(record, "amount"); raw != "" {
		amount, err := decimal.NewFromString(strings.TrimPrefix(strings.ReplaceAll(raw, ",", ""), "$"))
		if err != nil {
			return tx, fmt.Errorf("%w: invalid amount %q", domain.ErrInvalidTransaction, raw)
		}
		tx.Amount = amount
	}
	if raw := c.get(record, "timestamp"); raw != "" {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			return tx, err
		}
		tx.Timestamp = ts
	}

	tx.Normalize()
	return tx, nil
}

// ParseTimestamp accepts RFC 3339 and the common naive date-time layouts.
func ParseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: invalid timestamp %q", domain.ErrInvalidTransaction, raw)
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
