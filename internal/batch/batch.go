// Package batch drives rule evaluation, scoring and alert creation over a
// collection of transactions.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/history"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/scoring"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("harrier-batch")

// Ledger records which transactions have been processed. CommitOutcome must
// store the alert (if any) and the processed marker together, and fail with
// domain.ErrConflict when the transaction was already processed.
type Ledger interface {
	IsProcessed(ctx context.Context, txID string) (bool, error)
	CommitOutcome(ctx context.Context, txID string, alert *domain.Alert, processedAt time.Time) error
}

// Processor evaluates batches of transactions. Runs are serialized so that
// history snapshots only ever move forward.
type Processor struct {
	mu     sync.Mutex
	engine *rules.Engine
	source history.Source
	ledger Ledger
	bus    domain.EventBus
	now    func() time.Time
}

// NewProcessor creates a processor. source supplies stored history and may be
// nil when everything relevant arrives in the batch itself.
func NewProcessor(engine *rules.Engine, source history.Source, ledger Ledger) *Processor {
	return &Processor{
		engine: engine,
		source: source,
		ledger: ledger,
		now:    time.Now,
	}
}

// WithClock replaces the time source used for alert creation timestamps.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// WithBus publishes every created alert on domain.TopicAlertCreated.
func (p *Processor) WithBus(bus domain.EventBus) *Processor {
	p.bus = bus
	return p
}

// Rejection explains why a transaction was not scored.
type Rejection struct {
	TxID   string `json:"txId"`
	Reason string `json:"reason"`
}

// Result summarizes one run.
type Result struct {
	Processed  int             `json:"processed"`
	Created    int             `json:"alertsCreated"`
	Skipped    int             `json:"skipped"`
	Rejected   int             `json:"rejected"`
	Alerts     []*domain.Alert `json:"alerts,omitempty"`
	Rejections []Rejection     `json:"rejections,omitempty"`
}

// Process evaluates txs in ascending timestamp order. Transactions the ledger
// already knows are skipped, invalid ones are rejected and counted, and every
// other transaction is recorded as processed whether or not it raised an
// alert. Each transaction sees the stored history plus the earlier
// transactions of this run.
//
// A ledger failure other than a conflict stops the run; the partial result is
// returned alongside the error.
func (p *Processor) Process(ctx context.Context, txs []*domain.Transaction) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	ctx, span := tracer.Start(ctx, "batch.Process",
		trace.WithAttributes(attribute.Int("batch.size", len(txs))),
	)
	defer span.End()

	ordered := make([]*domain.Transaction, 0, len(txs))
	res := &Result{}
	for _, tx := range txs {
		if tx == nil {
			res.reject("", "transaction is nil")
			continue
		}
		c := *tx
		c.Normalize()
		ordered = append(ordered, &c)
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Timestamp.Before(ordered[j].Timestamp)
		}
		return ordered[i].ID < ordered[j].ID
	})

	overlay := history.NewMemory()
	snapshots := history.NewService(history.Merge(p.source, overlay))

	for _, tx := range ordered {
		if err := ctx.Err(); err != nil {
			return res, p.fail(span, err)
		}

		if err := tx.Validate(); err != nil {
			res.reject(tx.ID, err.Error())
			continue
		}

		done, err := p.ledger.IsProcessed(ctx, tx.ID)
		if err != nil {
			return res, p.fail(span, fmt.Errorf("failed to check ledger for %s: %w", tx.ID, err))
		}
		if done {
			res.Skipped++
			overlay.Record(tx)
			continue
		}

		h, err := snapshots.Snapshot(ctx, tx)
		if err != nil {
			return res, p.fail(span, err)
		}

		triggers := p.engine.Evaluate(tx, h)
		processedAt := p.now()
		alert, raised := scoring.NewAlert(tx, triggers, processedAt)

		err = p.ledger.CommitOutcome(ctx, tx.ID, alert, processedAt)
		if errors.Is(err, domain.ErrConflict) {
			res.Skipped++
			overlay.Record(tx)
			continue
		}
		if err != nil {
			return res, p.fail(span, fmt.Errorf("failed to commit %s: %w", tx.ID, err))
		}

		overlay.Record(tx)
		res.Processed++
		if raised {
			res.Created++
			res.Alerts = append(res.Alerts, alert)
			p.publish(ctx, alert)
		}
	}

	span.SetAttributes(
		attribute.Int("batch.processed", res.Processed),
		attribute.Int("batch.alerts_created", res.Created),
	)
	slog.Info("batch processed",
		"received", len(txs),
		"processed", res.Processed,
		"alerts_created", res.Created,
		"skipped", res.Skipped,
		"rejected", res.Rejected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func (r *Result) reject(txID, reason string) {
	r.Rejected++
	r.Rejections = append(r.Rejections, Rejection{TxID: txID, Reason: reason})
}

func (p *Processor) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (p *Processor) publish(ctx context.Context, alert *domain.Alert) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.AlertEvent{Alert: alert})
	if err != nil {
		slog.Warn("failed to encode alert event", "alert_id", alert.ID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, domain.TopicAlertCreated, payload); err != nil {
		slog.Warn("failed to publish alert event", "alert_id", alert.ID, "error", err)
	}
}
