// Package worker consumes submitted batches from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/batch"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Worker stores and processes batches published on domain.TopicBatchSubmitted.
type Worker struct {
	bus       domain.EventBus
	store     batch.TransactionStore
	processor *batch.Processor

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	batches atomic.Int64
	failed  atomic.Int64
	alerts  atomic.Int64
}

// NewWorker creates a new batch worker.
func NewWorker(bus domain.EventBus, store batch.TransactionStore, processor *batch.Processor) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		store:     store,
		processor: processor,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to submitted batches.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicBatchSubmitted, w.handleBatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicBatchSubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("batch worker started", "topic", domain.TopicBatchSubmitted)
	return nil
}

func (w *Worker) handleBatch(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var bm domain.BatchMessage
	if err := json.Unmarshal(msg.Payload, &bm); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse batch message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if bm.BatchID == "" {
		bm.BatchID = msg.ID
	}

	slog.Debug("processing batch",
		"batch_id", bm.BatchID,
		"size", len(bm.Transactions),
	)

	sum, err := batch.Ingest(ctx, w.store, w.processor, bm.Transactions)
	if err != nil {
		w.failed.Add(1)
		slog.Error("batch failed",
			"batch_id", bm.BatchID,
			"error", err,
		)
		return err
	}

	w.batches.Add(1)
	w.alerts.Add(int64(sum.Created))
	slog.Info("batch completed",
		"batch_id", bm.BatchID,
		"received", sum.Received,
		"stored", sum.Stored,
		"duplicates", sum.Duplicates,
		"rejected", sum.Rejected,
		"alerts_created", sum.Created,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("batch worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	BatchesProcessed  int64    `json:"batchesProcessed"`
	BatchesFailed     int64    `json:"batchesFailed"`
	AlertsCreated     int64    `json:"alertsCreated"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(topics),
		Topics:            topics,
		BatchesProcessed:  w.batches.Load(),
		BatchesFailed:     w.failed.Load(),
		AlertsCreated:     w.alerts.Load(),
	}
}
