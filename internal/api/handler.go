package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/batch"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/ingest"
	"github.com/opensource-finance/harrier/internal/profile"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/workflow"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	engine    *rules.Engine
	processor *batch.Processor
	workflow  *workflow.Service
	profiles  *profile.Service
	maxBody   int64
	version   string
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(svc Services, maxBody int64, version string) *Handler {
	if maxBody <= 0 {
		maxBody = 10 << 20
	}
	return &Handler{
		repo:      svc.Repo,
		cache:     svc.Cache,
		bus:       svc.Bus,
		engine:    svc.Engine,
		processor: svc.Processor,
		workflow:  svc.Workflow,
		profiles:  svc.Profiles,
		maxBody:   maxBody,
		version:   version,
		now:       time.Now,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether the server can accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.processor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	if err := h.repo.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "repository unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// TransactionsRequest is the body of POST /transactions and POST /batches.
// A bare JSON array of transactions is accepted too.
type TransactionsRequest struct {
	Transactions []*domain.Transaction `json:"transactions"`
}

func (h *Handler) decodeTransactions(w http.ResponseWriter, r *http.Request) ([]*domain.Transaction, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", domain.ErrInvalidInput, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: request body is empty", domain.ErrInvalidInput)
	}

	var txs []*domain.Transaction
	if body[0] == '[' {
		err = json.Unmarshal(body, &txs)
	} else {
		var req TransactionsRequest
		err = json.Unmarshal(body, &req)
		txs = req.Transactions
	}
	if err != nil {
		return nil, fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err)
	}
	if len(txs) == 0 {
		return nil, fmt.Errorf("%w: no transactions given", domain.ErrInvalidInput)
	}
	return txs, nil
}

// SubmitTransactions handles POST /transactions: store and process synchronously.
func (h *Handler) SubmitTransactions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.processor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "processing not available"})
		return
	}

	txs, err := h.decodeTransactions(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	sum, err := batch.Ingest(r.Context(), h.repo, h.processor, txs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ImportResponse is the response of POST /transactions/import.
type ImportResponse struct {
	*batch.Summary
	RowErrors []ingest.RowError `json:"rowErrors,omitempty"`
}

// ImportTransactions handles POST /transactions/import with a CSV body.
func (h *Handler) ImportTransactions(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil || h.processor == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "processing not available"})
		return
	}

	parsed, err := ingest.ParseCSV(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeError(w, err)
		return
	}

	sum, err := batch.Ingest(r.Context(), h.repo, h.processor, parsed.Transactions)
	if err != nil {
		writeError(w, err)
		return
	}

	sum.Received += parsed.Duplicates + parsed.Rejected()
	sum.Duplicates += parsed.Duplicates
	sum.Rejected += parsed.Rejected()

	slog.Info("csv imported",
		"rows", sum.Received,
		"stored", sum.Stored,
		"alerts_created", sum.Created,
	)
	writeJSON(w, http.StatusOK, ImportResponse{Summary: sum, RowErrors: parsed.Rejections})
}

// SubmitBatch handles POST /batches: publish for the worker and return at once.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "event bus not available"})
		return
	}

	txs, err := h.decodeTransactions(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	msg := domain.BatchMessage{BatchID: uuid.New().String(), Transactions: txs}
	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.bus.Publish(r.Context(), domain.TopicBatchSubmitted, payload); err != nil {
		writeError(w, fmt.Errorf("failed to submit batch: %w", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"batchId":  msg.BatchID,
		"received": len(txs),
		"traceId":  GetTraceID(r.Context()),
	})
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "repository not available"})
		return
	}

	tx, err := h.repo.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListRules returns the loaded rule set.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rule engine not available"})
		return
	}
	loaded := h.engine.GetLoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction), errors.Is(err, domain.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrMissingAlert), errors.Is(err, domain.ErrMissingTransaction):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}
