package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/priority"
	"github.com/opensource-finance/harrier/internal/workflow"
)

// ActionRequest is the body of POST /alerts/{id}/actions.
type ActionRequest struct {
	Action   string `json:"action"`
	Note     string `json:"note,omitempty"`
	Assignee string `json:"assignee,omitempty"`
}

// BulkActionRequest is the body of POST /alerts/bulk.
type BulkActionRequest struct {
	AlertIDs []string `json:"alertIds"`
	ActionRequest
}

// BulkActionResponse reports per-alert outcomes of a bulk action.
type BulkActionResponse struct {
	Results   []workflow.BulkOutcome `json:"results"`
	Succeeded int                    `json:"succeeded"`
	Failed    int                    `json:"failed"`
}

// AlertDetail is an alert with its queue metadata and source transaction.
type AlertDetail struct {
	priority.Ranked
	Transaction *domain.Transaction `json:"transaction,omitempty"`
}

// ListAlerts handles GET /alerts. Results are in queue order.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "repository not available"})
		return
	}

	filter, limit, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	ranked := priority.Sort(alerts, h.now())
	total := len(ranked)
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": ranked,
		"count":  len(ranked),
		"total":  total,
	})
}

// parseAlertFilter reads status, severity, customer and limit query
// parameters. Status and severity take comma-separated lists.
func parseAlertFilter(r *http.Request) (domain.AlertFilter, int, error) {
	q := r.URL.Query()
	var filter domain.AlertFilter

	for _, s := range splitList(q.Get("status")) {
		status := domain.AlertStatus(strings.ToUpper(s))
		if !status.Valid() {
			return filter, 0, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, s)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, s := range splitList(q.Get("severity")) {
		sev := domain.Severity(strings.ToUpper(s))
		if !sev.Valid() {
			return filter, 0, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidInput, s)
		}
		filter.Severities = append(filter.Severities, sev)
	}
	filter.CustomerID = strings.TrimSpace(q.Get("customer"))

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filter, 0, fmt.Errorf("%w: invalid limit %q", domain.ErrInvalidInput, raw)
		}
		limit = n
	}
	return filter, limit, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AlertSummary handles GET /alerts/summary.
func (h *Handler) AlertSummary(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "repository not available"})
		return
	}

	alerts, err := h.repo.ListAlerts(r.Context(), domain.AlertFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priority.Summarize(alerts, h.now()))
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "repository not available"})
		return
	}

	alert, err := h.repo.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	detail := AlertDetail{Ranked: priority.Rank(alert, h.now())}
	if tx, err := h.repo.GetTransaction(r.Context(), alert.TransactionID); err == nil {
		detail.Transaction = tx
	}
	writeJSON(w, http.StatusOK, detail)
}

// GetAuditLog handles GET /alerts/{id}/audit.
func (h *Handler) GetAuditLog(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "repository not available"})
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := h.repo.GetAlert(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.repo.ListAuditLog(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.AuditLogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alertId": id,
		"entries": entries,
	})
}

func (h *Handler) workflowRequest(r *http.Request, body ActionRequest) (workflow.Request, error) {
	action, ok := workflow.ParseAction(body.Action)
	if !ok {
		return workflow.Request{}, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidTransition, body.Action)
	}
	return workflow.Request{
		Action:    action,
		AnalystID: GetAnalystID(r.Context()),
		Note:      body.Note,
		Assignee:  body.Assignee,
	}, nil
}

// ApplyAction handles POST /alerts/{id}/actions.
func (h *Handler) ApplyAction(w http.ResponseWriter, r *http.Request) {
	if h.workflow == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "workflow not available"})
		return
	}

	var body ActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err))
		return
	}

	req, err := h.workflowRequest(r, body)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.workflow.Act(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BulkAction handles POST /alerts/bulk. Individual failures are reported
// per alert and do not fail the request.
func (h *Handler) BulkAction(w http.ResponseWriter, r *http.Request) {
	if h.workflow == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "workflow not available"})
		return
	}

	var body BulkActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON request body: %v", domain.ErrInvalidInput, err))
		return
	}

	req, err := h.workflowRequest(r, body.ActionRequest)
	if err != nil {
		writeError(w, err)
		return
	}

	outcomes, err := h.workflow.Bulk(r.Context(), body.AlertIDs, req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := BulkActionResponse{Results: outcomes}
	for _, o := range outcomes {
		if o.OK {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCustomerProfile handles GET /customers/{id}/profile.
func (h *Handler) GetCustomerProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "profiles not available"})
		return
	}

	p, err := h.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
