package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("harrier-workflow")

// maxAttempts bounds re-reads when another analyst changed the alert first.
const maxAttempts = 3

// Store is the persistence the workflow needs. domain.Repository satisfies it.
type Store interface {
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	ApplyAlertUpdate(ctx context.Context, alert *domain.Alert, expected domain.AlertStatus, entry *domain.AuditLogEntry) error
}

// Service applies analyst actions to stored alerts.
type Service struct {
	store Store
	bus   domain.EventBus
	now   func() time.Time
}

// NewService creates a workflow service. bus may be nil.
func NewService(store Store, bus domain.EventBus) *Service {
	return &Service{
		store: store,
		bus:   bus,
		now:   time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Result is the outcome of an accepted action.
type Result struct {
	Alert *domain.Alert         `json:"alert"`
	Audit *domain.AuditLogEntry `json:"audit"`
}

// Act applies req to the alert. The alert update and its audit entry are
// committed together; on failure the stored alert is unchanged.
func (s *Service) Act(ctx context.Context, alertID string, req Request) (*Result, error) {
	ctx, span := tracer.Start(ctx, "workflow.Act",
		trace.WithAttributes(
			attribute.String("alert.id", alertID),
			attribute.String("alert.action", string(req.Action)),
		),
	)
	defer span.End()

	res, err := s.act(ctx, alertID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	slog.Info("alert action applied",
		"alert_id", alertID,
		"action", req.Action,
		"analyst_id", req.AnalystID,
		"status", res.Alert.Status,
	)
	s.publish(ctx, res)
	return res, nil
}

func (s *Service) act(ctx context.Context, alertID string, req Request) (*Result, error) {
	for attempt := 1; ; attempt++ {
		current, err := s.store.GetAlert(ctx, alertID)
		if err != nil {
			return nil, err
		}

		next, entry, err := Apply(current, req, s.now())
		if err != nil {
			return nil, err
		}

		err = s.store.ApplyAlertUpdate(ctx, next, current.Status, entry)
		if err == nil {
			return &Result{Alert: next, Audit: entry}, nil
		}
		if !errors.Is(err, domain.ErrConflict) || attempt == maxAttempts {
			return nil, err
		}
		slog.Debug("alert changed concurrently, retrying", "alert_id", alertID, "attempt", attempt)
	}
}

func (s *Service) publish(ctx context.Context, res *Result) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.AlertEvent{Alert: res.Alert, Audit: res.Audit})
	if err != nil {
		slog.Warn("failed to encode alert event", "alert_id", res.Alert.ID, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, domain.TopicAlertUpdated, payload); err != nil {
		slog.Warn("failed to publish alert event", "alert_id", res.Alert.ID, "error", err)
	}
}

// BulkOutcome reports the result of one alert within a bulk action.
type BulkOutcome struct {
	AlertID string                `json:"alertId"`
	OK      bool                  `json:"ok"`
	Status  domain.AlertStatus    `json:"status,omitempty"`
	Audit   *domain.AuditLogEntry `json:"audit,omitempty"`
	Error   string                `json:"error,omitempty"`
	Err     error                 `json:"-"`
}

// Bulk applies req to each alert in turn. A failure on one alert does not
// stop the others. Duplicate IDs are applied once.
func (s *Service) Bulk(ctx context.Context, alertIDs []string, req Request) ([]BulkOutcome, error) {
	if len(alertIDs) == 0 {
		return nil, fmt.Errorf("%w: no alert ids given", domain.ErrInvalidInput)
	}
	if _, ok := transitions[req.Action]; !ok {
		return nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidTransition, req.Action)
	}

	ctx, span := tracer.Start(ctx, "workflow.Bulk",
		trace.WithAttributes(
			attribute.String("alert.action", string(req.Action)),
			attribute.Int("alert.count", len(alertIDs)),
			attribute.String("bulk.id", uuid.New().String()),
		),
	)
	defer span.End()

	seen := make(map[string]bool, len(alertIDs))
	outcomes := make([]BulkOutcome, 0, len(alertIDs))
	for _, id := range alertIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		res, err := s.Act(ctx, id, req)
		if err != nil {
			outcomes = append(outcomes, BulkOutcome{AlertID: id, Error: err.Error(), Err: err})
			continue
		}
		outcomes = append(outcomes, BulkOutcome{AlertID: id, OK: true, Status: res.Alert.Status, Audit: res.Audit})
	}
	return outcomes, nil
}
