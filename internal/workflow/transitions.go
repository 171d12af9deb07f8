// Package workflow implements the analyst-driven alert state machine and its
// audit trail.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
)

// Action is an analyst operation on an alert.
type Action string

const (
	ActionMarkReviewing Action = "MARK_REVIEWING"
	ActionEscalate      Action = "ESCALATE"
	ActionResolve       Action = "RESOLVE"
	ActionDismiss       Action = "DISMISS"
	ActionAddNote       Action = "ADD_NOTE"
	ActionAssign        Action = "ASSIGN"
)

// ParseAction normalizes s and reports whether it names a known action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := transitions[a]
	return a, ok
}

type transition struct {
	from     []domain.AlertStatus
	to       domain.AlertStatus // empty: status unchanged
	audit    domain.AuditAction
	resolves bool
}

var (
	active      = []domain.AlertStatus{domain.AlertStatusOpen, domain.AlertStatusReviewing, domain.AlertStatusEscalated}
	allStatuses = append(append([]domain.AlertStatus(nil), active...), domain.AlertStatusDismissed, domain.AlertStatusResolved)
)

var transitions = map[Action]transition{
	ActionMarkReviewing: {
		from:  active,
		to:    domain.AlertStatusReviewing,
		audit: domain.AuditReviewing,
	},
	ActionEscalate: {
		from:  []domain.AlertStatus{domain.AlertStatusOpen, domain.AlertStatusReviewing},
		to:    domain.AlertStatusEscalated,
		audit: domain.AuditEscalated,
	},
	ActionResolve: {
		from:     active,
		to:       domain.AlertStatusResolved,
		audit:    domain.AuditResolved,
		resolves: true,
	},
	ActionDismiss: {
		from:     active,
		to:       domain.AlertStatusDismissed,
		audit:    domain.AuditDismissed,
		resolves: true,
	},
	ActionAddNote: {
		from:  allStatuses,
		audit: domain.AuditNoteAdded,
	},
	ActionAssign: {
		from:  active,
		audit: domain.AuditAssigned,
	},
}

// Request is one analyst action against one alert.
type Request struct {
	Action    Action `json:"action"`
	AnalystID string `json:"-"`
	Note      string `json:"note,omitempty"`
	// Assignee is the analyst an ASSIGN hands the alert to; empty means the caller.
	Assignee string `json:"assignee,omitempty"`
}

// Allowed reports whether action may be applied to an alert in status.
func Allowed(status domain.AlertStatus, action Action) bool {
	t, ok := transitions[action]
	if !ok {
		return false
	}
	for _, s := range t.from {
		if s == status {
			return true
		}
	}
	return false
}

// Apply computes the result of req on alert at now without touching alert.
// It returns the updated copy and the single audit entry that records it.
func Apply(alert *domain.Alert, req Request, now time.Time) (*domain.Alert, *domain.AuditLogEntry, error) {
	if alert == nil {
		return nil, nil, domain.ErrMissingAlert
	}
	if strings.TrimSpace(req.AnalystID) == "" {
		return nil, nil, fmt.Errorf("%w: analyst id is required", domain.ErrInvalidInput)
	}

	t, ok := transitions[req.Action]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidTransition, req.Action)
	}
	if !Allowed(alert.Status, req.Action) {
		return nil, nil, fmt.Errorf("%w: cannot %s alert %s in status %s",
			domain.ErrInvalidTransition, req.Action, alert.ID, alert.Status)
	}

	note := strings.TrimSpace(req.Note)
	if req.Action == ActionAddNote && note == "" {
		return nil, nil, fmt.Errorf("%w: note is required", domain.ErrInvalidInput)
	}

	now = now.UTC()
	next := alert.Clone()
	details := note

	switch {
	case req.Action == ActionAssign:
		assignee := strings.TrimSpace(req.Assignee)
		if assignee == "" {
			assignee = req.AnalystID
		}
		next.AnalystID = assignee
		details = "assigned to " + assignee
		if note != "" {
			details += ": " + note
		}
	case t.to != "":
		next.Status = t.to
		next.AnalystID = req.AnalystID
	}
	if t.resolves {
		next.ResolvedAt = &now
	}
	if note != "" {
		next.Notes = appendNote(next.Notes, note, now)
	}

	entry := &domain.AuditLogEntry{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		AnalystID: req.AnalystID,
		Action:    t.audit,
		Details:   details,
		Timestamp: now,
	}
	return next, entry, nil
}

func appendNote(notes, note string, at time.Time) string {
	stamped := fmt.Sprintf("[%s] %s", at.Format("2006-01-02 15:04"), note)
	if notes == "" {
		return stamped
	}
	return notes + "\n\n" + stamped
}
