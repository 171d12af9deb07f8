package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo  *repository.SQLRepository
	bus   *bus.ChannelBus
	svc   *Service
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "workflow.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	f := &fixture{repo: repo, bus: b, clock: now}
	f.svc = NewService(repo, b).WithClock(func() time.Time {
		f.clock = f.clock.Add(time.Second)
		return f.clock
	})
	return f
}

func (f *fixture) seed(t *testing.T, id string) *domain.Alert {
	t.Helper()
	alert := openAlert(domain.AlertStatusOpen)
	alert.ID = id
	alert.TransactionID = "TX-" + id
	require.NoError(t, f.repo.SaveAlert(context.Background(), alert))
	return alert
}

func TestActPersistsWithAudit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.seed(t, "ALTWF1")

	res, err := f.svc.Act(ctx, alert.ID, Request{Action: ActionMarkReviewing, AnalystID: "ana"})
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusReviewing, res.Alert.Status)
	assert.Equal(t, domain.AuditReviewing, res.Audit.Action)

	_, err = f.svc.Act(ctx, alert.ID, Request{Action: ActionResolve, AnalystID: "ana", Note: "fraud confirmed"})
	require.NoError(t, err)

	stored, err := f.repo.GetAlert(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.AlertStatusResolved, stored.Status)
	assert.Equal(t, "ana", stored.AnalystID)
	require.NotNil(t, stored.ResolvedAt)
	assert.Contains(t, stored.Notes, "fraud confirmed")

	log, err := f.repo.ListAuditLog(ctx, alert.ID)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, domain.AuditReviewing, log[0].Action)
	assert.Equal(t, domain.AuditResolved, log[1].Action)
}

func TestActRejectedLeavesAlertUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.seed(t, "ALTWF2")

	_, err := f.svc.Act(ctx, alert.ID, Request{Action: ActionDismiss, AnalystID: "ana"})
	require.NoError(t, err)

	for _, action := range []Action{ActionMarkReviewing, ActionEscalate, ActionResolve, ActionDismiss} {
		_, err := f.svc.Act(ctx, alert.ID, Request{Action: action, AnalystID: "ana"})
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}

	log, _ := f.repo.ListAuditLog(ctx, alert.ID)
	assert.Len(t, log, 1)

	stored, _ := f.repo.GetAlert(ctx, alert.ID)
	assert.Equal(t, domain.AlertStatusDismissed, stored.Status)
}

func TestActMissingAlert(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Act(context.Background(), "ALTNOPE", Request{Action: ActionEscalate, AnalystID: "ana"})
	assert.ErrorIs(t, err, domain.ErrMissingAlert)
}

func TestActPublishesUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.seed(t, "ALTWF3")

	events := make(chan domain.AlertEvent, 1)
	_, err := f.bus.Subscribe(ctx, domain.TopicAlertUpdated, func(ctx context.Context, msg *domain.Message) error {
		var ev domain.AlertEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev
		return nil
	})
	require.NoError(t, err)

	_, err = f.svc.Act(ctx, alert.ID, Request{Action: ActionEscalate, AnalystID: "ana"})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, alert.ID, ev.Alert.ID)
		assert.Equal(t, domain.AlertStatusEscalated, ev.Alert.Status)
		assert.Equal(t, domain.AuditEscalated, ev.Audit.Action)
	case <-time.After(time.Second):
		t.Fatal("no alert.updated event")
	}
}

func TestConcurrentActionsOnOneAlert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.seed(t, "ALTWF4")
	svc := NewService(f.repo, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, action := range []Action{ActionResolve, ActionDismiss} {
		wg.Add(1)
		go func(a Action) {
			defer wg.Done()
			_, err := svc.Act(ctx, alert.ID, Request{Action: a, AnalystID: "ana"})
			errs <- err
		}(action)
	}
	wg.Wait()
	close(errs)

	var failures []error
	for err := range errs {
		if err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1, "exactly one terminal action may win")
	assert.True(t, errors.Is(failures[0], domain.ErrInvalidTransition) || errors.Is(failures[0], domain.ErrConflict))

	log, _ := f.repo.ListAuditLog(ctx, alert.ID)
	assert.Len(t, log, 1)
}

func TestBulk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seed(t, "ALTB1")
	b := f.seed(t, "ALTB2")
	c := f.seed(t, "ALTB3")

	_, err := f.svc.Act(ctx, c.ID, Request{Action: ActionResolve, AnalystID: "ana"})
	require.NoError(t, err)

	outcomes, err := f.svc.Bulk(ctx, []string{a.ID, b.ID, c.ID, "ALTMISSING", a.ID}, Request{Action: ActionDismiss, AnalystID: "ana", Note: "batch false positive"})
	require.NoError(t, err)
	require.Len(t, outcomes, 4)

	assert.True(t, outcomes[0].OK)
	assert.Equal(t, domain.AlertStatusDismissed, outcomes[0].Status)
	assert.True(t, outcomes[1].OK)
	assert.False(t, outcomes[2].OK)
	assert.ErrorIs(t, outcomes[2].Err, domain.ErrInvalidTransition)
	assert.False(t, outcomes[3].OK)
	assert.ErrorIs(t, outcomes[3].Err, domain.ErrMissingAlert)

	_, err = f.svc.Bulk(ctx, nil, Request{Action: ActionDismiss, AnalystID: "ana"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.Bulk(ctx, []string{a.ID}, Request{Action: "PURGE", AnalystID: "ana"})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}
