package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cdiperi/datacompass/internal/dq"
	"github.com/cdiperi/datacompass/internal/events"
	"github.com/cdiperi/datacompass/internal/storage"
)

// Store is the ledger's persistence boundary. Commit writes a result and its
// breach decision atomically; a duplicate (expectation, period) insert must
// surface dq.ErrAlreadyEvaluated and leave the store untouched.
type Store interface {
	History(ctx context.Context, expectationID string, limit int) ([]float64, error)
	OpenBreach(ctx context.Context, expectationID string) (*dq.Breach, error)
	Commit(ctx context.Context, result dq.Result, breach *dq.Breach, created bool) error
	GetBreach(ctx context.Context, id string) (dq.Breach, error)
	SaveBreach(ctx context.Context, breach dq.Breach) error
}

type Outcome string

const (
	OutcomeNoBreach         Outcome = "no_breach"
	OutcomeOpened           Outcome = "opened"
	OutcomeContinued        Outcome = "continued"
	OutcomeResolved         Outcome = "resolved"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeAlreadyEvaluated Outcome = "already_evaluated"
)

var (
	ErrBreachNotFound    = errors.New("breach not found")
	ErrInvalidTransition = errors.New("invalid breach transition")
)

// Ledger owns the breach state machine. It publishes an event for every
// externally visible status change (open creation, resolve, close) and
// deliberately stays silent on open -> open continuation so an ongoing
// breach does not notify once per period.
type Ledger struct {
	store  Store
	bus    *events.Bus
	logger *slog.Logger
}

func New(store Store, bus *events.Bus, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, bus: bus, logger: logger}
}

// RecordEvaluation runs one (expectation, period) through evaluation and the
// state machine. The result row and any breach change commit in a single
// store transaction; the event is published only after that commit.
func (l *Ledger) RecordEvaluation(ctx context.Context, exp dq.Expectation, period string, sample float64, now time.Time) (Outcome, error) {
	history, err := l.store.History(ctx, exp.ID, historyLimit(exp.Threshold))
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	result := dq.Result{
		ID:            uuid.NewString(),
		ExpectationID: exp.ID,
		Period:        period,
		Value:         sample,
		Judged:        true,
		CreatedAt:     now,
	}

	eval, err := dq.Evaluate(exp.Threshold, sample, history)
	if errors.Is(err, dq.ErrInsufficientHistory) {
		result.Judged = false
		if err := l.store.Commit(ctx, result, nil, false); err != nil {
			if errors.Is(err, dq.ErrAlreadyEvaluated) {
				return OutcomeAlreadyEvaluated, nil
			}
			return "", err
		}
		return OutcomeSkipped, nil
	}
	if err != nil {
		return "", err
	}
	result.BoundLow = eval.BoundLow
	result.BoundHigh = eval.BoundHigh

	open, err := l.store.OpenBreach(ctx, exp.ID)
	if err != nil {
		return "", fmt.Errorf("load open breach: %w", err)
	}

	switch {
	case eval.Breaching && open == nil:
		breach := l.newBreach(exp, eval, sample, period, now)
		if err := l.store.Commit(ctx, result, &breach, true); err != nil {
			if errors.Is(err, dq.ErrAlreadyEvaluated) {
				return OutcomeAlreadyEvaluated, nil
			}
			return "", err
		}
		l.publish(events.TypeBreachDetected, exp, breach, now)
		return OutcomeOpened, nil

	case eval.Breaching:
		entry := dq.LifecycleEntry{At: now, From: open.Status, To: open.Status, Reason: "still_breaching", Period: period}
		open.MetricValue = sample
		open.Direction = eval.Direction
		open.ThresholdValue = eval.ThresholdValue
		open.DeviationAbs = eval.DeviationAbs
		open.DeviationPercent = eval.DeviationPercent
		open.Lifecycle = append(open.Lifecycle, entry)
		open.UpdatedAt = now
		if err := l.store.Commit(ctx, result, open, false); err != nil {
			if errors.Is(err, dq.ErrAlreadyEvaluated) {
				return OutcomeAlreadyEvaluated, nil
			}
			return "", err
		}
		return OutcomeContinued, nil

	case open != nil:
		entry := dq.LifecycleEntry{At: now, From: open.Status, To: dq.StatusResolved, Reason: "auto_resolved", Period: period}
		open.Status = dq.StatusResolved
		open.Lifecycle = append(open.Lifecycle, entry)
		open.UpdatedAt = now
		if err := l.store.Commit(ctx, result, open, false); err != nil {
			if errors.Is(err, dq.ErrAlreadyEvaluated) {
				return OutcomeAlreadyEvaluated, nil
			}
			return "", err
		}
		l.publish(events.TypeBreachResolved, exp, *open, now)
		return OutcomeResolved, nil

	default:
		if err := l.store.Commit(ctx, result, nil, false); err != nil {
			if errors.Is(err, dq.ErrAlreadyEvaluated) {
				return OutcomeAlreadyEvaluated, nil
			}
			return "", err
		}
		return OutcomeNoBreach, nil
	}
}

// Acknowledge is an operator action on an open breach.
func (l *Ledger) Acknowledge(ctx context.Context, breachID, actor string, now time.Time) (dq.Breach, error) {
	breach, err := l.loadBreach(ctx, breachID)
	if err != nil {
		return dq.Breach{}, err
	}
	if breach.Status != dq.StatusOpen {
		return dq.Breach{}, fmt.Errorf("%w: %s -> acknowledged", ErrInvalidTransition, breach.Status)
	}
	breach.Lifecycle = append(breach.Lifecycle, dq.LifecycleEntry{At: now, From: breach.Status, To: dq.StatusAcknowledged, Reason: "acknowledged", Actor: actor})
	breach.Status = dq.StatusAcknowledged
	breach.UpdatedAt = now
	if err := l.store.SaveBreach(ctx, breach); err != nil {
		return dq.Breach{}, err
	}
	return breach, nil
}

// Close is a manual operator close of an acknowledged breach, kept distinct
// from auto-resolution in the audit trail.
func (l *Ledger) Close(ctx context.Context, breachID, actor string, now time.Time) (dq.Breach, error) {
	breach, err := l.loadBreach(ctx, breachID)
	if err != nil {
		return dq.Breach{}, err
	}
	if breach.Status != dq.StatusAcknowledged {
		return dq.Breach{}, fmt.Errorf("%w: %s -> closed", ErrInvalidTransition, breach.Status)
	}
	breach.Lifecycle = append(breach.Lifecycle, dq.LifecycleEntry{At: now, From: breach.Status, To: dq.StatusClosed, Reason: "closed", Actor: actor})
	breach.Status = dq.StatusClosed
	breach.UpdatedAt = now
	if err := l.store.SaveBreach(ctx, breach); err != nil {
		return dq.Breach{}, err
	}
	l.bus.Publish(events.Event{
		Type:       events.TypeBreachClosed,
		OccurredAt: now,
		Payload: events.BreachPayload(breach.ExpectationID, breach.ObjectID, string(breach.Direction), breach.DeviationPercent, map[string]any{
			"breach_id": breach.ID,
			"actor":     actor,
		}),
	})
	return breach, nil
}

// loadBreach maps a missing row to ErrBreachNotFound and lets transient
// store failures propagate as themselves.
func (l *Ledger) loadBreach(ctx context.Context, breachID string) (dq.Breach, error) {
	breach, err := l.store.GetBreach(ctx, breachID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return dq.Breach{}, ErrBreachNotFound
		}
		return dq.Breach{}, fmt.Errorf("load breach: %w", err)
	}
	return breach, nil
}

func (l *Ledger) newBreach(exp dq.Expectation, eval dq.Evaluation, sample float64, period string, now time.Time) dq.Breach {
	return dq.Breach{
		ID:               uuid.NewString(),
		ExpectationID:    exp.ID,
		ObjectID:         exp.ObjectID,
		Direction:        eval.Direction,
		ThresholdValue:   eval.ThresholdValue,
		MetricValue:      sample,
		DeviationAbs:     eval.DeviationAbs,
		DeviationPercent: eval.DeviationPercent,
		Snapshot:         dq.SnapshotFor(exp.Threshold, eval),
		Status:           dq.StatusOpen,
		Lifecycle:        []dq.LifecycleEntry{{At: now, From: dq.StatusNoBreach, To: dq.StatusOpen, Reason: "opened", Period: period}},
		OpenedAt:         now,
		UpdatedAt:        now,
	}
}

func (l *Ledger) publish(eventType string, exp dq.Expectation, breach dq.Breach, now time.Time) {
	l.logger.Info("breach status changed",
		slog.String("event", eventType),
		slog.String("breach_id", breach.ID),
		slog.String("expectation_id", exp.ID),
		slog.String("direction", string(breach.Direction)))
	l.bus.Publish(events.Event{
		Type:       eventType,
		OccurredAt: now,
		Payload: events.BreachPayload(exp.ID, exp.ObjectID, string(breach.Direction), breach.DeviationPercent, map[string]any{
			"breach_id": breach.ID,
			"priority":  exp.Priority,
		}),
	})
}

func historyLimit(cfg dq.ThresholdConfig) int {
	if cfg.Policy == dq.PolicyAdaptive && cfg.Adaptive != nil {
		return cfg.Adaptive.LookbackPeriods
	}
	return 0
}
