package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cdiperi/datacompass/internal/dq"
	"github.com/cdiperi/datacompass/internal/events"
	"github.com/cdiperi/datacompass/internal/storage"
)

type memStore struct {
	results      map[string]dq.Result // keyed by expectation|period
	breaches     map[string]dq.Breach
	getBreachErr error
}

func newMemStore() *memStore {
	return &memStore{results: map[string]dq.Result{}, breaches: map[string]dq.Breach{}}
}

func (s *memStore) History(ctx context.Context, expectationID string, limit int) ([]float64, error) {
	var values []float64
	for _, res := range s.results {
		if res.ExpectationID == expectationID {
			values = append(values, res.Value)
		}
	}
	return values, nil
}

func (s *memStore) OpenBreach(ctx context.Context, expectationID string) (*dq.Breach, error) {
	for _, b := range s.breaches {
		if b.ExpectationID == expectationID && !b.Terminal() {
			copied := b
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *memStore) Commit(ctx context.Context, result dq.Result, breach *dq.Breach, created bool) error {
	key := result.ExpectationID + "|" + result.Period
	if _, exists := s.results[key]; exists {
		return dq.ErrAlreadyEvaluated
	}
	s.results[key] = result
	if breach != nil {
		s.breaches[breach.ID] = *breach
	}
	return nil
}

func (s *memStore) GetBreach(ctx context.Context, id string) (dq.Breach, error) {
	if s.getBreachErr != nil {
		return dq.Breach{}, s.getBreachErr
	}
	b, ok := s.breaches[id]
	if !ok {
		return dq.Breach{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *memStore) SaveBreach(ctx context.Context, breach dq.Breach) error {
	s.breaches[breach.ID] = breach
	return nil
}

type fixture struct {
	store  *memStore
	bus    *events.Bus
	ledger *Ledger
	events []events.Event
}

func setup(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: newMemStore(), bus: events.NewBus(logger)}
	for _, eventType := range []string{events.TypeBreachDetected, events.TypeBreachResolved, events.TypeBreachClosed} {
		et := eventType
		f.bus.Subscribe(et, "capture", func(evt events.Event) { f.events = append(f.events, evt) })
	}
	f.ledger = New(f.store, f.bus, logger)
	return f
}

func fixedExpectation() dq.Expectation {
	return dq.Expectation{
		ID:       "exp-1",
		ObjectID: "obj-1",
		Priority: "high",
		Enabled:  true,
		Grain:    dq.GrainDaily,
		Threshold: dq.ThresholdConfig{
			Policy: dq.PolicyFixed,
			Fixed:  &dq.FixedThreshold{Low: 10, High: 20},
		},
	}
}

func (f *fixture) singleBreach(t *testing.T) dq.Breach {
	t.Helper()
	if len(f.store.breaches) != 1 {
		t.Fatalf("expected exactly one breach, have %d", len(f.store.breaches))
	}
	for _, b := range f.store.breaches {
		return b
	}
	return dq.Breach{}
}

func TestOpenBreachPublishesDetected(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()

	outcome, err := f.ledger.RecordEvaluation(context.Background(), fixedExpectation(), "2026-08-28", 25, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeOpened {
		t.Fatalf("expected opened, got %s", outcome)
	}
	breach := f.singleBreach(t)
	if breach.Direction != dq.DirectionHigh || breach.Status != dq.StatusOpen {
		t.Fatalf("unexpected breach %+v", breach)
	}
	if breach.DeviationPercent != 25.0 {
		t.Fatalf("expected deviation 25.0, got %v", breach.DeviationPercent)
	}
	if breach.Snapshot.SchemaVersion != dq.SnapshotSchemaVersion || breach.Snapshot.BoundHigh != 20 {
		t.Fatalf("unexpected snapshot %+v", breach.Snapshot)
	}
	if len(f.events) != 1 || f.events[0].Type != events.TypeBreachDetected {
		t.Fatalf("expected one breach.detected event, got %v", f.events)
	}
	if f.events[0].Payload["priority"] != "high" {
		t.Fatalf("expected priority in payload, got %v", f.events[0].Payload)
	}
}

func TestContinuationKeepsIdentityAndStaysSilent(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()
	exp := fixedExpectation()

	if _, err := f.ledger.RecordEvaluation(ctx, exp, "2026-08-28", 25, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := f.singleBreach(t)

	outcome, err := f.ledger.RecordEvaluation(ctx, exp, "2026-08-29", 30, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeContinued {
		t.Fatalf("expected continued, got %s", outcome)
	}
	second := f.singleBreach(t)
	if second.ID != first.ID {
		t.Fatalf("continuation must not create a new breach")
	}
	if len(second.Lifecycle) != len(first.Lifecycle)+1 {
		t.Fatalf("expected lifecycle to grow by one, %d -> %d", len(first.Lifecycle), len(second.Lifecycle))
	}
	if second.MetricValue != 30 {
		t.Fatalf("expected metric value updated to 30, got %v", second.MetricValue)
	}
	if len(f.events) != 1 {
		t.Fatalf("continuation must not publish, got %d events", len(f.events))
	}
}

func TestAutoResolvePublishesResolved(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()
	exp := fixedExpectation()

	if _, err := f.ledger.RecordEvaluation(ctx, exp, "2026-08-28", 25, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := f.ledger.RecordEvaluation(ctx, exp, "2026-08-29", 15, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeResolved {
		t.Fatalf("expected resolved, got %s", outcome)
	}
	breach := f.singleBreach(t)
	if breach.Status != dq.StatusResolved {
		t.Fatalf("expected resolved status, got %s", breach.Status)
	}
	last := breach.Lifecycle[len(breach.Lifecycle)-1]
	if last.Reason != "auto_resolved" || last.Period != "2026-08-29" {
		t.Fatalf("unexpected lifecycle tail %+v", last)
	}
	if len(f.events) != 2 || f.events[1].Type != events.TypeBreachResolved {
		t.Fatalf("expected detected then resolved, got %v", f.events)
	}
}

func TestResolvedBreachNeverReopens(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()
	exp := fixedExpectation()

	_, _ = f.ledger.RecordEvaluation(ctx, exp, "p1", 25, now)
	_, _ = f.ledger.RecordEvaluation(ctx, exp, "p2", 15, now)
	first := f.singleBreach(t)

	outcome, err := f.ledger.RecordEvaluation(ctx, exp, "p3", 28, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeOpened {
		t.Fatalf("expected a fresh open, got %s", outcome)
	}
	if len(f.store.breaches) != 2 {
		t.Fatalf("expected a second breach identity, have %d", len(f.store.breaches))
	}
	if got := f.store.breaches[first.ID].Status; got != dq.StatusResolved {
		t.Fatalf("resolved breach must stay resolved, got %s", got)
	}
}

func TestDuplicatePeriodIsIdempotent(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()
	exp := fixedExpectation()

	if _, err := f.ledger.RecordEvaluation(ctx, exp, "2026-08-28", 25, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	outcome, err := f.ledger.RecordEvaluation(ctx, exp, "2026-08-28", 25, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeAlreadyEvaluated {
		t.Fatalf("expected already_evaluated, got %s", outcome)
	}
	if len(f.store.results) != 1 {
		t.Fatalf("expected one result row, got %d", len(f.store.results))
	}
	if len(f.events) != 1 {
		t.Fatalf("re-run must not publish again, got %d events", len(f.events))
	}
}

func TestInsufficientHistoryPersistsResultOnly(t *testing.T) {
	f := setup(t)
	exp := fixedExpectation()
	exp.Threshold = dq.ThresholdConfig{
		Policy:   dq.PolicyAdaptive,
		Adaptive: &dq.AdaptiveThreshold{LookbackPeriods: 30, ZMultiplier: 3, MinSamples: 5},
	}

	outcome, err := f.ledger.RecordEvaluation(context.Background(), exp, "2026-08-28", 1e9, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", outcome)
	}
	if len(f.store.results) != 1 {
		t.Fatalf("result must still be persisted")
	}
	if len(f.store.breaches) != 0 || len(f.events) != 0 {
		t.Fatalf("cold start must not open breaches or publish")
	}
}

func TestInvalidConfigIsFatalForExpectation(t *testing.T) {
	f := setup(t)
	exp := fixedExpectation()
	exp.Threshold = dq.ThresholdConfig{Policy: "bogus"}

	_, err := f.ledger.RecordEvaluation(context.Background(), exp, "2026-08-28", 1, time.Now().UTC())
	if !errors.Is(err, dq.ErrInvalidThresholdConfig) {
		t.Fatalf("expected ErrInvalidThresholdConfig, got %v", err)
	}
	if len(f.store.results) != 0 {
		t.Fatalf("invalid config must not persist a result")
	}
}

func TestAcknowledgeThenClose(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()

	_, _ = f.ledger.RecordEvaluation(ctx, fixedExpectation(), "p1", 25, now)
	breach := f.singleBreach(t)

	acked, err := f.ledger.Acknowledge(ctx, breach.ID, "oncall@example.com", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acked.Status != dq.StatusAcknowledged {
		t.Fatalf("expected acknowledged, got %s", acked.Status)
	}

	closed, err := f.ledger.Close(ctx, breach.ID, "oncall@example.com", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if closed.Status != dq.StatusClosed {
		t.Fatalf("expected closed, got %s", closed.Status)
	}
	if f.events[len(f.events)-1].Type != events.TypeBreachClosed {
		t.Fatalf("expected breach.closed event")
	}
	if len(closed.Lifecycle) != 3 {
		t.Fatalf("expected opened/acknowledged/closed entries, got %d", len(closed.Lifecycle))
	}
}

func TestCloseRequiresAcknowledged(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()

	_, _ = f.ledger.RecordEvaluation(ctx, fixedExpectation(), "p1", 25, now)
	breach := f.singleBreach(t)

	if _, err := f.ledger.Close(ctx, breach.ID, "oncall", now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := f.ledger.Acknowledge(ctx, "missing", "oncall", now); !errors.Is(err, ErrBreachNotFound) {
		t.Fatalf("expected ErrBreachNotFound, got %v", err)
	}
}

func TestTransientStoreErrorIsNotTreatedAsMissing(t *testing.T) {
	f := setup(t)
	now := time.Now().UTC()
	ctx := context.Background()

	storeErr := errors.New("connection reset")
	f.store.getBreachErr = storeErr

	_, err := f.ledger.Acknowledge(ctx, "b1", "oncall", now)
	if err == nil || errors.Is(err, ErrBreachNotFound) {
		t.Fatalf("store failure must not look like a missing breach, got %v", err)
	}
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected the store error to propagate, got %v", err)
	}

	if _, err := f.ledger.Close(ctx, "b1", "oncall", now); errors.Is(err, ErrBreachNotFound) {
		t.Fatalf("close collapsed a store failure into not-found: %v", err)
	}
}
