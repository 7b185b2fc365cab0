package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cdiperi/datacompass/internal/dq"
)

func setupTestRepository(t *testing.T) (*Repository, func()) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL or DATABASE_URL not set")
	}
	store, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	repo := NewRepository(store)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	cleanup := func() {
		store.Close()
	}
	return repo, cleanup
}

func insertTestExpectation(t *testing.T, repo *Repository) dq.Expectation {
	t.Helper()
	exp := dq.Expectation{
		ID:       uuid.NewString(),
		ConfigID: uuid.NewString(),
		ObjectID: uuid.NewString(),
		Type:     "row_count",
		Grain:    dq.GrainDaily,
		Priority: "high",
		Enabled:  true,
		Threshold: dq.ThresholdConfig{
			Policy: dq.PolicyFixed,
			Fixed:  &dq.FixedThreshold{Low: 10, High: 20},
		},
		Source: dq.MetricBinding{ConnectionRef: "warehouse", Table: "orders", ValueColumn: "row_count", TimestampColumn: "collected_at"},
	}
	if _, err := repo.CreateExpectation(context.Background(), exp); err != nil {
		t.Fatalf("failed to insert expectation: %v", err)
	}
	return exp
}

func TestExpectationRoundTrip(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()

	exp := insertTestExpectation(t, repo)
	got, err := repo.GetExpectation(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("get expectation: %v", err)
	}
	if got.Threshold.Policy != dq.PolicyFixed || got.Threshold.Fixed == nil || got.Threshold.Fixed.High != 20 {
		t.Fatalf("threshold did not round trip: %+v", got.Threshold)
	}
	if got.Source.Table != "orders" {
		t.Fatalf("source did not round trip: %+v", got.Source)
	}
}

func TestCommitDuplicatePeriod(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()
	exp := insertTestExpectation(t, repo)

	result := dq.Result{
		ID:            uuid.NewString(),
		ExpectationID: exp.ID,
		Period:        "2026-08-28",
		Value:         15,
		BoundLow:      10,
		BoundHigh:     20,
		Judged:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.Commit(ctx, result, nil, false); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	result.ID = uuid.NewString()
	if err := repo.Commit(ctx, result, nil, false); !errors.Is(err, dq.ErrAlreadyEvaluated) {
		t.Fatalf("expected ErrAlreadyEvaluated, got %v", err)
	}
}

func TestBreachLifecycleRoundTrip(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()
	exp := insertTestExpectation(t, repo)
	now := time.Now().UTC().Truncate(time.Millisecond)

	breach := dq.Breach{
		ID:               uuid.NewString(),
		ExpectationID:    exp.ID,
		ObjectID:         exp.ObjectID,
		Direction:        dq.DirectionHigh,
		ThresholdValue:   20,
		MetricValue:      25,
		DeviationAbs:     5,
		DeviationPercent: 25,
		Snapshot:         dq.ThresholdSnapshot{SchemaVersion: 1, Policy: dq.PolicyFixed, BoundLow: 10, BoundHigh: 20},
		Status:           dq.StatusOpen,
		Lifecycle:        []dq.LifecycleEntry{{At: now, From: dq.StatusNoBreach, To: dq.StatusOpen, Reason: "opened", Period: "2026-08-28"}},
		OpenedAt:         now,
		UpdatedAt:        now,
	}
	result := dq.Result{
		ID: uuid.NewString(), ExpectationID: exp.ID, Period: "2026-08-28",
		Value: 25, BoundLow: 10, BoundHigh: 20, Judged: true, CreatedAt: now,
	}
	if err := repo.Commit(ctx, result, &breach, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	open, err := repo.OpenBreach(ctx, exp.ID)
	if err != nil {
		t.Fatalf("open breach: %v", err)
	}
	if open == nil || open.ID != breach.ID {
		t.Fatalf("expected open breach %s, got %+v", breach.ID, open)
	}
	if len(open.Lifecycle) != 1 || open.Lifecycle[0].Reason != "opened" {
		t.Fatalf("lifecycle did not round trip: %+v", open.Lifecycle)
	}
	if open.Snapshot.BoundHigh != 20 {
		t.Fatalf("snapshot did not round trip: %+v", open.Snapshot)
	}
}

func TestNotificationLogAppend(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	channelID, err := repo.CreateChannel(ctx, ChannelRecord{Name: "ops-webhook", Type: "webhook", ConfigJSON: []byte(`{"webhookUrl":"http://example.com/hook"}`)})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	ruleID, err := repo.CreateRule(ctx, RuleRecord{Name: "breach-to-ops", EventType: "breach.detected", ChannelRef: channelID, Enabled: true})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	rec := NotificationRecord{
		RuleID:      ruleID,
		ChannelID:   channelID,
		EventType:   "breach.detected",
		PayloadJSON: []byte(`{"expectation_id":"x"}`),
		Outcome:     "success",
	}
	if err := repo.AppendNotification(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := repo.ListNotifications(ctx, ruleID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].Outcome != "success" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestNotificationLogAppendWithoutChannel(t *testing.T) {
	repo, cleanup := setupTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	channelID, err := repo.CreateChannel(ctx, ChannelRecord{Name: "gone-channel", Type: "webhook", ConfigJSON: []byte(`{}`)})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}
	ruleID, err := repo.CreateRule(ctx, RuleRecord{Name: "orphan-rule", EventType: "breach.detected", ChannelRef: channelID, Enabled: true})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	// A dispatch that never resolved a channel still appends its failure row.
	rec := NotificationRecord{
		RuleID:      ruleID,
		ChannelID:   "",
		EventType:   "breach.detected",
		PayloadJSON: []byte(`{}`),
		Outcome:     "failure",
		Error:       "channel not found",
	}
	if err := repo.AppendNotification(ctx, rec); err != nil {
		t.Fatalf("append without channel: %v", err)
	}
	entries, err := repo.ListNotifications(ctx, ruleID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one audit row, got %d", len(entries))
	}
	if entries[0].ChannelID != "" || entries[0].Outcome != "failure" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}
