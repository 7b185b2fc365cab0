package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cdiperi/datacompass/internal/dq"
)

const uniqueViolation = "23505"

type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

// lifecycleDoc is the stored envelope for the breach lifecycle array,
// versioned so the JSON can evolve without breaking readers.
type lifecycleDoc struct {
	SchemaVersion int                 `json:"schema_version"`
	Entries       []dq.LifecycleEntry `json:"entries"`
}

func marshalLifecycle(entries []dq.LifecycleEntry) ([]byte, error) {
	return json.Marshal(lifecycleDoc{SchemaVersion: dq.SnapshotSchemaVersion, Entries: entries})
}

func unmarshalLifecycle(data []byte) ([]dq.LifecycleEntry, error) {
	var doc lifecycleDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

func (r *Repository) ListEnabledExpectations(ctx context.Context) ([]dq.Expectation, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, config_id, object_id, type, target_column, grain, priority, enabled, threshold_json, source_json
		FROM dq_expectations WHERE enabled = true ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []dq.Expectation
	for rows.Next() {
		exp, err := scanExpectation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, exp)
	}
	return results, rows.Err()
}

func (r *Repository) GetExpectation(ctx context.Context, id string) (dq.Expectation, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT id, config_id, object_id, type, target_column, grain, priority, enabled, threshold_json, source_json
		FROM dq_expectations WHERE id=$1`, id)
	exp, err := scanExpectation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dq.Expectation{}, ErrNotFound
		}
		return dq.Expectation{}, fmt.Errorf("get expectation: %w", err)
	}
	return exp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExpectation(row rowScanner) (dq.Expectation, error) {
	var rec ExpectationRecord
	var targetColumn *string
	if err := row.Scan(&rec.ID, &rec.ConfigID, &rec.ObjectID, &rec.Type, &targetColumn, &rec.Grain, &rec.Priority, &rec.Enabled, &rec.ThresholdJSON, &rec.SourceJSON); err != nil {
		return dq.Expectation{}, err
	}
	if targetColumn != nil {
		rec.TargetColumn = *targetColumn
	}
	exp := dq.Expectation{
		ID:       rec.ID,
		ConfigID: rec.ConfigID,
		ObjectID: rec.ObjectID,
		Type:     rec.Type,
		Column:   rec.TargetColumn,
		Grain:    dq.Grain(rec.Grain),
		Priority: rec.Priority,
		Enabled:  rec.Enabled,
	}
	if err := json.Unmarshal(rec.ThresholdJSON, &exp.Threshold); err != nil {
		return dq.Expectation{}, fmt.Errorf("expectation %s threshold: %w", rec.ID, err)
	}
	if err := json.Unmarshal(rec.SourceJSON, &exp.Source); err != nil {
		return dq.Expectation{}, fmt.Errorf("expectation %s source: %w", rec.ID, err)
	}
	return exp, nil
}

func (r *Repository) CreateExpectation(ctx context.Context, exp dq.Expectation) (string, error) {
	threshold, err := json.Marshal(exp.Threshold)
	if err != nil {
		return "", err
	}
	source, err := json.Marshal(exp.Source)
	if err != nil {
		return "", err
	}
	id := exp.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO dq_expectations (id, config_id, object_id, type, target_column, grain, priority, enabled, threshold_json, source_json)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		id, exp.ConfigID, exp.ObjectID, exp.Type, exp.Column, string(exp.Grain), exp.Priority, exp.Enabled, threshold, source)
	if err != nil {
		return "", err
	}
	return id, nil
}

// History returns prior observed values for an expectation, oldest first.
// limit <= 0 means unbounded.
func (r *Repository) History(ctx context.Context, expectationID string, limit int) ([]float64, error) {
	query := `SELECT value FROM dq_results WHERE expectation_id=$1 ORDER BY period DESC`
	args := []any{expectationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

func (r *Repository) OpenBreach(ctx context.Context, expectationID string) (*dq.Breach, error) {
	row := r.Store.Pool.QueryRow(ctx, breachSelect+` WHERE expectation_id=$1 AND status IN ('open','acknowledged')`, expectationID)
	breach, err := scanBreach(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &breach, nil
}

// Commit writes the result row and the breach decision in one transaction.
// A duplicate (expectation, period) insert maps to dq.ErrAlreadyEvaluated
// and nothing is written.
func (r *Repository) Commit(ctx context.Context, result dq.Result, breach *dq.Breach, created bool) error {
	tx, err := r.Store.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO dq_results (id, expectation_id, period, value, bound_low, bound_high, judged, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		result.ID, result.ExpectationID, result.Period, result.Value, result.BoundLow, result.BoundHigh, result.Judged, result.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return dq.ErrAlreadyEvaluated
		}
		return err
	}

	if breach != nil {
		if created {
			err = insertBreach(ctx, tx, *breach)
		} else {
			err = updateBreach(ctx, tx, *breach)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

const breachSelect = `
	SELECT id, expectation_id, object_id, direction, threshold_value, metric_value,
	       deviation_abs, deviation_percent, threshold_snapshot, status, lifecycle, opened_at, updated_at
	FROM dq_breaches`

func scanBreach(row rowScanner) (dq.Breach, error) {
	var b dq.Breach
	var snapshot, lifecycle []byte
	var direction, status string
	if err := row.Scan(&b.ID, &b.ExpectationID, &b.ObjectID, &direction, &b.ThresholdValue, &b.MetricValue,
		&b.DeviationAbs, &b.DeviationPercent, &snapshot, &status, &lifecycle, &b.OpenedAt, &b.UpdatedAt); err != nil {
		return dq.Breach{}, err
	}
	b.Direction = dq.Direction(direction)
	b.Status = dq.BreachStatus(status)
	if err := json.Unmarshal(snapshot, &b.Snapshot); err != nil {
		return dq.Breach{}, fmt.Errorf("breach %s snapshot: %w", b.ID, err)
	}
	entries, err := unmarshalLifecycle(lifecycle)
	if err != nil {
		return dq.Breach{}, fmt.Errorf("breach %s lifecycle: %w", b.ID, err)
	}
	b.Lifecycle = entries
	return b, nil
}

func insertBreach(ctx context.Context, tx pgx.Tx, b dq.Breach) error {
	snapshot, err := json.Marshal(b.Snapshot)
	if err != nil {
		return err
	}
	lifecycle, err := marshalLifecycle(b.Lifecycle)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO dq_breaches (id, expectation_id, object_id, direction, threshold_value, metric_value,
			deviation_abs, deviation_percent, threshold_snapshot, status, lifecycle, opened_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		b.ID, b.ExpectationID, b.ObjectID, string(b.Direction), b.ThresholdValue, b.MetricValue,
		b.DeviationAbs, b.DeviationPercent, snapshot, string(b.Status), lifecycle, b.OpenedAt, b.UpdatedAt)
	return err
}

func updateBreach(ctx context.Context, tx pgx.Tx, b dq.Breach) error {
	lifecycle, err := marshalLifecycle(b.Lifecycle)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE dq_breaches
		SET direction=$1, threshold_value=$2, metric_value=$3, deviation_abs=$4, deviation_percent=$5,
		    status=$6, lifecycle=$7, updated_at=$8
		WHERE id=$9`,
		string(b.Direction), b.ThresholdValue, b.MetricValue, b.DeviationAbs, b.DeviationPercent,
		string(b.Status), lifecycle, b.UpdatedAt, b.ID)
	return err
}

func (r *Repository) GetBreach(ctx context.Context, id string) (dq.Breach, error) {
	row := r.Store.Pool.QueryRow(ctx, breachSelect+` WHERE id=$1`, id)
	breach, err := scanBreach(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dq.Breach{}, ErrNotFound
		}
		return dq.Breach{}, fmt.Errorf("get breach: %w", err)
	}
	return breach, nil
}

func (r *Repository) SaveBreach(ctx context.Context, b dq.Breach) error {
	tx, err := r.Store.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := updateBreach(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) ListBreaches(ctx context.Context, status string) ([]dq.Breach, error) {
	query := breachSelect + ` ORDER BY opened_at DESC`
	args := []any{}
	if status != "" {
		query = breachSelect + ` WHERE status=$1 ORDER BY opened_at DESC`
		args = append(args, status)
	}
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []dq.Breach
	for rows.Next() {
		breach, err := scanBreach(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, breach)
	}
	return results, rows.Err()
}

func (r *Repository) GetChannel(ctx context.Context, id string) (ChannelRecord, error) {
	row := r.Store.Pool.QueryRow(ctx, `SELECT id, name, type, config, created_at FROM channels WHERE id=$1`, id)
	var rec ChannelRecord
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Type, &rec.ConfigJSON, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ChannelRecord{}, ErrNotFound
		}
		return ChannelRecord{}, fmt.Errorf("get channel: %w", err)
	}
	return rec, nil
}

func (r *Repository) CreateChannel(ctx context.Context, rec ChannelRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO channels (id, name, type, config) VALUES ($1,$2,$3,$4)`,
		id, rec.Name, rec.Type, rec.ConfigJSON)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *Repository) ListEnabledRules(ctx context.Context) ([]RuleRecord, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT id, name, event_type, conditions, channel_ref, template_override, enabled, created_at
		FROM notification_rules WHERE enabled = true ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []RuleRecord
	for rows.Next() {
		var rec RuleRecord
		var conditions []byte
		var template *string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.EventType, &conditions, &rec.ChannelRef, &template, &rec.Enabled, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.ConditionsJSON = conditions
		if template != nil {
			rec.Template = *template
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

func (r *Repository) CreateRule(ctx context.Context, rec RuleRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO notification_rules (id, name, event_type, conditions, channel_ref, template_override, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		id, rec.Name, rec.EventType, rec.ConditionsJSON, rec.ChannelRef, rec.Template, rec.Enabled)
	if err != nil {
		return "", err
	}
	return id, nil
}

// AppendNotification appends one immutable delivery audit row.
func (r *Repository) AppendNotification(ctx context.Context, rec NotificationRecord) error {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	// channel_id is NULL when the dispatch never resolved a channel; the
	// audit row still has to land.
	var channelID *string
	if rec.ChannelID != "" {
		channelID = &rec.ChannelID
	}
	_, err := r.Store.Pool.Exec(ctx, `
		INSERT INTO notification_log (id, rule_id, channel_id, event_type, payload, outcome, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, rec.RuleID, channelID, rec.EventType, rec.PayloadJSON, rec.Outcome, rec.Error, rec.CreatedAt)
	return err
}

func (r *Repository) ListNotifications(ctx context.Context, ruleID string) ([]NotificationRecord, error) {
	query := `SELECT id, rule_id, channel_id, event_type, payload, outcome, error, created_at FROM notification_log ORDER BY created_at DESC`
	args := []any{}
	if ruleID != "" {
		query = `SELECT id, rule_id, channel_id, event_type, payload, outcome, error, created_at FROM notification_log WHERE rule_id=$1 ORDER BY created_at DESC`
		args = append(args, ruleID)
	}
	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []NotificationRecord
	for rows.Next() {
		var rec NotificationRecord
		var channelID, errText *string
		if err := rows.Scan(&rec.ID, &rec.RuleID, &channelID, &rec.EventType, &rec.PayloadJSON, &rec.Outcome, &errText, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if channelID != nil {
			rec.ChannelID = *channelID
		}
		if errText != nil {
			rec.Error = *errText
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
