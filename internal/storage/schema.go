package storage

import "context"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dq_expectations (
		id uuid PRIMARY KEY,
		config_id uuid NOT NULL,
		object_id uuid NOT NULL,
		type text NOT NULL,
		target_column text,
		grain text NOT NULL,
		priority text NOT NULL,
		enabled boolean NOT NULL,
		threshold_json jsonb NOT NULL,
		source_json jsonb NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now(),
		updated_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dq_results (
		id uuid PRIMARY KEY,
		expectation_id uuid NOT NULL REFERENCES dq_expectations(id),
		period text NOT NULL,
		value double precision NOT NULL,
		bound_low double precision NOT NULL,
		bound_high double precision NOT NULL,
		judged boolean NOT NULL,
		created_at timestamptz NOT NULL,
		UNIQUE (expectation_id, period)
	)`,
	`CREATE TABLE IF NOT EXISTS dq_breaches (
		id uuid PRIMARY KEY,
		expectation_id uuid NOT NULL REFERENCES dq_expectations(id),
		object_id uuid NOT NULL,
		direction text NOT NULL,
		threshold_value double precision NOT NULL,
		metric_value double precision NOT NULL,
		deviation_abs double precision NOT NULL,
		deviation_percent double precision NOT NULL,
		threshold_snapshot jsonb NOT NULL,
		status text NOT NULL,
		lifecycle jsonb NOT NULL,
		opened_at timestamptz NOT NULL,
		updated_at timestamptz NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS dq_breaches_one_open
		ON dq_breaches (expectation_id)
		WHERE status IN ('open', 'acknowledged')`,
	`CREATE TABLE IF NOT EXISTS channels (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		type text NOT NULL,
		config jsonb NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_rules (
		id uuid PRIMARY KEY,
		name text NOT NULL,
		event_type text NOT NULL,
		conditions jsonb,
		channel_ref uuid NOT NULL REFERENCES channels(id),
		template_override text,
		enabled boolean NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS notification_log (
		id uuid PRIMARY KEY,
		rule_id uuid NOT NULL,
		channel_id uuid,
		event_type text NOT NULL,
		payload jsonb NOT NULL,
		outcome text NOT NULL,
		error text,
		created_at timestamptz NOT NULL
	)`,
}

// EnsureSchema creates the engine's tables when they do not exist yet.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.Store.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
