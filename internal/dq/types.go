package dq

import (
	"fmt"
	"time"
)

type Grain string

const (
	GrainDaily   Grain = "daily"
	GrainWeekly  Grain = "weekly"
	GrainMonthly Grain = "monthly"
)

// PeriodFor renders the snapshot period key for a grain. Results are unique
// per (expectation, period key).
func PeriodFor(grain Grain, t time.Time) string {
	t = t.UTC()
	switch grain {
	case GrainWeekly:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case GrainMonthly:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// PeriodWindow returns the half-open UTC time range [start, end) covered by
// a period key produced by PeriodFor.
func PeriodWindow(grain Grain, period string) (time.Time, time.Time, error) {
	switch grain {
	case GrainWeekly:
		var year, week int
		if _, err := fmt.Sscanf(period, "%04d-W%02d", &year, &week); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad weekly period %q: %w", period, err)
		}
		// Jan 4 is always inside ISO week 1.
		jan4 := time.Date(year, 1, 4, 0, 0, 0, 0, time.UTC)
		weekday := int(jan4.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		start := jan4.AddDate(0, 0, -(weekday-1)+(week-1)*7)
		return start, start.AddDate(0, 0, 7), nil
	case GrainMonthly:
		start, err := time.Parse("2006-01", period)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad monthly period %q: %w", period, err)
		}
		return start, start.AddDate(0, 1, 0), nil
	default:
		start, err := time.Parse("2006-01-02", period)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad daily period %q: %w", period, err)
		}
		return start, start.AddDate(0, 0, 1), nil
	}
}

type Expectation struct {
	ID        string
	ConfigID  string
	ObjectID  string
	Type      string
	Column    string
	Grain     Grain
	Priority  string
	Enabled   bool
	Threshold ThresholdConfig
	Source    MetricBinding
}

// MetricBinding tells the metric source where the expectation's sample
// comes from. The engine never queries catalog internals beyond this.
type MetricBinding struct {
	ConnectionRef   string `json:"connectionRef"`
	Table           string `json:"table"`
	ValueColumn     string `json:"valueColumn"`
	TimestampColumn string `json:"timestampColumn"`
}

const (
	PolicyFixed    = "fixed"
	PolicyAdaptive = "adaptive"
)

type ThresholdConfig struct {
	Policy   string             `json:"policy"`
	Fixed    *FixedThreshold    `json:"fixed,omitempty"`
	Adaptive *AdaptiveThreshold `json:"adaptive,omitempty"`
}

type FixedThreshold struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

type AdaptiveThreshold struct {
	LookbackPeriods int     `json:"lookbackPeriods"`
	ZMultiplier     float64 `json:"zMultiplier"`
	MinSamples      int     `json:"minSamples"`
}

// Validate checks a threshold config at the boundary, before it can be
// frozen into a breach snapshot.
func (c ThresholdConfig) Validate() error {
	switch c.Policy {
	case PolicyFixed:
		if c.Fixed == nil {
			return fmt.Errorf("%w: fixed policy requires bounds", ErrInvalidThresholdConfig)
		}
		if c.Fixed.Low >= c.Fixed.High {
			return fmt.Errorf("%w: fixed bounds require low < high", ErrInvalidThresholdConfig)
		}
	case PolicyAdaptive:
		if c.Adaptive == nil {
			return fmt.Errorf("%w: adaptive policy requires settings", ErrInvalidThresholdConfig)
		}
		if c.Adaptive.ZMultiplier <= 0 {
			return fmt.Errorf("%w: zMultiplier must be positive", ErrInvalidThresholdConfig)
		}
		if c.Adaptive.LookbackPeriods <= 0 {
			return fmt.Errorf("%w: lookbackPeriods must be positive", ErrInvalidThresholdConfig)
		}
		if c.Adaptive.MinSamples < 2 {
			return fmt.Errorf("%w: minSamples must be at least 2", ErrInvalidThresholdConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported policy %q", ErrInvalidThresholdConfig, c.Policy)
	}
	return nil
}

// Result is the one row produced per (expectation, period). Append-only.
type Result struct {
	ID            string
	ExpectationID string
	Period        string
	Value         float64
	BoundLow      float64
	BoundHigh     float64
	Judged        bool
	CreatedAt     time.Time
}

type Direction string

const (
	DirectionHigh Direction = "high"
	DirectionLow  Direction = "low"
)

type BreachStatus string

const (
	// StatusNoBreach is the virtual initial state; it only ever appears as
	// the "from" side of the opening lifecycle entry.
	StatusNoBreach     BreachStatus = "no_breach"
	StatusOpen         BreachStatus = "open"
	StatusAcknowledged BreachStatus = "acknowledged"
	StatusResolved     BreachStatus = "resolved"
	StatusClosed       BreachStatus = "closed"
)

// ThresholdSnapshot freezes the bounds and parameters in effect at detection
// time, so later config edits do not retroactively alter history. The
// schema_version tag allows the stored JSON to evolve.
type ThresholdSnapshot struct {
	SchemaVersion   int      `json:"schema_version"`
	Policy          string   `json:"policy"`
	BoundLow        float64  `json:"bound_low"`
	BoundHigh       float64  `json:"bound_high"`
	ZMultiplier     *float64 `json:"z_multiplier,omitempty"`
	LookbackPeriods *int     `json:"lookback_periods,omitempty"`
	MinSamples      *int     `json:"min_samples,omitempty"`
}

const SnapshotSchemaVersion = 1

type LifecycleEntry struct {
	At     time.Time    `json:"at"`
	From   BreachStatus `json:"from"`
	To     BreachStatus `json:"to"`
	Reason string       `json:"reason"`
	Actor  string       `json:"actor,omitempty"`
	Period string       `json:"period,omitempty"`
}

type Breach struct {
	ID               string
	ExpectationID    string
	ObjectID         string
	Direction        Direction
	ThresholdValue   float64
	MetricValue      float64
	DeviationAbs     float64
	DeviationPercent float64
	Snapshot         ThresholdSnapshot
	Status           BreachStatus
	Lifecycle        []LifecycleEntry
	OpenedAt         time.Time
	UpdatedAt        time.Time
}

func (b *Breach) Terminal() bool {
	return b.Status == StatusResolved || b.Status == StatusClosed
}
