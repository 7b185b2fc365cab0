package dq

import (
	"fmt"
	"math"
)

// Evaluation is the pure outcome of checking one sample against the bounds
// computed for its expectation.
type Evaluation struct {
	BoundLow         float64
	BoundHigh        float64
	Breaching        bool
	Direction        Direction
	ThresholdValue   float64
	DeviationAbs     float64
	DeviationPercent float64
}

// Evaluate computes bounds for a sample and classifies it. history holds
// prior observed values for the same expectation, oldest first; only adaptive
// policies consult it. Standard deviation uses sample variance (n-1
// denominator).
func Evaluate(cfg ThresholdConfig, sample float64, history []float64) (Evaluation, error) {
	if err := cfg.Validate(); err != nil {
		return Evaluation{}, err
	}
	var low, high float64
	switch cfg.Policy {
	case PolicyFixed:
		low, high = cfg.Fixed.Low, cfg.Fixed.High
	case PolicyAdaptive:
		window := history
		if len(window) > cfg.Adaptive.LookbackPeriods {
			window = window[len(window)-cfg.Adaptive.LookbackPeriods:]
		}
		if len(window) < cfg.Adaptive.MinSamples {
			return Evaluation{}, fmt.Errorf("%w: have %d samples, need %d", ErrInsufficientHistory, len(window), cfg.Adaptive.MinSamples)
		}
		mean := Mean(window)
		std := StdDev(window, mean)
		low = mean - cfg.Adaptive.ZMultiplier*std
		high = mean + cfg.Adaptive.ZMultiplier*std
	}
	eval := Evaluation{BoundLow: low, BoundHigh: high}
	switch {
	case sample > high:
		eval.Breaching = true
		eval.Direction = DirectionHigh
		eval.ThresholdValue = high
	case sample < low:
		eval.Breaching = true
		eval.Direction = DirectionLow
		eval.ThresholdValue = low
	default:
		return eval, nil
	}
	eval.DeviationAbs = math.Abs(sample - eval.ThresholdValue)
	eval.DeviationPercent = deviationPercent(sample, eval.ThresholdValue)
	return eval, nil
}

// deviationPercent is left at 0 when the crossed bound is zero rather than
// dividing by it.
func deviationPercent(value, bound float64) float64 {
	if bound == 0 {
		return 0
	}
	return (value - bound) / math.Abs(bound) * 100
}

func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func StdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// SnapshotFor freezes the evaluated bounds and the parameters that produced
// them.
func SnapshotFor(cfg ThresholdConfig, eval Evaluation) ThresholdSnapshot {
	snap := ThresholdSnapshot{
		SchemaVersion: SnapshotSchemaVersion,
		Policy:        cfg.Policy,
		BoundLow:      eval.BoundLow,
		BoundHigh:     eval.BoundHigh,
	}
	if cfg.Policy == PolicyAdaptive && cfg.Adaptive != nil {
		z := cfg.Adaptive.ZMultiplier
		lookback := cfg.Adaptive.LookbackPeriods
		minSamples := cfg.Adaptive.MinSamples
		snap.ZMultiplier = &z
		snap.LookbackPeriods = &lookback
		snap.MinSamples = &minSamples
	}
	return snap
}
