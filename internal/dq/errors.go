package dq

import "errors"

var (
	// ErrInsufficientHistory means an adaptive expectation has fewer prior
	// results than its configured minimum. The result is still persisted,
	// but no breach judgement is made for the period.
	ErrInsufficientHistory = errors.New("insufficient history")

	// ErrInvalidThresholdConfig is fatal for that expectation's run only.
	ErrInvalidThresholdConfig = errors.New("invalid threshold config")

	// ErrAlreadyEvaluated signals a duplicate (expectation, period) write.
	// The runner treats it as already-processed, not as a failure.
	ErrAlreadyEvaluated = errors.New("period already evaluated")
)
