package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cdiperi/datacompass/internal/dq"
	"github.com/cdiperi/datacompass/internal/ledger"
	"github.com/cdiperi/datacompass/internal/metrics"
)

type ExpectationSource interface {
	ListEnabledExpectations(ctx context.Context) ([]dq.Expectation, error)
	GetExpectation(ctx context.Context, id string) (dq.Expectation, error)
}

// MetricSource supplies one numeric sample per (expectation, period).
// The second return is false when no sample exists for the period.
type MetricSource interface {
	Sample(ctx context.Context, exp dq.Expectation, period string) (float64, bool, error)
}

type ItemError struct {
	ExpectationID string `json:"expectationId"`
	Error         string `json:"error"`
}

// Summary is reported back to the scheduler for run-history logging.
type Summary struct {
	Evaluated        int         `json:"evaluated"`
	BreachesOpened   int         `json:"breachesOpened"`
	BreachesResolved int         `json:"breachesResolved"`
	Skipped          int         `json:"skipped"`
	Errors           []ItemError `json:"errors"`
}

// Runner executes scheduled evaluation runs over a bounded worker pool.
// Evaluations for different expectations run concurrently; evaluation of a
// single expectation is serialized by a per-expectation mutex so the
// one-result-per-period invariant never races.
type Runner struct {
	expectations ExpectationSource
	source       MetricSource
	ledger       *ledger.Ledger
	workers      int
	runTimeout   time.Duration
	logger       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(expectations ExpectationSource, source MetricSource, led *ledger.Ledger, workers int, runTimeout time.Duration, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{
		expectations: expectations,
		source:       source,
		ledger:       led,
		workers:      workers,
		runTimeout:   runTimeout,
		logger:       logger,
		locks:        map[string]*sync.Mutex{},
	}
}

// Run evaluates the named expectations, or every enabled one when ids is
// empty. A run-level deadline aborts remaining evaluations; already
// committed results stay, and an idempotent re-run completes the rest.
func (r *Runner) Run(ctx context.Context, ids []string) Summary {
	started := time.Now()
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	expectations, errs := r.resolve(ctx, ids)
	summary := Summary{Errors: errs}

	jobs := make(chan dq.Expectation)
	results := make(chan itemResult)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for exp := range jobs {
				results <- r.evaluate(ctx, exp)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, exp := range expectations {
			select {
			case jobs <- exp:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			summary.Errors = append(summary.Errors, ItemError{ExpectationID: res.expectationID, Error: res.err.Error()})
			continue
		}
		if res.absent {
			summary.Skipped++
			continue
		}
		summary.Evaluated++
		switch res.outcome {
		case ledger.OutcomeOpened:
			summary.BreachesOpened++
		case ledger.OutcomeResolved:
			summary.BreachesResolved++
		}
	}

	metrics.ObserveRun(time.Since(started))
	r.logger.Info("evaluation run finished",
		slog.Int("evaluated", summary.Evaluated),
		slog.Int("breaches_opened", summary.BreachesOpened),
		slog.Int("breaches_resolved", summary.BreachesResolved),
		slog.Int("errors", len(summary.Errors)))
	return summary
}

type itemResult struct {
	expectationID string
	outcome       ledger.Outcome
	absent        bool
	err           error
}

func (r *Runner) evaluate(ctx context.Context, exp dq.Expectation) itemResult {
	lock := r.lockFor(exp.ID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	period := dq.PeriodFor(exp.Grain, now)

	sample, present, err := r.source.Sample(ctx, exp, period)
	if err != nil {
		metrics.ObserveEvaluation("error")
		return itemResult{expectationID: exp.ID, err: err}
	}
	if !present {
		metrics.ObserveEvaluation("absent")
		r.logger.Info("no sample for period",
			slog.String("expectation_id", exp.ID),
			slog.String("period", period))
		return itemResult{expectationID: exp.ID, absent: true}
	}

	outcome, err := r.ledger.RecordEvaluation(ctx, exp, period, sample, now)
	if err != nil {
		metrics.ObserveEvaluation("error")
		return itemResult{expectationID: exp.ID, err: err}
	}
	metrics.ObserveEvaluation(string(outcome))
	return itemResult{expectationID: exp.ID, outcome: outcome}
}

func (r *Runner) resolve(ctx context.Context, ids []string) ([]dq.Expectation, []ItemError) {
	if len(ids) == 0 {
		expectations, err := r.expectations.ListEnabledExpectations(ctx)
		if err != nil {
			return nil, []ItemError{{Error: err.Error()}}
		}
		return expectations, nil
	}
	var expectations []dq.Expectation
	var errs []ItemError
	for _, id := range ids {
		exp, err := r.expectations.GetExpectation(ctx, id)
		if err != nil {
			errs = append(errs, ItemError{ExpectationID: id, Error: err.Error()})
			continue
		}
		if !exp.Enabled {
			continue
		}
		expectations = append(expectations, exp)
	}
	return expectations, errs
}

func (r *Runner) lockFor(expectationID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[expectationID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[expectationID] = lock
	}
	return lock
}
