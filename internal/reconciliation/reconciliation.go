// Package reconciliation runs periodic consistency checks over the escrow
// ledger. Checks count anomalies (stale records, drifted balances, breached
// invariants) and export them as gauges so alerting can watch for nonzero
// values.
package reconciliation

import (
	"context"
	"log/slog"
	"time"
)

// Check is one named consistency check. Run returns the number of
// anomalous records found.
type Check struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Result is the outcome of a single check within a run.
type Result struct {
	Name      string `json:"name"`
	Anomalies int    `json:"anomalies"`
	Error     string `json:"error,omitempty"`
}

// Runner executes a fixed set of checks and records the results.
type Runner struct {
	checks []Check
	logger *slog.Logger
}

// NewRunner creates a runner over the given checks.
func NewRunner(logger *slog.Logger, checks ...Check) *Runner {
	return &Runner{checks: checks, logger: logger}
}

// RunAll executes every check. A failing check is recorded and does not
// stop the others; the first error is returned after all checks ran.
func (r *Runner) RunAll(ctx context.Context) ([]Result, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	var firstErr error
	results := make([]Result, 0, len(r.checks))

	for _, c := range r.checks {
		n, err := c.Run(ctx)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("reconciliation check failed", "check", c.Name, "error", err)
			results = append(results, Result{Name: c.Name, Error: err.Error()})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		reconcileAnomalies.WithLabelValues(c.Name).Set(float64(n))
		if n > 0 {
			r.logger.Warn("reconciliation anomalies found", "check", c.Name, "count", n)
		}
		results = append(results, Result{Name: c.Name, Anomalies: n})
	}

	return results, firstErr
}
