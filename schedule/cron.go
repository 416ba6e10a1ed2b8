// Package schedule implements the TaskGenerator: the per-namespace loop
// that expands active Schedules into concrete Pending Tasks (spec §4.3).
package schedule

import (
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/hetuflow/hetuflow/domain"
)

// Deterministic cron evaluation is delegated to hashicorp/cronexpr, the
// same library hashicorp-nomad uses for its own periodic jobs -- a direct
// domain match rather than a hand-rolled cron parser.

// parseCron validates a cron expression, wrapping a parse failure as a
// PermanentError since a bad expression stored on a Schedule row is never
// retryable -- the next cycle will hit the same error until an operator
// fixes the row.
func parseCron(expr string) (*cronexpr.Expression, error) {
	parsed, err := cronexpr.Parse(expr)
	if err != nil {
		return nil, &domain.PermanentError{Op: "parseCron", Err: err}
	}
	return parsed, nil
}

// cronInstantsInWindow returns every fire instant of expr in
// (after, deadline], in ascending order. cronexpr.NextN always walks
// forward from after, so we cap the count generously and trim at deadline
// rather than guessing a precise N up front.
func cronInstantsInWindow(expr *cronexpr.Expression, after, deadline time.Time, maxInstants int) []time.Time {
	if maxInstants <= 0 {
		maxInstants = 64
	}
	candidates := expr.NextN(after, uint(maxInstants))
	var out []time.Time
	for _, t := range candidates {
		if t.After(deadline) {
			break
		}
		out = append(out, t)
	}
	return out
}
