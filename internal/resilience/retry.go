package resilience

import (
	"context"
	"time"
)

// RunConfig controls a classified-retry execution.
type RunConfig struct {
	// Table is the retry policy table. Nil means DefaultPolicyTable.
	Table PolicyTable

	// OnRetry is called before each backoff sleep with the attempt
	// number just failed, the classified kind, the error and the delay.
	OnRetry func(attempt int, kind ErrorKind, err error, delay time.Duration)
}

// Run executes fn until it succeeds, the classified policy for the
// failure is exhausted, or the context ends. Each failure is classified
// and the retry decision comes from the policy of that kind, so a call
// that flips from Overloaded to Timeout mid-sequence is bounded by the
// tighter of the two ceilings. Returns the value, the kind of the last
// failure, the number of attempts made, and the last error.
func Run[T any](ctx context.Context, cfg RunConfig, fn func(ctx context.Context) (T, error)) (T, ErrorKind, int, error) {
	table := cfg.Table
	if table == nil {
		table = DefaultPolicyTable()
	}

	var zero T
	var lastErr error
	var lastKind ErrorKind

	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, "", attempt, nil
		}
		lastErr = err
		lastKind = Classify(err)

		if ctx.Err() != nil {
			return zero, lastKind, attempt, lastErr
		}

		policy := table.Policy(lastKind)
		if !policy.Retryable || attempt >= policy.MaxAttempts {
			return zero, lastKind, attempt, lastErr
		}

		delay := policy.Backoff(attempt - 1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastKind, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastKind, attempt, lastErr
		case <-timer.C:
		}
	}
}
