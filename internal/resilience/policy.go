package resilience

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls retry behavior for one error kind.
type RetryPolicy struct {
	// Retryable is false for kinds where another attempt cannot change
	// the outcome (bad input, bad credentials).
	Retryable bool

	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// InitialBackoff is the base delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed
	// delay (0.25 = ±25%).
	JitterFraction float64
}

// PolicyTable maps every error kind to its retry policy. A single table
// is consulted by the invoker so policy changes never touch call sites.
type PolicyTable map[ErrorKind]RetryPolicy

// DefaultPolicyTable returns the retry table used when configuration
// supplies no override. Overloaded and Connection get more attempts and
// longer ceilings than Timeout: overload is usually transient load
// shedding, while a timeout may mean the call is structurally slow.
func DefaultPolicyTable() PolicyTable {
	return PolicyTable{
		KindTimeout: {
			Retryable: true, MaxAttempts: 3,
			InitialBackoff: 2 * time.Second, MaxBackoff: 15 * time.Second,
			Multiplier: 2.0, JitterFraction: 0.25,
		},
		KindConnection: {
			Retryable: true, MaxAttempts: 5,
			InitialBackoff: 1 * time.Second, MaxBackoff: 60 * time.Second,
			Multiplier: 2.0, JitterFraction: 0.25,
		},
		KindOverloaded: {
			Retryable: true, MaxAttempts: 5,
			InitialBackoff: 5 * time.Second, MaxBackoff: 120 * time.Second,
			Multiplier: 2.0, JitterFraction: 0.25,
		},
		KindTransientRuntime: {
			Retryable: true, MaxAttempts: 2,
			InitialBackoff: 500 * time.Millisecond, MaxBackoff: 2 * time.Second,
			Multiplier: 2.0, JitterFraction: 0.25,
		},
		KindInvalidData:    {Retryable: false, MaxAttempts: 1},
		KindAuthentication: {Retryable: false, MaxAttempts: 1},
		KindUnknown: {
			Retryable: true, MaxAttempts: 2,
			InitialBackoff: 1 * time.Second, MaxBackoff: 10 * time.Second,
			Multiplier: 2.0, JitterFraction: 0.25,
		},
	}
}

// Policy returns the policy for kind, falling back to the Unknown entry
// and finally to a single-attempt policy.
func (t PolicyTable) Policy(kind ErrorKind) RetryPolicy {
	if p, ok := t[kind]; ok {
		return p
	}
	if p, ok := t[KindUnknown]; ok {
		return p
	}
	return RetryPolicy{Retryable: false, MaxAttempts: 1}
}

// Backoff computes the delay before retry number attempt (0-based),
// exponential with jitter, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := float64(p.InitialBackoff) * math.Pow(mult, float64(attempt))
	if delay > float64(p.MaxBackoff) {
		delay = float64(p.MaxBackoff)
	}

	if p.JitterFraction > 0 {
		jitterRange := delay * p.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
