package resilience

import "time"

// TimeoutPolicy maps tool names to per-invocation deadlines. Deadlines
// are tuned per latency class and must exceed the remote side's own
// internal timeout, otherwise the orchestrator gives up on calls that
// are still running usefully.
type TimeoutPolicy struct {
	Default time.Duration
	Tools   map[string]time.Duration
}

// DefaultTimeoutPolicy returns the deadlines used when configuration
// supplies no override. Fast classification tools get tens of seconds;
// structural parsing and large-context synthesis get minutes.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Default: 60 * time.Second,
		Tools: map[string]time.Duration{
			"classify":           30 * time.Second,
			"metadata_extract":   45 * time.Second,
			"entity_extract":     60 * time.Second,
			"structure_parse":    3 * time.Minute,
			"summarize":          2 * time.Minute,
			"historical_context": 5 * time.Minute,
		},
	}
}

// Deadline returns the invocation deadline for the named tool.
func (p TimeoutPolicy) Deadline(tool string) time.Duration {
	if d, ok := p.Tools[tool]; ok && d > 0 {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return 60 * time.Second
}
