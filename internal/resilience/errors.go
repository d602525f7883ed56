// Package resilience provides error classification, per-kind retry
// policies, per-tool timeout policies and circuit breakers for remote
// agent calls.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/meridian-archives/enrich-cli/pkg/agentrpc"
)

// ErrorKind is the fixed taxonomy every raised failure maps onto.
type ErrorKind string

const (
	KindTimeout          ErrorKind = "timeout"
	KindConnection       ErrorKind = "connection"
	KindOverloaded       ErrorKind = "overloaded"
	KindInvalidData      ErrorKind = "invalid_data"
	KindAuthentication   ErrorKind = "authentication"
	KindTransientRuntime ErrorKind = "transient_runtime"
	KindUnknown          ErrorKind = "unknown"
)

// Classify maps an error to its kind. Structural signals (typed errors,
// status codes) are checked first; string patterns are a fallback only,
// so a wrapped typed error is never misclassified by its message.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	if errors.Is(err, agentrpc.ErrConnectionClosed) {
		return KindConnection
	}

	// A locally rejected call looks like remote pressure to the retry
	// table: back off and try again later.
	if errors.Is(err, ErrCircuitOpen) {
		return KindOverloaded
	}

	var ae *agentrpc.AgentError
	if errors.As(err, &ae) {
		return classifyAgentError(ae)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnection
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return KindConnection
	}

	return classifyMessage(err.Error())
}

func classifyAgentError(ae *agentrpc.AgentError) ErrorKind {
	switch ae.StatusCode {
	case 401, 403:
		return KindAuthentication
	case 400, 422:
		return KindInvalidData
	case 408, 504:
		return KindTimeout
	case 429, 503, 529:
		return KindOverloaded
	case 502:
		return KindConnection
	case 500:
		return KindTransientRuntime
	}
	return classifyMessage(ae.Message)
}

var messagePatterns = []struct {
	kind     ErrorKind
	patterns []string
}{
	{KindAuthentication, []string{"unauthorized", "authentication", "invalid api key", "permission denied", "forbidden"}},
	{KindInvalidData, []string{"invalid request", "validation failed", "malformed", "unprocessable", "schema mismatch"}},
	{KindOverloaded, []string{"overloaded", "rate limit", "too many requests", "capacity", "try again later"}},
	{KindTimeout, []string{"deadline exceeded", "timed out", "i/o timeout", "timeout"}},
	{KindConnection, []string{
		"connection reset by peer", "connection refused", "broken pipe",
		"no such host", "temporary failure in name resolution",
		"tls handshake", "connection closed", "transport is closing",
		"bad gateway",
	}},
	{KindTransientRuntime, []string{"worker crashed", "scheduling", "temporarily unavailable", "internal error"}},
}

func classifyMessage(msg string) ErrorKind {
	msg = strings.ToLower(msg)
	for _, group := range messagePatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.kind
			}
		}
	}
	return KindUnknown
}
