package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen allows a single probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the
// breaker for its tool is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures
	// before opening. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing
	// a half-open probe. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which error kinds count toward the threshold.
	// If nil, Overloaded and Connection failures trip the breaker.
	ShouldTrip func(kind ErrorKind) bool
}

// Breaker is a circuit breaker for a single tool.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time

	nowFunc func() time.Time
}

// NewBreaker creates a breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = func(kind ErrorKind) bool {
			return kind == KindOverloaded || kind == KindConnection
		}
	}
	return &Breaker{cfg: cfg, state: CircuitClosed, nowFunc: time.Now}
}

// Allow reports whether a call may proceed, transitioning an expired
// open circuit to half-open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if b.nowFunc().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = CircuitHalfOpen
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// Record registers the outcome of a call. Success closes a half-open
// circuit and resets the failure count; a tripping failure increments
// it and may open the circuit.
func (b *Breaker) Record(kind ErrorKind, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(kind) {
		b.state = CircuitClosed
		b.failures = 0
		return
	}

	b.failures++
	b.openedAt = b.nowFunc()
	if b.state == CircuitHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.nowFunc().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// ToolBreakers manages one breaker per tool name.
type ToolBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewToolBreakers creates a per-tool breaker registry.
func NewToolBreakers(cfg BreakerConfig) *ToolBreakers {
	return &ToolBreakers{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for the named tool, creating one if needed.
func (tb *ToolBreakers) Get(tool string) *Breaker {
	tb.mu.RLock()
	b, ok := tb.breakers[tool]
	tb.mu.RUnlock()
	if ok {
		return b
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()
	if b, ok = tb.breakers[tool]; ok {
		return b
	}
	b = NewBreaker(tb.cfg)
	tb.breakers[tool] = b
	return b
}

// States returns a snapshot of all breaker states.
func (tb *ToolBreakers) States() map[string]CircuitState {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	states := make(map[string]CircuitState, len(tb.breakers))
	for tool, b := range tb.breakers {
		states[tool] = b.State()
	}
	return states
}
