// Package breaker implements the per-provider failure-isolation state
// machine (component C5). One breaker instance is created lazily the first
// time a provider is dispatched to; each provider's state transitions are
// serialized by its own mutex, so there is never a global lock on the
// request hot path — the same discipline the teacher repo's CircuitBreaker
// uses for its providerCB map.
package breaker

import (
	"sync"
	"time"
)

// State is the operational state of a per-provider circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config holds circuit breaker tuning parameters with the spec's defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker. Default 5.
	FailureThreshold int
	// WindowSize is how many recent outcomes are retained for introspection;
	// default FailureThreshold*2 (10).
	WindowSize int
	// ResetTimeout is how long the breaker stays open before allowing a
	// single half-open probe. Default 5 minutes.
	ResetTimeout time.Duration
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return 5
}

func (c Config) windowSize() int {
	if c.WindowSize > 0 {
		return c.WindowSize
	}
	return c.failureThreshold() * 2
}

func (c Config) resetTimeout() time.Duration {
	if c.ResetTimeout > 0 {
		return c.ResetTimeout
	}
	return 5 * time.Minute
}

type providerBreaker struct {
	mu sync.Mutex

	state              State
	consecutiveFailures int
	openedAt           time.Time
	probeInflight      bool
	lastFailureAt      time.Time

	// outcomes is a fixed-size ring of the most recent results (true=success)
	// kept only for Status() introspection — the open/close decision itself
	// is driven by consecutiveFailures, per spec §4.5.
	outcomes    []bool
	outcomesPos int
	forcedOpen  bool // set by the admin Open() control; only admin Reset() clears it
}

// CircuitBreaker manages independent breakers for each provider, created
// lazily on first use. Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*providerBreaker
	cfg      Config
}

// New creates a CircuitBreaker with the given configuration (zero-value
// fields fall back to spec defaults).
func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{breakers: make(map[string]*providerBreaker), cfg: cfg}
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerBreaker {
	cb.mu.RLock()
	pb, ok := cb.breakers[provider]
	cb.mu.RUnlock()
	if ok {
		return pb
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if pb, ok := cb.breakers[provider]; ok {
		return pb
	}
	pb = &providerBreaker{outcomes: make([]bool, 0, cb.cfg.windowSize())}
	cb.breakers[provider] = pb
	return pb
}

// Allow reports whether provider should receive the next dispatch attempt.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pb := cb.getOrCreate(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	switch pb.state {
	case Closed:
		return true
	case Open:
		if pb.forcedOpen {
			return false
		}
		if time.Since(pb.openedAt) >= cb.cfg.resetTimeout() {
			pb.state = HalfOpen
			pb.probeInflight = true
			return true
		}
		return false
	case HalfOpen:
		if pb.probeInflight {
			return false
		}
		pb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess resets provider's breaker to Closed.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pb := cb.getOrCreate(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	pb.recordOutcome(true, cb.cfg.windowSize())
	pb.state = Closed
	pb.consecutiveFailures = 0
	pb.probeInflight = false
}

// RecordFailure increments provider's consecutive-failure counter, tripping
// the breaker when it reaches FailureThreshold.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pb := cb.getOrCreate(provider)

	pb.mu.Lock()
	defer pb.mu.Unlock()

	now := time.Now()
	pb.recordOutcome(false, cb.cfg.windowSize())
	pb.lastFailureAt = now
	pb.probeInflight = false

	if pb.state == HalfOpen {
		// Probe failed — reopen.
		pb.state = Open
		pb.openedAt = now
		return
	}

	pb.consecutiveFailures++
	if pb.consecutiveFailures >= cb.cfg.failureThreshold() {
		pb.state = Open
		pb.openedAt = now
	}
}

func (pb *providerBreaker) recordOutcome(success bool, window int) {
	if len(pb.outcomes) < window {
		pb.outcomes = append(pb.outcomes, success)
		return
	}
	pb.outcomes[pb.outcomesPos] = success
	pb.outcomesPos = (pb.outcomesPos + 1) % window
}

// State returns the current state for provider.
func (cb *CircuitBreaker) State(provider string) State {
	pb := cb.getOrCreate(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state
}

// StateLabel returns a human-readable state name.
func (cb *CircuitBreaker) StateLabel(provider string) string {
	return cb.State(provider).String()
}

// Status is the admin-facing snapshot of one provider's breaker.
type Status struct {
	Provider            string
	State               string
	ConsecutiveFailures int
	LastFailureAt       time.Time
	OpenedAt            time.Time
	RecentOutcomes      []bool
}

// Status returns an admin-facing snapshot for provider.
func (cb *CircuitBreaker) Status(provider string) Status {
	pb := cb.getOrCreate(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	outcomes := make([]bool, len(pb.outcomes))
	copy(outcomes, pb.outcomes)
	return Status{
		Provider:            provider,
		State:               pb.state.String(),
		ConsecutiveFailures: pb.consecutiveFailures,
		LastFailureAt:       pb.lastFailureAt,
		OpenedAt:            pb.openedAt,
		RecentOutcomes:      outcomes,
	}
}

// Reset forces provider's breaker back to Closed. Admin control.
func (cb *CircuitBreaker) Reset(provider string) {
	pb := cb.getOrCreate(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.state = Closed
	pb.consecutiveFailures = 0
	pb.probeInflight = false
	pb.forcedOpen = false
}

// Open forces provider's breaker open for maintenance. Admin control. Only
// Reset() clears the forced-open flag — the half-open timeout does not apply
// while forcedOpen is set.
func (cb *CircuitBreaker) Open(provider string) {
	pb := cb.getOrCreate(provider)
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.state = Open
	pb.openedAt = time.Now()
	pb.forcedOpen = true
}
