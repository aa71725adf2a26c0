package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen means the breaker is rejecting calls outright.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures breaker behavior.
type Settings struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures in the closed state.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// ProbeSuccesses closes a half-open breaker after this many
	// consecutive successes.
	ProbeSuccesses int
}

// Breaker is a minimal circuit breaker guarding outbound HTTP. The bridge
// wraps every external call in Do; a tripped breaker fails fast instead of
// stacking timed-out requests behind a dead upstream.
type Breaker struct {
	name     string
	settings Settings

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
}

// New creates a breaker. Zero settings get conservative defaults.
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.ProbeSuccesses <= 0 {
		settings.ProbeSuccesses = 1
	}
	return &Breaker{name: name, settings: settings, state: StateClosed}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Do runs fn if the breaker admits the call and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState(time.Now()) == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(time.Now())
	if success {
		b.consecutiveFailures = 0
		b.consecutiveSuccesses++
		if state == StateHalfOpen && b.consecutiveSuccesses >= b.settings.ProbeSuccesses {
			b.state = StateClosed
		}
		return
	}

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	if state == StateHalfOpen || b.consecutiveFailures >= b.settings.FailureThreshold {
		b.state = StateOpen
		b.openedAt = time.Now()
		b.consecutiveFailures = 0
	}
}

// currentState must be called with the lock held.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.settings.Cooldown {
		b.state = StateHalfOpen
		b.consecutiveSuccesses = 0
	}
	return b.state
}
