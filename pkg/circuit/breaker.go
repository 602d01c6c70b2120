// Package circuit implements the circuit breaker pkg/streaming wraps around
// Kafka sends, adapted from the teacher's pkg/circuit (itself used the same
// way around its Kafka sink's producer calls). State, Execute's three-phase
// lock discipline (pre-check, unlocked call, post-record), and the
// half-open call budget all carry over unchanged; only the Go-to-English
// comment pass and dropping the dependency on the teacher's own
// types.CircuitBreakerState (replaced by a State type local to this
// package, since nothing else in this module needs a shared definition).
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the circuit breaker's closed/open/half-open lifecycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig configures one named breaker.
type BreakerConfig struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"failure_threshold"`   // consecutive failures to open
	SuccessThreshold int           `yaml:"success_threshold"`   // successes in half-open to close
	Timeout          time.Duration `yaml:"timeout"`             // time spent open before half-open
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"` // max concurrent calls while half-open
	ResetTimeout     time.Duration `yaml:"reset_timeout"`       // unused budget reserved for future auto-reset
}

// Stats is a point-in-time snapshot of a Breaker's counters.
type Stats struct {
	State         State
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// Breaker implements the standard circuit breaker pattern: closed lets
// everything through, open rejects immediately until Timeout elapses, then
// half-open admits a bounded number of calls to test recovery.
type Breaker struct {
	config BreakerConfig
	logger *logrus.Logger

	state         State
	failures      int64
	successes     int64
	requests      int64
	lastFailure   time.Time
	lastSuccess   time.Time
	nextRetryTime time.Time

	halfOpenCalls     int
	halfOpenSuccesses int
	halfOpenStartTime time.Time
	maxHalfOpen       int

	onStateChange func(from, to State)
	onFailure     func(error)
	onSuccess     func()

	mu sync.RWMutex
}

// NewBreaker creates a Breaker, applying defaults for any zero field.
func NewBreaker(config BreakerConfig, logger *logrus.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 10
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 10 * time.Minute
	}

	return &Breaker{
		config:      config,
		logger:      logger,
		state:       StateClosed,
		maxHalfOpen: config.HalfOpenMaxCalls,
	}
}

// Execute runs fn through the breaker. Split into three phases so the lock
// is never held across fn's execution: pre-check (locked) decides whether
// fn may run at all, fn runs unlocked so concurrent callers don't serialize
// on it, and post-record (locked) updates counters and decides whether to
// trip.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	b.requests++

	if b.state == StateOpen {
		if time.Now().Before(b.nextRetryTime) {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is open", b.config.Name)
		}
		b.setState(StateHalfOpen)
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		b.halfOpenStartTime = time.Now()
	}

	if b.state == StateHalfOpen {
		halfOpenTimeout := b.config.Timeout * 2
		if time.Since(b.halfOpenStartTime) > halfOpenTimeout {
			b.logger.WithField("breaker", b.config.Name).Warn("circuit breaker half-open timeout, reopening")
			b.trip()
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s half-open timeout", b.config.Name)
		}
		if b.halfOpenCalls >= b.maxHalfOpen {
			b.mu.Unlock()
			return fmt.Errorf("circuit breaker %s is half-open (max calls reached)", b.config.Name)
		}
		b.halfOpenCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	if err != nil {
		b.onExecutionFailure(err)
		if b.shouldTrip() {
			b.trip()
		}
		b.mu.Unlock()
		return err
	}
	b.onExecutionSuccess()
	b.mu.Unlock()
	return nil
}

func (b *Breaker) shouldTrip() bool {
	if b.state != StateClosed {
		return false
	}
	return b.failures >= int64(b.config.FailureThreshold)
}

func (b *Breaker) trip() {
	if b.state == StateOpen {
		return
	}
	b.setState(StateOpen)
	b.nextRetryTime = time.Now().Add(b.config.Timeout)

	b.logger.WithFields(logrus.Fields{
		"breaker":         b.config.Name,
		"failures":        b.failures,
		"next_retry_time": b.nextRetryTime,
	}).Warn("circuit breaker opened")
}

func (b *Breaker) onExecutionFailure(err error) {
	b.failures++
	b.lastFailure = time.Now()

	if b.onFailure != nil {
		b.onFailure(err)
	}
	if b.state == StateHalfOpen {
		b.trip()
	}
}

func (b *Breaker) onExecutionSuccess() {
	b.successes++
	b.lastSuccess = time.Now()

	if b.onSuccess != nil {
		b.onSuccess()
	}

	if b.state == StateHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.reset()
		}
	} else if b.state == StateClosed && b.failures > 0 {
		b.failures--
	}
}

func (b *Breaker) reset() {
	b.failures = 0
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
	b.nextRetryTime = time.Time{}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"successes": b.successes,
	}).Info("circuit breaker reset")
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	oldState := b.state
	b.state = newState

	if b.onStateChange != nil {
		b.onStateChange(oldState, newState)
	}

	b.logger.WithFields(logrus.Fields{
		"breaker":   b.config.Name,
		"old_state": oldState,
		"new_state": newState,
		"failures":  b.failures,
		"successes": b.successes,
	}).Info("circuit breaker state changed")
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsOpen reports whether the breaker is currently rejecting calls.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateOpen
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.reset()
}

// GetStats returns a point-in-time snapshot of the breaker's counters.
func (b *Breaker) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		Requests:      b.requests,
		LastFailure:   b.lastFailure,
		LastSuccess:   b.lastSuccess,
		NextRetryTime: b.nextRetryTime,
	}
}

// SetStateChangeCallback installs a hook called on every state transition.
func (b *Breaker) SetStateChangeCallback(fn func(from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

// SetFailureCallback installs a hook called on every failed Execute.
func (b *Breaker) SetFailureCallback(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = fn
}

// SetSuccessCallback installs a hook called on every successful Execute.
func (b *Breaker) SetSuccessCallback(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSuccess = fn
}

// CanExecute reports whether a call would currently be admitted.
func (b *Breaker) CanExecute() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Now().After(b.nextRetryTime)
	case StateHalfOpen:
		return b.halfOpenCalls < b.maxHalfOpen
	default:
		return false
	}
}

// ForceOpen trips the breaker regardless of its failure count.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}
