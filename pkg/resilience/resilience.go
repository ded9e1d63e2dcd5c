// Package resilience wraps outbound tool-server traffic in retry and
// circuit-breaking primitives. Connection attempts retry with jittered
// exponential backoff; a per-server breaker stops call traffic to a
// server that keeps failing until a probe succeeds.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// ------------------------------------------------------------------
// Retry with exponential backoff
// ------------------------------------------------------------------

// RetryConfig controls the backoff schedule. Zero values fall back to
// the defaults applied by Retry.
type RetryConfig struct {
	MaxAttempts  int              // total attempts, not extra retries (default 3)
	InitialDelay time.Duration    // delay before the second attempt (default 100ms)
	MaxDelay     time.Duration    // backoff ceiling (default 30s)
	Multiplier   float64          // growth factor between attempts (default 2.0)
	RetryableErr func(error) bool // nil retries everything
}

// Retry runs fn until it succeeds, the error is not retryable, the
// attempts run out, or ctx ends. The attempt index passed to fn starts
// at zero. Each sleep carries up to 10% jitter so that a burst of
// reconnects does not stay synchronized.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if cfg.RetryableErr != nil && !cfg.RetryableErr(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		sleep := delay + time.Duration(float64(delay)*0.1*(rand.Float64()*2-1))
		if sleep > cfg.MaxDelay {
			sleep = cfg.MaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// ------------------------------------------------------------------
// Circuit breaker
// ------------------------------------------------------------------

// CircuitState is the breaker position.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // traffic flows
	CircuitOpen                         // calls rejected until the reset timeout
	CircuitHalfOpen                     // one probe call admitted
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

// CircuitBreakerConfig configures one breaker.
type CircuitBreakerConfig struct {
	Name          string        // appears in rejection errors and logs
	MaxFailures   int           // consecutive failures before opening (default 5)
	ResetTimeout  time.Duration // open duration before a probe is allowed (default 30s)
	OnStateChange func(name string, from, to CircuitState)
}

// CircuitBreaker tracks consecutive failures for one server. After
// MaxFailures the breaker opens and rejects calls. Once ResetTimeout
// passes it admits a single probe: success closes the breaker, failure
// reopens it.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu          sync.Mutex
	state       CircuitState
	failures    int
	openedAt    time.Time
	probeActive bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: CircuitClosed}
}

// Execute runs fn if the breaker admits the call and records the
// outcome. Rejected calls never reach fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State reports the current position, moving an expired open breaker
// to half-open first so callers see the probe window.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if time.Since(cb.openedAt) <= cb.cfg.ResetTimeout {
			return fmt.Errorf("circuit breaker %s is open", cb.cfg.Name)
		}
		cb.transition(CircuitHalfOpen)
		cb.probeActive = true
		return nil
	default: // CircuitHalfOpen
		if cb.probeActive {
			return fmt.Errorf("circuit breaker %s is half-open, probe in flight", cb.cfg.Name)
		}
		cb.probeActive = true
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeActive = false
	if err != nil {
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.openedAt = time.Now()
			cb.transition(CircuitOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
