package breaker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/guardapi/guard/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Config holds configuration for circuit breakers
type Config struct {
	// MaxRequests is the number of requests allowed through while half-open
	MaxRequests uint32
	// Interval is the cyclic period of the closed state after which counts are cleared
	Interval time.Duration
	// Timeout is the period of the open state before moving to half-open
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold uint32
	// CallTimeout bounds a single attempt
	CallTimeout time.Duration
	// RetryBackoff is the pause before the single retry
	RetryBackoff time.Duration
	// Ignore lists errors that are domain outcomes, not dependency failures
	Ignore []error
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRequests:      5,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		CallTimeout:      500 * time.Millisecond,
		RetryBackoff:     25 * time.Millisecond,
	}
}

// Manager manages one circuit breaker per dependency
type Manager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   *Config
	mu       sync.RWMutex
}

// State represents the state of a circuit breaker
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Status contains status information about a circuit breaker
type Status struct {
	Name         string `json:"name"`
	State        State  `json:"state"`
	Requests     uint32 `json:"requests"`
	TotalSuccess uint32 `json:"total_success"`
	TotalFailure uint32 `json:"total_failure"`
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// NewManager creates a new circuit breaker manager
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
	}
}

// GetBreaker returns or creates the circuit breaker for a dependency
func (m *Manager) GetBreaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
			monitoring.SetCircuitBreakerState(name, stateToGauge(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || m.isIgnored(err)
		},
	})

	m.breakers[name] = cb
	return cb
}

// Execute runs fn under the named breaker with a bounded per-attempt timeout
// and at most one retry. Ignored errors are returned as-is and never retried.
func (m *Manager) Execute(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return m.execute(ctx, name, fn, false)
}

// ExecuteWrite is Execute for calls that are not safe to replay. A timed out
// attempt may already have been applied, so it is not retried.
func (m *Manager) ExecuteWrite(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return m.execute(ctx, name, fn, true)
}

func (m *Manager) execute(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error), write bool) (interface{}, error) {
	result, err := m.attempt(ctx, name, fn)
	if err == nil || m.isIgnored(err) || errors.Is(err, ErrCircuitOpen) {
		return result, err
	}
	if write && isTimeout(err) {
		return result, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	log.Debug().Err(err).Str("dependency", name).Msg("Retrying dependency call")

	if m.config.RetryBackoff > 0 {
		timer := time.NewTimer(m.config.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return m.attempt(ctx, name, fn)
}

func (m *Manager) attempt(ctx context.Context, name string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	cb := m.GetBreaker(name)

	result, err := cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if m.config.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, m.config.CallTimeout)
			defer cancel()
		}
		return fn(callCtx)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().
				Str("dependency", name).
				Msg("Circuit breaker is open, rejecting request")
			return nil, ErrCircuitOpen
		}
		return result, err
	}

	return result, nil
}

// Do is a typed wrapper around Execute
func Do[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return typed[T](m.Execute(ctx, name, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}))
}

// DoWrite is a typed wrapper around ExecuteWrite
func DoWrite[T any](ctx context.Context, m *Manager, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	return typed[T](m.ExecuteWrite(ctx, name, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}))
}

func typed[T any](result interface{}, err error) (T, error) {
	var zero T
	if result == nil {
		return zero, err
	}
	v, ok := result.(T)
	if !ok {
		return zero, err
	}
	return v, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (m *Manager) isIgnored(err error) bool {
	for _, target := range m.config.Ignore {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// GetStatus returns the status of a circuit breaker
func (m *Manager) GetStatus(name string) *Status {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return nil
	}
	return statusOf(name, cb)
}

// GetAllStatus returns status of all circuit breakers
func (m *Manager) GetAllStatus() []*Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*Status, 0, len(m.breakers))
	for name, cb := range m.breakers {
		statuses = append(statuses, statusOf(name, cb))
	}
	return statuses
}

// IsOpen checks if the circuit breaker for a dependency is open
func (m *Manager) IsOpen(name string) bool {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if !exists {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}

// Reset drops a circuit breaker (for testing or admin purposes)
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, name)
}

func statusOf(name string, cb *gobreaker.CircuitBreaker) *Status {
	counts := cb.Counts()
	return &Status{
		Name:         name,
		State:        State(stateToString(cb.State())),
		Requests:     counts.Requests,
		TotalSuccess: counts.TotalSuccesses,
		TotalFailure: counts.TotalFailures,
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return string(StateClosed)
	case gobreaker.StateOpen:
		return string(StateOpen)
	case gobreaker.StateHalfOpen:
		return string(StateHalfOpen)
	default:
		return "unknown"
	}
}

func stateToGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
