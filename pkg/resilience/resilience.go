package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"e2ee-keyserver/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// ErrCircuitOpen is returned without calling the operation
var ErrCircuitOpen = errors.New("dependency temporarily unavailable (circuit breaker open)")

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dependency_requests_total",
		Help: "Calls through a circuit breaker by dependency and status",
	}, []string{"dependency", "operation", "status"})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dependency_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"dependency"})
)

// Config tunes a breaker
type Config struct {
	MaxFailures  int
	ResetTimeout time.Duration
	CallTimeout  time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig mirrors the object storage defaults
func DefaultConfig() Config {
	return Config{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		CallTimeout:  10 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// CircuitBreaker guards calls to one external dependency
type CircuitBreaker struct {
	name   string
	config Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time
}

// NewCircuitBreaker creates a closed breaker for dependency name
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	breakerState.WithLabelValues(name).Set(0)
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitBreakerClosed,
		now:    time.Now,
	}
}

// State returns the current state, moving open to half-open once the reset timeout passed
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *CircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == CircuitBreakerOpen && cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
		cb.setState(CircuitBreakerHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state CircuitBreakerState) {
	cb.state = state
	switch state {
	case CircuitBreakerClosed:
		breakerState.WithLabelValues(cb.name).Set(0)
	case CircuitBreakerHalfOpen:
		breakerState.WithLabelValues(cb.name).Set(1)
	case CircuitBreakerOpen:
		breakerState.WithLabelValues(cb.name).Set(2)
	}
}

// Execute runs fn with a per-attempt timeout and bounded retries.
// A half-open breaker allows a single probe attempt.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	attempts := cb.config.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		cb.mu.Lock()
		state := cb.currentState()
		cb.mu.Unlock()

		if state == CircuitBreakerOpen {
			requestsTotal.WithLabelValues(cb.name, operation, "circuit_open").Inc()
			return ErrCircuitOpen
		}

		callCtx, cancel := context.WithTimeout(ctx, cb.config.CallTimeout)
		lastErr = fn(callCtx)
		cancel()

		if lastErr == nil {
			cb.onSuccess()
			requestsTotal.WithLabelValues(cb.name, operation, "success").Inc()
			return nil
		}

		requestsTotal.WithLabelValues(cb.name, operation, "error").Inc()
		cb.onFailure(operation, lastErr)

		if state == CircuitBreakerHalfOpen || ctx.Err() != nil {
			break
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cb.config.RetryBackoff * time.Duration(1<<(attempt-1))):
			}
		}
	}

	return lastErr
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitBreakerClosed {
		logger.Info("Circuit breaker closed", zap.String("dependency", cb.name))
	}
	cb.consecutiveFailures = 0
	cb.setState(CircuitBreakerClosed)
}

func (cb *CircuitBreaker) onFailure(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitBreakerHalfOpen || cb.consecutiveFailures >= cb.config.MaxFailures {
		if cb.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker opened",
				zap.String("dependency", cb.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", cb.consecutiveFailures),
				zap.Error(err),
			)
		}
		cb.openedAt = cb.now()
		cb.setState(CircuitBreakerOpen)
	}
}
