// Package circuitbreaker protects calls to external collaborators (payment
// facilitator, price oracle, recommendation engine) from cascading failures.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is where a breaker sits in the closed, open, half-open cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String is the form reported by /health.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes a breaker.
type Config struct {
	Name string

	// MaxRequests caps trial calls while half-open; that many consecutive
	// successes close the circuit again.
	MaxRequests uint32

	// Interval resets closed-state counts periodically. Zero never resets.
	Interval time.Duration

	// Timeout is how long the circuit stays open before trial calls.
	Timeout time.Duration

	// ReadyToTrip sees the counts after each closed-state failure.
	ReadyToTrip func(counts Counts) bool

	OnStateChange func(name string, from State, to State)

	// IsFailure decides whether err counts against the circuit. Nil means any
	// non-nil error is a failure.
	IsFailure func(err error) bool
}

// DefaultConfig trips on a majority of failures over at least five calls.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
		OnStateChange: func(name string, from State, to State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// Counts tallies outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker guards one upstream. Results from calls admitted in an
// earlier generation are discarded.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	cb := &CircuitBreaker{cfg: cfg}
	cb.resetLocked(time.Now())
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(time.Now())
	return cb.state
}

// Call runs fn through cb and returns its typed result. A panic in fn is
// recorded as a failure and re-raised.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (result T, err error) {
	generation, err := cb.admit()
	if err != nil {
		return result, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.settle(generation, false)
			panic(r)
		}
	}()

	result, err = fn(ctx)
	cb.settle(generation, !cb.failed(err))
	return result, err
}

func (cb *CircuitBreaker) failed(err error) bool {
	if err == nil {
		return false
	}
	if cb.cfg.IsFailure != nil {
		return cb.cfg.IsFailure(err)
	}
	return true
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked(time.Now())
	switch {
	case cb.state == StateOpen:
		return cb.generation, ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.counts.Requests >= cb.cfg.MaxRequests:
		return cb.generation, ErrTooManyRequests
	}
	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) settle(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advanceLocked(now)
	if generation != cb.generation || cb.state == StateOpen {
		return
	}

	cb.counts.record(success)
	switch {
	case cb.state == StateHalfOpen && !success:
		cb.transitionLocked(StateOpen, now)
	case cb.state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= cb.cfg.MaxRequests:
		cb.transitionLocked(StateClosed, now)
	case cb.state == StateClosed && !success && cb.cfg.ReadyToTrip(cb.counts):
		cb.transitionLocked(StateOpen, now)
	}
}

// advanceLocked applies time-based transitions: an expired open circuit goes
// half-open and an expired closed interval starts fresh counts.
func (cb *CircuitBreaker) advanceLocked(now time.Time) {
	if cb.expiry.IsZero() || now.Before(cb.expiry) {
		return
	}
	switch cb.state {
	case StateOpen:
		cb.transitionLocked(StateHalfOpen, now)
	case StateClosed:
		cb.resetLocked(now)
	}
}

func (cb *CircuitBreaker) transitionLocked(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.resetLocked(now)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) resetLocked(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.expiry = time.Time{}
	switch {
	case cb.state == StateOpen:
		cb.expiry = now.Add(cb.cfg.Timeout)
	case cb.state == StateClosed && cb.cfg.Interval > 0:
		cb.expiry = now.Add(cb.cfg.Interval)
	}
}

// IsRejected reports whether err came from the breaker rather than the call.
func IsRejected(err error) bool {
	return errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTooManyRequests)
}

// IgnoreCancellation treats a caller going away as neither success nor
// failure of the upstream.
func IgnoreCancellation(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Upstreams holds one breaker per external collaborator.
type Upstreams struct {
	Facilitator   *CircuitBreaker
	Price         *CircuitBreaker
	Engine        *CircuitBreaker
	MarketContext *CircuitBreaker
}

// NewUpstreams creates the breakers with per-upstream thresholds. The
// facilitator trips fastest because every paid request depends on it.
func NewUpstreams(logger *slog.Logger) *Upstreams {
	if logger == nil {
		logger = slog.Default()
	}
	onChange := func(name string, from State, to State) {
		logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}

	consecutive := func(name string, failures uint32, timeout time.Duration) *CircuitBreaker {
		return New(&Config{
			Name:        name,
			MaxRequests: 2,
			Interval:    60 * time.Second,
			Timeout:     timeout,
			ReadyToTrip: func(c Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: onChange,
			IsFailure:     IgnoreCancellation,
		})
	}

	return &Upstreams{
		Facilitator:   consecutive("facilitator", 3, 15*time.Second),
		Price:         consecutive("price", 5, 10*time.Second),
		Engine:        consecutive("engine", 3, 30*time.Second),
		MarketContext: consecutive("market-context", 3, 60*time.Second),
	}
}

// HealthStatus returns "HEALTHY" unless a breaker is open, plus each state.
func (u *Upstreams) HealthStatus() (string, map[string]string) {
	statuses := make(map[string]string, 4)
	healthy := true

	for _, cb := range []*CircuitBreaker{u.Facilitator, u.Price, u.Engine, u.MarketContext} {
		if cb == nil {
			continue
		}
		state := cb.State()
		statuses[cb.Name()] = state.String()
		if state == StateOpen {
			healthy = false
		}
	}

	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}
