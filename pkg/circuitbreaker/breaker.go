// Package circuitbreaker stops calls to a failing dependency (LLM, Neo4j,
// Milvus) for a cool-down period and then probes it again.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateHalfOpen: "half-open",
	StateOpen:     "open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

type Config struct {
	// FailureThreshold consecutive failures open a closed breaker.
	FailureThreshold uint32
	// SuccessThreshold consecutive probe successes close a half-open breaker.
	SuccessThreshold uint32
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes uint32
	// IsFailure classifies errors that count against the breaker. Nil counts
	// every error except context cancellation by the caller.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Logger        *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxProbes == 0 {
		c.MaxProbes = 1
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

type CircuitBreaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu    sync.Mutex
	state State
	// epoch changes on every transition so late results from a previous
	// state are dropped.
	epoch     uint64
	failures  uint32
	successes uint32
	probes    uint32
	openUntil time.Time
}

func NewCircuitBreaker(name string, cfg Config) *CircuitBreaker {
	return &CircuitBreaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call. A panic in fn counts
// as a failure and is re-raised.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	epoch, err := cb.admit()
	if err != nil {
		return err
	}

	success := false
	defer func() {
		if r := recover(); r != nil {
			cb.report(epoch, false)
			panic(r)
		}
		cb.report(epoch, success)
	}()

	err = fn()
	success = err == nil || !cb.cfg.IsFailure(err)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.refresh(cb.now()) {
	case StateOpen:
		return cb.epoch, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.MaxProbes {
			return cb.epoch, ErrTooManyRequests
		}
		cb.probes++
	}
	return cb.epoch, nil
}

func (cb *CircuitBreaker) report(epoch uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state := cb.refresh(now)
	if epoch != cb.epoch {
		return
	}
	if state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}

	if success {
		cb.failures = 0
		cb.successes++
		if state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			cb.transition(StateClosed, now)
		}
		return
	}

	cb.successes = 0
	cb.failures++
	if state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen, now)
	}
}

// refresh moves an open breaker to half-open once its cooldown elapsed.
func (cb *CircuitBreaker) refresh(now time.Time) State {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.transition(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	failures := cb.failures

	cb.state = to
	cb.epoch++
	cb.failures, cb.successes, cb.probes = 0, 0, 0
	if to == StateOpen {
		cb.openUntil = now.Add(cb.cfg.Cooldown)
	}

	cb.cfg.Logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Uint32("failures", failures),
	)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.refresh(cb.now())
}
