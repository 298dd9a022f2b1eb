package health

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is a circuit breaker state.
type State int

// Breaker states.
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

// ErrCircuitOpen is returned by Execute while the breaker rejects calls and
// no fallback is provided.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// FailureThreshold trips the breaker after this many consecutive
	// failures while closed.
	FailureThreshold int
	// SuccessThreshold closes the breaker after this many consecutive
	// successes while half-open.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration
}

// Breaker is an in-process Closed/Open/Half-Open circuit protecting calls to
// volatile dependencies (provider APIs, backing-store connections). Unlike
// DomainGate it probes for recovery: after the cooldown a single trial call
// is allowed, and its result decides the next state.
type Breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        State
	failures     int
	successes    int
	openedAt     time.Time
	halfOpenBusy bool
	now          func() time.Time
	logger       *zap.Logger
	name         string
}

// NewBreaker constructs a closed Breaker.
func NewBreaker(name string, cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{cfg: cfg, now: time.Now, logger: logger, name: name}
}

// SetClock overrides the time source for tests.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// State returns the current state, promoting Open to Half-Open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.successes = 0
		b.halfOpenBusy = false
		b.logger.Info("breaker half-open", zap.String("breaker", b.name))
	}
	return b.state
}

// Execute runs fn under the breaker. While open (or while a half-open probe
// is already in flight) it short-circuits to fallback, or ErrCircuitOpen if
// fallback is nil.
func (b *Breaker) Execute(fn func() error, fallback func() error) error {
	b.mu.Lock()
	state := b.currentState()
	switch state {
	case StateOpen:
		b.mu.Unlock()
		return b.reject(fallback)
	case StateHalfOpen:
		if b.halfOpenBusy {
			b.mu.Unlock()
			return b.reject(fallback)
		}
		b.halfOpenBusy = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if state == StateHalfOpen {
		b.halfOpenBusy = false
	}
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) reject(fallback func() error) error {
	if fallback != nil {
		return fallback()
	}
	return ErrCircuitOpen
}

func (b *Breaker) onFailure() {
	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.trip()
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			b.logger.Info("breaker closed", zap.String("breaker", b.name))
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.logger.Warn("breaker opened",
		zap.String("breaker", b.name),
		zap.Duration("cooldown", b.cfg.Cooldown))
}
