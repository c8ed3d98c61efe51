// Package breaker implements the circuit breaker guarding calls to the
// inference collaborators. One breaker per target, shared by all workers;
// mutation is lock-guarded with a minimal critical section.
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/chirpneighbors/coordinator/internal/clock"
)

// State of the breaker.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure rate exceeded, requests fail fast
	StateHalfOpen              // cooldown elapsed, one probe admitted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker is open or a half-open probe is
// already in flight.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes one breaker.
type Config struct {
	Name string

	// WindowSize is the number of most recent calls considered for the
	// failure-rate trip decision.
	WindowSize int

	// MinCalls is the minimum number of calls in the window before the
	// breaker may trip.
	MinCalls int

	// FailureRate in (0,1]; at or above this the breaker opens.
	FailureRate float64

	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration

	// OnStateChange is invoked outside the lock on every transition.
	OnStateChange func(name string, from, to State)
}

func (c *Config) applyDefaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
	if c.MinCalls == 0 {
		c.MinCalls = 5
	}
	if c.FailureRate == 0 {
		c.FailureRate = 0.5
	}
	if c.Cooldown == 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.OnStateChange == nil {
		c.OnStateChange = func(name string, from, to State) {
			log.Printf("[BREAKER:%s] state change: %s -> %s", name, from, to)
		}
	}
}

// Breaker is a rolling-window circuit breaker.
//
// closed    -> open      when failure rate over the window exceeds the
//                        threshold with at least MinCalls observations
// open      -> half-open after Cooldown
// half-open -> closed    on one probe success
// half-open -> open      on one probe failure
type Breaker struct {
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	state    State
	window   []bool // true = failure; ring buffer of recent outcomes
	next     int
	filled   int
	openedAt time.Time
	probing  bool
}

// New creates a breaker in the closed state.
func New(cfg Config, clk clock.Clock) *Breaker {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.System{}
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clk,
		window: make([]bool, cfg.WindowSize),
	}
}

// Name returns the breaker's target name.
func (b *Breaker) Name() string { return b.cfg.Name }

// OnStateChange replaces the transition callback.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.OnStateChange = fn
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.clock.Now())
}

// Allow reports whether a call may proceed. A nil return admits the call; the
// caller must report the outcome via Record. In half-open, only one probe is
// admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.clock.Now()) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

// Record reports the outcome of an admitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	now := b.clock.Now()
	state := b.currentState(now)

	var from, to State
	changed := false

	switch state {
	case StateHalfOpen:
		b.probing = false
		if success {
			from, to, changed = b.setState(StateClosed, now)
		} else {
			from, to, changed = b.setState(StateOpen, now)
		}
	default:
		b.observe(!success)
		if state == StateClosed && b.shouldTrip() {
			from, to, changed = b.setState(StateOpen, now)
		}
	}
	cb := b.cfg.OnStateChange
	name := b.cfg.Name
	b.mu.Unlock()

	if changed && cb != nil {
		cb(name, from, to)
	}
}

// Do runs fn under the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err == nil)
	return err
}

// currentState must be called with the lock held.
func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

func (b *Breaker) setState(to State, now time.Time) (State, State, bool) {
	from := b.state
	if from == to {
		return from, to, false
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = now
	}
	// Any transition starts a fresh window.
	b.filled = 0
	b.next = 0
	return from, to, true
}

func (b *Breaker) observe(failure bool) {
	b.window[b.next] = failure
	b.next = (b.next + 1) % len(b.window)
	if b.filled < len(b.window) {
		b.filled++
	}
}

func (b *Breaker) shouldTrip() bool {
	if b.filled < b.cfg.MinCalls {
		return false
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures)/float64(b.filled) > b.cfg.FailureRate
}
