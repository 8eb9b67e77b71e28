package breaker

import (
	"sync"
	"time"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
)

// State represents the current state of the circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Settings configures the CircuitBreaker
type Settings struct {
	Name        string
	MaxRequests uint32        // Max requests in Half-Open state
	Interval    time.Duration // Cyclic period of the closed state to clear counts
	Timeout     time.Duration // Time to wait before switching from Open to Half-Open
	ReadyToTrip func(counts Counts) bool
	// IsFailure decides which errors count against the remote. Defaults to
	// transient network errors only; conflicts and schema errors are answers.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from State, to State)
}

// Counts holds the numbers of requests and their results
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() {
	c.Requests++
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// CircuitBreaker stops hammering an unreachable remote store.
type CircuitBreaker struct {
	name          string
	maxRequests   uint32
	interval      time.Duration
	timeout       time.Duration
	readyToTrip   func(counts Counts) bool
	isFailure     func(err error) bool
	onStateChange func(name string, from State, to State)

	mutex  sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          st.Name,
		maxRequests:   st.MaxRequests,
		interval:      st.Interval,
		timeout:       st.Timeout,
		readyToTrip:   st.ReadyToTrip,
		isFailure:     st.IsFailure,
		onStateChange: st.OnStateChange,
	}

	if cb.maxRequests == 0 {
		cb.maxRequests = 1
	}
	if cb.timeout == 0 {
		cb.timeout = 30 * time.Second
	}
	if cb.readyToTrip == nil {
		cb.readyToTrip = func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool {
			return syncerr.Is(err, syncerr.ErrorTypeTransientNetwork)
		}
	}

	cb.resetCounts(time.Now())
	return cb
}

// Name returns the name of the CircuitBreaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state of the CircuitBreaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.currentState(time.Now())
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	switch cb.state {
	case StateClosed:
		if cb.interval > 0 && !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.resetCounts(now)
		}
	case StateOpen:
		if cb.expiry.Before(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(newState State, now time.Time) {
	if cb.state == newState {
		return
	}
	prev := cb.state
	cb.state = newState
	cb.resetCounts(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, newState)
	}
}

func (cb *CircuitBreaker) resetCounts(now time.Time) {
	cb.counts = Counts{}

	switch cb.state {
	case StateClosed:
		if cb.interval > 0 {
			cb.expiry = now.Add(cb.interval)
		} else {
			cb.expiry = time.Time{}
		}
	case StateOpen:
		cb.expiry = now.Add(cb.timeout)
	default:
		cb.expiry = time.Time{}
	}
}

// Allow checks if a new request is allowed
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state := cb.currentState(time.Now())
	if state == StateOpen {
		return false
	}
	return !(state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests)
}

// Do runs req if the breaker allows it. When open it fails fast with a
// transient network error so the owning operation schedules a retry.
func (cb *CircuitBreaker) Do(req func() error) error {
	cb.mutex.Lock()
	now := time.Now()
	state := cb.currentState(now)
	if state == StateOpen || (state == StateHalfOpen && cb.counts.Requests >= cb.maxRequests) {
		remaining := cb.expiry.Sub(now)
		cb.mutex.Unlock()
		se := syncerr.NewTransientNetworkError(cb.name, "circuit breaker is open")
		if remaining > 0 {
			se.WithRetryAfter(remaining)
		}
		return se
	}
	cb.counts.onRequest()
	cb.mutex.Unlock()

	err := req()

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.counts.onFailure()
		switch cb.state {
		case StateClosed:
			if cb.readyToTrip(cb.counts) {
				cb.setState(StateOpen, time.Now())
			}
		case StateHalfOpen:
			cb.setState(StateOpen, time.Now())
		}
		return err
	}

	cb.counts.onSuccess()
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed, time.Now())
	}
	return err
}
