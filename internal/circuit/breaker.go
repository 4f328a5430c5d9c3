package circuit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

// State represents the circuit breaker state
type State int32

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
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker guards one instance. It opens after a run of consecutive
// failures, cools down for a timeout, then admits a limited number of
// half-open probes before closing again.
type Breaker struct {
	maxFailures       int64
	maxProbes         int64
	baseTimeout       time.Duration
	backoffMultiplier float64

	state            atomic.Int32
	failures         atomic.Int64
	successes        atomic.Int64
	lastFailureTime  atomic.Int64
	halfOpenRequests atomic.Int64

	rejected atomic.Int64

	mu      sync.Mutex
	timeout time.Duration
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and cools down for timeout
func NewBreaker(maxFailures int64, timeout time.Duration) *Breaker {
	probes := maxFailures / 2
	if probes < 1 {
		probes = 1
	}
	return &Breaker{
		maxFailures:       maxFailures,
		maxProbes:         probes,
		baseTimeout:       timeout,
		timeout:           timeout,
		backoffMultiplier: 2.0,
	}
}

// Allow checks whether a request may pass
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case StateClosed:
		return true

	case StateOpen:
		lastFailure := b.lastFailureTime.Load()
		b.mu.Lock()
		cooldown := b.timeout
		b.mu.Unlock()
		if time.Since(time.Unix(0, lastFailure)) > cooldown {
			b.transitionTo(StateHalfOpen)
			// The admission that triggered the transition spends the
			// first probe slot
			if b.halfOpenRequests.Add(1) <= b.maxProbes {
				return true
			}
			b.rejected.Add(1)
			return false
		}
		b.rejected.Add(1)
		return false

	case StateHalfOpen:
		if b.halfOpenRequests.Add(1) <= b.maxProbes {
			return true
		}
		b.rejected.Add(1)
		return false

	default:
		return false
	}
}

// RecordSuccess notes a successful call
func (b *Breaker) RecordSuccess() {
	switch State(b.state.Load()) {
	case StateHalfOpen:
		if b.successes.Add(1) >= b.maxProbes {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		b.failures.Store(0)
	}
}

// RecordFailure notes a failed call
func (b *Breaker) RecordFailure() {
	b.lastFailureTime.Store(time.Now().UnixNano())

	switch State(b.state.Load()) {
	case StateClosed:
		if b.failures.Add(1) >= b.maxFailures {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		// Any failure during probing reopens with backoff
		b.transitionTo(StateOpen)
		b.mu.Lock()
		b.timeout = time.Duration(float64(b.timeout) * b.backoffMultiplier)
		if b.timeout > 30*time.Second {
			b.timeout = 30 * time.Second
		}
		b.mu.Unlock()
	}
}

// GetState returns the current state
func (b *Breaker) GetState() State {
	return State(b.state.Load())
}

func (b *Breaker) transitionTo(newState State) {
	switch newState {
	case StateClosed:
		b.failures.Store(0)
		b.successes.Store(0)
		b.halfOpenRequests.Store(0)
		b.mu.Lock()
		b.timeout = b.baseTimeout
		b.mu.Unlock()

	case StateOpen:
		b.failures.Store(0)
		b.successes.Store(0)

	case StateHalfOpen:
		b.halfOpenRequests.Store(0)
		b.successes.Store(0)
	}

	b.state.Store(int32(newState))
}

// Group keys breakers by instance id. A single instance's transient
// failures trip only its own breaker, not the whole pool.
type Group struct {
	maxFailures int64
	timeout     time.Duration

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewGroup creates a breaker group with shared thresholds
func NewGroup(maxFailures int64, timeout time.Duration) *Group {
	if maxFailures < 1 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Group{
		maxFailures: maxFailures,
		timeout:     timeout,
		breakers:    make(map[string]*Breaker),
	}
}

// Get returns the breaker for an instance, creating it closed
func (g *Group) Get(instanceID string) *Breaker {
	g.mu.RLock()
	b, exists := g.breakers[instanceID]
	g.mu.RUnlock()
	if exists {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, exists := g.breakers[instanceID]; exists {
		return b
	}
	b = NewBreaker(g.maxFailures, g.timeout)
	g.breakers[instanceID] = b
	return b
}

// Allow reports whether the instance's breaker admits a request
func (g *Group) Allow(instanceID string) bool {
	return g.Get(instanceID).Allow()
}

// Call runs fn under the instance's breaker
func (g *Group) Call(instanceID string, fn func() error) error {
	b := g.Get(instanceID)
	if !b.Allow() {
		return types.ErrCircuitOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// OpenCount reports how many breakers are currently open
func (g *Group) OpenCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, b := range g.breakers {
		if b.GetState() == StateOpen {
			n++
		}
	}
	return n
}
