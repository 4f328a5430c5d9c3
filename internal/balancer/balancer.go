package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/registry"
	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	log "github.com/sirupsen/logrus"
)

// Balancer selects instances from registry pools. Per-pool cursors and
// connection counters live here, keyed by service name, so selection is
// deterministic given the same pool state and cursor.
type Balancer struct {
	registry *registry.Registry

	mu       sync.Mutex
	cursors  map[string]*uint64       // service -> round-robin cursor
	conns    map[string]*atomic.Int64 // instance id -> open connections
}

// Selection is the result of a pick. Release must be called exactly once
// when the forwarded call completes; it is safe on all strategies and
// idempotent.
type Selection struct {
	Instance *types.ServiceInstance
	Strategy types.Strategy

	// Degraded is set when no healthy instance existed and a best-effort
	// instance is offered; callers decide whether to use it.
	Degraded bool

	released atomic.Bool
	release  func()
}

// Release returns the selection's connection reservation. Calling it more
// than once is a no-op.
func (s *Selection) Release() {
	if s == nil || s.release == nil {
		return
	}
	if s.released.CompareAndSwap(false, true) {
		s.release()
	}
}

// New creates a balancer over the given registry
func New(reg *registry.Registry) *Balancer {
	return &Balancer{
		registry: reg,
		cursors:  make(map[string]*uint64),
		conns:    make(map[string]*atomic.Int64),
	}
}

// Select picks an instance for the service using the given strategy.
// An empty pool returns ErrUnavailable. A non-empty pool with no healthy
// instances returns a degraded selection carrying the least-recently-failed
// instance, except health_based which falls back to round robin over all
// instances.
func (b *Balancer) Select(serviceName string, strategy types.Strategy) (*Selection, error) {
	all := b.registry.Instances(serviceName)
	if len(all) == 0 {
		return nil, types.ErrUnavailable
	}

	healthy := make([]*types.ServiceInstance, 0, len(all))
	for _, inst := range all {
		if inst.Healthy {
			healthy = append(healthy, inst)
		}
	}

	if len(healthy) == 0 {
		return b.selectDegraded(serviceName, all, strategy)
	}

	var chosen *types.ServiceInstance
	switch strategy {
	case types.StrategyLeastConnections:
		chosen = b.leastConnections(healthy)
	case types.StrategyWeighted:
		chosen = b.weighted(healthy)
	case types.StrategyRandom:
		chosen = healthy[rand.Intn(len(healthy))]
	case types.StrategyHealthBased:
		// Healthy set is non-empty, behaves as round robin over it
		chosen = b.roundRobin(serviceName, healthy)
	default: // round_robin
		chosen = b.roundRobin(serviceName, healthy)
	}

	sel := &Selection{Instance: chosen, Strategy: strategy}
	if strategy == types.StrategyLeastConnections {
		counter := b.counter(chosen.ID)
		counter.Add(1)
		id := chosen.ID
		sel.release = func() { b.releaseConn(id, counter) }
	}
	return sel, nil
}

// OpenConnections reports the current reservation count for an instance
func (b *Balancer) OpenConnections(instanceID string) int64 {
	b.mu.Lock()
	counter, exists := b.conns[instanceID]
	b.mu.Unlock()
	if !exists {
		return 0
	}
	return counter.Load()
}

func (b *Balancer) selectDegraded(serviceName string, all []*types.ServiceInstance, strategy types.Strategy) (*Selection, error) {
	var chosen *types.ServiceInstance

	if strategy == types.StrategyHealthBased {
		// Fall back to round robin over the full pool
		chosen = b.roundRobin(serviceName, all)
	} else {
		// Offer the least-recently-failed instance
		chosen = all[0]
		for _, inst := range all[1:] {
			if inst.LastFailure.Before(chosen.LastFailure) {
				chosen = inst
			}
		}
	}

	log.WithFields(log.Fields{
		"service":  serviceName,
		"instance": chosen.ID,
		"strategy": strategy,
	}).Warn("No healthy instances, degraded selection")

	return &Selection{Instance: chosen, Strategy: strategy, Degraded: true}, nil
}

func (b *Balancer) roundRobin(serviceName string, candidates []*types.ServiceInstance) *types.ServiceInstance {
	b.mu.Lock()
	cursor, exists := b.cursors[serviceName]
	if !exists {
		var c uint64
		cursor = &c
		b.cursors[serviceName] = cursor
	}
	b.mu.Unlock()

	index := (atomic.AddUint64(cursor, 1) - 1) % uint64(len(candidates))
	return candidates[index]
}

func (b *Balancer) leastConnections(candidates []*types.ServiceInstance) *types.ServiceInstance {
	chosen := candidates[0]
	min := b.counter(chosen.ID).Load()
	for _, inst := range candidates[1:] {
		if n := b.counter(inst.ID).Load(); n < min {
			min = n
			chosen = inst
		}
	}
	return chosen
}

func (b *Balancer) weighted(candidates []*types.ServiceInstance) *types.ServiceInstance {
	total := int64(0)
	for _, inst := range candidates {
		total += int64(inst.Weight)
	}
	if total <= 0 {
		return candidates[0]
	}

	draw := rand.Int63n(total)
	cumulative := int64(0)
	for _, inst := range candidates {
		cumulative += int64(inst.Weight)
		if draw < cumulative {
			return inst
		}
	}
	return candidates[len(candidates)-1]
}

func (b *Balancer) counter(instanceID string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	counter, exists := b.conns[instanceID]
	if !exists {
		counter = &atomic.Int64{}
		b.conns[instanceID] = counter
	}
	return counter
}

func (b *Balancer) releaseConn(instanceID string, counter *atomic.Int64) {
	if n := counter.Add(-1); n < 0 {
		// Corrupted counter, clamp and isolate to this key
		counter.Store(0)
		log.WithError(types.InvariantError{
			Key:     instanceID,
			Message: "negative connection counter",
		}).Error("Connection accounting corrupted")
	}
}
