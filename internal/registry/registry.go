package registry

import (
	"context"
	"sync"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	log "github.com/sirupsen/logrus"
)

// Registry tracks service instances per logical service name. A pool is
// created lazily on first registration and lives for the process lifetime.
// The health prober flips the Healthy flag, it never removes instances.
type Registry struct {
	mu       sync.RWMutex
	pools    map[string]*pool
	watchers map[string][]chan []*types.ServiceInstance
	closed   bool
}

// pool holds the instances for one service name in insertion order
type pool struct {
	mu        sync.RWMutex
	instances []*types.ServiceInstance
	index     map[string]int // instance id -> position
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		pools:    make(map[string]*pool),
		watchers: make(map[string][]chan []*types.ServiceInstance),
	}
}

// Register adds an instance to the service pool. Duplicate ids are rejected
// with ErrAlreadyExists.
func (r *Registry) Register(serviceName string, instance *types.ServiceInstance) error {
	if instance.Weight < 1 {
		instance.Weight = 1
	}

	p := r.getOrCreatePool(serviceName)

	p.mu.Lock()
	if _, exists := p.index[instance.ID]; exists {
		p.mu.Unlock()
		return types.ErrAlreadyExists
	}
	// The pool keeps its own copy so the caller's struct can never be
	// written while a snapshot holder reads it
	stored := *instance
	stored.Healthy = true
	stored.LastSeen = time.Now()
	p.index[stored.ID] = len(p.instances)
	p.instances = append(p.instances, &stored)
	p.mu.Unlock()

	r.notifyWatchers(serviceName)

	log.WithFields(log.Fields{
		"service":  serviceName,
		"instance": instance.ID,
		"host":     instance.Host,
		"port":     instance.Port,
		"weight":   instance.Weight,
	}).Info("Instance registered")

	return nil
}

// Deregister removes an instance from the pool
func (r *Registry) Deregister(serviceName, instanceID string) error {
	r.mu.RLock()
	p, exists := r.pools[serviceName]
	r.mu.RUnlock()
	if !exists {
		return types.ErrNotFound
	}

	p.mu.Lock()
	pos, exists := p.index[instanceID]
	if !exists {
		p.mu.Unlock()
		return types.ErrNotFound
	}
	p.instances = append(p.instances[:pos], p.instances[pos+1:]...)
	delete(p.index, instanceID)
	for i := pos; i < len(p.instances); i++ {
		p.index[p.instances[i].ID] = i
	}
	p.mu.Unlock()

	r.notifyWatchers(serviceName)

	log.WithFields(log.Fields{
		"service":  serviceName,
		"instance": instanceID,
	}).Info("Instance deregistered")

	return nil
}

// UpdateHealth flips the health flag for an instance. Failures also stamp
// LastFailure so a degraded selection can offer the least-recently-failed
// instance.
func (r *Registry) UpdateHealth(serviceName, instanceID string, healthy bool) error {
	r.mu.RLock()
	p, exists := r.pools[serviceName]
	r.mu.RUnlock()
	if !exists {
		return types.ErrNotFound
	}

	p.mu.Lock()
	pos, exists := p.index[instanceID]
	if !exists {
		p.mu.Unlock()
		return types.ErrNotFound
	}
	inst := p.instances[pos]
	changed := inst.Healthy != healthy
	inst.Healthy = healthy
	inst.LastSeen = time.Now()
	if !healthy {
		inst.LastFailure = time.Now()
	}
	p.mu.Unlock()

	if changed {
		r.notifyWatchers(serviceName)
		log.WithFields(log.Fields{
			"service":  serviceName,
			"instance": instanceID,
			"healthy":  healthy,
		}).Debug("Instance health updated")
	}

	return nil
}

// RecordFailure stamps a failure time without changing the health flag.
// The balancer uses it for least-recently-failed ordering.
func (r *Registry) RecordFailure(serviceName, instanceID string) {
	r.mu.RLock()
	p, exists := r.pools[serviceName]
	r.mu.RUnlock()
	if !exists {
		return
	}

	p.mu.Lock()
	if pos, ok := p.index[instanceID]; ok {
		p.instances[pos].LastFailure = time.Now()
	}
	p.mu.Unlock()
}

// Instances returns a snapshot of all instances in insertion order. Each
// entry is a copy: later health or failure writes never show through, and
// snapshot holders never race the prober.
func (r *Registry) Instances(serviceName string) []*types.ServiceInstance {
	r.mu.RLock()
	p, exists := r.pools[serviceName]
	r.mu.RUnlock()
	if !exists {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.ServiceInstance, len(p.instances))
	for i, inst := range p.instances {
		c := *inst
		out[i] = &c
	}
	return out
}

// Healthy returns a snapshot of healthy instances in insertion order.
// Entries are copies, same as Instances.
func (r *Registry) Healthy(serviceName string) []*types.ServiceInstance {
	r.mu.RLock()
	p, exists := r.pools[serviceName]
	r.mu.RUnlock()
	if !exists {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.ServiceInstance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.Healthy {
			c := *inst
			out = append(out, &c)
		}
	}
	return out
}

// Services returns the known service names
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// Watch streams pool snapshots on every registration, deregistration or
// health change until the context is cancelled
func (r *Registry) Watch(ctx context.Context, serviceName string) <-chan []*types.ServiceInstance {
	ch := make(chan []*types.ServiceInstance, 10)

	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	// Send initial state
	select {
	case ch <- r.Instances(serviceName):
	default:
	}

	go func() {
		<-ctx.Done()
		r.removeWatcher(serviceName, ch)
		close(ch)
	}()

	return ch
}

func (r *Registry) getOrCreatePool(serviceName string) *pool {
	r.mu.RLock()
	p, exists := r.pools[serviceName]
	r.mu.RUnlock()
	if exists {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, exists := r.pools[serviceName]; exists {
		return p
	}
	p = &pool{index: make(map[string]int)}
	r.pools[serviceName] = p
	return p
}

func (r *Registry) notifyWatchers(serviceName string) {
	snapshot := r.Instances(serviceName)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.watchers[serviceName] {
		select {
		case ch <- snapshot:
		default:
			// Watcher is slow, skip
		}
	}
}

func (r *Registry) removeWatcher(serviceName string, ch chan []*types.ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := r.watchers[serviceName]
	kept := watchers[:0]
	for _, w := range watchers {
		if w != ch {
			kept = append(kept, w)
		}
	}
	r.watchers[serviceName] = kept
}
