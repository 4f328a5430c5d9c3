package gateway

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/analytics"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/balancer"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/circuit"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/metrics"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/ratelimit"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/registry"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/session"
	"github.com/Aaron-Lilly/symphainy-production-sub027/internal/statesync"
	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

// Options tunes router behavior
type Options struct {
	ForwardTimeout   time.Duration
	CandidateRetries int // instances tried when breakers are open
	DefaultStrategy  types.Strategy
	RefundOnCancel   bool
}

// TrafficCore owns every per-key map of the traffic management subsystem
// and is passed by reference to every operation; there is no package-level
// state.
type TrafficCore struct {
	Registry  *registry.Registry
	Balancer  *balancer.Balancer
	Limiter   *ratelimit.FixedWindowLimiter
	Sessions  *session.Manager
	Sync      *statesync.Synchronizer
	Breakers  *circuit.Group
	Analytics *analytics.Collector
	Transport Transport
	Metrics   *metrics.Metrics

	opts Options

	mu     sync.RWMutex
	routes []types.Route // longest-prefix order
}

// NewTrafficCore wires the core. All collaborators must be non-nil except
// Metrics, which may be omitted in tests.
func NewTrafficCore(
	reg *registry.Registry,
	bal *balancer.Balancer,
	limiter *ratelimit.FixedWindowLimiter,
	sessions *session.Manager,
	sync *statesync.Synchronizer,
	breakers *circuit.Group,
	collector *analytics.Collector,
	transport Transport,
	m *metrics.Metrics,
	opts Options,
) *TrafficCore {
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 5 * time.Second
	}
	if opts.CandidateRetries <= 0 {
		opts.CandidateRetries = 3
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = types.StrategyRoundRobin
	}

	return &TrafficCore{
		Registry:  reg,
		Balancer:  bal,
		Limiter:   limiter,
		Sessions:  sessions,
		Sync:      sync,
		Breakers:  breakers,
		Analytics: collector,
		Transport: transport,
		Metrics:   m,
		opts:      opts,
	}
}

// AddRoute installs a routing rule. Routes are matched exact-first, then by
// longest prefix.
func (c *TrafficCore) AddRoute(route types.Route) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.routes {
		if r.Prefix == route.Prefix {
			c.routes[i] = route
			return
		}
	}
	c.routes = append(c.routes, route)
	sort.Slice(c.routes, func(i, j int) bool {
		return len(c.routes[i].Prefix) > len(c.routes[j].Prefix)
	})
}

// RemoveRoute drops a routing rule
func (c *TrafficCore) RemoveRoute(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.routes[:0]
	for _, r := range c.routes {
		if r.Prefix != prefix {
			kept = append(kept, r)
		}
	}
	c.routes = kept
}

// Routes returns the routing table for introspection
func (c *TrafficCore) Routes() []types.Route {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.Route, len(c.routes))
	copy(out, c.routes)
	return out
}

// resolve maps a path to its route, exact match first then longest prefix
func (c *TrafficCore) resolve(path string) (types.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.routes {
		if r.Prefix == path {
			return r, true
		}
	}
	for _, r := range c.routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return types.Route{}, false
}

// ServiceHealth reports pool size, healthy count and recent error rate for
// one service, all derived from core-owned state
func (c *TrafficCore) ServiceHealth(serviceName string) analytics.ServiceHealth {
	total := len(c.Registry.Instances(serviceName))
	healthy := len(c.Registry.Healthy(serviceName))
	return c.Analytics.Health(serviceName, total, healthy)
}

// Start launches the background tasks owned by the core's collaborators
func (c *TrafficCore) Start(ctx context.Context) {
	c.Limiter.Start(ctx)
	c.Sessions.Start(ctx)
	c.Sync.Start(ctx)
}

// Stop winds the background tasks down
func (c *TrafficCore) Stop() {
	c.Limiter.Stop()
	c.Sessions.Stop()
	c.Sync.Stop()
}
