package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	log "github.com/sirupsen/logrus"
)

const numShards = 32 // Number of shards for the bucket map

// Clock is injected for testability; production uses time.Now
type Clock func() time.Time

// Config controls limiter defaults and bucket garbage collection
type Config struct {
	DefaultCapacity int64
	DefaultWindow   time.Duration
	IdleTTL         time.Duration
	SweepInterval   time.Duration
}

// FixedWindowLimiter implements per-scope fixed-window admission control.
// Buckets are sharded so unrelated keys never contend; the
// increment-and-compare for one key is serialized by its bucket mutex.
type FixedWindowLimiter struct {
	config Config
	clock  Clock
	shards [numShards]*shard

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type shard struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

type bucket struct {
	mu          sync.Mutex
	capacity    int64
	window      time.Duration
	count       int64
	windowStart time.Time
	lastAccess  time.Time
}

// New creates a fixed-window limiter. A nil clock uses time.Now.
func New(config Config, clock Clock) *FixedWindowLimiter {
	if clock == nil {
		clock = time.Now
	}
	if config.DefaultCapacity <= 0 {
		config.DefaultCapacity = 60
	}
	if config.DefaultWindow <= 0 {
		config.DefaultWindow = time.Minute
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}

	fl := &FixedWindowLimiter{
		config: config,
		clock:  clock,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numShards; i++ {
		fl.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return fl
}

// Check admits or rejects one request for the scope described by req.
// Admission decisions for the same key are serialized: no two concurrent
// requests can both take the last slot.
func (fl *FixedWindowLimiter) Check(req types.RateLimitRequest) types.RateDecision {
	capacity := req.Capacity
	if capacity <= 0 {
		capacity = fl.config.DefaultCapacity
	}
	window := req.Window
	if window <= 0 {
		window = fl.config.DefaultWindow
	}

	key := ScopeKey(req)
	bk := fl.getBucket(key, capacity, window)

	now := fl.clock()

	bk.mu.Lock()
	defer bk.mu.Unlock()

	bk.lastAccess = now

	// Roll the window forward monotonically
	if now.Sub(bk.windowStart) >= bk.window {
		bk.count = 0
		bk.windowStart = now
	}

	reset := bk.windowStart.Add(bk.window)

	if bk.count < bk.capacity {
		bk.count++
		return types.RateDecision{
			Allowed:   true,
			Remaining: bk.capacity - bk.count,
			ResetTime: reset,
		}
	}

	return types.RateDecision{
		Allowed:   false,
		Remaining: 0,
		ResetTime: reset,
	}
}

// Refund returns one admission slot to the scope, used when a client
// cancels after consuming a token and refund_on_cancel is enabled.
func (fl *FixedWindowLimiter) Refund(req types.RateLimitRequest) {
	key := ScopeKey(req)
	s := fl.shard(key)

	s.mu.RLock()
	bk, exists := s.buckets[key]
	s.mu.RUnlock()
	if !exists {
		return
	}

	bk.mu.Lock()
	if bk.count > 0 {
		bk.count--
	}
	bk.mu.Unlock()
}

// Reset clears the bucket for a user (or user+endpoint) immediately,
// bypassing window semantics. Administrative override.
func (fl *FixedWindowLimiter) Reset(userID, apiEndpoint string) {
	req := types.RateLimitRequest{LimitType: types.LimitPerUser, UserID: userID}
	if apiEndpoint != "" {
		req = types.RateLimitRequest{LimitType: types.LimitPerAPI, UserID: userID, APIEndpoint: apiEndpoint}
	}

	key := ScopeKey(req)
	s := fl.shard(key)

	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()

	log.WithField("key", key).Info("Rate limit reset")
}

// Start launches the idle-bucket sweeper
func (fl *FixedWindowLimiter) Start(ctx context.Context) {
	fl.wg.Add(1)
	go fl.sweepLoop(ctx)
}

// Stop halts the sweeper
func (fl *FixedWindowLimiter) Stop() {
	fl.once.Do(func() { close(fl.stopCh) })
	fl.wg.Wait()
}

// ScopeKey builds the composite bucket key for a request
func ScopeKey(req types.RateLimitRequest) string {
	switch req.LimitType {
	case types.LimitPerAPI:
		return "rate:api:" + req.UserID + ":" + req.APIEndpoint
	case types.LimitPerIP:
		return "rate:ip:" + req.IPAddress
	case types.LimitGlobal:
		return "rate:global"
	default:
		return "rate:user:" + req.UserID
	}
}

func (fl *FixedWindowLimiter) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return fl.shards[h.Sum32()%numShards]
}

func (fl *FixedWindowLimiter) getBucket(key string, capacity int64, window time.Duration) *bucket {
	s := fl.shard(key)

	s.mu.RLock()
	bk, exists := s.buckets[key]
	s.mu.RUnlock()
	if exists {
		return bk
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Double check after acquiring write lock
	if bk, exists := s.buckets[key]; exists {
		return bk
	}

	bk = &bucket{
		capacity:    capacity,
		window:      window,
		windowStart: fl.clock(),
	}
	s.buckets[key] = bk
	return bk
}

// sweepLoop evicts buckets idle for longer than IdleTTL to bound memory.
// Evicting a bucket mid-request is safe: the next access recreates it with
// a zero count, trading a missed window reset for never leaving a key
// stuck exhausted.
func (fl *FixedWindowLimiter) sweepLoop(ctx context.Context) {
	defer fl.wg.Done()

	ticker := time.NewTicker(fl.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fl.sweep()
		case <-ctx.Done():
			return
		case <-fl.stopCh:
			return
		}
	}
}

func (fl *FixedWindowLimiter) sweep() {
	now := fl.clock()
	evicted := 0

	for i := 0; i < numShards; i++ {
		s := fl.shards[i]
		s.mu.Lock()
		for key, bk := range s.buckets {
			bk.mu.Lock()
			idle := now.Sub(bk.lastAccess) >= fl.config.IdleTTL
			bk.mu.Unlock()
			if idle {
				delete(s.buckets, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		log.WithField("evicted", evicted).Debug("Swept idle rate limit buckets")
	}
}
