package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCheck_WindowExhaustionAndRoll(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{}, clock.Now)

	req := types.RateLimitRequest{
		LimitType: types.LimitPerUser,
		UserID:    "u1",
		Capacity:  5,
		Window:    60 * time.Second,
	}

	for i := 0; i < 5; i++ {
		d := fl.Check(req)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := int64(4 - i); d.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d := fl.Check(req)
	if d.Allowed {
		t.Fatal("6th request in window should be rejected")
	}
	if d.Remaining != 0 {
		t.Fatalf("rejected decision remaining = %d, want 0", d.Remaining)
	}
	if want := clock.Now().Add(60 * time.Second); !d.ResetTime.Equal(want) {
		t.Fatalf("reset time = %v, want %v", d.ResetTime, want)
	}

	// Roll past the window boundary, admission resumes
	clock.Advance(61 * time.Second)
	d = fl.Check(req)
	if !d.Allowed {
		t.Fatal("request after window roll should be allowed")
	}
	if d.Remaining != 4 {
		t.Fatalf("post-roll remaining = %d, want 4", d.Remaining)
	}
}

func TestCheck_ScopesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{}, clock.Now)

	base := types.RateLimitRequest{Capacity: 1, Window: time.Minute}

	u1 := base
	u1.LimitType = types.LimitPerUser
	u1.UserID = "u1"
	u2 := base
	u2.LimitType = types.LimitPerUser
	u2.UserID = "u2"

	if !fl.Check(u1).Allowed {
		t.Fatal("u1 first request should pass")
	}
	if fl.Check(u1).Allowed {
		t.Fatal("u1 second request should be rejected")
	}
	if !fl.Check(u2).Allowed {
		t.Fatal("u2 must not be affected by u1's bucket")
	}
}

func TestCheck_ConcurrentNeverOverAdmits(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{}, clock.Now)

	req := types.RateLimitRequest{
		LimitType: types.LimitPerUser,
		UserID:    "burst",
		Capacity:  50,
		Window:    time.Minute,
	}

	const workers = 20
	const perWorker = 10

	var allowed int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := int64(0)
			for i := 0; i < perWorker; i++ {
				if fl.Check(req).Allowed {
					local++
				}
			}
			mu.Lock()
			allowed += local
			mu.Unlock()
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("admitted %d of 200 concurrent requests, want exactly 50", allowed)
	}
}

func TestRefund_ReturnsSlot(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{}, clock.Now)

	req := types.RateLimitRequest{
		LimitType: types.LimitPerUser,
		UserID:    "u1",
		Capacity:  1,
		Window:    time.Minute,
	}

	if !fl.Check(req).Allowed {
		t.Fatal("first request should be allowed")
	}
	if fl.Check(req).Allowed {
		t.Fatal("bucket should be exhausted")
	}

	fl.Refund(req)
	if !fl.Check(req).Allowed {
		t.Fatal("refunded slot should admit another request")
	}
}

func TestRefund_UnknownKeyIsNoop(t *testing.T) {
	fl := New(Config{}, newFakeClock().Now)
	fl.Refund(types.RateLimitRequest{LimitType: types.LimitPerUser, UserID: "ghost"})
}

func TestReset_ClearsBucket(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{}, clock.Now)

	req := types.RateLimitRequest{
		LimitType: types.LimitPerUser,
		UserID:    "u1",
		Capacity:  2,
		Window:    time.Minute,
	}
	fl.Check(req)
	fl.Check(req)
	if fl.Check(req).Allowed {
		t.Fatal("bucket should be exhausted before reset")
	}

	fl.Reset("u1", "")
	d := fl.Check(req)
	if !d.Allowed || d.Remaining != 1 {
		t.Fatalf("after reset: allowed=%v remaining=%d, want fresh bucket", d.Allowed, d.Remaining)
	}
}

func TestReset_PerEndpointScope(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{}, clock.Now)

	req := types.RateLimitRequest{
		LimitType:   types.LimitPerAPI,
		UserID:      "u1",
		APIEndpoint: "/api/v1/insights",
		Capacity:    1,
		Window:      time.Minute,
	}
	fl.Check(req)
	if fl.Check(req).Allowed {
		t.Fatal("endpoint bucket should be exhausted")
	}

	fl.Reset("u1", "/api/v1/insights")
	if !fl.Check(req).Allowed {
		t.Fatal("per-endpoint reset should clear the bucket")
	}
}

func TestScopeKey_Formats(t *testing.T) {
	cases := []struct {
		req  types.RateLimitRequest
		want string
	}{
		{types.RateLimitRequest{LimitType: types.LimitPerUser, UserID: "u1"}, "rate:user:u1"},
		{types.RateLimitRequest{LimitType: types.LimitPerAPI, UserID: "u1", APIEndpoint: "/api/x"}, "rate:api:u1:/api/x"},
		{types.RateLimitRequest{LimitType: types.LimitPerIP, IPAddress: "10.0.0.9"}, "rate:ip:10.0.0.9"},
		{types.RateLimitRequest{LimitType: types.LimitGlobal}, "rate:global"},
	}
	for _, tc := range cases {
		if got := ScopeKey(tc.req); got != tc.want {
			t.Errorf("ScopeKey(%v) = %q, want %q", tc.req.LimitType, got, tc.want)
		}
	}
}

func TestSweep_EvictsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{IdleTTL: time.Minute}, clock.Now)

	req := types.RateLimitRequest{LimitType: types.LimitPerUser, UserID: "idle", Capacity: 1, Window: time.Second}
	fl.Check(req)
	if fl.Check(req).Allowed {
		t.Fatal("bucket should be exhausted")
	}

	clock.Advance(2 * time.Minute)
	fl.sweep()

	// Evicted bucket recreates fresh on next access
	if !fl.Check(req).Allowed {
		t.Fatal("evicted key should admit again on recreation")
	}
}

func TestCheck_DefaultsApplied(t *testing.T) {
	clock := newFakeClock()
	fl := New(Config{DefaultCapacity: 2, DefaultWindow: time.Minute}, clock.Now)

	req := types.RateLimitRequest{LimitType: types.LimitPerUser, UserID: "u1"}
	fl.Check(req)
	fl.Check(req)
	if fl.Check(req).Allowed {
		t.Fatal("default capacity of 2 should reject the 3rd request")
	}
}
