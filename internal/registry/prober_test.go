package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
)

func TestProber_FlipsHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New()
	r.Register("insights", &types.ServiceInstance{
		ID:             "a",
		Host:           "127.0.0.1",
		Port:           1,
		HealthCheckURL: srv.URL + "/health",
	})

	p := NewProber(r, ProberConfig{Interval: 10 * time.Millisecond, Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	waitHealth := func(want bool) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			insts := r.Instances("insights")
			if len(insts) == 1 && insts[0].Healthy == want {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatalf("instance never reached healthy=%v", want)
	}

	waitHealth(true)

	healthy.Store(false)
	waitHealth(false)

	healthy.Store(true)
	waitHealth(true)
}

func TestProber_UnreachableEndpoint(t *testing.T) {
	r := New()
	r.Register("insights", &types.ServiceInstance{
		ID:             "a",
		Host:           "127.0.0.1",
		Port:           1,
		HealthCheckURL: "http://127.0.0.1:1/health", // nothing listens here
	})

	p := NewProber(r, ProberConfig{Interval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.Instances("insights")[0].Healthy {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("unreachable instance should be marked unhealthy")
}

func TestProber_SkipsInstancesWithoutURL(t *testing.T) {
	r := New()
	r.Register("insights", &types.ServiceInstance{ID: "a", Host: "h", Port: 1})

	p := NewProber(r, ProberConfig{Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	p.Stop()

	if !r.Instances("insights")[0].Healthy {
		t.Fatal("instances without a health URL stay healthy")
	}
}

func TestProber_DoubleStartRejected(t *testing.T) {
	p := NewProber(New(), ProberConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	if err := p.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
}
