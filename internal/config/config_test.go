package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	cfg := Load()

	if cfg.Server.HTTPPort != "8090" {
		t.Errorf("http port = %s, want 8090", cfg.Server.HTTPPort)
	}
	if cfg.Server.AdminPort != "8091" {
		t.Errorf("admin port = %s, want 8091", cfg.Server.AdminPort)
	}
	if cfg.RateLimit.DefaultCapacity != 60 {
		t.Errorf("rate limit capacity = %d, want 60", cfg.RateLimit.DefaultCapacity)
	}
	if cfg.RateLimit.DefaultWindow != time.Minute {
		t.Errorf("rate limit window = %v, want 1m", cfg.RateLimit.DefaultWindow)
	}
	if cfg.RateLimit.RefundOnCancel {
		t.Error("refund_on_cancel should default off")
	}
	if cfg.Session.DefaultTTL != 30*time.Minute {
		t.Errorf("session ttl = %v, want 30m", cfg.Session.DefaultTTL)
	}
	if cfg.Sync.Workers != 4 {
		t.Errorf("sync workers = %d, want 4", cfg.Sync.Workers)
	}
	if cfg.Circuit.MaxFailures != 5 {
		t.Errorf("circuit max failures = %d, want 5", cfg.Circuit.MaxFailures)
	}
	if cfg.Gateway.DefaultStrategy != "round_robin" {
		t.Errorf("default strategy = %s, want round_robin", cfg.Gateway.DefaultStrategy)
	}
	if cfg.Analytics.RingCapacity != 65536 {
		t.Errorf("ring capacity = %d, want 65536", cfg.Analytics.RingCapacity)
	}
}

func TestLoad_SyncDefaults(t *testing.T) {
	viper.Reset()

	cfg := Load()
	if cfg.Sync.RedisAddr != "localhost:6379" {
		t.Errorf("redis addr = %s, want localhost:6379", cfg.Sync.RedisAddr)
	}
	if cfg.Sync.StateTTL != 24*time.Hour {
		t.Errorf("state ttl = %v, want 24h", cfg.Sync.StateTTL)
	}
}
