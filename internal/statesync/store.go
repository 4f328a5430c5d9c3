package statesync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// PillarStore transports state data into a target pillar's keyspace. The
// synchronizer never interprets the payload.
type PillarStore interface {
	// WriteFull replaces the target key wholesale
	WriteFull(ctx context.Context, pillar, key string, data map[string]interface{}) error

	// WriteIncremental stages the payload for the target pillar to merge
	// itself; the payload is transported opaquely
	WriteIncremental(ctx context.Context, pillar, key string, data map[string]interface{}) error
}

// RedisPillarStore persists pillar state in Redis, one namespace per
// pillar. An unreachable Redis is reported as Unavailable, never papered
// over with a fabricated success.
type RedisPillarStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPillarStore connects to Redis. If the ping fails the store is
// created disabled and every write reports Unavailable.
func NewRedisPillarStore(addr string, ttl time.Duration) *RedisPillarStore {
	if addr == "" {
		return &RedisPillarStore{ttl: ttl}
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warnf("Redis not available, state sync disabled: %v", err)
		return &RedisPillarStore{ttl: ttl}
	}

	log.Info("Connected to Redis pillar state store")
	return &RedisPillarStore{client: client, ttl: ttl}
}

// WriteFull replaces the pillar key wholesale
func (s *RedisPillarStore) WriteFull(ctx context.Context, pillar, key string, data map[string]interface{}) error {
	return s.write(ctx, fmt.Sprintf("pillar:%s:state:%s", pillar, key), data)
}

// WriteIncremental stages the payload under an incremental key the target
// pillar merges on its own schedule
func (s *RedisPillarStore) WriteIncremental(ctx context.Context, pillar, key string, data map[string]interface{}) error {
	staged := fmt.Sprintf("pillar:%s:incoming:%s:%d", pillar, key, time.Now().UnixNano())
	return s.write(ctx, staged, data)
}

func (s *RedisPillarStore) write(ctx context.Context, key string, data map[string]interface{}) error {
	if s.client == nil {
		return types.ErrUnavailable
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode state data: %w", err)
	}

	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("write pillar state: %w", err)
	}
	return nil
}
