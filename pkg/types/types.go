package types

import (
	"time"
)

// ServiceInstance represents a registered backend instance
type ServiceInstance struct {
	ID             string            `json:"id"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Weight         int               `json:"weight"`
	HealthCheckURL string            `json:"health_check_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	// Mutated by the registry and health prober only
	Healthy     bool      `json:"healthy"`
	LastSeen    time.Time `json:"last_seen"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Strategy selects how the balancer picks an instance from a pool
type Strategy string

const (
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyHealthBased      Strategy = "health_based"
	StrategyRandom           Strategy = "random"
)

// RateLimitType scopes a rate limit bucket
type RateLimitType string

const (
	LimitPerUser RateLimitType = "per_user"
	LimitPerAPI  RateLimitType = "per_api"
	LimitPerIP   RateLimitType = "per_ip"
	LimitGlobal  RateLimitType = "global"
)

// RateLimitRequest identifies the scope being checked
type RateLimitRequest struct {
	LimitType   RateLimitType `json:"limit_type"`
	UserID      string        `json:"user_id,omitempty"`
	APIEndpoint string        `json:"api_endpoint,omitempty"`
	IPAddress   string        `json:"ip_address,omitempty"`
	Capacity    int64         `json:"requests_per_window"`
	Window      time.Duration `json:"window"`
}

// RateDecision is the admission result for one request
type RateDecision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionInactive  SessionStatus = "inactive"
	SessionExpired   SessionStatus = "expired"
	SessionSuspended SessionStatus = "suspended"
)

// Session is an owned copy of session state; the manager never hands out
// its internal record
type Session struct {
	ID        string                 `json:"session_id"`
	UserID    string                 `json:"user_id,omitempty"`
	Type      string                 `json:"session_type"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	TTL       time.Duration          `json:"ttl"`
	Status    SessionStatus          `json:"status"`
}

// ExpiresAt is the instant the session logically expires
func (s *Session) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.TTL)
}

// SyncStatus tracks a state sync job; transitions are strictly forward
type SyncStatus int32

const (
	SyncPending SyncStatus = iota
	SyncInProgress
	SyncCompleted
	SyncFailed
)

func (s SyncStatus) String() string {
	switch s {
	case SyncPending:
		return "pending"
	case SyncInProgress:
		return "in_progress"
	case SyncCompleted:
		return "completed"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible
func (s SyncStatus) Terminal() bool {
	return s == SyncCompleted || s == SyncFailed
}

// SyncType determines how the target interprets propagated state
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// StateSyncRequest describes one propagation of named state between pillars
type StateSyncRequest struct {
	Key          string                 `json:"key"`
	SourcePillar string                 `json:"source_pillar"`
	TargetPillar string                 `json:"target_pillar"`
	StateData    map[string]interface{} `json:"state_data"`
	SyncType     SyncType               `json:"sync_type"`
	Priority     int                    `json:"priority"`
}

// APIRequest is the language-agnostic inbound request record
type APIRequest struct {
	Method      string            `json:"method"`
	Path        string            `json:"path"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	SourceIP    string            `json:"source_ip,omitempty"`
}

// APIResponse wraps the downstream result
type APIResponse struct {
	StatusCode     int                    `json:"status_code"`
	Headers        map[string]string      `json:"headers,omitempty"`
	Body           []byte                 `json:"body,omitempty"`
	Instance       string                 `json:"instance,omitempty"`
	Degraded       bool                   `json:"degraded,omitempty"`
	SessionContext map[string]interface{} `json:"session_context,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`

	// Populated on rate-limit rejection so callers can back off
	Remaining int64     `json:"remaining,omitempty"`
	ResetTime time.Time `json:"reset_time,omitempty"`
}

// Route maps a path prefix to a logical service
type Route struct {
	Prefix   string   `json:"prefix"`
	Service  string   `json:"service"`
	Strategy Strategy `json:"strategy,omitempty"`
}

// TrafficRecord is one observed request in the analytics window
type TrafficRecord struct {
	Timestamp  time.Time     `json:"timestamp"`
	Service    string        `json:"service"`
	Endpoint   string        `json:"endpoint"`
	UserID     string        `json:"user_id,omitempty"`
	StatusCode int           `json:"status_code"`
	Latency    time.Duration `json:"latency"`
}
