package types

import (
	"fmt"
)

// Common errors returned by traffic core operations. Callers are expected
// to match these with errors.Is; operations never panic for control flow.
var (
	ErrNotFound       = fmt.Errorf("not found")
	ErrAlreadyExists  = fmt.Errorf("already exists")
	ErrUnavailable    = fmt.Errorf("no instances available")
	ErrRateLimited    = fmt.Errorf("rate limit exceeded")
	ErrSessionExpired = fmt.Errorf("session expired")
	ErrWrongStatus    = fmt.Errorf("session not in required status")
	ErrSyncFailed     = fmt.Errorf("state sync failed")
	ErrCircuitOpen    = fmt.Errorf("circuit breaker open")
	ErrTimeout        = fmt.Errorf("downstream timeout")
)

// InvariantError reports a corrupted internal invariant. It is logged and
// isolated to the offending key rather than crashing the process.
type InvariantError struct {
	Key     string
	Message string
}

func (e InvariantError) Error() string {
	return fmt.Sprintf("invariant violation on %s: %s", e.Key, e.Message)
}
