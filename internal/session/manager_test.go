package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func newTestManager(clock *fakeClock) *Manager {
	return NewManager(Config{
		DefaultTTL:  30 * time.Minute,
		GracePeriod: time.Minute,
	}, clock.Now)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(newFakeClock())

	created, err := m.Create(CreateRequest{
		UserID:  "u1",
		Type:    "interactive",
		Context: map[string]interface{}{"tenant": "acme"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, types.SessionActive, created.Status)

	got, err := m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "acme", got.Context["tenant"])
}

func TestCreate_DuplicateIDRejected(t *testing.T) {
	m := newTestManager(newFakeClock())

	_, err := m.Create(CreateRequest{ID: "sess-1", UserID: "u1"})
	require.NoError(t, err)

	_, err = m.Create(CreateRequest{ID: "sess-1", UserID: "u2"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)
}

func TestGet_ExpiresPastTTL(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	created, err := m.Create(CreateRequest{UserID: "u1", TTL: time.Second})
	require.NoError(t, err)

	// Still live just inside the TTL
	clock.Advance(900 * time.Millisecond)
	_, err = m.Get(created.ID)
	require.NoError(t, err)

	// 1.2s after creation the read must report expiry, not absence
	clock.Advance(300 * time.Millisecond)
	_, err = m.Get(created.ID)
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	// Repeated reads keep reporting expiry until the sweeper drops it
	_, err = m.Get(created.ID)
	assert.ErrorIs(t, err, types.ErrSessionExpired)
}

func TestUpdate_MergesContext(t *testing.T) {
	m := newTestManager(newFakeClock())

	created, err := m.Create(CreateRequest{
		UserID:  "u1",
		Context: map[string]interface{}{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	updated, err := m.Update(created.ID, Patch{
		Context: map[string]interface{}{"b": 20, "c": 3},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, updated.Context["a"])
	assert.Equal(t, 20, updated.Context["b"])
	assert.Equal(t, 3, updated.Context["c"])
}

func TestUpdate_ExpiredSession(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	created, err := m.Create(CreateRequest{UserID: "u1", TTL: time.Second})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = m.Update(created.ID, Patch{Context: map[string]interface{}{"x": 1}})
	assert.ErrorIs(t, err, types.ErrSessionExpired)
}

func TestDestroy_SecondCallNotFound(t *testing.T) {
	m := newTestManager(newFakeClock())

	created, err := m.Create(CreateRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(created.ID))
	assert.ErrorIs(t, m.Destroy(created.ID), types.ErrNotFound)
}

func TestDestroy_TombstoneBlocksRecreation(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	_, err := m.Create(CreateRequest{ID: "sess-1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, m.Destroy("sess-1"))

	// Inside the grace period the id cannot be reused
	_, err = m.Create(CreateRequest{ID: "sess-1", UserID: "u2"})
	assert.ErrorIs(t, err, types.ErrAlreadyExists)

	// Past the grace period it can
	clock.Advance(2 * time.Minute)
	_, err = m.Create(CreateRequest{ID: "sess-1", UserID: "u2"})
	assert.NoError(t, err)
}

func TestSuspendResume(t *testing.T) {
	m := newTestManager(newFakeClock())

	created, err := m.Create(CreateRequest{UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, m.Suspend(created.ID))
	got, err := m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionSuspended, got.Status)

	// Suspending twice is a status conflict, not absence
	assert.ErrorIs(t, m.Suspend(created.ID), types.ErrWrongStatus)

	require.NoError(t, m.Resume(created.ID))
	got, err = m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, got.Status)

	// Resuming an already-active session is the same conflict
	assert.ErrorIs(t, m.Resume(created.ID), types.ErrWrongStatus)

	// Absence still reports NotFound
	assert.ErrorIs(t, m.Suspend("ghost"), types.ErrNotFound)
}

func TestActiveCount(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	s1, err := m.Create(CreateRequest{UserID: "u1"})
	require.NoError(t, err)
	_, err = m.Create(CreateRequest{UserID: "u2"})
	require.NoError(t, err)
	s3, err := m.Create(CreateRequest{UserID: "u3", TTL: time.Second})
	require.NoError(t, err)

	assert.Equal(t, 3, m.ActiveCount())

	require.NoError(t, m.Suspend(s1.ID))
	assert.Equal(t, 2, m.ActiveCount())

	clock.Advance(2 * time.Second)
	m.sweep()
	_ = s3
	assert.Equal(t, 1, m.ActiveCount())
}

func TestSweep_DropsExpiredAfterGrace(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	created, err := m.Create(CreateRequest{UserID: "u1", TTL: time.Second})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	m.sweep()

	_, err = m.Get(created.ID)
	assert.ErrorIs(t, err, types.ErrSessionExpired)

	clock.Advance(2 * time.Minute)
	m.sweep()

	_, err = m.Get(created.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestSweep_CountsEachExpiryOnce(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(clock)

	_, err := m.Create(CreateRequest{UserID: "u1", TTL: time.Second})
	require.NoError(t, err)
	s2, err := m.Create(CreateRequest{UserID: "u2", TTL: time.Second})
	require.NoError(t, err)
	_, err = m.Create(CreateRequest{UserID: "u3"})
	require.NoError(t, err)

	// A lazy read already expired s2; the sweep may only count s1
	clock.Advance(2 * time.Second)
	_, err = m.Get(s2.ID)
	require.ErrorIs(t, err, types.ErrSessionExpired)

	assert.Equal(t, 1, m.sweep())

	// The records linger until the grace period ends but are never
	// counted again
	assert.Equal(t, 0, m.sweep())
}

func TestSnapshot_Isolated(t *testing.T) {
	m := newTestManager(newFakeClock())

	created, err := m.Create(CreateRequest{
		UserID:  "u1",
		Context: map[string]interface{}{"key": "original"},
	})
	require.NoError(t, err)

	// Mutating a returned copy must not affect the stored session
	created.Context["key"] = "mutated"

	got, err := m.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Context["key"])
}
