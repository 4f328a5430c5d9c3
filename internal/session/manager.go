package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const numShards = 32

// Clock is injected for testability
type Clock func() time.Time

// Config controls session defaults and background sweeping
type Config struct {
	DefaultTTL    time.Duration
	GracePeriod   time.Duration
	SweepInterval time.Duration
}

// Manager owns session lifecycle. Expiry is lazy-checked on read and
// finalized by a background sweeper so sessions cannot linger Active purely
// for lack of reads. Destroyed and expired ids are tombstoned for a grace
// period to reject resurrection with the same external id.
type Manager struct {
	config Config
	clock  Clock
	shards [numShards]*shard

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type shard struct {
	mu         sync.Mutex
	sessions   map[string]*types.Session
	tombstones map[string]time.Time // session id -> tombstone created
}

// CreateRequest describes a new session. An empty ID gets a generated one.
type CreateRequest struct {
	ID      string
	UserID  string
	Type    string
	Context map[string]interface{}
	TTL     time.Duration
}

// Patch is applied by Update. Nil fields are left unchanged; Context
// entries are merged into the existing context.
type Patch struct {
	Context map[string]interface{}
	UserID  string
}

// NewManager creates a session manager. A nil clock uses time.Now.
func NewManager(config Config, clock Clock) *Manager {
	if clock == nil {
		clock = time.Now
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 30 * time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}

	m := &Manager{
		config: config,
		clock:  clock,
		stopCh: make(chan struct{}),
	}
	for i := 0; i < numShards; i++ {
		m.shards[i] = &shard{
			sessions:   make(map[string]*types.Session),
			tombstones: make(map[string]time.Time),
		}
	}
	return m
}

// Create registers a new session. A live id, or a tombstoned id still in
// its grace period, is rejected with ErrAlreadyExists.
func (m *Manager) Create(req CreateRequest) (*types.Session, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.config.DefaultTTL
	}

	now := m.clock()
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; exists {
		return nil, types.ErrAlreadyExists
	}
	if buried, exists := s.tombstones[id]; exists {
		if now.Sub(buried) < m.config.GracePeriod {
			return nil, types.ErrAlreadyExists
		}
		delete(s.tombstones, id)
	}

	sess := &types.Session{
		ID:        id,
		UserID:    req.UserID,
		Type:      req.Type,
		Context:   cloneContext(req.Context),
		CreatedAt: now,
		TTL:       ttl,
		Status:    types.SessionActive,
	}
	s.sessions[id] = sess

	log.WithFields(log.Fields{
		"session": id,
		"user":    req.UserID,
		"ttl":     ttl,
	}).Debug("Session created")

	return snapshot(sess), nil
}

// Get returns a copy of the session. Reading past the TTL transitions the
// session to Expired and returns ErrSessionExpired; the context is never
// returned after logical expiry.
func (m *Manager) Get(id string) (*types.Session, error) {
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, types.ErrNotFound
	}
	if m.expireLocked(s, sess) {
		return nil, types.ErrSessionExpired
	}
	return snapshot(sess), nil
}

// Update applies a patch to a live session
func (m *Manager) Update(id string, patch Patch) (*types.Session, error) {
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return nil, types.ErrNotFound
	}
	if m.expireLocked(s, sess) {
		return nil, types.ErrSessionExpired
	}

	if patch.UserID != "" {
		sess.UserID = patch.UserID
	}
	if patch.Context != nil {
		if sess.Context == nil {
			sess.Context = make(map[string]interface{}, len(patch.Context))
		}
		for k, v := range patch.Context {
			sess.Context[k] = v
		}
	}

	return snapshot(sess), nil
}

// Destroy removes a session and tombstones its id. Idempotent in the sense
// that a second call reports ErrNotFound.
func (m *Manager) Destroy(id string) error {
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[id]; !exists {
		return types.ErrNotFound
	}
	delete(s.sessions, id)
	s.tombstones[id] = m.clock()

	log.WithField("session", id).Debug("Session destroyed")
	return nil
}

// Suspend moves an Active session to Suspended (administrative)
func (m *Manager) Suspend(id string) error {
	return m.adminTransition(id, types.SessionActive, types.SessionSuspended)
}

// Resume moves a Suspended session back to Active (administrative)
func (m *Manager) Resume(id string) error {
	return m.adminTransition(id, types.SessionSuspended, types.SessionActive)
}

// ActiveCount reports sessions currently in Active status
func (m *Manager) ActiveCount() int {
	count := 0
	for i := 0; i < numShards; i++ {
		s := m.shards[i]
		s.mu.Lock()
		for _, sess := range s.sessions {
			if sess.Status == types.SessionActive {
				count++
			}
		}
		s.mu.Unlock()
	}
	return count
}

// Start launches the expiry sweeper
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop halts the sweeper
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) adminTransition(id string, from, to types.SessionStatus) error {
	s := m.shard(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, exists := s.sessions[id]
	if !exists {
		return types.ErrNotFound
	}
	if m.expireLocked(s, sess) {
		return types.ErrSessionExpired
	}
	if sess.Status != from {
		return types.ErrWrongStatus
	}
	sess.Status = to
	return nil
}

// expireLocked transitions a session past its TTL to Expired and tombstones
// the id. The record is kept until the sweeper drops it after the grace
// period, so reads keep reporting Expired rather than NotFound. Caller
// holds the shard lock.
func (m *Manager) expireLocked(s *shard, sess *types.Session) bool {
	if sess.Status == types.SessionExpired {
		return true
	}
	if m.clock().Before(sess.ExpiresAt()) {
		return false
	}
	sess.Status = types.SessionExpired
	sess.Context = nil // never leak context past logical expiry
	s.tombstones[sess.ID] = m.clock()
	return true
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// sweep finalizes expiry for sessions past TTL and drops tombstones past
// the grace period. It returns how many sessions it transitioned to
// Expired on this pass; records already Expired are not re-counted.
func (m *Manager) sweep() int {
	now := m.clock()
	expired := 0

	for i := 0; i < numShards; i++ {
		s := m.shards[i]
		s.mu.Lock()
		for _, sess := range s.sessions {
			if sess.Status == types.SessionExpired {
				continue
			}
			if !now.Before(sess.ExpiresAt()) && m.expireLocked(s, sess) {
				expired++
			}
		}
		for id, buried := range s.tombstones {
			if now.Sub(buried) >= m.config.GracePeriod {
				delete(s.tombstones, id)
				if sess, ok := s.sessions[id]; ok && sess.Status == types.SessionExpired {
					delete(s.sessions, id)
				}
			}
		}
		s.mu.Unlock()
	}

	if expired > 0 {
		log.WithField("expired", expired).Debug("Swept expired sessions")
	}
	return expired
}

func (m *Manager) shard(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return m.shards[h.Sum32()%numShards]
}

func snapshot(sess *types.Session) *types.Session {
	out := *sess
	out.Context = cloneContext(sess.Context)
	return &out
}

func cloneContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return nil
	}
	out := make(map[string]interface{}, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
