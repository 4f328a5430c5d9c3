package statesync

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Aaron-Lilly/symphainy-production-sub027/pkg/types"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Config controls the synchronizer worker pool
type Config struct {
	Workers      int
	QueueDepth   int
	WriteTimeout time.Duration

	// OnSettled, when set, is called once per job with its terminal status
	OnSettled func(types.SyncStatus)
}

// Job is one tracked propagation of named state between pillars. Status
// transitions are strictly forward: Pending -> InProgress -> one terminal
// state, enforced by compare-and-swap so a concurrent reader never observes
// a backward move.
type Job struct {
	SyncID       string
	Key          string
	SourcePillar string
	TargetPillar string
	StateData    map[string]interface{}
	SyncType     types.SyncType
	Priority     int
	CreatedAt    time.Time

	status atomic.Int32
	err    atomic.Value // error string, set at most once
}

// Status returns the job's current status
func (j *Job) Status() types.SyncStatus {
	return types.SyncStatus(j.status.Load())
}

// Err returns the terminal error message, if any
func (j *Job) Err() string {
	if v := j.err.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// advance moves the status forward; it refuses any non-forward move and
// any move out of a terminal state
func (j *Job) advance(from, to types.SyncStatus) bool {
	if to <= from || from.Terminal() {
		return false
	}
	return j.status.CompareAndSwap(int32(from), int32(to))
}

// Synchronizer allocates sync jobs and propagates state through a worker
// pool. Failed jobs are never retried automatically: propagating the same
// state twice across pillar boundaries can duplicate side effects, so retry
// is an explicit, idempotency-aware caller action.
type Synchronizer struct {
	config Config
	store  PillarStore

	mu    sync.Mutex
	jobs  map[string]*Job
	queue jobQueue
	cond  *sync.Cond

	stopped bool
	wg      sync.WaitGroup
}

// NewSynchronizer creates a synchronizer over the given pillar store
func NewSynchronizer(store PillarStore, config Config) *Synchronizer {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = 1024
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}

	s := &Synchronizer{
		config: config,
		store:  store,
		jobs:   make(map[string]*Job),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the worker pool
func (s *Synchronizer) Start(ctx context.Context) {
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	// Wake workers on shutdown
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}()
}

// Stop waits for in-flight jobs to settle
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
}

// SyncState allocates a fresh job in Pending and enqueues it. A new sync of
// the same key is always a new job; sync ids are never reused.
func (s *Synchronizer) SyncState(req types.StateSyncRequest) (string, error) {
	if req.Key == "" || req.TargetPillar == "" {
		return "", types.ErrNotFound
	}
	syncType := req.SyncType
	if syncType == "" {
		syncType = types.SyncFull
	}

	job := &Job{
		SyncID:       uuid.NewString(),
		Key:          req.Key,
		SourcePillar: req.SourcePillar,
		TargetPillar: req.TargetPillar,
		StateData:    req.StateData,
		SyncType:     syncType,
		Priority:     req.Priority,
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", types.ErrUnavailable
	}
	if len(s.queue) >= s.config.QueueDepth {
		s.mu.Unlock()
		return "", types.ErrUnavailable
	}
	s.jobs[job.SyncID] = job
	heap.Push(&s.queue, job)
	s.mu.Unlock()
	s.cond.Signal()

	log.WithFields(log.Fields{
		"sync_id": job.SyncID,
		"key":     job.Key,
		"source":  job.SourcePillar,
		"target":  job.TargetPillar,
		"type":    job.SyncType,
	}).Debug("Sync job queued")

	return job.SyncID, nil
}

// Status reports the tracked status for a sync id
func (s *Synchronizer) Status(syncID string) (types.SyncStatus, error) {
	s.mu.Lock()
	job, exists := s.jobs[syncID]
	s.mu.Unlock()
	if !exists {
		return 0, types.ErrNotFound
	}
	return job.Status(), nil
}

// Job returns the tracked job record
func (s *Synchronizer) Job(syncID string) (*Job, error) {
	s.mu.Lock()
	job, exists := s.jobs[syncID]
	s.mu.Unlock()
	if !exists {
		return nil, types.ErrNotFound
	}
	return job, nil
}

func (s *Synchronizer) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		job := heap.Pop(&s.queue).(*Job)
		s.mu.Unlock()

		s.run(ctx, job)
	}
}

// run executes one job; the propagation write is the only blocking step
// and it runs under an explicit timeout
func (s *Synchronizer) run(ctx context.Context, job *Job) {
	if !job.advance(types.SyncPending, types.SyncInProgress) {
		return // already settled, never move backward
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	var err error
	switch job.SyncType {
	case types.SyncIncremental:
		err = s.store.WriteIncremental(writeCtx, job.TargetPillar, job.Key, job.StateData)
	default:
		err = s.store.WriteFull(writeCtx, job.TargetPillar, job.Key, job.StateData)
	}

	if err != nil {
		job.err.Store(err.Error())
		job.advance(types.SyncInProgress, types.SyncFailed)
		log.WithFields(log.Fields{
			"sync_id": job.SyncID,
			"key":     job.Key,
			"target":  job.TargetPillar,
		}).WithError(err).Error("Sync job failed")
	} else {
		job.advance(types.SyncInProgress, types.SyncCompleted)
	}

	if s.config.OnSettled != nil {
		s.config.OnSettled(job.Status())
	}
}

// jobQueue is a max-heap on priority, FIFO within a priority level
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].CreatedAt.Before(q[j].CreatedAt)
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x interface{}) { *q = append(*q, x.(*Job)) }

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return job
}
