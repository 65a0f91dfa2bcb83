// Package api provides HTTP handlers and job scheduling for the marker server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/atlasmap-sc/markers/internal/metrics"
	"github.com/atlasmap-sc/markers/internal/store"
)

// ErrQueueClosed is returned by Submit after Stop.
var ErrQueueClosed = errors.New("job manager stopped")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent marker jobs (default 1)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	QueueSize     int
	CleanupPeriod time.Duration
	Metrics       *metrics.Metrics
}

// JobManager manages marker jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *store.Store
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	closed   bool
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the actual marker computation.
	Executor func(ctx context.Context, st *store.Store, jobID string) error
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}

	st, err := store.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &JobManager{
		cfg:     cfg,
		store:   st,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *store.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Jobs that were running when the process died cannot resume.
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		log.Printf("[JobManager] failed to mark running jobs as failed: %v", err)
	}

	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		log.Printf("[JobManager] failed to list queued jobs: %v", err)
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				log.Printf("[JobManager] re-queued job %s", job.ID)
			default:
				log.Printf("[JobManager] queue full, cannot re-queue job %s", job.ID)
				jm.store.UpdateJobStatus(job.ID, store.JobStatusFailed, "job queue is full after restart")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs, waits for workers and closes the store. Jobs
// still queued stay queued and are picked up again by the next Start.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		jm.mu.Lock()
		jm.closed = true
		close(jm.stopCh)
		close(jm.queue)
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()

		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			return
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.Printf("[JobManager] job %s vanished before start: %v", jobID, err)
		return
	}
	if job.Status != store.JobStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.mu.Lock()
	jm.running[jobID] = cancel
	jm.mu.Unlock()

	defer func() {
		jm.mu.Lock()
		delete(jm.running, jobID)
		jm.mu.Unlock()
	}()

	if err := jm.store.UpdateJobStarted(jobID); err != nil {
		if !errors.Is(err, store.ErrNotQueued) {
			log.Printf("[JobManager] failed to update job %s as started: %v", jobID, err)
		}
		return
	}
	jm.cfg.Metrics.JobStarted()
	start := time.Now()

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, jobID)
	}

	// A job whose executor returned nil has its rows saved; a late cancel
	// does not undo that.
	status, msg := store.JobStatusCompleted, ""
	switch {
	case execErr == nil:
	case errors.Is(ctx.Err(), context.Canceled):
		status, msg = store.JobStatusCancelled, "cancelled by user"
	default:
		status, msg = store.JobStatusFailed, execErr.Error()
	}
	jm.cfg.Metrics.JobFinished(string(status))
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.Printf("[JobManager] failed to finish job %s: %v", jobID, err)
	}
	log.Printf("[JobManager] job %s %s in %s", jobID, status, time.Since(start).Round(time.Millisecond))
}

func (jm *JobManager) cleaner() {
	ticker := time.NewTicker(jm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-jm.stopCh:
			return
		case <-ticker.C:
			jm.cleanup()
		}
	}
}

func (jm *JobManager) cleanup() {
	deleted, err := jm.store.DeleteExpiredJobs(jm.cfg.RetentionDays)
	if err != nil {
		log.Printf("[JobManager] cleanup error: %v", err)
	} else if deleted > 0 {
		log.Printf("[JobManager] cleaned up %d expired jobs", deleted)
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(params store.JobParams) (*store.Job, error) {
	job := &store.Job{
		ID:        generateJobID(),
		DatasetID: params.DatasetID,
		Status:    store.JobStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()
	if jm.closed {
		return nil, ErrQueueClosed
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, err
	}

	select {
	case jm.queue <- job.ID:
	default:
		jm.store.UpdateJobStatus(job.ID, store.JobStatusFailed, "job queue is full; try again later")
		job.Status = store.JobStatusFailed
	}

	return job, nil
}

// Get returns a job by ID.
func (jm *JobManager) Get(id string) *store.Job {
	job, err := jm.store.GetJob(id)
	if err != nil {
		log.Printf("[JobManager] error getting job %s: %v", id, err)
		return nil
	}
	return job
}

// List returns the jobs of a dataset, newest first.
func (jm *JobManager) List(datasetID string) ([]*store.Job, error) {
	return jm.store.ListJobsByDataset(datasetID)
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	if jm.cancelRunning(id) {
		return true
	}

	err := jm.store.CancelQueuedJob(id, "cancelled before start")
	if err == nil {
		return true
	}
	if errors.Is(err, store.ErrNotQueued) {
		// A worker may have claimed the job in between.
		return jm.cancelRunning(id)
	}
	log.Printf("[JobManager] failed to cancel job %s: %v", id, err)
	return false
}

func (jm *JobManager) cancelRunning(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}
	return false
}

// Delete deletes a job and its results.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
