// Package api provides HTTP handlers for the vhisto server.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vhisto/server/internal/jobstore"
	"github.com/vhisto/server/internal/stack"
)

// ErrQueueFull is returned by Submit when no queue slot is free.
var ErrQueueFull = errors.New("job queue is full; try again later")

// JobManagerConfig contains configuration for the job manager.
type JobManagerConfig struct {
	MaxConcurrent int    // Max concurrent export jobs (default 1)
	QueueSize     int    // Pending job slots (default 100)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished jobs (default 7)
	CleanupPeriod time.Duration
	Logger        logrus.FieldLogger
}

// Executor runs one export job. It reports progress and unit outcomes
// through the store; the manager records the final status.
type Executor func(ctx context.Context, store *jobstore.Store, job *jobstore.ExportJob) error

// JobManager manages export jobs with SQLite persistence.
type JobManager struct {
	cfg      JobManagerConfig
	store    *jobstore.Store
	log      logrus.FieldLogger
	queue    chan string // job IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the export.
	Executor Executor
}

// NewJobManager creates a new job manager with SQLite persistence.
func NewJobManager(cfg JobManagerConfig) (*JobManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	store, err := jobstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &JobManager{
		cfg:     cfg,
		store:   store,
		log:     cfg.Logger.WithField("component", "jobs"),
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying store for direct access.
func (jm *JobManager) Store() *jobstore.Store {
	return jm.store
}

// Start starts the worker goroutines and cleanup ticker.
// Also recovers from previous shutdown.
func (jm *JobManager) Start() {
	// Mark any running jobs as failed (server restart)
	if err := jm.store.MarkRunningAsFailed("server restarted"); err != nil {
		jm.log.WithError(err).Error("failed to mark running jobs as failed")
	}

	// Re-queue any queued jobs
	queued, err := jm.store.ListQueuedJobs()
	if err != nil {
		jm.log.WithError(err).Error("failed to list queued jobs")
	} else {
		for _, job := range queued {
			select {
			case jm.queue <- job.ID:
				jm.log.WithField("job_id", job.ID).Info("re-queued job")
			default:
				jm.log.WithField("job_id", job.ID).Warn("queue full, cannot re-queue job")
			}
		}
	}

	for i := 0; i < jm.cfg.MaxConcurrent; i++ {
		jm.wg.Add(1)
		go jm.worker()
	}

	go jm.cleaner()
}

// Stop cancels running jobs and waits for the workers to exit.
func (jm *JobManager) Stop() {
	jm.stopOnce.Do(func() {
		close(jm.stopCh)
		jm.mu.Lock()
		for _, cancel := range jm.running {
			cancel()
		}
		jm.mu.Unlock()
		close(jm.queue)
		jm.wg.Wait()
		jm.store.Close()
	})
}

func (jm *JobManager) worker() {
	defer jm.wg.Done()
	for jobID := range jm.queue {
		select {
		case <-jm.stopCh:
			continue
		default:
		}
		jm.runJob(jobID)
	}
}

func (jm *JobManager) runJob(jobID string) {
	log := jm.log.WithField("job_id", jobID)

	job, err := jm.store.GetJob(jobID)
	if err != nil || job == nil {
		log.WithError(err).Warn("queued job disappeared")
		return
	}
	// Cancelled or deleted while waiting in the queue.
	if job.Status != jobstore.JobStatusQueued {
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
		log.WithError(err).Error("failed to mark job as started")
		return
	}
	log.Info("job started")

	var execErr error
	if jm.Executor != nil {
		execErr = jm.Executor(ctx, jm.store, job)
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		jm.finish(log, jobID, jobstore.JobStatusCancelled, "cancelled by user")
	case execErr != nil:
		jm.finish(log, jobID, jobstore.JobStatusFailed, execErr.Error())
	default:
		jm.finish(log, jobID, jobstore.JobStatusCompleted, "")
	}
}

func (jm *JobManager) finish(log logrus.FieldLogger, jobID string, status jobstore.JobStatus, msg string) {
	if err := jm.store.UpdateJobStatus(jobID, status, msg); err != nil {
		log.WithError(err).Error("failed to record job status")
		return
	}
	log.WithField("status", status).Info("job finished")
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
		jm.log.WithError(err).Error("cleanup failed")
	} else if deleted > 0 {
		jm.log.WithField("deleted", deleted).Info("cleaned up expired jobs")
	}
}

// Submit creates a new job and enqueues it for execution.
func (jm *JobManager) Submit(sampleID string, req stack.Request, total int) (*jobstore.ExportJob, error) {
	job := &jobstore.ExportJob{
		ID:        generateJobID(),
		SampleID:  sampleID,
		Status:    jobstore.JobStatusQueued,
		Request:   req,
		Progress:  jobstore.JobProgress{Total: total},
		CreatedAt: time.Now(),
	}

	if err := jm.store.CreateJob(job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	select {
	case jm.queue <- job.ID:
	default:
		jm.store.UpdateJobStatus(job.ID, jobstore.JobStatusFailed, ErrQueueFull.Error())
		return nil, ErrQueueFull
	}

	return job, nil
}

// Get returns a job by ID, or nil if it does not exist.
func (jm *JobManager) Get(id string) *jobstore.ExportJob {
	job, err := jm.store.GetJob(id)
	if err != nil {
		jm.log.WithError(err).WithField("job_id", id).Error("failed to load job")
		return nil
	}
	return job
}

// Cancel attempts to cancel a queued or running job.
func (jm *JobManager) Cancel(id string) bool {
	jm.mu.Lock()
	cancel, ok := jm.running[id]
	jm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	// If not running, try to mark as cancelled in DB
	job, err := jm.store.GetJob(id)
	if err != nil || job == nil {
		return false
	}
	if job.Status == jobstore.JobStatusQueued {
		jm.store.UpdateJobStatus(id, jobstore.JobStatusCancelled, "cancelled before start")
		return true
	}
	return false
}

// Delete deletes a job and its failure records.
func (jm *JobManager) Delete(id string) error {
	return jm.store.DeleteJob(id)
}

func generateJobID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
