package worker

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/zep-us/reauthxy/internal/metrics"
	"github.com/zep-us/reauthxy/pkg/logger"
)

var (
	// ErrStopped is returned by SubmitJob after Stop
	ErrStopped = errors.New("worker pool stopped")

	// ErrQueueFull is returned by SubmitJob when no capacity is left
	ErrQueueFull = errors.New("worker pool queue full")
)

// Job is one unit of work, typically a single resend of an unauthenticated request
type Job func()

// Pool represents a bounded goroutine worker pool for resend jobs
// Implements a fixed-size pool of workers processing jobs from a buffered channel
type Pool struct {
	workerCount     int           // Number of worker goroutines
	jobQueue        chan Job      // Buffered channel for queued jobs
	wg              sync.WaitGroup
	stopOnce        sync.Once     // Ensures Stop() is called only once
	startOnce       sync.Once     // Ensures Start() is called only once
	shutdownTimeout time.Duration // Maximum time to wait for workers to finish during shutdown
	permits         chan struct{} // Counts in-flight + queued jobs for deterministic backpressure
	mu              sync.RWMutex  // Guards closed against SubmitJob racing Stop
	closed          bool
}

// NewPool creates a new worker pool with the specified configuration
//
// Parameters:
//   - workerCount: Number of worker goroutines (default: 50×NumCPU)
//   - jobQueueSize: Buffer capacity for job queue (default: 10000)
//   - shutdownTimeout: Maximum time to wait for workers during shutdown (e.g., 10s)
func NewPool(workerCount int, jobQueueSize int, shutdownTimeout time.Duration) *Pool {
	// Resends are I/O-bound: workers spend nearly all their time waiting on the upstream
	if workerCount <= 0 {
		workerCount = 50 * runtime.NumCPU()
		logger.Info("Worker pool size not configured, using default: %d (50×NumCPU for I/O-bound workload)", workerCount)
	}

	if jobQueueSize <= 0 {
		jobQueueSize = 10000
		logger.Info("Job queue size not configured, using default: %d", jobQueueSize)
	}

	logger.Info("Creating worker pool: workers=%d, queueSize=%d, shutdownTimeout=%v", workerCount, jobQueueSize, shutdownTimeout)

	return &Pool{
		workerCount:     workerCount,
		jobQueue:        make(chan Job, jobQueueSize),
		shutdownTimeout: shutdownTimeout,
		permits:         make(chan struct{}, workerCount+jobQueueSize),
	}
}

// Start spawns all worker goroutines to begin processing jobs
// It is safe to call multiple times - workers will only be started once
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		logger.Info("Starting worker pool with %d workers", p.workerCount)

		for i := 0; i < p.workerCount; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}

		logger.Info("Worker pool started successfully")
	})
}

// Stop gracefully shuts down the worker pool
// Queued and in-flight jobs complete before shutdown finishes, up to shutdownTimeout
// This method is safe to call multiple times (only executes once)
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		logger.Info("Stopping worker pool: closing job queue and waiting for workers to finish")

		p.mu.Lock()
		p.closed = true
		close(p.jobQueue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.wg.Wait()
		}()

		select {
		case <-done:
			logger.Info("Worker pool stopped: all workers finished gracefully")
		case <-time.After(p.shutdownTimeout):
			logger.Warn("Worker pool stop timed out after %v: some workers may not have finished", p.shutdownTimeout)
		}
	})
}

// GetQueueDepth returns the current number of jobs in the queue
func (p *Pool) GetQueueDepth() int {
	return len(p.jobQueue)
}

// SubmitJob submits a job to the worker pool
// Returns error if the pool is stopped or at capacity (backpressure)
func (p *Pool) SubmitJob(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrStopped
	}

	// System-wide capacity: in-flight (workers) + queued (buffer)
	select {
	case p.permits <- struct{}{}:
		// A permit guarantees buffer space or a ready worker, so this send does not block for long
		p.jobQueue <- job
		return nil
	default:
		logger.Warn("Job queue full: rejecting new job (queue size: %d)", cap(p.jobQueue))
		return fmt.Errorf("%w (capacity: %d)", ErrQueueFull, cap(p.jobQueue))
	}
}

// worker is the main worker goroutine loop
// Processes jobs from the queue until the channel is closed
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger.Debug("Worker %d started", id)

	for job := range p.jobQueue {
		p.run(id, job)
		// Release permit after finishing this job
		<-p.permits
	}

	logger.Debug("Worker %d stopped", id)
}

// run executes one job, keeping the worker alive if the job panics
func (p *Pool) run(id int, job Job) {
	metrics.ActiveWorkersGauge.Inc()
	defer metrics.ActiveWorkersGauge.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker %d: job panicked: %v", id, r)
			metrics.TasksFailedCounter.Inc()
		}
	}()

	job()
	metrics.TasksProcessedCounter.Inc()
}
