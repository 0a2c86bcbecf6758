package forwarder

import (
	"time"

	"github.com/zep-us/reauthxy/internal/worker"
)

var (
	// ErrStopped is returned by Submit once Stop has been called
	ErrStopped = worker.ErrStopped

	// ErrQueueFull is returned by Submit when the forwarder cannot accept more work
	ErrQueueFull = worker.ErrQueueFull
)

// Forwarder runs resend tasks asynchronously.
// Implementations may use a bounded worker pool or a semaphore-based goroutine model.
// Every Forwarder satisfies resender.Dispatcher.
type Forwarder interface {
	// Start initializes any background workers/resources
	Start()

	// Stop gracefully stops the forwarder, waiting for in-flight tasks up to an internal timeout
	Stop()

	// Submit schedules task for execution.
	// Returns an error if the task will not run (stopped, or queue full).
	Submit(task func()) error

	// GetQueueDepth returns current backlog depth (queue in pool mode, waiters in semaphore mode)
	GetQueueDepth() int
}

// New builds the forwarder for mode ("pool", "semaphore" or "hybrid").
// Unknown modes fall back to "pool".
func New(mode string, workerCount, jobQueueSize, maxConcurrent int, shutdownTimeout time.Duration) Forwarder {
	switch mode {
	case "semaphore":
		return NewSemaphoreForwarder(maxConcurrent, shutdownTimeout)
	case "hybrid":
		return NewHybridForwarder(workerCount, jobQueueSize, maxConcurrent, shutdownTimeout)
	default:
		return NewPoolForwarder(worker.NewPool(workerCount, jobQueueSize, shutdownTimeout))
	}
}
