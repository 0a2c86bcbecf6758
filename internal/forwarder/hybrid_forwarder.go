package forwarder

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zep-us/reauthxy/pkg/logger"
)

// HybridForwarder: dispatcher worker pool + concurrency semaphore
// - Bounded task queue provides backpressure and memory predictability
// - Semaphore bounds the number of concurrently running resends
type HybridForwarder struct {
	workerCount     int
	taskQueue       chan func()
	tokens          chan struct{}
	wg              sync.WaitGroup
	sendWG          sync.WaitGroup
	mu              sync.RWMutex // guards taskQueue close against Submit
	startOnce       sync.Once
	stopOnce        sync.Once
	stopped         atomic.Bool
	shutdownTimeout time.Duration
}

func NewHybridForwarder(workerCount int, jobQueueSize int, maxConcurrent int, shutdownTimeout time.Duration) *HybridForwarder {
	if workerCount <= 0 {
		workerCount = 1
	}
	if jobQueueSize <= 0 {
		jobQueueSize = 10000
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10000
	}

	return &HybridForwarder{
		workerCount:     workerCount,
		taskQueue:       make(chan func(), jobQueueSize),
		tokens:          make(chan struct{}, maxConcurrent),
		shutdownTimeout: shutdownTimeout,
	}
}

func (h *HybridForwarder) Start() {
	h.startOnce.Do(func() {
		logger.Info("Hybrid forwarder starting: workers=%d, queueSize=%d, maxConcurrent=%d", h.workerCount, cap(h.taskQueue), cap(h.tokens))
		for i := 0; i < h.workerCount; i++ {
			h.wg.Add(1)
			go h.worker()
		}
		logger.Info("Hybrid forwarder started")
	})
}

func (h *HybridForwarder) Stop() {
	h.stopOnce.Do(func() {
		logger.Info("Stopping hybrid forwarder: closing task queue and waiting for workers")
		h.mu.Lock()
		h.stopped.Store(true)
		close(h.taskQueue)
		h.mu.Unlock()

		bothDone := make(chan struct{})
		go func() {
			h.wg.Wait()     // wait workers
			h.sendWG.Wait() // wait in-flight tasks
			close(bothDone)
		}()

		select {
		case <-bothDone:
			logger.Info("Hybrid forwarder stopped: workers and in-flight tasks finished")
		case <-time.After(h.shutdownTimeout):
			logger.Warn("Hybrid forwarder stop timed out after %v", h.shutdownTimeout)
		}
	})
}

func (h *HybridForwarder) Submit(task func()) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped.Load() {
		return ErrStopped
	}
	select {
	case h.taskQueue <- task:
		return nil
	default:
		logger.Warn("Hybrid task queue full: rejecting new task (queue size: %d)", cap(h.taskQueue))
		return fmt.Errorf("%w (capacity: %d)", ErrQueueFull, cap(h.taskQueue))
	}
}

func (h *HybridForwarder) GetQueueDepth() int {
	return len(h.taskQueue)
}

func (h *HybridForwarder) worker() {
	defer h.wg.Done()
	for task := range h.taskQueue {
		// Acquire concurrency token (blocks when at max concurrency)
		h.tokens <- struct{}{}

		// Worker immediately returns to fetch the next task
		h.sendWG.Add(1)
		go func(t func()) {
			defer h.sendWG.Done()
			defer func() { <-h.tokens }()

			runTask(t, "Hybrid forwarder")
		}(task)
	}
}
