package forwarder

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/zep-us/reauthxy/internal/metrics"
	"github.com/zep-us/reauthxy/pkg/logger"
)

// SemaphoreForwarder implements Forwarder using a semaphore-limited goroutine model
type SemaphoreForwarder struct {
	maxConcurrent   int
	tokens          chan struct{}
	wg              sync.WaitGroup
	mu              sync.RWMutex // orders wg.Add in Submit before wg.Wait in Stop
	waiters         atomic.Int64
	startOnce       sync.Once
	stopOnce        sync.Once
	stopped         atomic.Bool
	shutdownTimeout time.Duration
}

// NewSemaphoreForwarder creates a new semaphore-based forwarder
func NewSemaphoreForwarder(maxConcurrent int, shutdownTimeout time.Duration) *SemaphoreForwarder {
	if maxConcurrent <= 0 {
		maxConcurrent = 10000
	}

	return &SemaphoreForwarder{
		maxConcurrent:   maxConcurrent,
		tokens:          make(chan struct{}, maxConcurrent),
		shutdownTimeout: shutdownTimeout,
	}
}

func (s *SemaphoreForwarder) Start() {
	s.startOnce.Do(func() {
		logger.Info("Semaphore forwarder started with maxConcurrent=%d", s.maxConcurrent)
	})
}

func (s *SemaphoreForwarder) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		s.mu.Unlock()
		logger.Info("Stopping semaphore forwarder: waiting for in-flight goroutines")

		done := make(chan struct{})
		go func() {
			defer close(done)
			s.wg.Wait()
		}()

		select {
		case <-done:
			logger.Info("Semaphore forwarder stopped: all goroutines finished")
		case <-time.After(s.shutdownTimeout):
			logger.Warn("Semaphore forwarder stop timed out after %v", s.shutdownTimeout)
		}
	})
}

func (s *SemaphoreForwarder) Submit(task func()) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped.Load() {
		return ErrStopped
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.waiters.Inc()
		s.tokens <- struct{}{} // acquire; blocks when at max concurrency
		s.waiters.Dec()
		defer func() { <-s.tokens }() // release

		runTask(task, "Semaphore forwarder")
	}()

	return nil
}

func (s *SemaphoreForwarder) GetQueueDepth() int {
	v := s.waiters.Load()
	if v < 0 {
		return 0
	}
	if v > int64(^uint(0)>>1) { // guard though unrealistic
		return int(^uint(0) >> 1)
	}
	return int(v)
}

// runTask executes task with the active-worker gauge held, recovering panics
func runTask(task func(), name string) {
	metrics.ActiveWorkersGauge.Inc()
	defer metrics.ActiveWorkersGauge.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("%s: task panicked: %v", name, r)
			metrics.TasksFailedCounter.Inc()
		}
	}()

	task()
	metrics.TasksProcessedCounter.Inc()
}
