package forwarder

import (
	"github.com/zep-us/reauthxy/internal/worker"
)

// PoolForwarder adapts worker.Pool to the Forwarder interface
type PoolForwarder struct {
	pool *worker.Pool
}

func NewPoolForwarder(pool *worker.Pool) *PoolForwarder {
	return &PoolForwarder{pool: pool}
}

func (p *PoolForwarder) Start() {
	if p.pool != nil {
		p.pool.Start()
	}
}

func (p *PoolForwarder) Stop() {
	if p.pool != nil {
		p.pool.Stop()
	}
}

func (p *PoolForwarder) Submit(task func()) error {
	if p.pool == nil {
		return ErrStopped
	}
	return p.pool.SubmitJob(worker.Job(task))
}

func (p *PoolForwarder) GetQueueDepth() int {
	if p.pool == nil {
		return 0
	}
	return p.pool.GetQueueDepth()
}
