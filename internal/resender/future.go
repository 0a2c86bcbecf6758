package resender

import (
	"context"
	"sync"
)

// Future is the outcome of one enqueued request. It settles exactly once.
type Future struct {
	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// settle records the outcome; later calls are ignored
func (f *Future) settle(resp *Response, err error) bool {
	settled := false
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		settled = true
		close(f.done)
	})
	return settled
}

// Done is closed once the outcome is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the future settles
func (f *Future) Result() (*Response, error) {
	<-f.done
	return f.resp, f.err
}

// Wait blocks until the future settles or ctx is done.
// Giving up on ctx does not cancel the resend itself.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
