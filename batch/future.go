// Package batch groups compatible requests into jobs and dispatches
// them through a bounded worker pool with a priority-ordered queue.
package batch

import (
	"context"
	"sync"

	"github.com/relaymesh/relay/core"
)

// Future is the caller's handle on an in-flight request. It completes
// exactly once, with either a processed response or an error.
type Future struct {
	done chan struct{}
	once sync.Once
	resp *core.ProcessedResponse
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete resolves the future. Later calls are no-ops.
func (f *Future) Complete(resp *core.ProcessedResponse, err error) {
	f.once.Do(func() {
		f.resp = resp
		f.err = err
		close(f.done)
	})
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or the context is done.
func (f *Future) Wait(ctx context.Context) (*core.ProcessedResponse, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		return f.resp, f.err
	}
}
