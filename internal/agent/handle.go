package agent

import (
	"context"
	"sync"
)

// Handle tracks one invocation. It resolves exactly once.
type Handle struct {
	ID    string
	Agent string

	once sync.Once
	done chan struct{}
	res  Result
}

func newHandle(id, agent string) *Handle {
	return &Handle{ID: id, Agent: agent, done: make(chan struct{})}
}

func (h *Handle) finish(r Result) {
	h.once.Do(func() {
		h.res = r
		close(h.done)
	})
}

// Done is closed once the Result is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the invocation finishes or ctx ends. A ctx error does not
// cancel the invocation.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome if the invocation has finished.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return nil, false
	}
}
