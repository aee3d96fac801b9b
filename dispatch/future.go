package dispatch

import "context"

// Future is the pending result of SubmitAsync.
type Future struct {
	done chan struct{}
	body []byte
	err  error
}

// SubmitAsync submits a task without blocking the caller. Long-running
// operations should use this pair so the caller's primary thread is never
// stalled on a slow worker.
func (p *Pool) SubmitAsync(ctx context.Context, task []byte) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		f.body, f.err = p.Submit(ctx, task)
		close(f.done)
	}()
	return f
}

// Wait blocks until the response arrives or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.body, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports whether the result is ready without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
