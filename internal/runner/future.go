package runner

import "context"

// Future is the pending outcome of Runner.Start.
type Future struct {
	done chan struct{}
	res  Result
	err  error
}

// Start runs req in the background and returns immediately. Authorization,
// spawn, timeout and integrity failures are all delivered through the Future.
func (r *Runner) Start(ctx context.Context, req Request) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.res, f.err = r.Run(ctx, req)
	}()
	return f
}

// Done is closed once the outcome is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the outcome is available or ctx is done. Giving up on
// ctx does not stop the process; cancel the context passed to Start for that.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
