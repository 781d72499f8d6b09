package sandbox

import (
	"context"
	stderrors "errors"
	"sync"
)

// errTornDown is the cancellation cause of a provisioning run stopped by
// teardown.
var errTornDown = stderrors.New("workspace is being deleted")

// run is one in-flight provisioning run.
type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// runs tracks the provisioning run of each namespace so teardown can stop
// it and wait for it before removing compute. EnsureRunning's singleflight
// keeps at most one run per namespace.
type runs struct {
	mu     sync.Mutex
	active map[string]*run
}

// start registers a run for ns. The returned context is cancelled with
// errTornDown when teardown stops the run; finish must be called when the
// run ends.
func (r *runs) start(ctx context.Context, ns string) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	cur := &run{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.active == nil {
		r.active = make(map[string]*run)
	}
	r.active[ns] = cur
	r.mu.Unlock()

	return runCtx, func() {
		r.mu.Lock()
		if r.active[ns] == cur {
			delete(r.active, ns)
		}
		r.mu.Unlock()
		cancel(nil)
		close(cur.done)
	}
}

// stop cancels the run for ns, if any, and waits for it to finish.
func (r *runs) stop(ctx context.Context, ns string) error {
	r.mu.Lock()
	cur := r.active[ns]
	r.mu.Unlock()
	if cur == nil {
		return nil
	}

	cur.cancel(errTornDown)
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopped reports whether ctx belongs to a run stopped by teardown.
func stopped(ctx context.Context) bool {
	return stderrors.Is(context.Cause(ctx), errTornDown)
}
