package pthread

import (
	"context"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/shm"
)

func (r *Runtime) join(ctx context.Context, from *Thread, h shm.Handle) (result uint64, err error) {
	ctx, span := r.startSpan(ctx, "pthread.join", from, h)
	defer func() { endSpan(span, err) }()

	switch h {
	case r.ownerOf(from):
		return 0, core.EDEADLK
	case r.main.Handle():
		return 0, core.EINVAL
	}

	cb, ok := r.region.Lookup(h)
	if !ok {
		return 0, core.ESRCH
	}
	if !cb.ClaimJoin() {
		return 0, core.EINVAL
	}

	if !cb.Finished() {
		if from != nil && from.onLoop() {
			// The thread may need the loop to start or finish.
			cb.AbandonJoin()
			return 0, core.EDEADLK
		}

		wctx, cancel := r.bind(ctx, from)
		defer cancel()
		select {
		case <-cb.Done():
		case <-wctx.Done():
			cb.AbandonJoin()
			return 0, r.waitErr(from, wctx.Err())
		}
	}

	result = cb.Result()
	// The handle stops resolving as soon as the join completes; the unit is
	// returned to the pool later by Cleanup.
	r.region.Free(h)
	if err := r.route(from, &Envelope{Cmd: &Cleanup{Thread: h}}); err != nil {
		r.logger.Debugf("cleanup of joined thread %v: %v", h, err)
	}
	return result, nil
}

func (r *Runtime) detach(from *Thread, h shm.Handle) error {
	if h == r.main.Handle() {
		return core.EINVAL
	}
	cb, ok := r.region.Lookup(h)
	if !ok {
		return core.ESRCH
	}

	cleanup, ok := cb.Detach()
	if !ok {
		return core.EINVAL
	}
	if cleanup {
		return r.route(from, &Envelope{Cmd: &Cleanup{Thread: h}})
	}
	return nil
}

// cancelThread records the request in the target's control block and
// tells the hosting unit about it. The main thread cannot be cancelled.
func (r *Runtime) cancelThread(from *Thread, h shm.Handle) error {
	if h == r.main.Handle() {
		return core.EINVAL
	}
	cb, ok := r.region.Lookup(h)
	if !ok {
		return core.ESRCH
	}

	cb.RequestCancel()
	if h == r.ownerOf(from) || cb.Finished() {
		return nil
	}
	return r.route(from, &Envelope{Cmd: &Cancel{Thread: h}})
}

func (r *Runtime) kill(from *Thread, h shm.Handle) error {
	if h == r.main.Handle() {
		return core.EINVAL
	}
	if _, ok := r.region.Lookup(h); !ok {
		return core.ESRCH
	}
	return r.route(from, &Envelope{Cmd: &Kill{Thread: h}})
}
