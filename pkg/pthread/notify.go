package pthread

import (
	"context"
	"fmt"
	"time"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/proxy"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// notify tells the thread owning tq to drain it. A thread notifying itself
// drains at its next checkpoint, never on the current stack. It returns
// false if the target is unknown.
func (r *Runtime) notify(from *Thread, tq *proxy.TaskQueue) bool {
	target := tq.Thread()
	env := &Envelope{Target: target, Cmd: &ProcessQueue{Queue: tq}}

	if from != nil && from.Handle() == target {
		if from.onLoop() {
			return r.inbox.Send(inbound{env: &Envelope{Cmd: env.Cmd}}) == nil
		}
		return from.w.Post(env) == nil
	}

	if from != nil && from.onLoop() {
		u, ok := r.pool.Lookup(target)
		if !ok {
			r.logger.Errorf("%v %v: dropping %s", ErrUnknownTarget, target, env.Cmd.Name())
			r.metrics.RecordMessage(env.Cmd.Name(), "unknown_target")
			return false
		}
		return r.pool.Post(u, env) == nil
	}

	return r.route(from, env) == nil
}

// drainMain handles a drain notification on the coordinator loop.
func (r *Runtime) drainMain(tq *proxy.TaskQueue) {
	alive := tq.Thread() == r.main.Handle()
	n := tq.Drain(r.main.ctx, alive)
	r.metrics.RecordDrain(n)
	if r.cfg.Debug {
		r.logger.Debugf("drained %d proxied calls for %v", n, tq.Thread())
	}
}

func (r *Runtime) proxyAsync(from *Thread, target shm.Handle, task proxy.Task) error {
	if task == nil {
		return core.EINVAL
	}
	cb, ok := r.region.Lookup(target)
	if !ok || cb.Finished() {
		return core.ESRCH
	}

	tq := r.queues.For(target)
	if cb.Finished() {
		// Cleanup may already have forgotten the queue For just recreated.
		r.queues.Forget(target)
		return core.ESRCH
	}
	if tq.Enqueue(task) && !r.notify(from, tq) {
		r.queues.Forget(target)
		return core.ESRCH
	}
	return nil
}

// proxySync runs task on target and waits for it. The target runs proxied
// calls when it yields or reaches a cancellation checkpoint; if it finishes
// first the call fails with ESRCH.
func (r *Runtime) proxySync(ctx context.Context, from *Thread, target shm.Handle, task func(ctx context.Context) error) (err error) {
	ctx, span := r.startSpan(ctx, "pthread.proxy_sync", from, target)
	defer func() { endSpan(span, err) }()

	if task == nil {
		return core.EINVAL
	}
	if from != nil && from.Handle() == target {
		return task(from.ctx)
	}
	if from != nil && from.onLoop() {
		return core.EDEADLK
	}

	cb, ok := r.region.Lookup(target)
	if !ok {
		return core.ESRCH
	}

	done := make(chan error, 1)
	if err := r.proxyAsync(from, target, func(tctx context.Context) { done <- task(tctx) }); err != nil {
		return err
	}

	wctx, cancel := r.bind(ctx, from)
	defer cancel()
	if from != nil {
		from.cb.SetStatus(shm.WaitingProxy)
		defer from.cb.SetStatus(shm.Running)
	}
	start := time.Now()
	defer func() { r.metrics.RecordSyncProxy(time.Since(start)) }()

	select {
	case err := <-done:
		return err
	case <-cb.Done():
		select {
		case err := <-done:
			return err
		default:
			return fmt.Errorf("thread %v exited before running the call: %w", target, core.ESRCH)
		}
	case <-wctx.Done():
		return r.waitErr(from, wctx.Err())
	}
}
