package pthread

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/core/concurrency"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// Attr holds thread creation attributes.
type Attr struct {
	// Detached threads free themselves on exit and cannot be joined.
	Detached bool

	// Transfer moves resources owned by the creator to the new thread.
	// A creator running on a pooled unit does not wait for the spawn when
	// it transfers resources; a failed spawn is only logged and the thread
	// finishes with shm.Canceled.
	Transfer []*Transferable
}

func (r *Runtime) create(ctx context.Context, from *Thread, attr Attr, routine uint32, arg uint64) (h shm.Handle, err error) {
	ctx, span := r.startSpan(ctx, "pthread.create", from, shm.NoThread)
	defer func() {
		span.SetAttributes(attribute.String("pthread.thread", h.String()))
		endSpan(span, err)
	}()

	if r.ctx.Err() != nil {
		return shm.NoThread, ErrRuntimeClosed
	}

	owner := r.ownerOf(from)
	for i, tr := range attr.Transfer {
		if err := tr.begin(owner); err != nil {
			abortTransfers(attr.Transfer[:i])
			return shm.NoThread, err
		}
	}

	cb := r.region.Alloc(attr.Detached)
	cmd := &Spawn{Thread: cb.Handle(), Routine: routine, Arg: arg}
	env := &Envelope{Transfer: attr.Transfer, Cmd: cmd}

	if from != nil && from.onLoop() {
		if status := r.spawn(env, cmd); status != 0 {
			return shm.NoThread, core.FromStatus(status)
		}
		return cb.Handle(), nil
	}

	if from != nil && len(attr.Transfer) > 0 {
		if err := r.route(from, env); err != nil {
			r.abortSpawn(env, cmd)
			return shm.NoThread, err
		}
		return cb.Handle(), nil
	}

	reply := concurrency.NewReplyBox()
	cmd.Reply = reply
	if err := r.route(from, env); err != nil {
		r.abortSpawn(env, cmd)
		return shm.NoThread, err
	}

	msg, err := r.await(ctx, from, reply)
	if err != nil {
		// The spawn may still succeed. Nobody is left to join the thread.
		if cleanup, ok := cb.Detach(); ok && cleanup {
			r.route(from, &Envelope{Cmd: &Cleanup{Thread: cb.Handle()}})
		}
		return shm.NoThread, err
	}
	if status := msg.(int32); status != 0 {
		return shm.NoThread, core.FromStatus(status)
	}
	return cb.Handle(), nil
}

// spawn acquires a unit for cmd.Thread and sends or queues its run request.
// It returns the status reported to the creator.
func (r *Runtime) spawn(env *Envelope, cmd *Spawn) int32 {
	cb, ok := r.region.Lookup(cmd.Thread)
	if !ok || cb.Finished() {
		r.spawnFailed(env, cmd, core.ESRCH)
		return int32(core.ESRCH)
	}

	u, err := r.pool.Acquire()
	if err != nil {
		r.spawnFailed(env, cmd, err)
		return core.StatusOf(err)
	}

	run := &Envelope{
		Transfer: env.Transfer,
		Cmd:      &Run{Thread: cmd.Thread, Routine: cmd.Routine, Arg: cmd.Arg},
	}
	if err := r.pool.Assign(u, cmd.Thread, run); err != nil {
		err = errors.Join(core.EAGAIN, err)
		r.spawnFailed(env, cmd, err)
		return core.StatusOf(err)
	}

	r.metrics.RecordSpawn("ok")
	if r.cfg.Debug {
		r.logger.Debugf("thread %v assigned to unit %s (loaded=%t)", cmd.Thread, u.ID(), u.Loaded())
	}
	return 0
}

func (r *Runtime) spawnFailed(env *Envelope, cmd *Spawn, err error) {
	r.abortSpawn(env, cmd)

	result := "error"
	if errors.Is(err, core.EAGAIN) {
		result = "eagain"
	}
	r.metrics.RecordSpawn(result)

	if cmd.Reply == nil {
		r.logger.Errorf("asynchronous spawn of thread %v failed: %v", cmd.Thread, err)
	}
}

// abortSpawn gives transferred resources back and frees the thread's
// control block, which finishes it with shm.Canceled.
func (r *Runtime) abortSpawn(env *Envelope, cmd *Spawn) {
	abortTransfers(env.Transfer)
	r.region.Free(cmd.Thread)
}
