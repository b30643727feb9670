package shm

import (
	"context"
	"sync"
	"sync/atomic"
)

// Canceled is the result recorded for a thread that ended through
// cancellation or was torn down before finishing.
const Canceled = ^uint64(0)

// Status is the coarse state of a thread, kept for diagnostics.
type Status int32

const (
	NotStarted Status = iota
	Running
	WaitingProxy
	Finished
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case WaitingProxy:
		return "waiting-proxy"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Join word layout: the low bits hold the join mode, exitedBit is set once
// the hosting unit is done with the thread.
const (
	modeJoinable int32 = 0
	modeDetached int32 = 1
	modeClaimed  int32 = 2
	modeMask     int32 = 0x3
	exitedBit    int32 = 0x4
)

// ControlBlock is one thread's shared state. Every field is safe to touch
// from any unit.
type ControlBlock struct {
	handle Handle

	join            atomic.Int32
	cancelRequested atomic.Bool
	cancelDisabled  atomic.Bool
	status          atomic.Int32
	result          atomic.Uint64

	done       chan struct{}
	finishOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func newControlBlock(parent context.Context, h Handle, detached bool) *ControlBlock {
	ctx, cancel := context.WithCancel(parent)
	cb := &ControlBlock{
		handle: h,
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if detached {
		cb.join.Store(modeDetached)
	}
	return cb
}

// Handle returns the block's address.
func (cb *ControlBlock) Handle() Handle {
	return cb.handle
}

// Context is cancelled once cancellation takes effect or the thread finishes.
func (cb *ControlBlock) Context() context.Context {
	return cb.ctx
}

// RequestCancel records a cancellation request. While cancellation is
// disabled the request stays pending.
func (cb *ControlBlock) RequestCancel() {
	cb.cancelRequested.Store(true)
	if !cb.cancelDisabled.Load() {
		cb.cancel()
	}
}

// CancelPending reports whether the thread should act on a cancellation
// request at its next checkpoint.
func (cb *ControlBlock) CancelPending() bool {
	return cb.cancelRequested.Load() && !cb.cancelDisabled.Load()
}

// SetCancelEnabled toggles cancellability and returns the previous setting.
// Re-enabling delivers a request that arrived while disabled.
func (cb *ControlBlock) SetCancelEnabled(enabled bool) bool {
	prev := !cb.cancelDisabled.Swap(!enabled)
	if enabled && cb.cancelRequested.Load() {
		cb.cancel()
	}
	return prev
}

// Status returns the diagnostic status.
func (cb *ControlBlock) Status() Status {
	return Status(cb.status.Load())
}

func (cb *ControlBlock) setStatus(s Status) {
	cb.status.Store(int32(s))
}

// SetStatus updates the diagnostic status. Finished is sticky.
func (cb *ControlBlock) SetStatus(s Status) {
	for {
		cur := cb.status.Load()
		if Status(cur) == Finished {
			return
		}
		if cb.status.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// Finish records the thread's result and wakes waiters. Only the first
// call has an effect; it reports whether it was that call.
func (cb *ControlBlock) Finish(result uint64) bool {
	first := false
	cb.finishOnce.Do(func() {
		first = true
		cb.result.Store(result)
		cb.status.Store(int32(Finished))
		close(cb.done)
		cb.cancel()
	})
	return first
}

// Done is closed when the thread has finished.
func (cb *ControlBlock) Done() <-chan struct{} {
	return cb.done
}

// Finished reports whether Finish has been called.
func (cb *ControlBlock) Finished() bool {
	select {
	case <-cb.done:
		return true
	default:
		return false
	}
}

// Result returns the value passed to Finish.
func (cb *ControlBlock) Result() uint64 {
	return cb.result.Load()
}

// MarkExited is called by the hosting unit after the thread finished. It
// reports whether the unit itself must request cleanup, which is the case
// only for detached threads.
func (cb *ControlBlock) MarkExited() (cleanup bool) {
	for {
		s := cb.join.Load()
		if s&exitedBit != 0 {
			return false
		}
		if cb.join.CompareAndSwap(s, s|exitedBit) {
			return s&modeMask == modeDetached
		}
	}
}

// Detach makes the thread clean itself up on exit. If it already exited the
// caller takes over cleanup. ok is false if the thread is detached already
// or a joiner has claimed it.
func (cb *ControlBlock) Detach() (cleanup, ok bool) {
	for {
		s := cb.join.Load()
		if s&modeMask != modeJoinable {
			return false, false
		}
		if cb.join.CompareAndSwap(s, modeDetached|s&exitedBit) {
			return s&exitedBit != 0, true
		}
	}
}

// ClaimJoin reserves the thread for one joiner, who becomes responsible for
// cleanup once the thread finishes.
func (cb *ControlBlock) ClaimJoin() bool {
	for {
		s := cb.join.Load()
		if s&modeMask != modeJoinable {
			return false
		}
		if cb.join.CompareAndSwap(s, modeClaimed|s&exitedBit) {
			return true
		}
	}
}

// AbandonJoin gives up a claim taken by ClaimJoin, making the thread
// joinable again.
func (cb *ControlBlock) AbandonJoin() {
	for {
		s := cb.join.Load()
		if s&modeMask != modeClaimed {
			return
		}
		if cb.join.CompareAndSwap(s, modeJoinable|s&exitedBit) {
			return
		}
	}
}

// Detached reports whether the thread is in detached mode.
func (cb *ControlBlock) Detached() bool {
	return cb.join.Load()&modeMask == modeDetached
}
