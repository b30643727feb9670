package pthread

import (
	"context"
	"fmt"
	"runtime"

	"github.com/fluxorio/pthreads/pkg/proxy"
	"github.com/fluxorio/pthreads/pkg/shm"
)

type threadKey struct{}

// Thread is the running thread's view of the runtime. A Thread must only be
// used from its own goroutine: the worker hosting it, or the coordinator
// loop for the main thread.
type Thread struct {
	rt  *Runtime
	cb  *shm.ControlBlock
	w   *worker // nil for the main thread
	ctx context.Context
}

func newThread(rt *Runtime, cb *shm.ControlBlock, w *worker) *Thread {
	t := &Thread{rt: rt, cb: cb, w: w}
	t.ctx = context.WithValue(cb.Context(), threadKey{}, t)
	return t
}

// ThreadFromContext returns the thread a context belongs to. Code running
// as a thread entry point or as a proxied call receives such a context.
func ThreadFromContext(ctx context.Context) (*Thread, bool) {
	t, ok := ctx.Value(threadKey{}).(*Thread)
	return t, ok
}

// Handle returns the thread's handle.
func (t *Thread) Handle() shm.Handle {
	return t.cb.Handle()
}

// Self is an alias of Handle.
func (t *Thread) Self() shm.Handle {
	return t.cb.Handle()
}

// IsMain reports whether t is the main thread.
func (t *Thread) IsMain() bool {
	return t.w == nil
}

// Runtime returns the runtime the thread belongs to.
func (t *Thread) Runtime() *Runtime {
	return t.rt
}

func (t *Thread) onLoop() bool {
	return t.w == nil
}

// Context is cancelled when a cancellation request takes effect or the
// thread finishes.
func (t *Thread) Context() context.Context {
	return t.ctx
}

// Status returns the thread's diagnostic status.
func (t *Thread) Status() shm.Status {
	return t.cb.Status()
}

// Create starts a new thread running routine(arg).
func (t *Thread) Create(ctx context.Context, attr Attr, routine uint32, arg uint64) (shm.Handle, error) {
	return t.rt.create(ctx, t, attr, routine, arg)
}

// Join waits for thread h and returns its result.
func (t *Thread) Join(ctx context.Context, h shm.Handle) (uint64, error) {
	return t.rt.join(ctx, t, h)
}

// Detach makes h clean up after itself when it exits.
func (t *Thread) Detach(h shm.Handle) error {
	return t.rt.detach(t, h)
}

// Cancel requests cooperative cancellation of h.
func (t *Thread) Cancel(h shm.Handle) error {
	return t.rt.cancelThread(t, h)
}

// Kill destroys the unit hosting h. Work in flight on it is lost.
func (t *Thread) Kill(h shm.Handle) error {
	return t.rt.kill(t, h)
}

// Exit ends the calling thread with value. It does not return. On the main
// thread it stops the runtime with exit code value instead.
func (t *Thread) Exit(value uint64) {
	if t.onLoop() {
		t.rt.stop(int(value), nil)
		return
	}
	panic(exitSignal{t: t, value: value})
}

// TestCancel is a cancellation checkpoint: it handles pending messages and
// exits the thread with shm.Canceled if cancellation was requested and is
// enabled.
func (t *Thread) TestCancel() {
	if t.onLoop() {
		return
	}
	t.w.pump()
	if t.cb.CancelPending() {
		panic(exitSignal{t: t, value: shm.Canceled})
	}
}

// Yield handles pending messages, including proxied calls queued for this
// thread, then lets other goroutines run.
func (t *Thread) Yield() {
	if !t.onLoop() {
		t.w.pump()
	}
	runtime.Gosched()
}

// SetCancelState enables or disables cancellation and returns the previous
// setting.
func (t *Thread) SetCancelState(enabled bool) bool {
	return t.cb.SetCancelEnabled(enabled)
}

// Print writes a line to the diagnostic output stream.
func (t *Thread) Print(text string) {
	t.rt.print(t, Stdout, text)
}

// Printf formats and prints a line.
func (t *Thread) Printf(format string, args ...any) {
	t.rt.print(t, Stdout, fmt.Sprintf(format, args...))
}

// PrintErr writes a line to the diagnostic error stream.
func (t *Thread) PrintErr(text string) {
	t.rt.print(t, Stderr, text)
}

// Alert raises an operator alert.
func (t *Thread) Alert(text string) {
	t.rt.print(t, Alert, text)
}

// CallMain invokes entry index of the main function table with args. If
// sync is false the call is queued and CallMain returns 0 at once.
func (t *Thread) CallMain(ctx context.Context, index int, sync bool, args ...float64) (float64, error) {
	return t.rt.callMain(ctx, t, index, sync, args)
}

// ExitProcess stops the runtime with code.
func (t *Thread) ExitProcess(code int) {
	t.rt.exitProcess(t, code)
}

// ProxyAsync queues task to run on thread target.
func (t *Thread) ProxyAsync(target shm.Handle, task proxy.Task) error {
	return t.rt.proxyAsync(t, target, task)
}

// ProxySync runs task on thread target and waits for it.
func (t *Thread) ProxySync(ctx context.Context, target shm.Handle, task func(ctx context.Context) error) error {
	return t.rt.proxySync(ctx, t, target, task)
}

// NewTransferable creates a resource owned by t.
func (t *Thread) NewTransferable(name string, value any) *Transferable {
	return newTransferable(name, t.Handle(), value)
}
