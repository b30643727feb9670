package pthread

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/core/concurrency"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// exitSignal unwinds a thread's stack on Thread.Exit or when it acts on a
// cancellation request.
type exitSignal struct {
	t     *Thread
	value uint64
}

// killSignal unwinds a thread whose unit has been terminated.
type killSignal struct{}

// faultSignal carries a fault out of a nested message handler.
type faultSignal struct {
	err error
}

var errKilled = errors.New("unit terminated")

// worker is one execution unit: a goroutine that processes its inbox one
// envelope at a time. While a thread runs, the inbox is only read at the
// thread's checkpoints.
type worker struct {
	rt     *Runtime
	unit   *Unit
	inbox  concurrency.Mailbox
	logger core.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the worker goroutine.
	region   *shm.Region
	instance Instance
	loaded   bool
	hosted   shm.Handle
	current  *Thread
	depth    int
}

func startWorker(rt *Runtime, u *Unit) *worker {
	ctx, cancel := context.WithCancel(rt.ctx)
	w := &worker{
		rt:     rt,
		unit:   u,
		inbox:  concurrency.NewUnboundedMailbox(),
		logger: rt.logger.With("worker", u.ID()),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Post implements Port.
func (w *worker) Post(env *Envelope) error {
	if err := w.inbox.Send(env); err != nil {
		return fmt.Errorf("worker %s: %w", w.unit.ID(), err)
	}
	return nil
}

// Terminate implements Port.
func (w *worker) Terminate() {
	w.cancel()
	w.inbox.Close()
}

func (w *worker) run() {
	defer close(w.done)
	defer w.closeInstance()

	for {
		msg, err := w.inbox.Receive(w.ctx)
		if err != nil {
			return
		}

		if err := w.handle(msg.(*Envelope)); err != nil {
			if !errors.Is(err, errKilled) {
				w.report(err)
			}
			return
		}
	}
}

func (w *worker) closeInstance() {
	if w.instance == nil {
		return
	}
	if err := w.instance.Close(context.Background()); err != nil {
		w.logger.Warnf("close instance: %v", err)
	}
}

// handle processes one envelope. Panics are turned into faults, except the
// unwinding signals of a running thread, which keep propagating to the
// thread's entry point.
func (w *worker) handle(env *Envelope) (err error) {
	w.depth++
	defer func() {
		w.depth--
		r := recover()
		if r == nil {
			return
		}
		switch sig := r.(type) {
		case exitSignal, killSignal:
			if w.depth > 0 {
				panic(sig)
			}
			if _, ok := sig.(killSignal); ok {
				err = errKilled
				return
			}
			err = w.fault(fmt.Errorf("thread exit outside of a running thread"), "", 0)
		case faultSignal:
			err = sig.err
		default:
			file, line := panicSite()
			err = w.fault(panicError(r), file, line)
		}
	}()

	if w.rt.cfg.Debug {
		w.logger.Debugf("received %s (target %v)", commandName(env.Cmd), env.Target)
	}

	if env.Target != shm.NoThread && env.Target != w.hosted {
		// Not ours (any more): let the coordinator route it.
		w.send(env)
		return nil
	}

	switch cmd := env.Cmd.(type) {
	case *Load:
		return w.load(cmd)
	case *Run:
		return w.start(env, cmd)
	case *Cancel:
		if w.current != nil && w.current.Handle() == cmd.Thread {
			w.current.cb.RequestCancel()
		}
	case *ProcessQueue:
		w.processQueue(cmd)
	default:
		w.logger.Errorf("%v: %s", ErrUnrecognizedCommand, commandName(env.Cmd))
	}
	return nil
}

func (w *worker) load(cmd *Load) error {
	if w.loaded {
		w.logger.Warn("ignoring second load instruction")
		return nil
	}

	w.region = cmd.Region
	inst, err := cmd.Image.Instantiate(w.ctx, cmd.Env)
	if err != nil {
		return w.fault(err, "", 0)
	}
	w.instance = inst
	w.loaded = true

	w.send(&Envelope{Cmd: &Loaded{}})
	return nil
}

func (w *worker) start(env *Envelope, cmd *Run) error {
	w.hosted = cmd.Thread

	cb, ok := w.region.Lookup(cmd.Thread)
	if !ok || cb.Finished() {
		w.logger.Debugf("thread %v ended before it started", cmd.Thread)
		return nil
	}

	for _, tr := range env.Transfer {
		tr.complete(cmd.Thread)
	}

	t := newThread(w.rt, cb, w)
	w.current = t
	cb.SetStatus(shm.Running)

	result, err := w.invoke(t, cmd)
	w.current = nil
	if err != nil {
		return err
	}

	cb.Finish(result)
	if w.rt.cfg.Debug {
		w.logger.Debugf("thread %v exited with %d", cmd.Thread, result)
	}

	if cb.MarkExited() {
		w.send(&Envelope{Cmd: &Cleanup{Thread: cmd.Thread}})
	}
	return nil
}

// invoke runs the entry point and turns an exit signal of t into its result.
func (w *worker) invoke(t *Thread, cmd *Run) (result uint64, err error) {
	defer func() {
		r := recover()
		switch sig := r.(type) {
		case nil:
		case exitSignal:
			if sig.t != t {
				panic(sig)
			}
			result = sig.value
		case killSignal, faultSignal:
			panic(sig)
		default:
			file, line := panicSite()
			err = w.fault(panicError(r), file, line)
		}
	}()

	result, err = w.instance.Invoke(t.ctx, t, cmd.Routine, cmd.Arg)
	if err != nil {
		return 0, w.fault(err, "", 0)
	}
	return result, nil
}

func (w *worker) processQueue(cmd *ProcessQueue) {
	tq := cmd.Queue
	alive := w.current != nil && w.current.Handle() == tq.Thread()

	ctx := w.ctx
	if alive {
		ctx = w.current.ctx
	}
	n := tq.Drain(ctx, alive)
	w.rt.metrics.RecordDrain(n)
}

// pump handles everything queued in the inbox. It runs on the thread's
// stack at its checkpoints.
func (w *worker) pump() {
	for {
		if w.ctx.Err() != nil {
			panic(killSignal{})
		}
		msg, ok, err := w.inbox.TryReceive()
		if err != nil {
			panic(killSignal{})
		}
		if !ok {
			return
		}
		if err := w.handle(msg.(*Envelope)); err != nil {
			panic(faultSignal{err: err})
		}
	}
}

// send posts env to the coordinator. A terminated unit stays silent.
func (w *worker) send(env *Envelope) {
	if w.ctx.Err() != nil {
		return
	}
	if err := w.rt.deliver(w.unit, env); err != nil {
		w.logger.Debugf("dropping %s: %v", commandName(env.Cmd), err)
	}
}

func (w *worker) fault(err error, file string, line int) *WorkerFault {
	stage := StageRun
	if !w.loaded {
		stage = StageBootstrap
	}
	thread := shm.NoThread
	if w.current != nil {
		thread = w.current.Handle()
	}
	return &WorkerFault{
		WorkerID: w.unit.ID(),
		Thread:   thread,
		Stage:    stage,
		File:     file,
		Line:     line,
		Err:      err,
	}
}

// report logs a fault with its location and hands it to the coordinator.
func (w *worker) report(err error) {
	var f *WorkerFault
	if !errors.As(err, &f) {
		f = w.fault(err, "", 0)
	}
	if f.File != "" {
		w.logger.Errorf("worker sent an error! %s:%d: %v", f.File, f.Line, f.Err)
	} else {
		w.logger.Errorf("worker sent an error! %v", f.Err)
	}
	w.send(&Envelope{Cmd: &WorkerError{Fault: f}})
}

func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

// panicSite returns the location that raised the panic being recovered.
func panicSite() (string, int) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	panicking := false
	for {
		f, more := frames.Next()
		if panicking && !strings.HasPrefix(f.Function, "runtime.") {
			return f.File, f.Line
		}
		if f.Function == "runtime.gopanic" {
			panicking = true
		}
		if !more {
			return "", 0
		}
	}
}
