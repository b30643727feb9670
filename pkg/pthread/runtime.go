// Package pthread emulates POSIX threads on a pool of isolated execution
// units. Units only talk to each other through envelopes and the shared
// memory region; a single coordinator loop owns the pool.
package pthread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/core/concurrency"
	metrics "github.com/fluxorio/pthreads/pkg/observability/prometheus"
	"github.com/fluxorio/pthreads/pkg/proxy"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// MainFunc is an entry of the main function table. caller is the thread
// that proxied the call.
type MainFunc func(ctx context.Context, caller shm.Handle, args []float64) (float64, error)

// Options configures a Runtime.
type Options struct {
	Config Config

	// Image is instantiated by every unit during bootstrap.
	Image Image
	Env   Env

	Logger         core.Logger
	Metrics        *metrics.PoolMetrics
	TracerProvider trace.TracerProvider

	// Sink receives thread output; defaults to a LoggerSink.
	Sink DiagnosticSink

	MainFuncs  []MainFunc
	Marshaller Marshaller

	// newPort replaces the worker goroutine in tests.
	newPort PortFactory
}

// Stats is a snapshot of the runtime.
type Stats struct {
	Pool    PoolStats `json:"pool"`
	Threads int       `json:"threads"`
}

// inbound is one item of the coordinator inbox: an envelope from a unit
// (from is nil for callers outside the pool) or a function to run on the
// loop.
type inbound struct {
	from *Unit
	env  *Envelope
	call func()
}

// Runtime is the coordinating context.
type Runtime struct {
	cfg        Config
	image      Image
	env        Env
	logger     core.Logger
	metrics    *metrics.PoolMetrics
	tracer     trace.Tracer
	sink       DiagnosticSink
	mainFuncs  []MainFunc
	marshaller Marshaller

	region *shm.Region
	queues *proxy.Queue
	pool   *PoolManager
	inbox  concurrency.Mailbox
	main   *Thread

	ctx      context.Context
	cancel   context.CancelFunc
	started  atomic.Bool
	loopDone chan struct{}

	stopOnce sync.Once
	exitCode int
	fault    error

	// current is the thread whose message is being handled. Loop-owned.
	current shm.Handle
}

// New creates a runtime. Call Start to warm up the pool and run it.
func New(opts Options) (*Runtime, error) {
	if opts.Image == nil {
		return nil, errors.New("pthread: an image is required")
	}
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	if opts.Sink == nil {
		opts.Sink = LoggerSink{Logger: opts.Logger}
	}
	if opts.Marshaller == nil {
		opts.Marshaller = Float64Codec{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:        cfg,
		image:      opts.Image,
		env:        opts.Env,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		tracer:     newTracer(opts.TracerProvider),
		sink:       opts.Sink,
		mainFuncs:  opts.MainFuncs,
		marshaller: opts.Marshaller,
		region:     shm.NewRegion(ctx),
		queues:     proxy.New(),
		inbox:      concurrency.NewUnboundedMailbox(),
		ctx:        ctx,
		cancel:     cancel,
		loopDone:   make(chan struct{}),
	}
	r.main = newThread(r, r.region.Main(), nil)

	newPort := opts.newPort
	if newPort == nil {
		newPort = func(u *Unit) (Port, error) { return startWorker(r, u), nil }
	}
	r.pool = NewPoolManager(PoolOptions{
		Size:      cfg.PoolSize,
		Strict:    cfg.Strict,
		NewPort:   newPort,
		Bootstrap: r.bootstrap,
		Region:    r.region,
		Logger:    r.logger,
		Metrics:   r.metrics,
	})
	return r, nil
}

func (r *Runtime) bootstrap() *Envelope {
	return &Envelope{Cmd: &Load{Region: r.region, Image: r.image, Env: r.env}}
}

// Start runs the coordinator loop, creates the configured number of units
// and waits until they have all loaded.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("pthread: runtime already started")
	}
	go r.loop()

	ready := make(chan struct{})
	err := r.inbox.Send(inbound{call: func() {
		if err := r.pool.WarmUp(r.cfg.PoolSize); err != nil {
			r.logger.Errorf("warm up: %v", err)
			r.stop(1, err)
			return
		}
		r.pool.WhenLoaded(func() { close(ready) })
	}})
	if err != nil {
		return ErrRuntimeClosed
	}

	select {
	case <-ready:
		r.logger.Infof("runtime started with %d units (strict=%s)", r.cfg.PoolSize, r.cfg.Strict)
		return nil
	case <-r.loopDone:
		if r.fault != nil {
			return r.fault
		}
		return ErrRuntimeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) loop() {
	defer close(r.loopDone)
	defer func() {
		r.inbox.Close()
		r.pool.TerminateAll()
		r.region.Close()
		r.logger.Debugf("coordinator stopped (exit code %d)", r.exitCode)
	}()

	for {
		msg, err := r.inbox.Receive(r.ctx)
		if err != nil {
			return
		}
		r.handle(msg.(inbound))
	}
}

// handle processes one inbox item on the loop.
func (r *Runtime) handle(in inbound) {
	if in.call != nil {
		in.call()
		return
	}

	env := in.env
	if in.from != nil {
		r.current = in.from.thread
	}
	defer func() { r.current = shm.NoThread }()

	if r.cfg.Debug {
		from := "external"
		if in.from != nil {
			from = in.from.ID()
		}
		r.logger.Debugf("coordinator received %s from %s (target %v)", commandName(env.Cmd), from, env.Target)
	}

	if env.Target != shm.NoThread && env.Target != r.main.Handle() {
		r.forward(in.from, env)
		return
	}
	r.dispatch(in.from, env)
}

// forward hands env unchanged to the unit hosting its target.
func (r *Runtime) forward(from *Unit, env *Envelope) {
	name := commandName(env.Cmd)
	dest, ok := r.pool.Lookup(env.Target)
	if !ok || dest == from {
		r.logger.Errorf("%v %v: dropping %s", ErrUnknownTarget, env.Target, name)
		r.metrics.RecordMessage(name, "unknown_target")
		return
	}
	if err := r.pool.Post(dest, env); err != nil {
		r.metrics.RecordMessage(name, "unknown_target")
		return
	}
	r.metrics.RecordMessage(name, "forwarded")
}

func (r *Runtime) dispatch(from *Unit, env *Envelope) {
	switch cmd := env.Cmd.(type) {
	case *Spawn:
		status := r.spawn(env, cmd)
		if cmd.Reply != nil {
			cmd.Reply.Send(status)
		}
	case *Loaded:
		if from == nil {
			r.logger.Error("loaded acknowledgement from outside the pool")
			break
		}
		r.pool.Loaded(from)
	case *Cleanup:
		r.cleanup(cmd.Thread)
	case *Kill:
		r.destroy(cmd.Thread)
	case *Cancel:
		r.deliverCancel(cmd.Thread)
	case *ProcessQueue:
		r.drainMain(cmd.Queue)
	case *Print:
		r.sink.Emit(Diagnostic{Stream: cmd.Stream, Thread: cmd.Thread, Text: cmd.Text, Time: time.Now()})
	case *WorkerError:
		r.workerFault(cmd.Fault)
	case *CallMain:
		r.invokeMain(cmd)
	case *ExitProcess:
		r.stop(cmd.Code, nil)
	default:
		// Load and Run are only meaningful to units.
		name := commandName(env.Cmd)
		r.logger.Errorf("%v: %s", ErrUnrecognizedCommand, name)
		r.metrics.RecordMessage(name, "unrecognized")
		return
	}
	r.metrics.RecordMessage(env.Cmd.Name(), "handled")
}

func (r *Runtime) cleanup(h shm.Handle) {
	u, ok := r.pool.Lookup(h)
	if !ok {
		r.logger.Debugf("cleanup of unknown thread %v", h)
		return
	}
	if n := r.queues.Forget(h); n > 0 {
		r.logger.Warnf("thread %v exited with %d proxied calls still queued", h, n)
	}
	r.pool.Release(u)
}

func (r *Runtime) destroy(h shm.Handle) {
	u, ok := r.pool.Lookup(h)
	if !ok {
		r.logger.Debugf("kill of unknown thread %v", h)
		return
	}
	r.queues.Forget(h)
	r.pool.Destroy(u)
}

func (r *Runtime) deliverCancel(h shm.Handle) {
	u, ok := r.pool.Lookup(h)
	if !ok {
		r.logger.Debugf("cancel of unknown thread %v", h)
		return
	}
	r.pool.Post(u, &Envelope{Cmd: &Cancel{Thread: h}})
}

func (r *Runtime) workerFault(f *WorkerFault) {
	if f == nil {
		f = &WorkerFault{Stage: StageRun, Err: errors.New("unspecified worker error")}
	}
	r.logger.Errorf("fatal: %v", f)
	r.metrics.RecordFault(f.Stage)
	r.stop(1, f)
}

func (r *Runtime) invokeMain(cmd *CallMain) {
	var res callResult
	index, args, err := r.marshaller.Decode(cmd.Args)
	switch {
	case err != nil:
		res.Err = fmt.Errorf("decode main call: %w", err)
	case index < 0 || index >= len(r.mainFuncs) || r.mainFuncs[index] == nil:
		res.Err = fmt.Errorf("main function %d: %w", index, core.ENOSYS)
	default:
		res.Value, res.Err = r.mainFuncs[index](r.main.ctx, r.current, args)
	}

	if cmd.Reply != nil {
		cmd.Reply.Send(res)
		return
	}
	if res.Err != nil {
		r.logger.Errorf("asynchronous main call from %v failed: %v", r.current, res.Err)
	}
}

// stop ends the loop. The first call decides the exit code.
func (r *Runtime) stop(code int, fault error) {
	r.stopOnce.Do(func() {
		r.exitCode = code
		r.fault = fault
		r.cancel()
	})
}

// Close stops the runtime and waits for the coordinator to terminate every
// unit.
func (r *Runtime) Close(ctx context.Context) error {
	if r.started.CompareAndSwap(false, true) {
		go r.loop()
	}
	r.stop(0, nil)

	select {
	case <-r.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the runtime stops and returns its exit code and the
// worker fault that stopped it, if any.
func (r *Runtime) Wait() (int, error) {
	<-r.loopDone
	return r.exitCode, r.fault
}

// Done is closed once the runtime has stopped.
func (r *Runtime) Done() <-chan struct{} {
	return r.loopDone
}

// MainThread returns the main thread's handle.
func (r *Runtime) MainThread() shm.Handle {
	return r.main.Handle()
}

// Region returns the shared memory region holding the control blocks.
func (r *Runtime) Region() *shm.Region {
	return r.region
}

// ProxiedCaller returns the thread whose message the coordinator is
// handling. It is only meaningful on the main thread.
func (r *Runtime) ProxiedCaller() shm.Handle {
	return r.current
}

// Stats returns a snapshot taken on the coordinator loop.
func (r *Runtime) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.exec(ctx, func() {
		s.Pool = r.pool.Stats()
		s.Threads = r.region.Live() - 1
	})
	return s, err
}

// Exec runs fn as the main thread and waits for it.
func (r *Runtime) Exec(ctx context.Context, fn func(t *Thread)) error {
	if t := r.callerOf(ctx); t != nil && t.onLoop() {
		fn(t)
		return nil
	}
	return r.exec(ctx, func() { fn(r.main) })
}

func (r *Runtime) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := r.inbox.Send(inbound{call: func() { fn(); close(done) }}); err != nil {
		return ErrRuntimeClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrRuntimeClosed
		}
	}
}

// deliver queues env for the coordinator on behalf of unit from.
func (r *Runtime) deliver(from *Unit, env *Envelope) error {
	if err := r.inbox.Send(inbound{from: from, env: env}); err != nil {
		return ErrRuntimeClosed
	}
	return nil
}

// route hands env to the coordinator for the calling thread. On the loop
// it is handled in place; from a unit or from outside it is queued.
func (r *Runtime) route(from *Thread, env *Envelope) error {
	if from == nil {
		return r.deliver(nil, env)
	}
	if from.onLoop() {
		if env.Target != shm.NoThread && env.Target != r.main.Handle() {
			r.forward(nil, env)
		} else {
			r.dispatch(nil, env)
		}
		return nil
	}
	if from.w.ctx.Err() != nil {
		panic(killSignal{})
	}
	return r.deliver(from.w.unit, env)
}

// bind derives a context that also ends when the runtime stops or the
// caller's unit is terminated.
func (r *Runtime) bind(ctx context.Context, from *Thread) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stops := []func() bool{context.AfterFunc(r.ctx, cancel)}
	if from != nil && from.w != nil {
		stops = append(stops, context.AfterFunc(from.w.ctx, cancel))
	}
	return ctx, func() {
		for _, stop := range stops {
			stop()
		}
		cancel()
	}
}

// waitErr maps the error of an aborted wait.
func (r *Runtime) waitErr(from *Thread, err error) error {
	if from != nil && from.w != nil && from.w.ctx.Err() != nil {
		panic(killSignal{})
	}
	if r.ctx.Err() != nil {
		return ErrRuntimeClosed
	}
	return err
}

// await blocks the caller until box receives a reply.
func (r *Runtime) await(ctx context.Context, from *Thread, box concurrency.Mailbox) (any, error) {
	ctx, cancel := r.bind(ctx, from)
	defer cancel()

	if from != nil {
		from.cb.SetStatus(shm.WaitingProxy)
		defer from.cb.SetStatus(shm.Running)
	}

	start := time.Now()
	msg, err := box.Receive(ctx)
	r.metrics.RecordSyncProxy(time.Since(start))
	if err != nil {
		return nil, r.waitErr(from, err)
	}
	return msg, nil
}

func (r *Runtime) callerOf(ctx context.Context) *Thread {
	if t, ok := ThreadFromContext(ctx); ok && t.rt == r {
		return t
	}
	return nil
}

// ownerOf is the handle that owns resources created by from. Callers from
// outside the pool act for the main thread.
func (r *Runtime) ownerOf(from *Thread) shm.Handle {
	if from == nil {
		return r.main.Handle()
	}
	return from.Handle()
}

func (r *Runtime) print(from *Thread, stream Stream, text string) {
	env := &Envelope{Cmd: &Print{Stream: stream, Thread: r.ownerOf(from), Text: text}}
	if err := r.route(from, env); err != nil {
		r.logger.Debugf("dropping output of %v: %v", r.ownerOf(from), err)
	}
}

func (r *Runtime) exitProcess(from *Thread, code int) {
	if err := r.route(from, &Envelope{Cmd: &ExitProcess{Code: code}}); err != nil {
		r.logger.Debugf("exit process: %v", err)
	}
}

func (r *Runtime) callMain(ctx context.Context, from *Thread, index int, sync bool, args []float64) (float64, error) {
	buf, err := r.marshaller.Encode(index, args)
	if err != nil {
		return 0, err
	}
	cmd := &CallMain{Args: buf}
	env := &Envelope{Cmd: cmd}

	if from != nil && from.onLoop() {
		if !sync {
			// Run after the current message, like any other caller.
			if err := r.inbox.Send(inbound{env: env}); err != nil {
				return 0, ErrRuntimeClosed
			}
			return 0, nil
		}
		reply := concurrency.NewReplyBox()
		cmd.Reply = reply
		r.invokeMain(cmd)
		msg, _, _ := reply.TryReceive()
		res := msg.(callResult)
		return res.Value, res.Err
	}

	var reply concurrency.Mailbox
	if sync {
		reply = concurrency.NewReplyBox()
		cmd.Reply = reply
	}
	if err := r.route(from, env); err != nil {
		return 0, err
	}
	if !sync {
		return 0, nil
	}

	msg, err := r.await(ctx, from, reply)
	if err != nil {
		return 0, err
	}
	res := msg.(callResult)
	return res.Value, res.Err
}

// Create starts a thread running routine(arg) on behalf of the thread ctx
// belongs to, or of the main thread for other contexts.
func (r *Runtime) Create(ctx context.Context, attr Attr, routine uint32, arg uint64) (shm.Handle, error) {
	return r.create(ctx, r.callerOf(ctx), attr, routine, arg)
}

// Join waits for thread h, frees it and returns its result.
func (r *Runtime) Join(ctx context.Context, h shm.Handle) (uint64, error) {
	return r.join(ctx, r.callerOf(ctx), h)
}

// Detach makes h free itself when it exits.
func (r *Runtime) Detach(ctx context.Context, h shm.Handle) error {
	return r.detach(r.callerOf(ctx), h)
}

// Cancel requests cooperative cancellation of h.
func (r *Runtime) Cancel(ctx context.Context, h shm.Handle) error {
	return r.cancelThread(r.callerOf(ctx), h)
}

// Kill destroys the unit hosting h.
func (r *Runtime) Kill(ctx context.Context, h shm.Handle) error {
	return r.kill(r.callerOf(ctx), h)
}

// ProxyAsync queues task to run on thread target.
func (r *Runtime) ProxyAsync(ctx context.Context, target shm.Handle, task proxy.Task) error {
	return r.proxyAsync(r.callerOf(ctx), target, task)
}

// ProxySync runs task on thread target and waits for its result.
func (r *Runtime) ProxySync(ctx context.Context, target shm.Handle, task func(ctx context.Context) error) error {
	return r.proxySync(ctx, r.callerOf(ctx), target, task)
}

// CallMain synchronously invokes entry index of the main function table.
func (r *Runtime) CallMain(ctx context.Context, index int, args ...float64) (float64, error) {
	return r.callMain(ctx, r.callerOf(ctx), index, true, args)
}

// NewTransferable creates a resource owned by the calling thread.
func (r *Runtime) NewTransferable(ctx context.Context, name string, value any) *Transferable {
	return newTransferable(name, r.ownerOf(r.callerOf(ctx)), value)
}
