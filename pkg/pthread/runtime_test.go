package pthread

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/shm"
)

const testTimeout = 5 * time.Second

func startRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := rt.Close(ctx); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return rt
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func poolStats(t *testing.T, rt *Runtime) PoolStats {
	t.Helper()
	s, err := rt.Stats(testContext(t))
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	return s.Pool
}

func TestRuntime_CreateJoin(t *testing.T) {
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 2},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { return arg + 1 },
		},
	})
	ctx := testContext(t)

	h, err := rt.Create(ctx, Attr{}, 0, 41)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	got, err := rt.Join(ctx, h)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if got != 42 {
		t.Errorf("Join() = %d, want 42", got)
	}

	s := poolStats(t, rt)
	if s.Running != 0 || s.Idle != 2 || s.Created != 2 {
		t.Errorf("Stats() = %+v, want both units idle and none created on demand", s)
	}

	if _, err := rt.Join(ctx, h); !errors.Is(err, core.ESRCH) {
		t.Errorf("second Join() error = %v, want ESRCH", err)
	}
}

func TestRuntime_JoinedHandleIsGone(t *testing.T) {
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { return arg },
		},
	})
	ctx := testContext(t)

	for i := uint64(0); i < 3; i++ {
		h, err := rt.Create(ctx, Attr{}, 0, i)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if got, err := rt.Join(ctx, h); err != nil || got != i {
			t.Fatalf("Join() = %d, %v, want %d", got, err, i)
		}

		// No wait for the unit to be recycled.
		if _, ok := rt.Region().Lookup(h); ok {
			t.Errorf("Lookup(%v) found a joined thread", h)
		}
		if _, err := rt.Join(ctx, h); !errors.Is(err, core.ESRCH) {
			t.Errorf("Join() after Join() error = %v, want ESRCH", err)
		}
		if err := rt.Detach(ctx, h); !errors.Is(err, core.ESRCH) {
			t.Errorf("Detach() after Join() error = %v, want ESRCH", err)
		}
		if err := rt.Cancel(ctx, h); !errors.Is(err, core.ESRCH) {
			t.Errorf("Cancel() after Join() error = %v, want ESRCH", err)
		}
	}

	eventually(t, "unit to return to the pool", func() bool {
		s := poolStats(t, rt)
		return s.Running == 0 && s.Idle == 1
	})
}

func TestRuntime_JoinErrors(t *testing.T) {
	release := make(chan struct{})
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { <-release; return 0 },
		},
	})
	ctx := testContext(t)

	if _, err := rt.Join(ctx, rt.MainThread()); !errors.Is(err, core.EDEADLK) {
		t.Errorf("Join(self) error = %v, want EDEADLK", err)
	}
	if _, err := rt.Join(ctx, shm.Handle(0x42)); !errors.Is(err, core.ESRCH) {
		t.Errorf("Join(unknown) error = %v, want ESRCH", err)
	}

	h, err := rt.Create(ctx, Attr{}, 0, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var onLoop error
	rt.Exec(ctx, func(t *Thread) { _, onLoop = t.Join(ctx, h) })
	if !errors.Is(onLoop, core.EDEADLK) {
		t.Errorf("Join() on the main thread = %v, want EDEADLK", onLoop)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := rt.Join(short, h); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Join() with a short deadline = %v, want DeadlineExceeded", err)
	}

	close(release)
	if _, err := rt.Join(ctx, h); err != nil {
		t.Errorf("Join() after an abandoned join = %v", err)
	}
}

func TestRuntime_DetachedThreadCleansUp(t *testing.T) {
	ran := make(chan struct{})
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { close(ran); return 0 },
		},
	})
	ctx := testContext(t)

	h, err := rt.Create(ctx, Attr{Detached: true}, 0, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	<-ran

	eventually(t, "detached thread cleanup", func() bool {
		s := poolStats(t, rt)
		return s.Running == 0 && s.Idle == 1
	})
	if _, err := rt.Join(ctx, h); !errors.Is(err, core.ESRCH) && !errors.Is(err, core.EINVAL) {
		t.Errorf("Join(detached) error = %v, want ESRCH or EINVAL", err)
	}
}

func TestRuntime_DetachAfterExit(t *testing.T) {
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { return 0 },
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	cb, _ := rt.Region().Lookup(h)
	<-cb.Done()

	if err := rt.Detach(ctx, h); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	eventually(t, "cleanup after detach", func() bool { return poolStats(t, rt).Running == 0 })

	if err := rt.Detach(ctx, h); !errors.Is(err, core.ESRCH) {
		t.Errorf("second Detach() error = %v, want ESRCH", err)
	}
}

func TestRuntime_ExitAndCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	resume := make(chan struct{})
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				t.Exit(arg)
				return 0
			},
			func(t *Thread, arg uint64) uint64 {
				started <- struct{}{}
				for {
					t.TestCancel()
					time.Sleep(time.Millisecond)
				}
			},
			func(t *Thread, arg uint64) uint64 {
				t.SetCancelState(false)
				started <- struct{}{}
				<-resume
				t.TestCancel()
				t.SetCancelState(true)
				t.TestCancel()
				return 1
			},
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 7)
	if got, err := rt.Join(ctx, h); err != nil || got != 7 {
		t.Errorf("Join(exiting thread) = %d, %v, want 7", got, err)
	}

	h, _ = rt.Create(ctx, Attr{}, 1, 0)
	<-started
	if err := rt.Cancel(ctx, h); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got, err := rt.Join(ctx, h); err != nil || got != shm.Canceled {
		t.Errorf("Join(cancelled thread) = %d, %v, want Canceled", got, err)
	}

	h, _ = rt.Create(ctx, Attr{}, 2, 0)
	<-started
	rt.Cancel(ctx, h)
	close(resume)
	if got, err := rt.Join(ctx, h); err != nil || got != shm.Canceled {
		t.Errorf("Join(deferred cancel) = %d, %v, want Canceled", got, err)
	}

	if err := rt.Cancel(ctx, rt.MainThread()); !errors.Is(err, core.EINVAL) {
		t.Errorf("Cancel(main) error = %v, want EINVAL", err)
	}
}

func TestRuntime_MisdeliveredCancelIsForwarded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 2},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				started <- struct{}{}
				for {
					select {
					case <-release:
						return 5
					default:
					}
					t.TestCancel()
					time.Sleep(time.Millisecond)
				}
			},
		},
	})
	ctx := testContext(t)

	a, err := rt.Create(ctx, Attr{}, 0, 0)
	if err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	b, err := rt.Create(ctx, Attr{}, 0, 0)
	if err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}
	<-started
	<-started

	var postErr error
	err = rt.exec(ctx, func() {
		u, ok := rt.pool.Lookup(a)
		if !ok {
			postErr = core.ESRCH
			return
		}
		postErr = u.port.Post(&Envelope{Target: b, Cmd: &Cancel{Thread: b}})
	})
	if err != nil || postErr != nil {
		t.Fatalf("posting to the unit of %v: %v, %v", a, err, postErr)
	}

	if got, err := rt.Join(ctx, b); err != nil || got != shm.Canceled {
		t.Errorf("Join(b) = %d, %v, want Canceled", got, err)
	}
	close(release)
	if got, err := rt.Join(ctx, a); err != nil || got != 5 {
		t.Errorf("Join(a) = %d, %v, want 5", got, err)
	}
}

func TestRuntime_NestedCreate(t *testing.T) {
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { return arg * 3 },
			func(t *Thread, arg uint64) uint64 {
				ctx := context.Background()
				child, err := t.Create(ctx, Attr{}, 0, arg)
				if err != nil {
					return 0
				}
				v, err := t.Join(ctx, child)
				if err != nil {
					return 0
				}
				return v + 1
			},
		},
	})
	ctx := testContext(t)

	h, err := rt.Create(ctx, Attr{}, 1, 5)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got, err := rt.Join(ctx, h); err != nil || got != 16 {
		t.Errorf("Join() = %d, %v, want 16", got, err)
	}
	if s := poolStats(t, rt); s.Created != 2 {
		t.Errorf("Created = %d, want 2 (one warm unit, one on demand)", s.Created)
	}
}

func TestRuntime_StrictFail(t *testing.T) {
	release := make(chan struct{})
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1, Strict: StrictFail},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { <-release; return 0 },
		},
	})
	ctx := testContext(t)

	h, err := rt.Create(ctx, Attr{}, 0, 0)
	if err != nil {
		t.Fatalf("first Create() error = %v", err)
	}
	_, err = rt.Create(ctx, Attr{}, 0, 0)
	if !errors.Is(err, core.EAGAIN) {
		t.Errorf("second Create() error = %v, want EAGAIN", err)
	}
	var errno core.Errno
	if !errors.As(err, &errno) || !errno.Temporary() {
		t.Errorf("EAGAIN should be temporary, got %v", err)
	}
	if live := rt.Region().Live(); live != 2 {
		t.Errorf("Live() = %d, want main plus one thread", live)
	}

	close(release)
	rt.Join(ctx, h)

	h, err = rt.Create(ctx, Attr{}, 0, 0)
	if err != nil {
		t.Errorf("Create() after the unit was released: %v", err)
	}
	rt.Join(ctx, h)
}

func TestRuntime_ProxyToMain(t *testing.T) {
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				var onMain bool
				err := t.ProxySync(context.Background(), shm.Handle(arg), func(ctx context.Context) error {
					mt, ok := ThreadFromContext(ctx)
					onMain = ok && mt.IsMain()
					return nil
				})
				if err != nil || !onMain {
					return 0
				}
				return 1
			},
		},
	})
	ctx := testContext(t)

	var caller *Thread
	err := rt.ProxySync(ctx, rt.MainThread(), func(ctx context.Context) error {
		caller, _ = ThreadFromContext(ctx)
		return nil
	})
	if err != nil {
		t.Fatalf("ProxySync() error = %v", err)
	}
	if caller == nil || !caller.IsMain() {
		t.Error("proxied call did not run on the main thread")
	}

	h, _ := rt.Create(ctx, Attr{}, 0, uint64(rt.MainThread()))
	if got, err := rt.Join(ctx, h); err != nil || got != 1 {
		t.Errorf("worker ProxySync to main = %d, %v, want 1", got, err)
	}

	boom := errors.New("boom")
	err = rt.ProxySync(ctx, rt.MainThread(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("ProxySync() error = %v, want the task's error", err)
	}
}

func TestRuntime_ProxyToWorker(t *testing.T) {
	var served atomic.Bool
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				for !served.Load() {
					t.Yield()
					time.Sleep(time.Millisecond)
				}
				return 0
			},
			func(t *Thread, arg uint64) uint64 {
				var ran bool
				if err := t.ProxyAsync(t.Self(), func(context.Context) { ran = true }); err != nil {
					return 0
				}
				if ran {
					// Never on the caller's stack.
					return 0
				}
				t.Yield()
				if !ran {
					return 0
				}
				return 1
			},
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	var ranOn shm.Handle
	err := rt.ProxySync(ctx, h, func(ctx context.Context) error {
		if wt, ok := ThreadFromContext(ctx); ok {
			ranOn = wt.Handle()
		}
		served.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("ProxySync() error = %v", err)
	}
	if ranOn != h {
		t.Errorf("proxied call ran on %v, want %v", ranOn, h)
	}
	rt.Join(ctx, h)

	var ranInline bool
	rt.Exec(ctx, func(t *Thread) {
		if err := t.ProxySync(ctx, h, func(context.Context) error { return nil }); !errors.Is(err, core.EDEADLK) && !errors.Is(err, core.ESRCH) {
			ranInline = true
		}
	})
	if ranInline {
		t.Error("ProxySync() from the main thread to another thread should be refused")
	}

	h, _ = rt.Create(ctx, Attr{}, 1, 0)
	if got, _ := rt.Join(ctx, h); got != 1 {
		t.Error("self-proxied call should run at the next yield, not inline")
	}
}

func TestRuntime_ProxyToExitedThread(t *testing.T) {
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { return 0 },
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	cb, _ := rt.Region().Lookup(h)
	<-cb.Done()

	err := rt.ProxySync(ctx, h, func(context.Context) error { return nil })
	if !errors.Is(err, core.ESRCH) {
		t.Errorf("ProxySync(exited) error = %v, want ESRCH", err)
	}
	rt.Join(ctx, h)

	if err := rt.ProxyAsync(ctx, h, func(context.Context) {}); !errors.Is(err, core.ESRCH) {
		t.Errorf("ProxyAsync(freed) error = %v, want ESRCH", err)
	}
}

func TestRuntime_ProxyAsyncRacingExit(t *testing.T) {
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 2},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { return 0 },
		},
	})
	ctx := testContext(t)
	noop := func(context.Context) {}

	for i := 0; i < 50; i++ {
		h, err := rt.Create(ctx, Attr{Detached: true}, 0, 0)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		for j := 0; j < 1000; j++ {
			if err := rt.ProxyAsync(ctx, h, noop); err != nil {
				if !errors.Is(err, core.ESRCH) {
					t.Errorf("ProxyAsync() error = %v, want ESRCH", err)
				}
				break
			}
		}
	}

	eventually(t, "detached threads to be cleaned up", func() bool {
		return rt.Region().Live() == 1 && poolStats(t, rt).Running == 0
	})
	if n := rt.queues.Len(); n != 0 {
		t.Errorf("%d task queues left behind by exited threads", n)
	}
}

func TestRuntime_Transfer(t *testing.T) {
	var surface *Transferable
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				v, err := surface.Value(t)
				if err != nil || v != "canvas" {
					return 0
				}
				return 1
			},
			func(t *Thread, arg uint64) uint64 {
				ctx := context.Background()
				child, err := t.Create(ctx, Attr{Transfer: []*Transferable{surface}}, 0, 0)
				if err != nil {
					return 0
				}
				v, err := t.Join(ctx, child)
				if err != nil {
					return 0
				}
				return v + 1
			},
		},
	})
	ctx := testContext(t)
	surface = rt.NewTransferable(ctx, "canvas", "canvas")

	if surface.Owner() != rt.MainThread() {
		t.Fatalf("Owner() = %v, want main", surface.Owner())
	}

	h, err := rt.Create(ctx, Attr{Transfer: []*Transferable{surface}}, 1, 0)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got, err := rt.Join(ctx, h); err != nil || got != 2 {
		t.Errorf("Join() = %d, %v, want 2 (relayed transfer)", got, err)
	}

	if owner := surface.Owner(); owner == rt.MainThread() || owner == h {
		t.Errorf("Owner() = %v, want the grandchild", owner)
	}
	if _, err := rt.Create(ctx, Attr{Transfer: []*Transferable{surface}}, 0, 0); !errors.Is(err, core.EINVAL) {
		t.Errorf("Create() with a foreign resource error = %v, want EINVAL", err)
	}
	if _, err := rt.Create(ctx, Attr{Transfer: []*Transferable{nil}}, 0, 0); !errors.Is(err, core.EINVAL) {
		t.Errorf("Create() with a nil resource error = %v, want EINVAL", err)
	}
}

func TestRuntime_TransferAbortedOnFailedSpawn(t *testing.T) {
	release := make(chan struct{})
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1, Strict: StrictFail},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { <-release; return 0 },
		},
	})
	ctx := testContext(t)
	res := rt.NewTransferable(ctx, "socket", 3)

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	if _, err := rt.Create(ctx, Attr{Transfer: []*Transferable{res}}, 0, 0); !errors.Is(err, core.EAGAIN) {
		t.Fatalf("Create() error = %v, want EAGAIN", err)
	}
	if res.Owner() != rt.MainThread() {
		t.Errorf("Owner() = %v after a failed spawn, want main", res.Owner())
	}

	close(release)
	rt.Join(ctx, h)
}

func TestRuntime_CallMain(t *testing.T) {
	rt := startRuntime(t, Options{
		MainFuncs: []MainFunc{
			func(ctx context.Context, caller shm.Handle, args []float64) (float64, error) {
				return args[0] + args[1], nil
			},
		},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				v, err := t.CallMain(context.Background(), 0, true, 3, 4)
				if err != nil {
					return 0
				}
				return uint64(v)
			},
		},
	})
	ctx := testContext(t)

	if v, err := rt.CallMain(ctx, 0, 1.5, 2); err != nil || v != 3.5 {
		t.Errorf("CallMain() = %v, %v, want 3.5", v, err)
	}
	if _, err := rt.CallMain(ctx, 9); !errors.Is(err, core.ENOSYS) {
		t.Errorf("CallMain(unknown) error = %v, want ENOSYS", err)
	}

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	if got, _ := rt.Join(ctx, h); got != 7 {
		t.Errorf("worker CallMain() = %d, want 7", got)
	}
}

func TestRuntime_Print(t *testing.T) {
	lines := make(chan Diagnostic, 4)
	rt := startRuntime(t, Options{
		Sink: SinkFunc(func(d Diagnostic) { lines <- d }),
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				t.Printf("hello %d", arg)
				t.Alert("careful")
				return 0
			},
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 5)
	rt.Join(ctx, h)

	for _, want := range []Diagnostic{{Stream: Stdout, Text: "hello 5"}, {Stream: Alert, Text: "careful"}} {
		select {
		case d := <-lines:
			if d.Stream != want.Stream || d.Text != want.Text || d.Thread != h {
				t.Errorf("diagnostic = %+v, want %s %q from %v", d, want.Stream, want.Text, h)
			}
		case <-ctx.Done():
			t.Fatal("diagnostic never arrived")
		}
	}
}

func TestRuntime_Kill(t *testing.T) {
	started := make(chan struct{})
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				close(started)
				for {
					t.Yield()
					time.Sleep(time.Millisecond)
				}
			},
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	<-started
	if err := rt.Kill(ctx, h); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	eventually(t, "unit destruction", func() bool {
		s := poolStats(t, rt)
		return s.Destroyed == 1 && s.Running == 0 && s.Idle == 0
	})
	if err := rt.Kill(ctx, rt.MainThread()); !errors.Is(err, core.EINVAL) {
		t.Errorf("Kill(main) error = %v, want EINVAL", err)
	}
}

func TestRuntime_ExitProcess(t *testing.T) {
	rt := startRuntime(t, Options{
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 {
				t.ExitProcess(3)
				return 0
			},
		},
	})
	ctx := testContext(t)

	if _, err := rt.Create(ctx, Attr{}, 0, 0); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	code, err := rt.Wait()
	if code != 3 || err != nil {
		t.Errorf("Wait() = %d, %v, want 3", code, err)
	}
	_, err = rt.Create(ctx, Attr{}, 0, 0)
	if !errors.Is(err, ErrRuntimeClosed) {
		t.Errorf("Create() after exit error = %v, want ErrRuntimeClosed", err)
	}
	if got := core.StatusOf(err); got != int32(core.EAGAIN) {
		t.Errorf("StatusOf(Create() after exit) = %d, want EAGAIN", got)
	}
}

func TestRuntime_BootstrapFailure(t *testing.T) {
	rt, err := New(Options{
		Config: Config{PoolSize: 1},
		Image: ImageFunc(func(ctx context.Context, env Env) (Instance, error) {
			return nil, errors.New("missing export")
		}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	err = rt.Start(testContext(t))
	if !errors.Is(err, ErrBootstrapFailed) {
		t.Fatalf("Start() error = %v, want ErrBootstrapFailed", err)
	}
	var fault *WorkerFault
	if !errors.As(err, &fault) || fault.WorkerID == "" {
		t.Errorf("Start() error should carry the worker fault, got %v", err)
	}

	code, err := rt.Wait()
	if code != 1 || !errors.Is(err, ErrWorkerFault) {
		t.Errorf("Wait() = %d, %v, want 1 and a worker fault", code, err)
	}
}

func TestRuntime_RunFaultIsFatal(t *testing.T) {
	rt := startRuntime(t, Options{
		Config: Config{PoolSize: 1},
		Image: FuncImage{
			func(t *Thread, arg uint64) uint64 { panic("corrupted stack") },
		},
	})
	ctx := testContext(t)

	h, _ := rt.Create(ctx, Attr{}, 0, 0)
	code, err := rt.Wait()
	if code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}

	var fault *WorkerFault
	if !errors.As(err, &fault) {
		t.Fatalf("Wait() error = %v, want a WorkerFault", err)
	}
	if fault.Stage != StageRun || fault.Thread != h || errors.Is(err, ErrBootstrapFailed) {
		t.Errorf("fault = %+v, want a run fault of %v", fault, h)
	}
	if fault.File == "" {
		t.Error("fault should record where the panic happened")
	}
}

func TestRuntime_StartTwice(t *testing.T) {
	rt := startRuntime(t, Options{Image: FuncImage{}})
	if err := rt.Start(testContext(t)); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() without an image should fail")
	}
	if _, err := New(Options{Image: FuncImage{}, Config: Config{PoolSize: -1}}); err == nil {
		t.Error("New() with a negative pool size should fail")
	}
	if _, err := New(Options{Image: FuncImage{}, Config: Config{Strict: "sometimes"}}); err == nil {
		t.Error("New() with an unknown strict mode should fail")
	}
}
