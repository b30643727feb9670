package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/pthread"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// Main function table entries of the built-in workload.
const (
	mainSquare = iota
)

// Built-in routines.
const (
	routineSumSquares uint32 = iota
)

// workload is the built-in program: every thread sums the squares of 1..arg,
// computing each square on the main thread, then reports to main with a
// synchronous proxied call.
type workload struct {
	cfg    WorkloadConfig
	logger core.Logger

	// completed is only touched by tasks proxied to the main thread.
	completed int64
	reported  atomic.Int64
}

func newWorkload(cfg WorkloadConfig, logger core.Logger) *workload {
	return &workload{cfg: cfg, logger: logger}
}

func (w *workload) image() pthread.Image {
	return pthread.FuncImage{
		routineSumSquares: w.sumSquares,
	}
}

func (w *workload) mainFuncs() []pthread.MainFunc {
	return []pthread.MainFunc{
		mainSquare: func(ctx context.Context, caller shm.Handle, args []float64) (float64, error) {
			if len(args) != 1 {
				return 0, fmt.Errorf("square takes 1 argument, got %d", len(args))
			}
			return args[0] * args[0], nil
		},
	}
}

func (w *workload) sumSquares(t *pthread.Thread, n uint64) uint64 {
	ctx := t.Context()

	var sum uint64
	for i := uint64(1); i <= n; i++ {
		v, err := t.CallMain(ctx, mainSquare, true, float64(i))
		if err != nil {
			t.PrintErr(fmt.Sprintf("square(%d): %v", i, err))
			t.Exit(shm.Canceled)
		}
		sum += uint64(v)
		t.TestCancel()
	}

	err := t.ProxySync(ctx, t.Runtime().MainThread(), func(ctx context.Context) error {
		w.completed++
		w.reported.Store(w.completed)
		return nil
	})
	if err != nil {
		t.PrintErr(fmt.Sprintf("report: %v", err))
	}

	t.Printf("sum of squares 1..%d = %d", n, sum)
	return sum
}

// run starts cfg.Threads threads from the main thread's side and checks
// their results.
func (w *workload) run(ctx context.Context, rt *pthread.Runtime) error {
	want := sumOfSquares(w.cfg.Arg)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Threads; i++ {
		g.Go(func() error {
			h, err := rt.Create(gctx, pthread.Attr{}, routineSumSquares, w.cfg.Arg)
			if err != nil {
				return fmt.Errorf("create: %w", err)
			}
			got, err := rt.Join(gctx, h)
			if err != nil {
				return fmt.Errorf("join %v: %w", h, err)
			}
			if got != want {
				return fmt.Errorf("thread %v returned %d, want %d", h, got, want)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	w.logger.Infof("workload done: %d threads reported", w.reported.Load())
	return nil
}

func sumOfSquares(n uint64) uint64 {
	return n * (n + 1) * (2*n + 1) / 6
}
