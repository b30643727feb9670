package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/fluxorio/pthreads/pkg/admin"
	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/diag/natsink"
	metrics "github.com/fluxorio/pthreads/pkg/observability/prometheus"
	"github.com/fluxorio/pthreads/pkg/observability/tracing"
	"github.com/fluxorio/pthreads/pkg/pthread"
	"github.com/fluxorio/pthreads/pkg/wasmimage"
)

// app owns the runtime and everything wired around it.
type app struct {
	cfg    *AppConfig
	logger core.Logger

	rt       *pthread.Runtime
	tp       *sdktrace.TracerProvider
	sink     *natsink.Sink
	admin    *admin.Server
	wasm     *wasmimage.Image
	entry    uint32
	workload *workload
}

func newApp(ctx context.Context, cfg *AppConfig, logger core.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.tp, err = tracing.NewProvider(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}

	sinks := pthread.MultiSink{pthread.LoggerSink{Logger: logger.With("component", "threads")}}
	if cfg.NATS.Enabled {
		a.sink, err = natsink.Connect(cfg.NATS.Sink, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a.sink)
		logger.Infof("publishing thread output to NATS under %s", cfg.NATS.Sink.Prefix)
	}

	opts := pthread.Options{
		Config:         cfg.Pool,
		Logger:         logger,
		Metrics:        metrics.GetMetrics(),
		TracerProvider: a.tp,
		Sink:           sinks,
		Env:            pthread.Env{"PTHREADS_POOL_SIZE": fmt.Sprint(cfg.Pool.PoolSize)},
	}

	if cfg.Wasm.Path != "" {
		if err := a.loadWasm(ctx, &opts); err != nil {
			return nil, err
		}
	} else {
		a.workload = newWorkload(cfg.Workload, logger)
		opts.Image = a.workload.image()
		opts.MainFuncs = a.workload.mainFuncs()
	}

	a.rt, err = pthread.New(opts)
	if err != nil {
		return nil, err
	}

	if cfg.Admin.Enabled {
		a.admin = admin.NewServer(cfg.Admin.Server, a.rt, metrics.DefaultRegistry, logger)
	}
	return a, nil
}

func (a *app) loadWasm(ctx context.Context, opts *pthread.Options) error {
	wasm, err := os.ReadFile(a.cfg.Wasm.Path)
	if err != nil {
		return fmt.Errorf("read wasm image: %w", err)
	}

	a.wasm, err = wasmimage.Compile(ctx, wasm, wasmimage.Options{
		Routines:         a.cfg.Wasm.Routines,
		MemoryLimitPages: a.cfg.Wasm.MemoryLimitPages,
		WASI:             a.cfg.Wasm.WASI,
		Logger:           a.logger,
	})
	if err != nil {
		return err
	}

	entry, ok := a.wasm.Routine(a.cfg.Wasm.Entry)
	if !ok {
		return fmt.Errorf("wasm image has no routine %q (routines: %v)", a.cfg.Wasm.Entry, a.wasm.Routines())
	}
	a.entry = entry
	opts.Image = a.wasm
	a.logger.Infof("loaded %s, entry %s", a.cfg.Wasm.Path, a.cfg.Wasm.Entry)
	return nil
}

// run starts the runtime and blocks until it stops or ctx ends. It returns
// the process exit code.
func (a *app) run(ctx context.Context) (int, error) {
	if err := a.rt.Start(ctx); err != nil {
		return 1, fmt.Errorf("start runtime: %w", err)
	}

	if a.admin != nil {
		go func() {
			if err := a.admin.ListenAndServe(); err != nil {
				a.logger.Errorf("admin server: %v", err)
			}
		}()
	}

	go a.drive(ctx)

	select {
	case <-a.rt.Done():
	case <-ctx.Done():
		a.logger.Info("shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.rt.Close(closeCtx); err != nil {
			return 1, err
		}
	}

	code, fault := a.rt.Wait()
	if fault != nil {
		return 1, fault
	}
	return code, nil
}

// drive runs the configured program and, in once mode, stops the runtime
// with its status.
func (a *app) drive(ctx context.Context) {
	var (
		code int
		err  error
	)
	if a.wasm != nil {
		code, err = a.runEntry(ctx)
	} else {
		err = a.workload.run(ctx, a.rt)
	}

	if err != nil {
		if errors.Is(err, pthread.ErrRuntimeClosed) || ctx.Err() != nil {
			return
		}
		a.logger.Errorf("workload failed: %v", err)
		code = 1
	}
	if !a.cfg.Workload.Once && err == nil {
		return
	}

	if err := a.rt.Exec(ctx, func(t *pthread.Thread) { t.Exit(uint64(code)) }); err != nil {
		a.logger.Debugf("exit: %v", err)
	}
}

func (a *app) runEntry(ctx context.Context) (int, error) {
	h, err := a.rt.Create(ctx, pthread.Attr{}, a.entry, a.cfg.Workload.Arg)
	if err != nil {
		return 0, err
	}
	v, err := a.rt.Join(ctx, h)
	if err != nil {
		return 0, err
	}
	a.logger.Infof("entry %s returned %d", a.cfg.Wasm.Entry, v)
	return int(int32(v)), nil
}

// close releases everything newApp acquired.
func (a *app) close(ctx context.Context) {
	if a.admin != nil {
		if err := a.admin.Shutdown(ctx); err != nil {
			a.logger.Warnf("admin shutdown: %v", err)
		}
	}
	if a.rt != nil {
		if err := a.rt.Close(ctx); err != nil {
			a.logger.Warnf("runtime close: %v", err)
		}
	}
	if a.wasm != nil {
		if err := a.wasm.Close(ctx); err != nil {
			a.logger.Warnf("wasm close: %v", err)
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warnf("nats sink close: %v", err)
		}
	}
	if a.tp != nil {
		if err := a.tp.Shutdown(ctx); err != nil {
			a.logger.Warnf("tracer shutdown: %v", err)
		}
	}
}
