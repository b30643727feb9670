// Package wasmimage runs thread entry points exported by a WebAssembly
// module. Every execution unit instantiates the module once during
// bootstrap; routines are exports looked up by their index in the routine
// table.
package wasmimage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/pthread"
)

// Options configures Compile.
type Options struct {
	// Routines maps routine numbers to export names. Empty means every
	// exported function, sorted by name.
	Routines []string

	// MemoryLimitPages caps each instance's memory in 64KiB pages.
	MemoryLimitPages uint32

	// WASI instantiates wasi_snapshot_preview1 so modules built for WASI
	// can run. Env entries become WASI environment variables.
	WASI bool

	Logger core.Logger
}

// Image is a compiled module. It is safe for concurrent instantiation.
type Image struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	routines []string
	logger   core.Logger
	seq      atomic.Uint64
}

// Compile validates and compiles wasm and registers the thread host module.
func Compile(ctx context.Context, wasm []byte, opts Options) (*Image, error) {
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}

	cfg := wazero.NewRuntimeConfig()
	if opts.MemoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(opts.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if opts.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, fmt.Errorf("instantiate wasi: %w", err)
		}
	}
	if err := instantiateHost(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("compile failed: %w", err)
	}

	routines := opts.Routines
	if len(routines) == 0 {
		for name := range compiled.ExportedFunctions() {
			routines = append(routines, name)
		}
		sort.Strings(routines)
	}
	exports := compiled.ExportedFunctions()
	for i, name := range routines {
		if _, ok := exports[name]; !ok {
			rt.Close(ctx)
			return nil, fmt.Errorf("routine %d: module does not export %q", i, name)
		}
	}

	return &Image{
		runtime:  rt,
		compiled: compiled,
		routines: routines,
		logger:   opts.Logger,
	}, nil
}

// Routines returns the routine table.
func (img *Image) Routines() []string {
	return append([]string(nil), img.routines...)
}

// Routine returns the number of the routine exported as name.
func (img *Image) Routine(name string) (uint32, bool) {
	for i, r := range img.routines {
		if r == name {
			return uint32(i), true
		}
	}
	return 0, false
}

// Instantiate implements pthread.Image.
func (img *Image) Instantiate(ctx context.Context, env pthread.Env) (pthread.Instance, error) {
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("unit-%d", img.seq.Add(1))).
		WithStartFunctions()
	for k, v := range env {
		cfg = cfg.WithEnv(k, v)
	}

	mod, err := img.runtime.InstantiateModule(ctx, img.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}

	fns := make([]api.Function, len(img.routines))
	for i, name := range img.routines {
		fns[i] = mod.ExportedFunction(name)
	}
	img.logger.Debugf("instantiated %s with %d routines", mod.Name(), len(fns))
	return &instance{mod: mod, fns: fns}, nil
}

// Close releases the runtime and every instance created from it.
func (img *Image) Close(ctx context.Context) error {
	return img.runtime.Close(ctx)
}

var errUnwind = errors.New("thread unwinding")

type instanceKey struct{}

type instance struct {
	mod api.Module
	fns []api.Function

	// unwind holds a panic raised by a host function while the guest was
	// on the stack. It is re-raised once the call has returned.
	unwind any
}

func (in *instance) Invoke(ctx context.Context, t *pthread.Thread, routine uint32, arg uint64) (uint64, error) {
	if int(routine) >= len(in.fns) {
		return 0, fmt.Errorf("routine %d: %w", routine, core.ENOSYS)
	}
	fn := in.fns[routine]
	def := fn.Definition()

	var params []uint64
	switch n := len(def.ParamTypes()); n {
	case 0:
	case 1:
		params = []uint64{arg}
	default:
		return 0, fmt.Errorf("routine %s takes %d parameters, want at most 1", def.Name(), n)
	}

	results, err := fn.Call(context.WithValue(ctx, instanceKey{}, in), params...)
	if u := in.unwind; u != nil {
		in.unwind = nil
		panic(u)
	}
	if err != nil {
		return 0, fmt.Errorf("routine %s: %w", def.Name(), err)
	}
	if len(results) == 0 {
		return 0, nil
	}
	if def.ResultTypes()[0] == api.ValueTypeI32 {
		return uint64(api.DecodeU32(results[0])), nil
	}
	return results[0], nil
}

func (in *instance) Close(ctx context.Context) error {
	return in.mod.Close(ctx)
}
