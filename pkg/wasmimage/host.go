package wasmimage

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/pthread"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// HostModule is the import namespace of the thread ABI.
const HostModule = "env"

var (
	errNoThread  = errors.New("host call outside of a thread")
	errBadMemory = errors.New("out of bounds memory access")
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// instantiateHost registers the thread ABI:
//
//	pthread_self() -> i32
//	pthread_create(routine i32, arg i64, detached i32) -> i32   handle, or -errno
//	pthread_join(thread i32, result_ptr i32) -> i32            errno
//	pthread_detach(thread i32) -> i32                          errno
//	pthread_cancel(thread i32) -> i32                          errno
//	pthread_exit(value i64)
//	pthread_testcancel()
//	sched_yield() -> i32
//	pthread_print(stream i32, ptr i32, len i32)
func instantiateHost(ctx context.Context, rt wazero.Runtime) error {
	b := rt.NewHostModuleBuilder(HostModule)
	export := func(name string, fn func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64), params, results []api.ValueType) {
		b.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				hostCall(ctx, func(t *pthread.Thread) { fn(ctx, mod, t, stack) })
			}), params, results).
			Export(name)
	}

	export("pthread_self", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		stack[0] = api.EncodeU32(uint32(t.Self()))
	}, nil, []api.ValueType{i32})

	export("pthread_create", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		attr := pthread.Attr{Detached: api.DecodeU32(stack[2]) != 0}
		h, err := t.Create(ctx, attr, api.DecodeU32(stack[0]), stack[1])
		if err != nil {
			stack[0] = api.EncodeI32(-core.StatusOf(err))
			return
		}
		stack[0] = api.EncodeU32(uint32(h))
	}, []api.ValueType{i32, i64, i32}, []api.ValueType{i32})

	export("pthread_join", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		ptr := api.DecodeU32(stack[1])
		v, err := t.Join(ctx, shm.Handle(api.DecodeU32(stack[0])))
		if err == nil && ptr != 0 {
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], v)
			if mem := mod.Memory(); mem == nil || !mem.Write(ptr, buf[:]) {
				err = core.EINVAL
			}
		}
		stack[0] = api.EncodeI32(core.StatusOf(err))
	}, []api.ValueType{i32, i32}, []api.ValueType{i32})

	export("pthread_detach", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		stack[0] = api.EncodeI32(core.StatusOf(t.Detach(shm.Handle(api.DecodeU32(stack[0])))))
	}, []api.ValueType{i32}, []api.ValueType{i32})

	export("pthread_cancel", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		stack[0] = api.EncodeI32(core.StatusOf(t.Cancel(shm.Handle(api.DecodeU32(stack[0])))))
	}, []api.ValueType{i32}, []api.ValueType{i32})

	export("pthread_exit", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		t.Exit(stack[0])
	}, []api.ValueType{i64}, nil)

	export("pthread_testcancel", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		t.TestCancel()
	}, nil, nil)

	export("sched_yield", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		t.Yield()
		stack[0] = 0
	}, nil, []api.ValueType{i32})

	export("pthread_print", func(ctx context.Context, mod api.Module, t *pthread.Thread, stack []uint64) {
		mem := mod.Memory()
		if mem == nil {
			panic(errBadMemory)
		}
		buf, ok := mem.Read(api.DecodeU32(stack[1]), api.DecodeU32(stack[2]))
		if !ok {
			panic(errBadMemory)
		}
		text := string(buf)
		switch pthread.Stream(api.DecodeU32(stack[0])) {
		case pthread.Stderr:
			t.PrintErr(text)
		case pthread.Alert:
			t.Alert(text)
		default:
			t.Print(text)
		}
	}, []api.ValueType{i32, i32, i32}, nil)

	_, err := b.Instantiate(ctx)
	return err
}

// hostCall runs fn for the calling thread. A panic raised by fn, such as a
// thread exit, is parked on the instance and the guest is trapped; Invoke
// re-raises it once the guest stack is gone.
func hostCall(ctx context.Context, fn func(t *pthread.Thread)) {
	t, ok := pthread.ThreadFromContext(ctx)
	if !ok {
		panic(errNoThread)
	}
	in, _ := ctx.Value(instanceKey{}).(*instance)

	defer func() {
		if r := recover(); r != nil {
			if in == nil {
				panic(r)
			}
			in.unwind = r
			panic(errUnwind)
		}
	}()
	fn(t)
}
