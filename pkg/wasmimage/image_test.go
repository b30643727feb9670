package wasmimage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/pthread"
)

// (func (export "run") (param i32) (result i32) local.get 0 i32.const 1 i32.add)
var addOneWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x06, 0x01, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x41, 0x01, 0x6a, 0x0b,
}

// (import "env" "pthread_self" (func (result i32)))
// (func (export "run") (param i32) (result i32) call 0)
var selfWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x00, 0x01, 0x7f, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x02, 0x14, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x0c,
	0x70, 0x74, 0x68, 0x72, 0x65, 0x61, 0x64, 0x5f, 0x73, 0x65, 0x6c, 0x66, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x01,
	0x0a, 0x06, 0x01, 0x04, 0x00, 0x10, 0x00, 0x0b,
}

// (import "env" "pthread_exit" (func (param i64)))
// (func (export "run") (param i32) (result i32)
//
//	local.get 0 i64.extend_i32_u call 0 i32.const 0)
var exitWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x01, 0x7e, 0x00, 0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x02, 0x14, 0x01, 0x03, 0x65, 0x6e, 0x76, 0x0c,
	0x70, 0x74, 0x68, 0x72, 0x65, 0x61, 0x64, 0x5f, 0x65, 0x78, 0x69, 0x74, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x01,
	0x07, 0x07, 0x01, 0x03, 0x72, 0x75, 0x6e, 0x00, 0x01,
	0x0a, 0x0b, 0x01, 0x09, 0x00, 0x20, 0x00, 0xad, 0x10, 0x00, 0x41, 0x00, 0x0b,
}

func compile(t *testing.T, wasm []byte) *Image {
	t.Helper()
	img, err := Compile(context.Background(), wasm, Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	t.Cleanup(func() { img.Close(context.Background()) })
	return img
}

func run(t *testing.T, img *Image, arg uint64) (uint64, uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := pthread.New(pthread.Options{Config: pthread.Config{PoolSize: 1}, Image: img})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer rt.Close(ctx)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h, err := rt.Create(ctx, pthread.Attr{}, 0, arg)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	v, err := rt.Join(ctx, h)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	return uint64(h), v
}

func TestCompile(t *testing.T) {
	img := compile(t, addOneWasm)

	if got := img.Routines(); len(got) != 1 || got[0] != "run" {
		t.Errorf("Routines() = %v, want [run]", got)
	}
	if n, ok := img.Routine("run"); !ok || n != 0 {
		t.Errorf("Routine(run) = %d, %v, want 0", n, ok)
	}
	if _, ok := img.Routine("main"); ok {
		t.Error("Routine(main) should not exist")
	}
}

func TestCompile_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := Compile(ctx, []byte("not wasm"), Options{}); err == nil {
		t.Error("Compile() of garbage should fail")
	}
	if _, err := Compile(ctx, addOneWasm, Options{Routines: []string{"run", "missing"}}); err == nil {
		t.Error("Compile() with a missing routine export should fail")
	}
}

func TestImage_RunsThread(t *testing.T) {
	_, v := run(t, compile(t, addOneWasm), 41)
	if v != 42 {
		t.Errorf("result = %d, want 42", v)
	}
}

func TestImage_HostSelf(t *testing.T) {
	h, v := run(t, compile(t, selfWasm), 0)
	if v != h {
		t.Errorf("pthread_self() = %#x, want %#x", v, h)
	}
}

func TestImage_HostExit(t *testing.T) {
	_, v := run(t, compile(t, exitWasm), 7)
	if v != 7 {
		t.Errorf("exit value = %d, want 7", v)
	}
}

func TestInstance_Invoke(t *testing.T) {
	ctx := context.Background()
	img := compile(t, selfWasm)

	inst, err := img.Instantiate(ctx, pthread.Env{"MODE": "test"})
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer inst.Close(ctx)

	if _, err := inst.Invoke(ctx, nil, 3, 0); !errors.Is(err, core.ENOSYS) {
		t.Errorf("Invoke(unknown routine) error = %v, want ENOSYS", err)
	}
	if _, err := inst.Invoke(ctx, nil, 0, 0); err == nil {
		t.Error("host call outside of a thread should trap")
	}

	other, err := img.Instantiate(ctx, nil)
	if err != nil {
		t.Fatalf("second Instantiate() error = %v", err)
	}
	other.Close(ctx)
}
