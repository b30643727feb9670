package pthread

import (
	"context"
	"fmt"

	"github.com/fluxorio/pthreads/pkg/core"
)

// Env holds the environment parameters every unit receives with its Load
// instruction.
type Env map[string]string

// Image is the program each execution unit instantiates during bootstrap.
type Image interface {
	Instantiate(ctx context.Context, env Env) (Instance, error)
}

// Instance is one unit's instantiated image.
type Instance interface {
	// Invoke runs thread entry point routine with arg on the calling unit.
	Invoke(ctx context.Context, t *Thread, routine uint32, arg uint64) (uint64, error)

	Close(ctx context.Context) error
}

// Routine is a thread entry point implemented in Go.
type Routine func(t *Thread, arg uint64) uint64

// FuncImage is an image whose routines are Go functions, indexed by
// routine number.
type FuncImage []Routine

// Instantiate implements Image.
func (img FuncImage) Instantiate(ctx context.Context, env Env) (Instance, error) {
	return funcInstance(img), nil
}

type funcInstance []Routine

func (inst funcInstance) Invoke(ctx context.Context, t *Thread, routine uint32, arg uint64) (uint64, error) {
	if int(routine) >= len(inst) || inst[routine] == nil {
		return 0, fmt.Errorf("routine %d: %w", routine, core.ENOSYS)
	}
	return inst[routine](t, arg), nil
}

func (inst funcInstance) Close(ctx context.Context) error {
	return nil
}

// ImageFunc adapts a function to Image.
type ImageFunc func(ctx context.Context, env Env) (Instance, error)

// Instantiate implements Image.
func (f ImageFunc) Instantiate(ctx context.Context, env Env) (Instance, error) {
	return f(ctx, env)
}
