package pthread

import (
	"errors"
	"fmt"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/shm"
)

var (
	// ErrUnknownTarget is logged when an envelope names a thread that no
	// execution unit hosts. The envelope is dropped.
	ErrUnknownTarget = errors.New("unknown target thread")

	// ErrUnrecognizedCommand is logged when a receiver has no handler for a
	// command. The envelope is dropped.
	ErrUnrecognizedCommand = errors.New("unrecognized command")

	// ErrBootstrapFailed matches a WorkerFault raised before the unit
	// finished loading.
	ErrBootstrapFailed = errors.New("worker bootstrap failed")

	// ErrWorkerFault matches every WorkerFault.
	ErrWorkerFault = errors.New("worker fault")

	// ErrRuntimeClosed is returned by operations on a stopped runtime. Its
	// status is EAGAIN.
	ErrRuntimeClosed = fmt.Errorf("runtime closed: %w", core.EAGAIN)
)

// Fault stages
const (
	StageBootstrap = "bootstrap"
	StageRun       = "run"
)

// WorkerFault describes an unrecoverable error inside an execution unit.
// Any fault stops the runtime.
type WorkerFault struct {
	WorkerID string
	Thread   shm.Handle
	Stage    string
	File     string
	Line     int
	Err      error
}

func (f *WorkerFault) Error() string {
	loc := ""
	if f.File != "" {
		loc = fmt.Sprintf(" at %s:%d", f.File, f.Line)
	}
	return fmt.Sprintf("worker %s (thread %v) %s fault%s: %v", f.WorkerID, f.Thread, f.Stage, loc, f.Err)
}

func (f *WorkerFault) Unwrap() error {
	return f.Err
}

func (f *WorkerFault) Is(target error) bool {
	switch target {
	case ErrWorkerFault:
		return true
	case ErrBootstrapFailed:
		return f.Stage == StageBootstrap
	}
	return false
}
