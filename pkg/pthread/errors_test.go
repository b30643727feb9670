package pthread

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/fluxorio/pthreads/pkg/core"
)

func TestWorkerFault(t *testing.T) {
	cause := errors.New("unreachable")
	tests := []struct {
		name      string
		stage     string
		bootstrap bool
	}{
		{"bootstrap", StageBootstrap, true},
		{"run", StageRun, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &WorkerFault{WorkerID: "w1", Thread: 0x1100, Stage: tt.stage, File: "main.c", Line: 12, Err: cause}
			var err error = f

			if !errors.Is(err, ErrWorkerFault) {
				t.Error("fault should match ErrWorkerFault")
			}
			if errors.Is(err, ErrBootstrapFailed) != tt.bootstrap {
				t.Errorf("errors.Is(ErrBootstrapFailed) = %v, want %v", !tt.bootstrap, tt.bootstrap)
			}
			if !errors.Is(err, cause) {
				t.Error("fault should unwrap to its cause")
			}
			if msg := err.Error(); !strings.Contains(msg, "main.c:12") || !strings.Contains(msg, "0x00001100") {
				t.Errorf("Error() = %q, want location and thread", msg)
			}
		})
	}
}

func TestErrRuntimeClosed_Status(t *testing.T) {
	err := fmt.Errorf("pthread_create: %w", ErrRuntimeClosed)
	if got := core.StatusOf(err); got != int32(core.EAGAIN) {
		t.Errorf("StatusOf() = %d, want %d", got, core.EAGAIN)
	}
	if !errors.Is(err, ErrRuntimeClosed) {
		t.Error("wrapped error should still match ErrRuntimeClosed")
	}
	if errors.Is(err, core.EINVAL) {
		t.Error("a closed runtime is not an invalid request")
	}
}
