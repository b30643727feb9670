package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int32
	}{
		{"nil", nil, 0},
		{"eagain", EAGAIN, 6},
		{"wrapped", fmt.Errorf("spawn: %w", EPERM), 63},
		{"foreign", errors.New("boom"), int32(EINVAL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf() = %d, want %d", got, tt.want)
			}
		})
	}

	if err := FromStatus(0); err != nil {
		t.Errorf("FromStatus(0) = %v, want nil", err)
	}
	if err := FromStatus(6); !errors.Is(err, EAGAIN) {
		t.Errorf("FromStatus(6) = %v, want EAGAIN", err)
	}
}

func TestErrno_Error(t *testing.T) {
	if ESRCH.Error() != "no such thread" {
		t.Errorf("ESRCH.Error() = %q", ESRCH.Error())
	}
	if Errno(999).Error() != "errno 999" {
		t.Errorf("Errno(999).Error() = %q", Errno(999).Error())
	}
	if !EAGAIN.Temporary() || EINVAL.Temporary() {
		t.Error("only EAGAIN should be temporary")
	}
}
