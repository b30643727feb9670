package pthread

import (
	"errors"
	"testing"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/shm"
)

func TestTransferable_Lifecycle(t *testing.T) {
	const from, to = shm.Handle(0x1000), shm.Handle(0x1100)
	tr := newTransferable("surface", from, 42)

	if err := tr.begin(to); !errors.Is(err, core.EINVAL) {
		t.Errorf("begin() by a non-owner = %v, want EINVAL", err)
	}
	if err := tr.begin(from); err != nil {
		t.Fatalf("begin() error = %v", err)
	}
	if tr.Owner() != shm.NoThread {
		t.Errorf("Owner() in flight = %v, want none", tr.Owner())
	}
	if err := tr.begin(from); !errors.Is(err, core.EINVAL) {
		t.Errorf("second begin() = %v, want EINVAL", err)
	}

	tr.complete(to)
	if tr.Owner() != to {
		t.Errorf("Owner() = %v, want %v", tr.Owner(), to)
	}
}

func TestTransferable_Abort(t *testing.T) {
	const owner = shm.Handle(0x1000)
	tr := newTransferable("socket", owner, nil)

	tr.abort()
	if tr.Owner() != owner {
		t.Errorf("abort() without a transfer changed the owner to %v", tr.Owner())
	}

	tr.begin(owner)
	abortTransfers([]*Transferable{tr, nil})
	if tr.Owner() != owner {
		t.Errorf("Owner() after abort = %v, want %v", tr.Owner(), owner)
	}
	if err := tr.begin(owner); err != nil {
		t.Errorf("begin() after abort = %v", err)
	}

	var missing *Transferable
	if err := missing.begin(owner); !errors.Is(err, core.EINVAL) {
		t.Errorf("nil begin() = %v, want EINVAL", err)
	}
}
