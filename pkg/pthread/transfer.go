package pthread

import (
	"fmt"
	"sync"

	"github.com/fluxorio/pthreads/pkg/core"
	"github.com/fluxorio/pthreads/pkg/shm"
)

// Transferable is an exclusively owned resource that can travel with a
// spawn request. Ownership moves to the new thread when its run request is
// delivered; until then nobody may use it.
type Transferable struct {
	name  string
	value any

	mu       sync.Mutex
	owner    shm.Handle
	prev     shm.Handle
	inFlight bool
}

func newTransferable(name string, owner shm.Handle, value any) *Transferable {
	return &Transferable{name: name, owner: owner, value: value}
}

// Name returns the resource name.
func (tr *Transferable) Name() string {
	return tr.name
}

// Owner returns the owning thread, or shm.NoThread while in flight.
func (tr *Transferable) Owner() shm.Handle {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.inFlight {
		return shm.NoThread
	}
	return tr.owner
}

// Value returns the resource if t owns it.
func (tr *Transferable) Value(t *Thread) (any, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.inFlight || tr.owner != t.Handle() {
		return nil, fmt.Errorf("%s: %w", tr.name, core.EPERM)
	}
	return tr.value, nil
}

// begin takes the resource away from its owner for a spawn.
func (tr *Transferable) begin(from shm.Handle) error {
	if tr == nil {
		return fmt.Errorf("nil transferable: %w", core.EINVAL)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()

	if tr.inFlight {
		return fmt.Errorf("%s is already being transferred: %w", tr.name, core.EINVAL)
	}
	if tr.owner != from {
		return fmt.Errorf("%s is owned by thread %v: %w", tr.name, tr.owner, core.EINVAL)
	}
	tr.inFlight = true
	tr.prev = tr.owner
	return nil
}

// complete hands the resource to its new owner.
func (tr *Transferable) complete(to shm.Handle) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.owner = to
	tr.inFlight = false
}

// abort returns the resource to the thread that tried to transfer it.
func (tr *Transferable) abort() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.inFlight {
		tr.owner = tr.prev
		tr.inFlight = false
	}
}

func abortTransfers(trs []*Transferable) {
	for _, tr := range trs {
		if tr != nil {
			tr.abort()
		}
	}
}
