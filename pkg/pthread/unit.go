package pthread

import "github.com/fluxorio/pthreads/pkg/shm"

// Port is the coordinator's handle on a running execution unit.
type Port interface {
	// Post delivers env to the unit's inbox without blocking.
	Post(env *Envelope) error

	// Terminate stops the unit. Work in flight on it is lost.
	Terminate()
}

// PortFactory starts the execution unit behind u.
type PortFactory func(u *Unit) (Port, error)

// Unit is the coordinator's record of one execution unit. Its fields are
// only touched on the coordinator loop.
type Unit struct {
	id   string
	port Port

	loaded    bool
	destroyed bool
	thread    shm.Handle

	// pendingStart is the Run envelope of a thread assigned before the unit
	// finished loading. held queues targeted envelopes behind it.
	pendingStart *Envelope
	held         []*Envelope
}

// ID returns the unit's identity.
func (u *Unit) ID() string {
	return u.id
}

// Loaded reports whether the unit finished bootstrapping.
func (u *Unit) Loaded() bool {
	return u.loaded
}

// Thread returns the hosted thread, or shm.NoThread.
func (u *Unit) Thread() shm.Handle {
	return u.thread
}

// PendingStart returns the deferred run request, if any.
func (u *Unit) PendingStart() *Envelope {
	return u.pendingStart
}

func removeUnit(units []*Unit, u *Unit) []*Unit {
	for i, x := range units {
		if x == u {
			return append(units[:i], units[i+1:]...)
		}
	}
	return units
}

func containsUnit(units []*Unit, u *Unit) bool {
	for _, x := range units {
		if x == u {
			return true
		}
	}
	return false
}
