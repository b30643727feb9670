package shm

import "sync/atomic"

// Notification states of a proxied call queue.
const (
	None       int32 = 0 // nothing outstanding
	Pending    int32 = 1 // a drain notification has been sent
	Processing int32 = 2 // a drain is consuming the queue
)

// NotificationFlag is the tri-state word shared between the units that
// enqueue work and the unit that drains it. It is only ever touched through
// atomic operations.
type NotificationFlag struct {
	v atomic.Int32
}

func (f *NotificationFlag) Load() int32 {
	return f.v.Load()
}

func (f *NotificationFlag) Store(state int32) {
	f.v.Store(state)
}

func (f *NotificationFlag) Swap(state int32) int32 {
	return f.v.Swap(state)
}

func (f *NotificationFlag) CompareAndSwap(old, new int32) bool {
	return f.v.CompareAndSwap(old, new)
}
