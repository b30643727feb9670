package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
)

// boundedMailbox implements Mailbox over a buffered channel.
// A capacity-1 bounded mailbox is the reply slot of a synchronous request.
type boundedMailbox struct {
	ch       chan any
	mu       sync.RWMutex // guards ch against send-after-close
	closed   atomic.Bool
	capacity int
}

// NewBoundedMailbox creates a new bounded mailbox
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 1
	}

	return &boundedMailbox{
		ch:       make(chan any, capacity),
		capacity: capacity,
	}
}

// NewReplyBox returns a single-slot mailbox for one reply.
func NewReplyBox() Mailbox {
	return NewBoundedMailbox(1)
}

// Send implements Mailbox interface
func (mb *boundedMailbox) Send(msg any) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if mb.closed.Load() {
		return ErrMailboxClosed
	}

	select {
	case mb.ch <- msg:
		return nil
	default:
		// backpressure
		return ErrMailboxFull
	}
}

// Receive implements Mailbox interface
func (mb *boundedMailbox) Receive(ctx context.Context) (any, error) {
	if mb.closed.Load() {
		return nil, ErrMailboxClosed
	}

	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReceive implements Mailbox interface
func (mb *boundedMailbox) TryReceive() (any, bool, error) {
	if mb.closed.Load() {
		return nil, false, ErrMailboxClosed
	}

	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, false, ErrMailboxClosed
		}
		return msg, true, nil
	default:
		return nil, false, nil
	}
}

// Close implements Mailbox interface
func (mb *boundedMailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed.CompareAndSwap(false, true) {
		close(mb.ch)
	}
}

// Capacity implements Mailbox interface
func (mb *boundedMailbox) Capacity() int {
	return mb.capacity
}

// Size implements Mailbox interface
func (mb *boundedMailbox) Size() int {
	return len(mb.ch)
}

// IsClosed implements Mailbox interface
func (mb *boundedMailbox) IsClosed() bool {
	return mb.closed.Load()
}
