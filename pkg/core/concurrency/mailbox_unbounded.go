package concurrency

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// unboundedMailbox is a FIFO mailbox whose Send never blocks and never
// reports ErrMailboxFull. Worker and coordinator inboxes use it: posting a
// message must not depend on whether the receiver is keeping up.
type unboundedMailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{} // capacity 1, closed on Close
	closed bool
}

// NewUnboundedMailbox creates an empty unbounded mailbox
func NewUnboundedMailbox() Mailbox {
	return &unboundedMailbox{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// Send implements Mailbox interface
func (mb *unboundedMailbox) Send(msg any) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return ErrMailboxClosed
	}
	mb.q.Add(msg)
	mb.wake()
	return nil
}

// wake must be called with mu held.
func (mb *unboundedMailbox) wake() {
	select {
	case mb.signal <- struct{}{}:
	default:
	}
}

// Receive implements Mailbox interface
func (mb *unboundedMailbox) Receive(ctx context.Context) (any, error) {
	for {
		msg, ok, err := mb.TryReceive()
		if err != nil || ok {
			return msg, err
		}

		select {
		case <-mb.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryReceive implements Mailbox interface
func (mb *unboundedMailbox) TryReceive() (any, bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return nil, false, ErrMailboxClosed
	}
	if mb.q.Length() == 0 {
		return nil, false, nil
	}
	msg := mb.q.Remove()
	if mb.q.Length() > 0 {
		// Another receiver may be parked on the signal we consumed.
		mb.wake()
	}
	return msg, true, nil
}

// Close implements Mailbox interface
func (mb *unboundedMailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return
	}
	mb.closed = true
	mb.q = queue.New()
	close(mb.signal)
}

// Capacity implements Mailbox interface
func (mb *unboundedMailbox) Capacity() int {
	return 0
}

// Size implements Mailbox interface
func (mb *unboundedMailbox) Size() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.q.Length()
}

// IsClosed implements Mailbox interface
func (mb *unboundedMailbox) IsClosed() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.closed
}
