package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when trying to send/receive on a closed mailbox
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when trying to send to a full mailbox (backpressure)
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox abstracts channel operations behind a message passing API.
// Worker inboxes, the coordinator inbox and synchronous reply slots are all
// mailboxes; only the capacity differs.
type Mailbox interface {
	// Send delivers a message without blocking.
	// Returns ErrMailboxFull if a bounded mailbox is full
	// Returns ErrMailboxClosed if mailbox is closed
	Send(msg any) error

	// Receive blocks until a message is available or ctx is cancelled
	// Returns ErrMailboxClosed if mailbox is closed
	Receive(ctx context.Context) (any, error)

	// TryReceive attempts to receive a message without blocking
	// Returns (msg, true, nil) if a message was available, (nil, false, nil) if empty
	TryReceive() (any, bool, error)

	// Close closes the mailbox. Messages still queued are discarded.
	// After closing, Send/Receive operations will return ErrMailboxClosed
	Close()

	// Capacity returns the maximum capacity, 0 for unbounded mailboxes
	Capacity() int

	// Size returns the current number of queued messages
	Size() int

	// IsClosed returns true if the mailbox is closed
	IsClosed() bool
}
