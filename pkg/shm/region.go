// Package shm models the shared memory region every execution unit can see:
// per-thread control blocks addressed by Handle, and the atomic notification
// flags used by proxied call queues.
package shm

import (
	"context"
	"fmt"
	"sync"
)

// Handle is the address of a thread's control block in the region.
type Handle uint32

// NoThread is the zero handle; an envelope targeting NoThread is handled
// by whoever receives it.
const NoThread Handle = 0

func (h Handle) String() string {
	return fmt.Sprintf("0x%08x", uint32(h))
}

const (
	regionBase  Handle = 0x1000
	blockStride Handle = 0x100
)

// Region is the set of live control blocks. Handles are never reused while
// the region is open.
type Region struct {
	mu     sync.RWMutex
	parent context.Context
	blocks map[Handle]*ControlBlock
	next   Handle
	main   *ControlBlock
	closed bool
}

// NewRegion creates a region containing the main thread's control block.
// Thread contexts derive from ctx.
func NewRegion(ctx context.Context) *Region {
	r := &Region{
		parent: ctx,
		blocks: make(map[Handle]*ControlBlock),
		next:   regionBase,
	}
	r.main = r.Alloc(false)
	r.main.setStatus(Running)
	return r
}

// Alloc reserves a control block for a new thread.
func (r *Region) Alloc(detached bool) *ControlBlock {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.next
	r.next += blockStride
	cb := newControlBlock(r.parent, h, detached)
	if r.closed {
		cb.Finish(Canceled)
	}
	r.blocks[h] = cb
	return cb
}

// Lookup returns the control block at h.
func (r *Region) Lookup(h Handle) (*ControlBlock, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.blocks[h]
	return cb, ok
}

// Free releases the block at h. A thread that never finished is finished
// with Canceled so that anyone waiting on it wakes up. Freeing the main
// thread or an unknown handle is a no-op.
func (r *Region) Free(h Handle) {
	r.mu.Lock()
	cb, ok := r.blocks[h]
	if ok && cb != r.main {
		delete(r.blocks, h)
	}
	r.mu.Unlock()

	if ok && cb != r.main {
		cb.Finish(Canceled)
	}
}

// Main returns the main thread's control block.
func (r *Region) Main() *ControlBlock {
	return r.main
}

// Live returns the number of allocated blocks, main included.
func (r *Region) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}

// Close finishes every block that is still running with Canceled.
// Blocks stay addressable so late joiners still observe the result.
func (r *Region) Close() {
	r.mu.Lock()
	r.closed = true
	blocks := make([]*ControlBlock, 0, len(r.blocks))
	for _, cb := range r.blocks {
		blocks = append(blocks, cb)
	}
	r.mu.Unlock()

	for _, cb := range blocks {
		cb.Finish(Canceled)
	}
}
