// Package proxy holds the per-thread queues of proxied calls and the
// notification protocol that tells a thread to drain its queue.
package proxy

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/fluxorio/pthreads/pkg/shm"
)

// Task is one proxied call. It runs on the target thread.
type Task func(ctx context.Context)

// TaskQueue holds the calls proxied to one thread together with the
// notification flag that coordinates wake-ups for it.
type TaskQueue struct {
	thread shm.Handle
	flag   shm.NotificationFlag

	mu    sync.Mutex
	tasks *queue.Queue
}

// NewTaskQueue creates an empty queue for thread.
func NewTaskQueue(thread shm.Handle) *TaskQueue {
	return &TaskQueue{thread: thread, tasks: queue.New()}
}

// Thread returns the thread that drains this queue.
func (q *TaskQueue) Thread() shm.Handle {
	return q.thread
}

// Flag exposes the notification flag.
func (q *TaskQueue) Flag() *shm.NotificationFlag {
	return &q.flag
}

// Enqueue appends task and reports whether the caller must send a drain
// notification. No notification is needed while one is already pending.
func (q *TaskQueue) Enqueue(task Task) (notify bool) {
	q.mu.Lock()
	q.tasks.Add(task)
	q.mu.Unlock()

	return q.flag.Swap(shm.Pending) != shm.Pending
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Length()
}

// Execute runs queued tasks until the queue is empty, including tasks
// enqueued by the tasks themselves.
func (q *TaskQueue) Execute(ctx context.Context) int {
	n := 0
	for {
		q.mu.Lock()
		if q.tasks.Length() == 0 {
			q.mu.Unlock()
			return n
		}
		task := q.tasks.Remove().(Task)
		q.mu.Unlock()

		task(ctx)
		n++
	}
}

// Drain handles one drain notification. The flag is marked Processing
// before any task runs and reset to None only if no notification arrived
// meanwhile; otherwise it is left Pending and the notification that set it
// triggers another drain. Tasks only run while the thread is alive.
func (q *TaskQueue) Drain(ctx context.Context, alive bool) int {
	q.flag.Store(shm.Processing)

	n := 0
	if alive {
		n = q.Execute(ctx)
	}

	q.flag.CompareAndSwap(shm.Processing, shm.None)
	return n
}

// Queue groups task queues by target thread.
type Queue struct {
	mu     sync.Mutex
	queues map[shm.Handle]*TaskQueue
}

// New creates an empty proxying queue.
func New() *Queue {
	return &Queue{queues: make(map[shm.Handle]*TaskQueue)}
}

// For returns the task queue of target, creating it on first use.
func (p *Queue) For(target shm.Handle) *TaskQueue {
	p.mu.Lock()
	defer p.mu.Unlock()

	tq, ok := p.queues[target]
	if !ok {
		tq = NewTaskQueue(target)
		p.queues[target] = tq
	}
	return tq
}

// Forget drops the task queue of a thread that no longer exists and
// returns the number of calls that will never run.
func (p *Queue) Forget(target shm.Handle) int {
	p.mu.Lock()
	tq, ok := p.queues[target]
	delete(p.queues, target)
	p.mu.Unlock()

	if !ok {
		return 0
	}
	return tq.Len()
}

// Len returns the number of threads with a task queue.
func (p *Queue) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}
