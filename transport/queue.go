// Copyright 2021 Converter Systems LLC. All rights reserved.

package transport

import (
	"sync"

	"github.com/gammazero/workerpool"

	"github.com/edgewire/uastack/ua"
)

// Executor runs tasks on a shared pool. *workerpool.WorkerPool
// satisfies it.
type Executor interface {
	Submit(task func())
	SubmitWait(task func())
}

var _ Executor = (*workerpool.WorkerPool)(nil)

// SerialQueue executes submitted tasks one at a time in submission
// order. Heavy work still runs on the shared executor, but tasks for
// one queue never interleave, which is what keeps sequence numbers
// ordered on send and reassembly ordered on receive without locking the
// buffers themselves.
//
// Pause halts execution after the running task: remaining and future
// submissions are discarded, so trailing buffers already on the wire
// after a fatal error are dropped rather than processed.
type SerialQueue struct {
	mu       sync.Mutex
	tasks    chan func()
	paused   bool
	closed   bool
	done     chan struct{}
	executor Executor
}

// NewSerialQueue starts a queue with the given mailbox capacity,
// running each task on executor. A nil executor runs tasks inline on
// the queue's own goroutine.
func NewSerialQueue(capacity int, executor Executor) *SerialQueue {
	q := &SerialQueue{
		tasks:    make(chan func(), capacity),
		done:     make(chan struct{}),
		executor: executor,
	}
	go q.run()
	return q
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for task := range q.tasks {
		q.mu.Lock()
		paused := q.paused
		q.mu.Unlock()
		if paused {
			continue
		}
		if q.executor != nil {
			q.executor.SubmitWait(task)
		} else {
			task()
		}
	}
}

// Submit enqueues a task. A full mailbox or a paused or closed queue
// rejects the submission.
func (q *SerialQueue) Submit(task func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.closed {
		return NewError(KindTransport, ua.BadSecureChannelClosed, "queue stopped")
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return NewError(KindTransport, ua.BadTCPNotEnoughResources, "queue mailbox full")
	}
}

// Pause stops execution of queued and future tasks. The running task
// finishes.
func (q *SerialQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Close shuts the queue down and waits for the worker to exit.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()
	<-q.done
}
