// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"net/netip"

	"github.com/absmach/uotunnel/pkg/pool"
)

// DefaultQueueSize is the number of frames a connection buffers before
// Send starts blocking.
const DefaultQueueSize = 1024

// sendJob is one queued write. buf is owned by the queue until released.
type sendJob struct {
	buf  []byte
	n    int
	addr netip.AddrPort
}

// sendQueue is a bounded FIFO drained by exactly one writer goroutine.
type sendQueue struct {
	jobs    chan sendJob
	done    chan struct{}
	buffers *pool.BufferPool
	write   func(sendJob) error
	fail    func(error)
	onFull  func()
}

func newSendQueue(size int, buffers *pool.BufferPool, write func(sendJob) error, fail func(error), onFull func()) *sendQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &sendQueue{
		jobs:    make(chan sendJob, size),
		done:    make(chan struct{}),
		buffers: buffers,
		write:   write,
		fail:    fail,
		onFull:  onFull,
	}
	go q.run()
	return q
}

// push copies p into a pooled buffer and enqueues it. It blocks while the
// queue is full and reports false if the queue was stopped first.
func (q *sendQueue) push(p []byte, addr netip.AddrPort) bool {
	select {
	case <-q.done:
		return false
	default:
	}

	buf := q.buffers.Get()
	job := sendJob{buf: buf, n: copy(buf, p), addr: addr}

	select {
	case q.jobs <- job:
		return true
	default:
	}

	if q.onFull != nil {
		q.onFull()
	}

	select {
	case q.jobs <- job:
		return true
	case <-q.done:
		q.release(job)
		return false
	}
}

// stop cancels the writer. Jobs still queued are dropped.
// It must be called at most once.
func (q *sendQueue) stop() {
	close(q.done)
}

func (q *sendQueue) run() {
	for {
		// Cancellation wins over pending jobs.
		select {
		case <-q.done:
			q.discard()
			return
		default:
		}

		select {
		case <-q.done:
			q.discard()
			return
		case job := <-q.jobs:
			err := q.write(job)
			q.release(job)
			if err != nil {
				q.fail(err)
			}
		}
	}
}

func (q *sendQueue) discard() {
	for {
		select {
		case job := <-q.jobs:
			q.release(job)
		default:
			return
		}
	}
}

func (q *sendQueue) release(job sendJob) {
	_ = q.buffers.Put(job.buf)
}
