// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

// workerEventQueueSize bounds the number of pending events a worker may
// queue before enqueue blocks, providing backpressure to producers.
const workerEventQueueSize = 1024

// worker is one I/O worker thread: a goroutine draining a single inbound
// event queue in FIFO order. Every socket is pinned to exactly one worker
// for its lifetime (I1); callbacks for that socket run only on this
// goroutine's stack. A worker may have many sockets pinned to it at once, so
// it owns no per-read resources of its own — each socket's reader goroutine
// owns its own receive buffer (I6), sized and allocated on the socket.
type worker struct {
	id     int
	events chan func()

	logger SLogger
}

func newWorker(id int, logger SLogger) *worker {
	return &worker{
		id:     id,
		events: make(chan func(), workerEventQueueSize),
		logger: logger,
	}
}

// run is the worker's event loop: drain events in FIFO order until the
// queue is closed by [Manager.Destroy].
func (w *worker) run() {
	for fn := range w.events {
		fn()
	}
}

// enqueue posts fn to run on this worker's loop. Safe to call from any
// goroutine; fn itself must not block on I/O — dispatch blocking syscalls to
// a dedicated goroutine that posts its result back via enqueue.
func (w *worker) enqueue(fn func()) {
	w.events <- fn
}

// shutdown closes the event queue, letting run return once drained.
func (w *worker) shutdown() {
	close(w.events)
}
