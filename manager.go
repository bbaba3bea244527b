// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
)

// maxInterlockSpins bounds the number of re-enqueue retries
// [Manager.runInterlocked] performs before giving up, resolving the open
// question of an unbounded spin on the listener-stop interlock.
const maxInterlockSpins = 64

// Manager is the process-wide owner of the worker pool, the listener
// registry, and shutdown state.
//
// Construct with [NewManager]; the manager is destroyed once all sockets it
// owns have been released, via [Manager.Destroy].
type Manager struct {
	cfg    *Config
	logger SLogger

	workers      []*worker
	shuttingDown atomic.Bool

	// interlock is a 1-buffered channel acting as a non-blocking mutex,
	// serializing listener teardowns with each other. The accept loop does
	// not take it.
	interlock chan struct{}

	// sockets tracks outstanding sockets so Destroy can wait for them.
	sockets sync.WaitGroup

	listeners *ListenList
}

// NewManager creates a [*Manager] with cfg.Workers worker goroutines running.
func NewManager(cfg *Config, logger SLogger) *Manager {
	runtimex.Assert(cfg != nil)
	runtimex.Assert(cfg.Workers > 0)
	if logger == nil {
		logger = DefaultSLogger()
	}

	m := &Manager{
		cfg:       cfg,
		logger:    logger,
		workers:   make([]*worker, cfg.Workers),
		interlock: make(chan struct{}, 1),
		listeners: newListenList(),
	}
	m.interlock <- struct{}{}

	for i := range m.workers {
		m.workers[i] = newWorker(i, logger)
		go m.workers[i].run()
	}
	return m
}

// pickWorker draws uniformly from the pool using [Config.Rand]. Used both
// for client-initiated connections originated off a worker thread and for
// accepted TCP children, independent of the listener's owning worker.
func (m *Manager) pickWorker() *worker {
	idx := m.cfg.Rand.IntN(len(m.workers))
	return m.workers[idx]
}

// isShuttingDown reports whether [Manager.Closedown] has been called.
func (m *Manager) isShuttingDown() bool {
	return m.shuttingDown.Load()
}

// trackSocket registers a new outstanding socket with the manager.
func (m *Manager) trackSocket() {
	m.sockets.Add(1)
}

// untrackSocket releases a socket previously registered with trackSocket.
func (m *Manager) untrackSocket() {
	m.sockets.Done()
}

// withInterlock attempts to acquire the teardown interlock without blocking.
// On success it runs fn while holding it, releases it, and returns true. On
// failure it returns false immediately without running fn.
func (m *Manager) withInterlock(fn func()) bool {
	select {
	case <-m.interlock:
	default:
		return false
	}
	defer func() { m.interlock <- struct{}{} }()
	fn()
	return true
}

// runInterlocked retries fn via withInterlock, re-enqueuing itself on w
// between attempts, up to maxInterlockSpins times before giving up and
// logging a FAILURE-classified event. This realizes spec's "bound the
// iteration count" resolution for async_tcpstop's interlock spin.
func (m *Manager) runInterlocked(w *worker, fn func(), spin int) {
	if m.withInterlock(fn) {
		return
	}
	if spin >= maxInterlockSpins {
		m.logger.Info("interlockGiveUp",
			slog.Int("workerID", w.id),
			slog.String("errClass", "FAILURE"),
		)
		return
	}
	w.enqueue(func() { m.runInterlocked(w, fn, spin+1) })
}

// Closedown marks the manager as shutting down and returns without blocking.
// While the flag is set, each listener's accept loop closes every newly
// accepted connection and reports [CANCELED] to its accept callback.
// Closedown does not close any socket, and connects and reads already in
// progress are not interrupted; call [Manager.Destroy] to wait for all
// sockets to be released.
func (m *Manager) Closedown() {
	m.shuttingDown.Store(true)
}

// Destroy waits for all outstanding sockets to be released and then stops
// every worker's event loop. Call only after [Manager.Closedown].
func (m *Manager) Destroy() {
	m.sockets.Wait()
	for _, w := range m.workers {
		w.shutdown()
	}
}
