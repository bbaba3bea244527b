// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import "sync/atomic"

// Handle is a short-lived, reference-counted holder of one logical use of a
// [Socket]: a single accepted connection seen by a consumer, or a single
// in-flight operation. Attaching bumps the socket's refcount; detaching
// releases it (I3).
type Handle struct {
	sock     *Socket
	detached atomic.Bool
}

// newHandle creates a [*Handle] over sock without bumping its refcount — the
// caller must already hold a reference (e.g. the initial refs=1 from
// [newSocket]) or call [Handle.Attach] explicitly.
func newHandle(sock *Socket) *Handle {
	return &Handle{sock: sock}
}

// Attach creates a new [*Handle] over sock, bumping its refcount.
func Attach(sock *Socket) *Handle {
	sock.ref()
	return newHandle(sock)
}

// Detach releases this handle's reference to its socket. Idempotent: a
// second call is a no-op.
func (h *Handle) Detach() {
	if h.detached.CompareAndSwap(false, true) {
		h.sock.unref()
	}
}

// Socket returns the underlying [*Socket].
func (h *Handle) Socket() *Socket {
	return h.sock
}

// Close closes the underlying socket and releases this handle's reference
// to it (I3): equivalent to h.Socket().Close() followed by h.Detach().
func (h *Handle) Close() {
	h.sock.Close()
	h.Detach()
}
