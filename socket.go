// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
)

// SocketKind distinguishes the transport-specific variants of a [Socket].
type SocketKind int

const (
	// KindTCPListener is a listening TCP socket.
	KindTCPListener SocketKind = iota

	// KindTCPConnected is a connected (or accepted) TCP socket.
	KindTCPConnected

	// KindTLSListener is a listening TLS socket wrapping a TCP listener.
	KindTLSListener

	// KindTLSConnected is a TLS socket layered on a TCP connected socket.
	KindTLSConnected

	// KindHTTPListener is a listening HTTP/2 DoH socket.
	KindHTTPListener

	// KindHTTPSocket is an HTTP/2 DoH session layered on a TCP or TLS carrier.
	KindHTTPSocket
)

// String implements [fmt.Stringer].
func (k SocketKind) String() string {
	switch k {
	case KindTCPListener:
		return "tcpListener"
	case KindTCPConnected:
		return "tcpConnected"
	case KindTLSListener:
		return "tlsListener"
	case KindTLSConnected:
		return "tlsConnected"
	case KindHTTPListener:
		return "httpListener"
	case KindHTTPSocket:
		return "httpSocket"
	default:
		return "unknown"
	}
}

// Socket is the durable identity of an endpoint: listening or connected.
//
// A socket is pinned to its owning worker for its entire lifetime (I1): every
// method below that touches socket state must run on — or marshal its work
// onto — owner. Socket is destroyed only when both closed=true and refs==0
// (I3). That final release runs on whichever goroutine gets there last:
// closeOnLoop on the owning worker, or the caller dropping the last
// reference, which may be any goroutine.
type Socket struct {
	manager *Manager
	owner   *worker
	kind    SocketKind
	logger  SLogger
	spanID  string

	active      atomic.Bool
	connecting  atomic.Bool
	connected   atomic.Bool
	closing     atomic.Bool
	closed      atomic.Bool
	listening   atomic.Bool
	listenError atomic.Bool
	readPaused  atomic.Bool
	accepting   atomic.Bool

	refs atomic.Int32

	local netip.AddrPort
	peer  netip.AddrPort

	// server back-points to the listener this socket was accepted from,
	// dropped on close.
	server *Socket

	// outer is the carrier socket (TCP, for a TLS overlay). HTTP sockets
	// do not set it.
	outer *Socket

	childrenMu sync.Mutex
	children   []*Socket

	timer *time.Timer

	// conn is the transport carrier: a net.Conn for TCP, a TLSConn for TLS
	// (TLSConn embeds net.Conn). HTTP sockets leave it nil and keep their
	// per-request state in session.
	conn net.Conn

	// anchor is the static handle pinned on a connected socket to keep it
	// alive across arbitrarily many read callbacks.
	anchor *Handle

	// session holds protocol-specific state: *tlsSession for TLS sockets,
	// *http2DoHSession for HTTP sockets. nil for plain TCP sockets.
	session any

	ioPool sync.Pool

	// quota is the admission-control quota this socket consumes a slot from.
	// A listener stores it only to hand down to the children it accepts —
	// the listener itself never consumes a slot, so quotaAttached
	// distinguishes a listener's inherited reference from an accepted
	// child's actual held slot, which is what closeOnLoop must release.
	quota         *Quota
	quotaAttached bool

	// acceptFailures counts accept attempts rejected by quota exhaustion.
	// Meaningful only for listener sockets.
	acceptFailures atomic.Int64

	// recvCB is the consumer's read callback, installed by StartRead.
	recvCB RecvFunc

	// readingStarted guards against starting more than one reader goroutine;
	// mutated only on s.owner's loop.
	readingStarted bool

	// resumeSignal wakes the reader goroutine after ResumeRead.
	resumeSignal chan struct{}

	// readCanceling is set once by CancelRead to make cancellation idempotent.
	readCanceling atomic.Bool

	// processing reflects the consumer's Handle.SetProcessing state: while
	// true, a fired read timer is given a grace period instead of failing
	// the operation with TIMEDOUT.
	processing atomic.Bool

	// recvBuf is this socket's own receive buffer (I6): allocated lazily by
	// its reader goroutine and never shared with any other socket, even one
	// pinned to the same worker. recvBufInUse is a cheap single-owner
	// assertion, not a contention point — only s's own reader goroutine ever
	// touches either field.
	recvBuf      []byte
	recvBufInUse atomic.Bool
}

// socketRecvBufferSize is the size of a socket's receive buffer.
const socketRecvBufferSize = 64 * 1024

// acquireRecvBuf claims s's own receive buffer for one read, allocating it on
// first use. Callers must be s's own reader goroutine.
func (s *Socket) acquireRecvBuf() []byte {
	if s.recvBuf == nil {
		s.recvBuf = make([]byte, socketRecvBufferSize)
	}
	ok := s.recvBufInUse.CompareAndSwap(false, true)
	runtimex.Assert(ok)
	return s.recvBuf
}

// releaseRecvBuf returns s's receive buffer after the consumer's callback has
// finished using it.
func (s *Socket) releaseRecvBuf() {
	s.recvBufInUse.Store(false)
}

// newSocket constructs a [*Socket] owned by w, registers it with m, and
// initializes flags per spec: active=true, refs=1.
func newSocket(m *Manager, w *worker, kind SocketKind, logger SLogger) *Socket {
	if logger == nil {
		logger = DefaultSLogger()
	}
	s := &Socket{
		manager: m,
		owner:   w,
		kind:    kind,
		logger:  logger,
		spanID:  NewSpanID(),
	}
	s.active.Store(true)
	s.refs.Store(1)
	s.ioPool.New = func() any { return &ioRequest{} }
	s.resumeSignal = make(chan struct{}, 1)
	m.trackSocket()
	return s
}

// getIORequest returns a pooled [*ioRequest], allocating one if the pool is empty.
func (s *Socket) getIORequest() *ioRequest {
	return s.ioPool.Get().(*ioRequest)
}

// putIORequest returns an [*ioRequest] to the pool after its completion
// callback has run.
func (s *Socket) putIORequest(r *ioRequest) {
	*r = ioRequest{}
	s.ioPool.Put(r)
}

// addChild registers an accepted child socket with its listener, enforcing
// the server/children back-pointer invariant.
func (s *Socket) addChild(child *Socket) {
	s.childrenMu.Lock()
	s.children = append(s.children, child)
	s.childrenMu.Unlock()
	child.server = s
}

// removeChild drops a closed child from its listener's registry.
func (s *Socket) removeChild(child *Socket) {
	s.childrenMu.Lock()
	defer s.childrenMu.Unlock()
	for i, c := range s.children {
		if c == child {
			s.children = append(s.children[:i], s.children[i+1:]...)
			return
		}
	}
}

// ref bumps the refcount (I3). Called by [Handle.Attach].
func (s *Socket) ref() {
	s.refs.Add(1)
}

// unref drops the refcount and, if it reaches zero while closed, finalizes
// the socket. Called by [Handle.Detach].
func (s *Socket) unref() {
	if s.refs.Add(-1) == 0 {
		s.maybeDestroy()
	}
}

// Close idempotently begins teardown of the socket (I2, P2): the first
// closing=false→true CAS wins, subsequent calls are no-ops. Teardown itself
// is marshalled onto the owning worker even if Close was called off-worker.
func (s *Socket) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.owner.enqueue(s.closeOnLoop)
}

// closeOnLoop runs on s.owner: tears down the carrier and timer, drops the
// server back-pointer, closes any outer socket this one overlays (I4), and
// marks closed. It does not itself release a reference: the implicit ref
// [newSocket] set to 1 belongs to whichever anchor handle or listener
// registration the caller holds, and is released by [Handle.Detach] or
// [StopListening] — never here, or the two would race to destroy the socket
// out from under each other.
func (s *Socket) closeOnLoop() {
	runtimex.Assert(s.closing.Load())

	s.active.Store(false)
	s.connected.Store(false)
	s.listening.Store(false)

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if s.quota != nil && s.quotaAttached {
		s.quota.Detach()
	}
	s.quota = nil
	if s.server != nil {
		s.server.removeChild(s)
		s.server = nil
	}
	if s.outer != nil {
		outer := s.outer
		s.outer = nil
		outer.Close()
	}

	s.closed.Store(true)
	s.maybeDestroy()
}

// maybeDestroy finalizes the socket once closed=true and refs==0 (P1).
func (s *Socket) maybeDestroy() {
	if s.closed.Load() && s.refs.Load() == 0 {
		s.manager.untrackSocket()
	}
}

// IsClosed reports whether the socket has completed teardown.
func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// LocalAddr returns the socket's local address, if known.
func (s *Socket) LocalAddr() netip.AddrPort {
	return s.local
}

// RemoteAddr returns the socket's peer address, if known.
func (s *Socket) RemoteAddr() netip.AddrPort {
	return s.peer
}
