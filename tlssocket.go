//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
//

package netmgr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"sync"

	"github.com/bassosimone/runtimex"
)

// tlsState is the explicit enumerated state of a TLS socket (server side, and
// the client side created by [ConnectTLS]),
// the idiomatic realization of spec's design note to replace BIND's raw
// booleans with a single state variable plus assertion-validated
// transitions.
type tlsState int

const (
	tlsINIT tlsState = iota
	tlsHANDSHAKE
	tlsIO
	tlsCLOSING
	tlsCLOSED
	tlsERROR
)

// String implements [fmt.Stringer].
func (s tlsState) String() string {
	switch s {
	case tlsINIT:
		return "init"
	case tlsHANDSHAKE:
		return "handshake"
	case tlsIO:
		return "io"
	case tlsCLOSING:
		return "closing"
	case tlsCLOSED:
		return "closed"
	case tlsERROR:
		return "error"
	default:
		return "unknown"
	}
}

// tlsSession is the TLS-specific state layered on a [Socket] whose conn is a
// [TLSConn]. Go's crypto/tls has no memory-BIO API, so there is no do_bio
// drive loop to port: record-layer framing and ALPN are handled by
// crypto/tls itself, and the socket's generic readLoop (tcp.go) already
// drives tls.Conn.Read in a loop. What remains ours to provide is the
// explicit state (I4: outer is non-nil only in INIT/HANDSHAKE/IO) and the
// FIFO send queue with single-in-flight gating (I5).
type tlsSession struct {
	mu    sync.Mutex
	state tlsState

	sendMu    sync.Mutex
	sendQueue []queuedSend
	sending   bool
}

type queuedSend struct {
	region []byte
	cb     SendFunc
	handle *Handle
}

func (s *Socket) tlsSess() *tlsSession {
	sess, _ := s.session.(*tlsSession)
	return sess
}

func (s *Socket) setTLSState(state tlsState) {
	sess := s.tlsSess()
	sess.mu.Lock()
	sess.state = state
	sess.mu.Unlock()
}

// TLSState reports the socket's current TLS state, for tests and diagnostics.
func (s *Socket) TLSState() tlsState {
	sess := s.tlsSess()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state
}

// newTLSServerSocket wraps an accepted TCP child's connection in a
// server-side TLS engine and drives the handshake on a dedicated goroutine,
// dispatching acceptCB exactly once on completion: SUCCESS on a completed
// handshake, or a classified failure.
//
// I4: outer references tcpChild while state is INIT/HANDSHAKE/IO; it is
// cleared once state transitions to CLOSING/CLOSED/ERROR.
func newTLSServerSocket(m *Manager, tcpChild *Socket, tlsConfig *tls.Config, acceptCB AcceptCB) {
	w := tcpChild.owner
	sess := &tlsSession{state: tlsINIT}

	tlsSock := newSocket(m, w, KindTLSConnected, tcpChild.logger)
	tlsSock.session = sess
	tlsSock.outer = tcpChild
	tlsSock.local = tcpChild.local
	tlsSock.peer = tcpChild.peer

	sess.mu.Lock()
	sess.state = tlsHANDSHAKE
	sess.mu.Unlock()

	tconn := tls.Server(tcpChild.conn, tlsConfig)
	tlsSock.conn = tconn

	h := newHandle(tlsSock)
	tlsSock.anchor = h

	go func() {
		err := tconn.HandshakeContext(context.Background())
		w.enqueue(func() {
			tlsSock.logHandshakeDone(tconn, err)
			if err != nil {
				tlsSock.setTLSState(tlsERROR)
				tlsSock.Close()
				if acceptCB != nil {
					acceptCB(h, classifyTLSError(err))
				}
				return
			}
			tlsSock.setTLSState(tlsIO)
			if acceptCB != nil {
				acceptCB(h, SUCCESS)
			}
		})
	}()
}

func (s *Socket) logHandshakeDone(conn TLSConn, err error) {
	state := conn.ConnectionState()
	s.logger.Info(
		"tlsServerHandshakeDone",
		slog.Any("err", err),
		slog.String("localAddr", s.local.String()),
		slog.String("remoteAddr", s.peer.String()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
	)
}

// classifyTLSError maps a handshake failure to TLSBADPEERCERT when the
// failure is a certificate-validation error, otherwise to TLSERROR (or a
// more specific Kind if classifyKind recognizes the cause).
func classifyTLSError(err error) Kind {
	if err == nil {
		return SUCCESS
	}
	var hostErr x509.HostnameError
	var unknownAuth x509.UnknownAuthorityError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &hostErr) || errors.As(err, &unknownAuth) || errors.As(err, &invalidCert) {
		return TLSBADPEERCERT
	}
	if kind := classifyKind(err); kind != FAILURE {
		return kind
	}
	return TLSERROR
}

// SendTLS queues region for transmission over a TLS handle's record layer,
// delivering cb in FIFO enqueue order (I5): at most one send is in flight at
// a time, and a failed element fails subsequent queued elements with the
// same error instead of attempting them.
func (h *Handle) SendTLS(region []byte, cb SendFunc) {
	s := h.sock
	sess := s.tlsSess()
	runtimex.Assert(sess != nil)

	sess.sendMu.Lock()
	sess.sendQueue = append(sess.sendQueue, queuedSend{region: region, cb: cb, handle: h})
	if sess.sending {
		sess.sendMu.Unlock()
		return
	}
	sess.sending = true
	next := sess.sendQueue[0]
	sess.sendQueue = sess.sendQueue[1:]
	sess.sendMu.Unlock()

	s.owner.enqueue(func() { s.driveTLSSend(next) })
}

// driveTLSSend writes one queued element and, on completion, either drives
// the next element (on success) or fails every remaining queued element with
// the same error (on failure).
func (s *Socket) driveTLSSend(qs queuedSend) {
	go func() {
		_, err := s.conn.Write(qs.region)
		s.owner.enqueue(func() {
			kind := SUCCESS
			if err != nil {
				kind = classifyKind(err)
			}
			if qs.cb != nil {
				qs.cb(qs.handle, kind)
			}

			next, ok := s.popTLSSendQueue()
			if !ok {
				return
			}
			if err != nil {
				s.failTLSSend(next, kind)
				return
			}
			s.driveTLSSend(next)
		})
	}()
}

// failTLSSend propagates a prior send's failure to every subsequent queued
// element without attempting a write.
func (s *Socket) failTLSSend(qs queuedSend, kind Kind) {
	if qs.cb != nil {
		qs.cb(qs.handle, kind)
	}
	next, ok := s.popTLSSendQueue()
	if !ok {
		return
	}
	s.failTLSSend(next, kind)
}

// popTLSSendQueue pops the next queued send, or marks the queue idle and
// returns false if empty.
func (s *Socket) popTLSSendQueue() (queuedSend, bool) {
	sess := s.tlsSess()
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if len(sess.sendQueue) == 0 {
		sess.sending = false
		return queuedSend{}, false
	}
	next := sess.sendQueue[0]
	sess.sendQueue = sess.sendQueue[1:]
	return next, true
}
