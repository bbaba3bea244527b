//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
//

package netmgr

import (
	"context"
	"crypto/tls"
	"net"
	"net/netip"
	"time"
)

// dialAndObserve resolves a [*ConnectFunc]/[*ObserveConnFunc] pair from cfg,
// binding the dial to local when valid. Shared by [ConnectTCP] and
// [ConnectTLS] so both transports dial and log I/O the same way.
func dialAndObserve(cfg *Config, logger SLogger, local netip.AddrPort) (*ConnectFunc, *ObserveConnFunc) {
	connectOp := NewConnectFunc(cfg, "tcp", logger)
	if local.IsValid() {
		connectOp.Dialer = &net.Dialer{LocalAddr: &net.TCPAddr{IP: local.Addr().AsSlice(), Port: int(local.Port())}}
	}
	return connectOp, NewObserveConnFunc(cfg, logger)
}

// ConnectTLS dials peer over TCP and performs a client TLS handshake,
// invoking cb exactly once on completion. timeout bounds the TCP dial only
// (zero means no bound beyond ctx's own deadline); a dial timeout classifies
// as [TIMEDOUT]. The handshake is bounded by neither timeout nor ctx.
// tlsConfig must not be nil.
//
// This is the TLS analogue of [ConnectTCP]. The returned [*Socket] is the
// plain TCP carrier ([KindTCPConnected]); the [KindTLSConnected] socket is
// created after the dial and reaches cb through its handle. That TLS socket
// holds the TCP carrier as outer (I4) until it is closed.
func ConnectTLS(ctx context.Context, m *Manager, logger SLogger,
	local, peer netip.AddrPort, cb ConnectCB, tlsConfig *tls.Config, timeout time.Duration) (*Socket, error) {
	if logger == nil {
		logger = DefaultSLogger()
	}

	w := m.pickWorker()
	tcpChild := newSocket(m, w, KindTCPConnected, logger)
	tcpChild.connecting.Store(true)
	tcpChild.peer = peer

	connectOp, observeOp := dialAndObserve(m.cfg, logger, local)

	dialCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	go func() {
		if cancel != nil {
			defer cancel()
		}
		conn, err := connectOp.Call(dialCtx, peer)
		w.enqueue(func() {
			tcpChild.connecting.Store(false)
			if err != nil {
				kind := classifyKind(err)
				tcpChild.Close()
				if cb != nil {
					cb(newHandle(tcpChild), kind)
				}
				return
			}

			observed, _ := observeOp.Call(ctx, conn)
			tcpChild.conn = observed
			tcpChild.connected.Store(true)
			tcpChild.local = tcpAddrToAddrPort(conn.LocalAddr(), local)
			tcpChild.peer = tcpAddrToAddrPort(conn.RemoteAddr(), peer)

			newTLSClientSocket(m, tcpChild, tlsConfig, cb)
		})
	}()

	return tcpChild, nil
}

// newTLSClientSocket wraps a dialed TCP connection in a client-side TLS
// engine and drives the handshake on a dedicated goroutine, dispatching cb
// exactly once on completion. Mirrors newTLSServerSocket's state machine
// and I4 outer-reference discipline, delegating the handshake itself to
// [*TLSHandshakeFunc] instead of driving [tls.Client] by hand.
func newTLSClientSocket(m *Manager, tcpChild *Socket, tlsConfig *tls.Config, cb ConnectCB) {
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

	h := newHandle(tlsSock)
	tlsSock.anchor = h

	handshakeOp := NewTLSHandshakeFunc(m.cfg, tlsConfig, tcpChild.logger)

	go func() {
		tconn, err := handshakeOp.Call(context.Background(), tcpChild.conn)
		w.enqueue(func() {
			if err != nil {
				tlsSock.setTLSState(tlsERROR)
				tlsSock.Close()
				if cb != nil {
					cb(h, classifyTLSError(err))
				}
				return
			}
			tlsSock.conn = tconn
			tlsSock.setTLSState(tlsIO)
			if cb != nil {
				cb(h, SUCCESS)
			}
		})
	}()
}
