//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package netmgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/netmgr/sockopt"
)

// AcceptCB is invoked once per accepted connection with [SUCCESS], or with a
// nil handle and [CANCELED] when a connection arrives while the manager is
// shutting down. A connection held back by the listener's quota is not
// reported with [QUOTA]: its callback runs with [SUCCESS] once a slot frees.
type AcceptCB func(handle *Handle, kind Kind)

// ConnectCB is invoked exactly once when a TCP connect attempt completes,
// with [SUCCESS] or a failure [Kind] (most commonly [TIMEDOUT]).
type ConnectCB func(handle *Handle, kind Kind)

// ListenTCP binds and listens on iface, dispatching accepted connections to
// acceptCB. It implements the bind-retry ladder: on EADDRINUSE, retry with
// SO_REUSEADDR/SO_REUSEPORT; on EADDRNOTAVAIL, retry with IP_FREEBIND.
//
// If quota is non-nil, each accept attaches to it; QUOTA-rejected accepts are
// retried automatically when a slot frees (quota-triggered accept).
func ListenTCP(ctx context.Context, m *Manager, logger SLogger,
	iface netip.AddrPort, acceptCB AcceptCB, backlog int, quota *Quota) (*Socket, error) {
	if logger == nil {
		logger = DefaultSLogger()
	}

	ln, err := bindWithRetry(ctx, iface)
	if err != nil {
		logger.Info("listenTCPFailed",
			slog.String("localAddr", iface.String()),
			slog.Any("err", err),
		)
		return nil, err
	}

	w := m.pickWorker()
	s := newSocket(m, w, KindTCPListener, logger)
	s.quota = quota
	s.listening.Store(true)
	s.local = tcpAddrToAddrPort(ln.Addr(), iface)

	m.listeners.Add(ListenElement{Socket: s})

	go acceptLoop(m, s, ln, acceptCB)

	return s, nil
}

// bindWithRetry implements spec's delayed-error/retry ladder for TCP listen.
func bindWithRetry(ctx context.Context, iface netip.AddrPort) (net.Listener, error) {
	addr := iface.String()

	ln, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err == nil {
		return ln, nil
	}

	switch errclass.New(err) {
	case errclass.EADDRINUSE:
		lc := &net.ListenConfig{Control: sockopt.Control(sockopt.SetReuse)}
		if ln2, err2 := lc.Listen(ctx, "tcp", addr); err2 == nil {
			return ln2, nil
		}
		return nil, NewError(ADDRINUSE, err)
	case errclass.EADDRNOTAVAIL:
		lc := &net.ListenConfig{Control: sockopt.Control(sockopt.SetFreeBind)}
		if ln2, err2 := lc.Listen(ctx, "tcp", addr); err2 == nil {
			return ln2, nil
		}
		return nil, NewError(ADDRNOTAVAIL, err)
	default:
		return nil, NewError(FAILURE, err)
	}
}

// acceptLoop runs on a dedicated goroutine, blocking on ln.Accept and
// dispatching each accepted connection per quota admission, until ln is
// closed by StopListening.
func acceptLoop(m *Manager, listener *Socket, ln net.Listener, acceptCB AcceptCB) {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !listener.closing.Load() {
				listener.listenError.Store(true)
				listener.logger.Info("listenAcceptFailed",
					slog.String("localAddr", listener.local.String()),
					slog.Any("err", err),
				)
				listener.Close()
			}
			return
		}

		listener.accepting.Store(true)

		if m.isShuttingDown() {
			conn.Close()
			if acceptCB != nil {
				acceptCB(nil, CANCELED)
			}
			listener.accepting.Store(false)
			continue
		}

		admit := func() { admitAcceptedConn(m, listener, conn, acceptCB) }

		if listener.quota == nil {
			admit()
			listener.accepting.Store(false)
			continue
		}

		switch listener.quota.AttachCB(admit) {
		case QUOTA:
			listener.acceptFailures.Add(1)
		case SOFTQUOTA, SUCCESS:
			admit()
		}
		listener.accepting.Store(false)
	}
}

// admitAcceptedConn creates the child socket for an accepted connection and
// assigns it to a uniformly random worker, independent of the listener's
// worker, to spread load.
func admitAcceptedConn(m *Manager, listener *Socket, conn net.Conn, acceptCB AcceptCB) {
	w := m.pickWorker()
	child := newSocket(m, w, KindTCPConnected, listener.logger)
	observed, _ := NewObserveConnFunc(m.cfg, listener.logger).Call(context.Background(), conn)
	child.conn = observed
	child.connected.Store(true)
	child.quota = listener.quota
	child.quotaAttached = listener.quota != nil
	child.local = tcpAddrToAddrPort(conn.LocalAddr(), netip.AddrPort{})
	child.peer = tcpAddrToAddrPort(conn.RemoteAddr(), netip.AddrPort{})
	listener.addChild(child)

	h := newHandle(child)
	child.anchor = h

	child.owner.enqueue(func() {
		if acceptCB != nil {
			acceptCB(h, SUCCESS)
		}
	})
}

// StopListening idempotently and asynchronously stops accepting new
// connections on s, closing the underlying listener socket. Listener
// sockets have no anchor handle, so StopListening itself releases the
// implicit reference [newSocket] gave it (I3), mirroring [Handle.Close].
//
// Teardown runs under the manager's global interlock, which serializes
// concurrent StopListening calls; acceptLoop does not take the interlock,
// so teardown is not serialized against accept processing. If the
// interlock is already held, the stop re-enqueues itself on s's owning
// worker, bounded by [maxInterlockSpins].
func StopListening(m *Manager, s *Socket) {
	m.runInterlocked(s.owner, func() {
		m.listeners.Remove(s)
		s.Close()
		s.unref()
	}, 0)
}

// ConnectTCP dials peer, invoking cb exactly once on completion. The dial is
// bounded by timeout (zero means no bound beyond ctx's own deadline); a
// timeout classifies as [TIMEDOUT].
func ConnectTCP(ctx context.Context, m *Manager, logger SLogger,
	local, peer netip.AddrPort, cb ConnectCB, timeout time.Duration) (*Socket, error) {
	if logger == nil {
		logger = DefaultSLogger()
	}

	w := m.pickWorker()
	s := newSocket(m, w, KindTCPConnected, logger)
	s.connecting.Store(true)
	s.peer = peer

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
			s.connecting.Store(false)
			if err != nil {
				kind := classifyKind(err)
				s.Close()
				if cb != nil {
					cb(newHandle(s), kind)
				}
				return
			}

			observed, _ := observeOp.Call(ctx, conn)
			s.conn = observed
			s.connected.Store(true)
			s.local = tcpAddrToAddrPort(conn.LocalAddr(), local)
			s.peer = tcpAddrToAddrPort(conn.RemoteAddr(), peer)

			h := newHandle(s)
			s.anchor = h
			if cb != nil {
				cb(h, SUCCESS)
			}
		})
	}()

	return s, nil
}

func tcpAddrToAddrPort(addr net.Addr, fallback netip.AddrPort) netip.AddrPort {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return fallback
	}
	ip, ok := netip.AddrFromSlice(tcpAddr.IP)
	if !ok {
		return fallback
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(tcpAddr.Port))
}

// StartRead installs recvCB and begins delivering read callbacks. Starting a
// read on an already-reading handle replaces the callback binding but does
// not spawn a second reader goroutine.
func (h *Handle) StartRead(recvCB RecvFunc) {
	s := h.sock
	s.owner.enqueue(func() {
		s.recvCB = recvCB
		s.readPaused.Store(false)
		if s.readingStarted {
			return
		}
		s.readingStarted = true
		go s.readLoop()
	})
}

// PauseRead suspends delivery of read callbacks without altering the
// callback binding. Idempotent.
func (h *Handle) PauseRead() {
	h.sock.readPaused.Store(true)
}

// ResumeRead resumes delivery of read callbacks after [Handle.PauseRead].
// Idempotent.
func (h *Handle) ResumeRead() {
	s := h.sock
	if s.readPaused.CompareAndSwap(true, false) {
		select {
		case s.resumeSignal <- struct{}{}:
		default:
		}
	}
}

// CancelRead stops the carrier read, fails the consumer's read callback with
// [EOF], and detaches the handle's static read anchor. Idempotent.
//
// Not every carrier (plain TCP via [observedConn], TLS via [TLSConn]) exposes
// a half-close, so this does not wait for the reader goroutine's blocked
// conn.Read to return on its own: it forces that read to unblock by setting
// a read deadline in the past, then delivers EOF and detaches the anchor
// itself. readLoop recognizes s.readCanceling and swallows the resulting
// deadline error instead of reporting it a second time.
func (h *Handle) CancelRead() {
	s := h.sock
	if !s.readCanceling.CompareAndSwap(false, true) {
		return
	}
	s.owner.enqueue(func() {
		if s.conn != nil {
			s.conn.SetReadDeadline(time.Unix(0, 1))
		}
		if s.recvCB != nil {
			s.recvCB(s.anchor, EOF, nil)
		}
		if s.anchor != nil {
			s.anchor.Detach()
		}
	})
}

// SetProcessing marks whether the consumer is still handling the last
// delivered chunk; while true, a fired read timer is given a grace period
// instead of failing the read with [TIMEDOUT].
func (h *Handle) SetProcessing(processing bool) {
	h.sock.processing.Store(processing)
}

// SetTimeout arms (or disarms, for d<=0) a read timeout. If the timer fires
// while the consumer is marked processing (via [Handle.SetProcessing]), the
// timer restarts instead of failing the read.
func (h *Handle) SetTimeout(d time.Duration) {
	s := h.sock
	s.owner.enqueue(func() {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if d <= 0 {
			return
		}
		s.timer = time.AfterFunc(d, func() { s.onReadTimeout(d) })
	})
}

// onReadTimeout runs on the timer's own goroutine; it marshals back onto the
// owning worker to inspect/mutate socket state.
func (s *Socket) onReadTimeout(d time.Duration) {
	s.owner.enqueue(func() {
		if s.timer == nil {
			return // timer was disarmed concurrently
		}
		if s.processing.Load() {
			s.timer.Reset(d)
			return
		}
		if s.recvCB != nil {
			s.recvCB(s.anchor, TIMEDOUT, nil)
		}
	})
}

// Send writes region to the socket's carrier, invoking cb exactly once after
// the bytes have been handed to the carrier (not confirmed on the wire). At
// most one [Handle.Send] call may be in flight at a time; concurrent
// queueing is the caller's responsibility (see the TLS wrapper's send queue).
func (h *Handle) Send(region []byte, cb SendFunc) {
	s := h.sock
	s.owner.enqueue(func() {
		if s.conn == nil {
			if cb != nil {
				cb(h, NOTCONNECTED)
			}
			return
		}
		req := s.getIORequest()
		req.region = region
		req.sendCB = cb
		req.handle = h

		go func() {
			_, err := s.conn.Write(req.region)
			s.owner.enqueue(func() {
				sendCB, handle := req.sendCB, req.handle
				s.putIORequest(req)
				if sendCB == nil {
					return
				}
				if err != nil {
					sendCB(handle, classifyKind(err))
					return
				}
				sendCB(handle, SUCCESS)
			})
		}()
	})
}

// readLoop is the per-socket reader goroutine. It performs one blocking
// conn.Read at a time using the socket's own receive buffer (I6), then hands
// the callback invocation to the worker's event queue and blocks until that
// callback has finished consuming the region before reading again — the
// buffer belongs to this socket alone, but it must still not be reused while
// the consumer callback may still be reading it.
func (s *Socket) readLoop() {
	for {
		if s.closed.Load() {
			return
		}
		if s.readPaused.Load() {
			<-s.resumeSignal
			continue
		}

		buf := s.acquireRecvBuf()
		n, err := s.conn.Read(buf)

		done := make(chan struct{})
		s.owner.enqueue(func() {
			defer close(done)
			defer s.releaseRecvBuf()

			if s.readCanceling.Load() {
				// CancelRead already delivered EOF and detached the anchor;
				// this is just the forced-unblock deadline error surfacing.
				return
			}
			if s.recvCB == nil {
				return
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					s.recvCB(s.anchor, EOF, nil)
				} else {
					s.recvCB(s.anchor, classifyKind(err), nil)
					s.Close()
				}
				return
			}
			s.recvCB(s.anchor, SUCCESS, buf[:n])
		})
		<-done

		if err != nil {
			return
		}
	}
}
