//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netmgr

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Method selects the DoH request encoding used by [HTTPConnectSendRequest].
type Method int

const (
	// MethodGET base64url-encodes the DNS message into a `dns` query
	// parameter.
	MethodGET Method = iota

	// MethodPOST sends the DNS message as a raw application/dns-message body.
	MethodPOST
)

// http2DoHListener is the protocol-specific state layered on a [Socket] of
// kind [KindHTTPListener]: the HTTP/2 server, its path-keyed mux, and a back
// reference to the owning manager so per-request sockets can be created.
type http2DoHListener struct {
	mux     *http.ServeMux
	h2srv   *http2.Server
	manager *Manager
	logger  SLogger
}

// http2DoHSession is the protocol-specific state layered on a per-request
// [Socket] of kind [KindHTTPSocket]: the ResponseWriter for the one stream
// this socket represents, and the means to let the serving handler return
// only once a response has been sent or the stream is otherwise done.
//
// I8: sendOnce guarantees at most one response write per request, making
// duplicate delivery impossible regardless of how many times a consumer
// calls [Handle.SendHTTP].
type http2DoHSession struct {
	w        http.ResponseWriter
	done     chan struct{}
	sendOnce sync.Once
}

// ListenHTTP layers an HTTP/2 DNS-over-HTTPS server atop [ListenTCP] (when
// tlsConfig is nil, serving h2 with prior knowledge over plain TCP) or
// [ListenTLS] (when tlsConfig is non-nil, negotiating h2 via ALPN). Register
// path-keyed endpoints with [AddDoHEndpoint] before traffic arrives.
//
// maxConcurrentStreams bounds the server's per-connection concurrent stream
// limit (0 means the [golang.org/x/net/http2.Server] default); streams
// beyond the limit are refused by the HTTP/2 layer itself.
func ListenHTTP(ctx context.Context, m *Manager, logger SLogger, iface netip.AddrPort,
	tlsConfig *tls.Config, maxConcurrentStreams uint32) (*Socket, error) {
	if logger == nil {
		logger = DefaultSLogger()
	}

	state := &http2DoHListener{
		mux:     http.NewServeMux(),
		h2srv:   &http2.Server{MaxConcurrentStreams: maxConcurrentStreams},
		manager: m,
		logger:  logger,
	}

	carrierAcceptCB := func(h *Handle, kind Kind) {
		if kind != SUCCESS {
			return
		}
		carrier := h.Socket()
		if tlsConfig != nil {
			tconn, ok := carrier.conn.(TLSConn)
			if !ok || tconn.ConnectionState().NegotiatedProtocol != "h2" {
				logger.Info("dohALPNMismatch",
					slog.String("remoteAddr", carrier.peer.String()),
					slog.String("errClass", HTTP2ALPNERROR.String()),
				)
				carrier.Close()
				return
			}
		}
		state.serve(carrier)
	}

	var (
		ln  *Socket
		err error
	)
	if tlsConfig != nil {
		cfg := tlsConfig.Clone()
		if len(cfg.NextProtos) == 0 {
			cfg.NextProtos = []string{"h2"}
		}
		ln, err = ListenTLS(ctx, m, logger, iface, carrierAcceptCB, 128, nil, cfg)
	} else {
		ln, err = ListenTCP(ctx, m, logger, iface, carrierAcceptCB, 128, nil)
	}
	if err != nil {
		return nil, err
	}
	ln.kind = KindHTTPListener
	ln.session = state
	return ln, nil
}

// serve hands carrier's connection to the HTTP/2 server on a dedicated
// goroutine: one in-flight carrier send at a time and carrier-to-session
// framing are entirely the http2 package's responsibility once ServeConn is
// called, matching spec's description of the core's role as routing bytes
// in and pumping session output out.
func (l *http2DoHListener) serve(carrier *Socket) {
	go func() {
		l.h2srv.ServeConn(carrier.conn, &http2.ServeConnOpts{
			Context: context.Background(),
			Handler: l.mux,
		})
		carrier.Close()
	}()
}

// AddDoHEndpoint registers a path (e.g. "/dns-query") on sock, a listener
// returned by [ListenHTTP]. Incoming requests for path are demultiplexed by
// :path, decoded per spec's GET/POST wire formats, and delivered to recvCB
// exactly once per request via a dedicated per-request [*Handle].
func AddDoHEndpoint(sock *Socket, path string, recvCB RecvFunc) {
	state, ok := sock.session.(*http2DoHListener)
	if !ok {
		return
	}
	state.mux.HandleFunc(path, state.handleRequest(recvCB))
}

// handleRequest decodes one HTTP/2 request per spec's wire-format table,
// constructs the request's per-stream [*Socket]/[*Handle] pair, and blocks
// the serving goroutine until the consumer responds (via [Handle.SendHTTP])
// or the stream ends for some other reason (client disconnect, context
// cancellation) — this is the idiomatic realization of "exactly one
// response path per stream" (I8) atop net/http's per-call handler model.
func (l *http2DoHListener) handleRequest(recvCB RecvFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := decodeDoHRequest(r)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		reqSock := newSocket(l.manager, l.manager.pickWorker(), KindHTTPSocket, l.logger)
		sess := &http2DoHSession{w: w, done: make(chan struct{})}
		reqSock.session = sess
		h := newHandle(reqSock)
		reqSock.anchor = h

		if recvCB != nil {
			recvCB(h, SUCCESS, body)
		}

		select {
		case <-sess.done:
		case <-r.Context().Done():
		}

		h.Close()
	}
}

// decodeDoHRequest decodes an incoming DoH request per spec's wire-format
// table: GET carries the DNS message base64url-encoded in the `dns` query
// parameter, POST carries it as the raw request body.
func decodeDoHRequest(r *http.Request) ([]byte, error) {
	switch r.Method {
	case http.MethodGet:
		param, err := ParseDNSParam(r.URL.RawQuery)
		if err != nil {
			return nil, err
		}
		return DecodeBase64URL(string(param))
	case http.MethodPost:
		return io.ReadAll(r.Body)
	default:
		return nil, fmt.Errorf("netmgr: unsupported DoH method %q", r.Method)
	}
}

// SendHTTP sends region as the response body for the HTTP/2 DoH request h
// represents, with content-type application/dns-message, and invokes cb
// exactly once. A second call is a no-op and does not invoke cb again (I8).
func (h *Handle) SendHTTP(region []byte, cb SendFunc) {
	s := h.sock
	sess, ok := s.session.(*http2DoHSession)
	if !ok {
		if cb != nil {
			cb(h, NOTCONNECTED)
		}
		return
	}

	sess.sendOnce.Do(func() {
		sess.w.Header().Set("content-type", "application/dns-message")
		sess.w.WriteHeader(http.StatusOK)
		_, err := sess.w.Write(region)
		close(sess.done)
		if cb == nil {
			return
		}
		if err != nil {
			cb(h, classifyKind(err))
			return
		}
		cb(h, SUCCESS)
	})
}

// HTTPConnectSendRequest dials url (scheme selects TLS), composes a DoH
// GET or POST request carrying body, performs the round trip, and invokes
// recvCB exactly once with the decoded response body or a classified
// failure. recvCB's handle argument is always nil: unlike the listener
// side, a one-shot client request has no durable per-socket identity to
// anchor — see spec's External Interfaces, which models this call as a
// single round trip rather than a long-lived handle.
//
// A non-h2 ALPN negotiation over a TLS carrier fails with
// [HTTP2ALPNERROR]. A non-200 response or a content-type other than
// application/dns-message fails with [INVALIDPROTO].
func HTTPConnectSendRequest(ctx context.Context, cfg *Config, logger SLogger, rawURL string,
	method Method, body []byte, recvCB RecvFunc, tlsConfig *tls.Config, timeout time.Duration) error {
	if logger == nil {
		logger = DefaultSLogger()
	}

	doh, err := ParseDoHURL(rawURL)
	if err != nil {
		return deliverHTTPFailure(recvCB, FAILURE, err)
	}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	address := net.JoinHostPort(doh.Host, strconv.Itoa(int(doh.Port)))
	conn, err := cfg.Dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return deliverHTTPFailure(recvCB, classifyKind(err), err)
	}
	observed, _ := NewObserveConnFunc(cfg, logger).Call(dialCtx, conn)

	var hc *HTTPConn
	if doh.Scheme == "https" {
		hc, err = dialDoHTLS(dialCtx, cfg, logger, doh, observed, tlsConfig)
	} else {
		hc, err = NewHTTPConnFuncPlain(cfg, logger).Call(dialCtx, observed)
	}
	if err != nil {
		return deliverHTTPFailure(recvCB, classifyOrWrap(err), err)
	}
	defer hc.Close()

	req, err := buildDoHRequest(dialCtx, doh, method, body)
	if err != nil {
		return deliverHTTPFailure(recvCB, FAILURE, err)
	}

	resp, err := hc.RoundTrip(req)
	if err != nil {
		return deliverHTTPFailure(recvCB, classifyKind(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK || resp.Header.Get("content-type") != "application/dns-message" {
		err := fmt.Errorf("netmgr: unexpected DoH response: status=%d content-type=%q",
			resp.StatusCode, resp.Header.Get("content-type"))
		return deliverHTTPFailure(recvCB, INVALIDPROTO, err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return deliverHTTPFailure(recvCB, classifyKind(err), err)
	}

	if recvCB != nil {
		recvCB(nil, SUCCESS, respBody)
	}
	return nil
}

// dialDoHTLS performs the client-side TLS handshake via [*TLSHandshakeFunc]
// and enforces the h2 ALPN requirement before wrapping the connection in an
// [*HTTPConn].
func dialDoHTLS(ctx context.Context, cfg *Config, logger SLogger,
	doh *DoHURL, conn net.Conn, tlsConfig *tls.Config) (*HTTPConn, error) {
	tc := new(tls.Config)
	if tlsConfig != nil {
		tc = tlsConfig.Clone()
	}
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{"h2"}
	}
	if tc.ServerName == "" {
		tc.ServerName = doh.Host
	}

	tconn, err := NewTLSHandshakeFunc(cfg, tc, logger).Call(ctx, conn)
	if err != nil {
		return nil, newClassifiedError(classifyTLSError(err), err)
	}
	if state := tconn.ConnectionState(); state.NegotiatedProtocol != "h2" {
		tconn.Close()
		return nil, newClassifiedError(HTTP2ALPNERROR, nil)
	}
	return NewHTTPConnFuncTLS(cfg, logger).Call(ctx, tconn)
}

// buildDoHRequest composes the GET or POST request per spec's wire-format
// table.
func buildDoHRequest(ctx context.Context, doh *DoHURL, method Method, body []byte) (*http.Request, error) {
	base := fmt.Sprintf("%s://%s", doh.Scheme, net.JoinHostPort(doh.Host, strconv.Itoa(int(doh.Port))))
	switch method {
	case MethodGET:
		query := "dns=" + EncodeBase64URL(body)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+doh.Path+"?"+query, http.NoBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("accept", "application/dns-message")
		return req, nil
	case MethodPOST:
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+doh.Path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/dns-message")
		return req, nil
	default:
		return nil, fmt.Errorf("netmgr: unknown DoH method %v", method)
	}
}

// classifyOrWrap extracts the Kind from a *[Error] produced earlier in this
// file's dial path, falling back to FAILURE for anything else.
func classifyOrWrap(err error) Kind {
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Kind
	}
	return FAILURE
}

func newClassifiedError(kind Kind, cause error) *Error {
	return NewError(kind, cause)
}

// deliverHTTPFailure invokes recvCB (if non-nil) with the given failure Kind
// and returns a classified error for the caller.
func deliverHTTPFailure(recvCB RecvFunc, kind Kind, cause error) error {
	if recvCB != nil {
		recvCB(nil, kind, nil)
	}
	return NewError(kind, cause)
}
