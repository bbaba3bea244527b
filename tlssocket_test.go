// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSelfSignedTLSConfigs generates an ephemeral self-signed certificate and
// returns the matching server and client [*tls.Config] pair.
func newSelfSignedTLSConfigs(t *testing.T) (server, client *tls.Config) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}

	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool.AddCert(leaf)

	server = &tls.Config{Certificates: []tls.Certificate{cert}}
	client = &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return server, client
}

// TestTLSServerHandshakeAndEcho covers P5 and scenario 3: a TLS client sends
// 13 bytes of plaintext, the server's read callback echoes them back, and
// the client reads the echo.
func TestTLSServerHandshakeAndEcho(t *testing.T) {
	m := newTestManager(t, 2)
	serverCfg, clientCfg := newSelfSignedTLSConfigs(t)

	accepted := make(chan *Handle, 1)
	ln, err := ListenTLS(context.Background(), m, nil,
		mustAddrPort(t, "127.0.0.1:0"), func(h *Handle, kind Kind) {
			if kind == SUCCESS {
				accepted <- h
			}
		}, 16, nil, serverCfg)
	require.NoError(t, err)

	rawConn, err := net.Dial("tcp", ln.local.String())
	require.NoError(t, err)
	defer rawConn.Close()
	clientConn := tls.Client(rawConn, clientCfg)
	require.NoError(t, clientConn.HandshakeContext(context.Background()))

	var serverHandle *Handle
	select {
	case serverHandle = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TLS accept")
	}
	require.Equal(t, tlsIO, serverHandle.Socket().TLSState())

	echoed := make(chan struct{})
	serverHandle.StartRead(func(h *Handle, kind Kind, region []byte) {
		if kind != SUCCESS {
			return
		}
		payload := append([]byte(nil), region...)
		h.SendTLS(payload, func(*Handle, Kind) { close(echoed) })
	})

	const msg = "helloworld!!!" // 13 bytes
	_, err = clientConn.Write([]byte(msg))
	require.NoError(t, err)

	select {
	case <-echoed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server echo to be sent")
	}

	buf := make([]byte, len(msg))
	_, err = clientConn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))

	serverHandle.Close()
	StopListening(m, ln)
}

// TestTLSServerHandshakeFailureClassifiesError covers the failure branch: a
// non-TLS client (garbage ClientHello) must fail the server-side handshake,
// dispatched via acceptCB with a non-SUCCESS Kind.
func TestTLSServerHandshakeFailureClassifiesError(t *testing.T) {
	m := newTestManager(t, 2)
	serverCfg, _ := newSelfSignedTLSConfigs(t)

	results := make(chan Kind, 1)
	ln, err := ListenTLS(context.Background(), m, nil,
		mustAddrPort(t, "127.0.0.1:0"), func(h *Handle, kind Kind) {
			results <- kind
		}, 16, nil, serverCfg)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ln.local.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("not a tls client hello at all"))
	require.NoError(t, err)

	select {
	case kind := <-results:
		assert.NotEqual(t, SUCCESS, kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake failure")
	}

	StopListening(m, ln)
}

// TestSendTLSFIFOOrderAndFailurePropagation exercises I5 directly against a
// stubbed TLSConn: writes are delivered in enqueue order, and once one write
// fails every subsequently queued element fails with the same Kind without
// attempting a write.
func TestSendTLSFIFOOrderAndFailurePropagation(t *testing.T) {
	m := newTestManager(t, 1)

	var writes []string
	failAfter := 1
	tlsConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
	}
	tlsConn.FuncConn.WriteFunc = func(b []byte) (int, error) {
		writes = append(writes, string(b))
		if len(writes) > failAfter {
			return 0, net.ErrClosed
		}
		return len(b), nil
	}

	s := newSocket(m, m.workers[0], KindTLSConnected, nil)
	s.conn = tlsConn
	s.connected.Store(true)
	s.session = &tlsSession{state: tlsIO}
	h := newHandle(s)
	s.anchor = h

	kinds := make(chan Kind, 3)
	h.SendTLS([]byte("first"), func(*Handle, Kind) {})
	h.SendTLS([]byte("second"), func(h *Handle, kind Kind) { kinds <- kind })
	h.SendTLS([]byte("third"), func(h *Handle, kind Kind) { kinds <- kind })

	var got []Kind
	for i := 0; i < 2; i++ {
		select {
		case k := <-kinds:
			got = append(got, k)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for queued sends to complete")
		}
	}

	require.Len(t, got, 2)
	assert.NotEqual(t, SUCCESS, got[0], "second send's underlying write fails")
	assert.Equal(t, got[0], got[1], "third send fails with the same Kind as second, without writing")
	require.Len(t, writes, 2, "third element must not reach conn.Write")

	h.Close()
}
