//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package netmgr

import (
	"context"
	"crypto/tls"
	"net/netip"

	"github.com/bassosimone/runtimex"
)

// ListenTLS wraps [ListenTCP], layering a server-side TLS handshake onto
// every accepted connection before invoking acceptCB. tlsConfig is the
// listener's server certificate/cipher configuration; it is shared by every
// accepted connection, never copied per connection.
func ListenTLS(ctx context.Context, m *Manager, logger SLogger,
	iface netip.AddrPort, acceptCB AcceptCB, backlog int, quota *Quota, tlsConfig *tls.Config) (*Socket, error) {
	runtimex.Assert(tlsConfig != nil)

	tcpAcceptCB := func(h *Handle, kind Kind) {
		if kind != SUCCESS {
			if acceptCB != nil {
				acceptCB(h, kind)
			}
			return
		}
		newTLSServerSocket(m, h.Socket(), tlsConfig, acceptCB)
	}

	ln, err := ListenTCP(ctx, m, logger, iface, tcpAcceptCB, backlog, quota)
	if err != nil {
		return nil, err
	}
	ln.kind = KindTLSListener
	return ln, nil
}
