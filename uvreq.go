// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

// RecvFunc is invoked once per delivered read chunk or terminal read
// condition: SUCCESS with a non-empty region, EOF with no region, or
// CANCELED/TIMEDOUT/CONNECTIONRESET on failure.
type RecvFunc func(handle *Handle, kind Kind, region []byte)

// SendFunc is invoked exactly once per [Handle.Send] call, after the bytes
// have been handed to the carrier for transmission (not confirmed on the
// wire).
type SendFunc func(handle *Handle, kind Kind)

// ioRequest is an in-flight I/O operation record: a pooled completion
// closure bound to a handle. [Handle.Send] draws one from its socket's pool
// for each write and returns it at completion. Reads do not use ioRequest:
// readLoop reads into the socket's own receive buffer.
type ioRequest struct {
	// buf is a read buffer region; no code path in this package sets it.
	buf []byte

	// region is the plaintext or ciphertext region to send, set only for sends.
	region []byte

	// recvCB and sendCB are mutually exclusive: a write request carries
	// sendCB; no code path in this package sets recvCB.
	recvCB RecvFunc
	sendCB SendFunc

	handle *Handle
}
