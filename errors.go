// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"context"
	"errors"
	"io"

	"github.com/bassosimone/errclass"
)

// Kind is the fixed taxonomy of transport-level outcomes.
//
// Every operation that can fail classifies its failure (or success) into
// exactly one Kind. Kind is distinct from [ErrClassifier]'s string labels:
// Kind drives control flow (retry, close, surface), while the classifier
// label is purely for structured logging.
type Kind int

const (
	// SUCCESS indicates the operation completed normally.
	SUCCESS Kind = iota

	// CANCELED indicates shutdown, CancelRead, or a closing listener interrupted the operation.
	CANCELED

	// TIMEDOUT indicates a connect or read timer fired without being deferred.
	TIMEDOUT

	// QUOTA indicates an accept was rejected because the quota is exhausted.
	QUOTA

	// SOFTQUOTA indicates an accept succeeded but the quota is at its soft threshold.
	SOFTQUOTA

	// EOF indicates the peer closed the stream.
	EOF

	// CONNECTIONRESET indicates the transport reset the connection.
	CONNECTIONRESET

	// ADDRINUSE indicates a bind failed after the SO_REUSEADDR/SO_REUSEPORT retry ladder.
	ADDRINUSE

	// ADDRNOTAVAIL indicates a bind failed after the IP_FREEBIND retry.
	ADDRNOTAVAIL

	// NOTCONNECTED indicates an operation was attempted on a socket with no carrier.
	NOTCONNECTED

	// TLSERROR indicates a handshake or record-layer failure.
	TLSERROR

	// TLSBADPEERCERT indicates the peer certificate was rejected.
	TLSBADPEERCERT

	// DOTALPNERROR indicates an ALPN mismatch for DNS-over-TLS.
	DOTALPNERROR

	// HTTP2ALPNERROR indicates the negotiated ALPN protocol was not "h2".
	HTTP2ALPNERROR

	// INVALIDPROTO indicates an HTTP/2 framing or content-type violation.
	INVALIDPROTO

	// FAILURE indicates an unclassified error.
	FAILURE
)

// String implements [fmt.Stringer].
func (k Kind) String() string {
	switch k {
	case SUCCESS:
		return "SUCCESS"
	case CANCELED:
		return "CANCELED"
	case TIMEDOUT:
		return "TIMEDOUT"
	case QUOTA:
		return "QUOTA"
	case SOFTQUOTA:
		return "SOFTQUOTA"
	case EOF:
		return "EOF"
	case CONNECTIONRESET:
		return "CONNECTIONRESET"
	case ADDRINUSE:
		return "ADDRINUSE"
	case ADDRNOTAVAIL:
		return "ADDRNOTAVAIL"
	case NOTCONNECTED:
		return "NOTCONNECTED"
	case TLSERROR:
		return "TLSERROR"
	case TLSBADPEERCERT:
		return "TLSBADPEERCERT"
	case DOTALPNERROR:
		return "DOTALPNERROR"
	case HTTP2ALPNERROR:
		return "HTTP2ALPNERROR"
	case INVALIDPROTO:
		return "INVALIDPROTO"
	case FAILURE:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// Error pairs a [Kind] with an underlying cause.
//
// Error implements [error] and [errors.Unwrap] so callers can use
// [errors.Is]/[errors.As] against the wrapped cause while switching on Kind
// for control flow.
type Error struct {
	// Kind classifies the failure for control-flow purposes.
	Kind Kind

	// Cause is the underlying error, if any. May be nil for a bare Kind
	// such as CANCELED or TIMEDOUT with no syscall-level cause.
	Cause error
}

var _ error = &Error{}

// Error implements [error].
func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

// Unwrap implements the implicit interface used by [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds an [*Error] wrapping cause with the given kind.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// classifyKind maps a raw error into a [Kind], using [errclass.New]'s
// syscall-errno classification as the ground truth and falling back to
// context/io sentinel checks for cases errclass does not distinguish by Kind
// (e.g. context cancellation must surface as CANCELED, not a generic failure).
func classifyKind(err error) Kind {
	if err == nil {
		return SUCCESS
	}
	if errors.Is(err, context.Canceled) {
		return CANCELED
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TIMEDOUT
	}
	if errors.Is(err, io.EOF) {
		return EOF
	}
	switch errclass.New(err) {
	case errclass.ETIMEDOUT:
		return TIMEDOUT
	case errclass.EEOF:
		return EOF
	case errclass.ECONNRESET, errclass.ECONNABORTED:
		return CONNECTIONRESET
	case errclass.EADDRINUSE:
		return ADDRINUSE
	case errclass.EADDRNOTAVAIL:
		return ADDRNOTAVAIL
	case errclass.ENOTCONN:
		return NOTCONNECTED
	default:
		return FAILURE
	}
}
