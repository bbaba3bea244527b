// SPDX-License-Identifier: GPL-3.0-or-later

// Package netmgr provides a worker-pooled transport core for TCP, TLS, and
// HTTP/2 DNS-over-HTTPS connections.
//
// # Core Abstraction
//
// The package is built around a fixed pool of goroutines (workers), each
// draining a channel of closures. Client-side connection establishment is
// built from a single generic interface:
//
//	type Func[A, B any] interface {
//		Call(ctx context.Context, input A) (B, error)
//	}
//
// Sockets are pinned to the worker that created them: every I/O completion
// callback for a socket runs on its owning worker, never concurrently with
// another callback for the same socket. Dial and handshake stages compose via
// [Compose2] through [Compose8], where the compiler verifies that outputs
// match inputs across pipeline stages, the same way single-shot operations do.
//
// # Available Primitives
//
// Connection establishment:
//   - [ConnectFunc]: dials TCP endpoints
//   - [TLSHandshakeFunc]: performs a client-side TLS handshake over an existing connection
//   - [ObserveConnFunc]: observes connections for logging I/O operations
//   - [CancelWatchFunc]: closes connection on context cancellation (for responsive ^C handling)
//
// HTTP/2 DoH:
//   - [HTTPConn]: wraps a connection with an HTTP transport, performs round trips
//     with structured logging and transparent body observation (created via [NewHTTPConnFunc])
//   - [ListenHTTP] / [AddDoHEndpoint]: serve DNS-over-HTTPS on a `:path`-keyed endpoint
//   - [HTTPConnectSendRequest]: perform a single client-side DoH GET/POST exchange
//   - [ParseDoHURL] / [ParseDNSParam]: parse a DoH endpoint URL and its `dns` query parameter
//   - [Base64URLToBase64] / [Base64ToBase64URL] / [EncodeBase64URL] / [DecodeBase64URL]:
//     convert between the URL-safe and standard base64 alphabets used by the GET wire format
//
// Worker pool and sockets:
//   - [Manager]: owns the worker pool and the listener/socket registry
//   - [Socket] / [Handle]: reference-counted, quota-gated connection handles
//   - [Quota]: counting semaphore with FIFO waiter admission
//   - [ListenTCP] / [ConnectTCP]: TCP listener and dialer wired into the worker pool
//   - [ListenTLS] / [ConnectTLS]: TLS listener and dialer layered over the TCP socket
//   - [ListenList]: reference-counted registry of active listeners
//
// Composition utilities:
//   - [Compose2] through [Compose8]: chain Funcs into pipelines
//   - [FuncAdapter]: wrap a function as a Func for ad-hoc custom behavior
//   - [Apply]: bind a fixed input to a Func
//   - [ConstFunc]: lift a pure value into a Func
//   - [NewEndpointFunc]: convenience wrapper for ConstFunc with endpoints
//
// # Connection Lifecycle
//
// This package uses two ownership patterns for connection management:
//
// Dial operations ([ConnectFunc], [TLSHandshakeFunc]) create connections and
// transfer ownership to the next stage on success. On error, they close the connection.
//
// Wrapper types ([HTTPConn], [Socket], etc.) OWN their underlying connection.
// The caller must call Close() when done, which closes the underlying connection;
// closing a [Socket] also releases the quota slot it held. These can be composed into pipelines via
// their corresponding Func types.
//
// See the testable examples for complete code demonstrating these patterns.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with [log/slog]).
//
// By default, logging is disabled. Set the Logger field to a custom [*slog.Logger]
// to enable logging. Error classification is configurable via [ErrClassifier]; by
// default, [NewConfig] uses [DefaultErrClassifier], which is backed by [errclass.New].
//
// Primitives emit two kinds of structured log events:
//
//   - Span events (*Start/*Done pairs): Record operation lifecycle including
//     timing and success/failure. Used for latency analysis and error tracking.
//
//   - Wire observations (e.g., read/write byte counts): Capture transport-level
//     activity for debugging connection behavior.
//
// The [SLogger] interface accepts any slog-compatible handler, enabling flexible
// post-processing. Handlers can filter, transform, or route events as needed.
//
// Events emitted by [ConnectFunc], [TLSHandshakeFunc], [ObserveConnFunc], and
// [HTTPConn] share a common set of fields: remoteAddr, protocol, and t
// (timestamp), plus localAddr on every event except connectStart. Socket-level
// events (listeners, TLS server handshakes, the interlock) carry their own
// fields. Completion events (*Done) additionally include t0 (start
// time), err, and errClass. I/O-level events (read, write, deadline changes)
// are emitted at [slog.LevelDebug]; all other events use [slog.LevelInfo].
//
// Use [NewSpanID] to generate a unique, time-ordered identifier (UUIDv7) for each
// operation, then attach it to the logger with [*slog.Logger.With]. All log entries
// from that operation will share the same spanID, enabling correlation across
// pipeline stages and simplifying log analysis.
//
// # Timeout and Context Philosophy
//
// This package is context-transparent: operations never modify the context they receive.
// The caller controls timeouts externally via [context.WithTimeout], [context.WithDeadline],
// or [signal.NotifyContext]. When the context is done (timeout, cancel, or signal),
// operations fail and the pipeline is interrupted.
//
// Connection lifecycle requires [CancelWatchFunc] to bind the context lifecycle to
// the connection: when the context is done, the connection is closed immediately,
// causing any in-progress I/O to fail. This enables responsive ^C handling via
// [signal.NotifyContext] and ensures that blocking I/O respects the context deadline.
//
// IMPORTANT: Without [CancelWatchFunc] in your pipeline, I/O operations may block
// indefinitely even after the context is done. Always include [CancelWatchFunc]
// when composing connection pipelines to ensure proper timeout behavior.
//
// Socket-level timeouts ([Handle.SetTimeout]) are independent of the context:
// they model a per-operation deadline enforced by the worker pool itself, the
// way a C event loop would arm a timer handle alongside an I/O request.
//
// # Design Boundaries
//
// This package intentionally provides only transport primitives. The following
// are out of scope and should be implemented by higher-level packages:
//
//   - DNS message parsing and wire-format interpretation
//   - Parallel execution (fan-out, racing)
//   - Retry and backoff logic
//   - Multi-step orchestration
//
// These concerns introduce multiple success/failure modes, which would compromise
// the compositional simplicity of the primitives.
package netmgr
