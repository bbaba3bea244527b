// SPDX-License-Identifier: GPL-3.0-or-later

package netmgr

import (
	"math/rand/v2"
	"net"
	"runtime"
	"time"
)

// Config holds common configuration for netmgr operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// Workers is the number of workers in a [*Manager]'s pool.
	//
	// Set by [NewConfig] to [runtime.GOMAXPROCS](0).
	Workers int

	// TLSEngine is a [TLSEngine] carried for callers. No function in this
	// package reads it: [NewTLSHandshakeFunc] always sets [TLSEngineStdlib],
	// and server-side TLS sockets call [crypto/tls.Server] directly.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// Rand selects the worker a new socket is assigned to.
	//
	// Set by [NewConfig] to a [*rand.Rand] seeded from an OS-provided source.
	Rand *rand.Rand
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		TimeNow:       time.Now,
		Workers:       runtime.GOMAXPROCS(0),
		TLSEngine:     TLSEngineStdlib{},
		Rand:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}
