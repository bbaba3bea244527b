// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockopt applies the platform-specific socket options used by the
// TCP listen-bind retry ladder: SO_REUSEADDR/SO_REUSEPORT on EADDRINUSE, and
// IP_FREEBIND (unix-only) on EADDRNOTAVAIL.
package sockopt
